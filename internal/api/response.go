package api

// Frame is a resolved address on the wire. Absent optional fields are either
// omitted or rendered as null depending on the schema version.
type Frame struct {
	Name           *string
	FunctionOffset *Address
	FunctionSize   *Address
	File           *string
	Line           *uint32
	InlineFrames   []InlineFrame

	explicitNulls bool
}

// InlineFrame is one inlined call level, outermost first.
type InlineFrame struct {
	Name *string
	File *string
	Line *uint32

	explicitNulls bool
}

type frameCompact struct {
	Name           *string       `json:"name,omitempty"`
	FunctionOffset *Address      `json:"function_offset,omitempty"`
	FunctionSize   *Address      `json:"function_size,omitempty"`
	File           *string       `json:"file,omitempty"`
	Line           *uint32       `json:"line,omitempty"`
	InlineFrames   []InlineFrame `json:"inline_frames,omitempty"`
	explicitNulls  bool
}

type frameExplicit struct {
	Name           *string       `json:"name"`
	FunctionOffset *Address      `json:"function_offset"`
	FunctionSize   *Address      `json:"function_size"`
	File           *string       `json:"file"`
	Line           *uint32       `json:"line"`
	InlineFrames   []InlineFrame `json:"inline_frames"`
	explicitNulls  bool
}

func (f Frame) MarshalJSON() ([]byte, error) {
	if f.explicitNulls {
		if f.InlineFrames == nil {
			f.InlineFrames = []InlineFrame{}
		}
		return json.Marshal(frameExplicit(f))
	}
	return json.Marshal(frameCompact(f))
}

type inlineCompact struct {
	Name          *string `json:"name,omitempty"`
	File          *string `json:"file,omitempty"`
	Line          *uint32 `json:"line,omitempty"`
	explicitNulls bool
}

type inlineExplicit struct {
	Name          *string `json:"name"`
	File          *string `json:"file"`
	Line          *uint32 `json:"line"`
	explicitNulls bool
}

func (f InlineFrame) MarshalJSON() ([]byte, error) {
	if f.explicitNulls {
		return json.Marshal(inlineExplicit(f))
	}
	return json.Marshal(inlineCompact(f))
}

// ModuleResults answers one section of a symbolicate request. Results holds
// one entry per requested address, each a Frame or an *ErrorObject.
type ModuleResults struct {
	Name    string       `json:"name"`
	ID      string       `json:"id"`
	Error   *ErrorObject `json:"error,omitempty"`
	Results []any        `json:"results"`
}

type SymbolicateResponse struct {
	Version int             `json:"version"`
	Modules []ModuleResults `json:"modules"`
}

// Instruction is one decoded or undecodable instruction. Offset is absolute.
type Instruction struct {
	Offset      Address `json:"offset"`
	Length      int     `json:"length"`
	Text        string  `json:"text,omitempty"`
	Undecodable bool    `json:"undecodable,omitempty"`
	Bytes       string  `json:"bytes,omitempty"`
}

type DisassembleResponse struct {
	Version      int           `json:"version"`
	Module       Module        `json:"module"`
	Arch         string        `json:"arch"`
	Syntax       string        `json:"syntax,omitempty"`
	StartAddress Address       `json:"start_address"`
	Length       uint64        `json:"length"`
	Instructions []Instruction `json:"instructions"`
}

type SourceResponse struct {
	Version int     `json:"version"`
	Module  Module  `json:"module"`
	Address Address `json:"address"`
	File    string  `json:"file"`
	Source  string  `json:"source"`
}

// ErrorResponse is a whole-request failure.
type ErrorResponse struct {
	Version int          `json:"version"`
	Module  *Module      `json:"module,omitempty"`
	Error   *ErrorObject `json:"error"`
}
