package cmd

import (
	"encoding/hex"
	"fmt"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"symq/internal/api"
	"symq/internal/disasm"
	"symq/internal/ui/colorize"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func newAsmCmd(a *app) *cobra.Command {
	var (
		syntax  string
		rawJSON bool
	)

	cmd := &cobra.Command{
		Use:   "asm <module> <id> <start> <length>",
		Short: "Disassemble an address range",
		Long: `Disassemble length bytes of a module starting at start and print a listing.
Set SYMQ_NO_COLOR to disable colors.`,
		Example: `
symq asm --fixture modules.json libfoo ABCD1234 0x2000 16
symq asm --syntax att libxul.so 0123ABCD 0x1a2b00 0x40
  `,
		Args: cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			start, err := api.ParseAddress(args[2])
			if err != nil {
				return err
			}
			length, err := api.ParseAddress(args[3])
			if err != nil {
				return err
			}
			module := api.Module{Name: args[0], ID: args[1]}

			body, err := json.Marshal(api.Request{
				Kind:         api.KindDisassemble,
				Module:       &module,
				StartAddress: &start,
				Length:       &length,
				Syntax:       syntax,
			})
			if err != nil {
				return err
			}

			p, closeProvider, err := a.provider()
			if err != nil {
				return err
			}
			defer closeProvider()

			d, err := a.dispatcher(p, nil)
			if err != nil {
				return err
			}
			out, err := d.Handle(cmd.Context(), body, "")
			if err != nil {
				return err
			}
			if rawJSON {
				_, err := fmt.Fprintln(cmd.OutOrStdout(), string(out))
				return err
			}

			var failed api.ErrorResponse
			if err := json.Unmarshal(out, &failed); err == nil && failed.Error != nil {
				return fmt.Errorf("%s: %s", failed.Error.Code, failed.Error.Message)
			}
			var resp api.DisassembleResponse
			if err := json.Unmarshal(out, &resp); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}

			raw, err := p.ReadRange(cmd.Context(), module.Key(), uint64(start), uint64(length))
			if err != nil {
				a.logger.Debug("read raw bytes", "err", err)
			}
			arch, _ := disasm.ParseArch(resp.Arch)
			syn, _ := disasm.ParseSyntax(resp.Syntax)
			_, err = fmt.Fprint(cmd.OutOrStdout(), colorize.Listing(arch, syn, listingLines(resp, raw)))
			return err
		},
	}
	cmd.Flags().StringVarP(&syntax, "syntax", "s", "", "x86 operand syntax: intel or att")
	cmd.Flags().BoolVarP(&rawJSON, "json", "j", false, "Print the JSON response instead of a listing")
	return cmd
}

// listingLines pairs instructions with their encoding from raw, which starts
// at the response's start address.
func listingLines(resp api.DisassembleResponse, raw []byte) []colorize.Line {
	lines := make([]colorize.Line, 0, len(resp.Instructions))
	for _, in := range resp.Instructions {
		ln := colorize.Line{
			Addr:        uint64(in.Offset),
			Text:        in.Text,
			Undecodable: in.Undecodable,
			Bytes:       in.Bytes,
		}
		off := uint64(in.Offset) - uint64(resp.StartAddress)
		if ln.Bytes == "" && off+uint64(in.Length) <= uint64(len(raw)) {
			ln.Bytes = hex.EncodeToString(raw[off : off+uint64(in.Length)])
		}
		lines = append(lines, ln)
	}
	return lines
}
