package query

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"symq/internal/api"
	"symq/internal/disasm"
	"symq/internal/provider"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var (
	libfoo = provider.ModuleKey{DebugName: "libfoo", DebugID: "ABCD1234"}
	libbar = provider.ModuleKey{DebugName: "libbar", DebugID: "00FF"}
	slow   = provider.ModuleKey{DebugName: "libslow", DebugID: "1"}
)

func newTestProvider() *provider.Memory {
	return provider.NewMemory().
		Add(libfoo, &provider.MemoryModule{
			Arch:       disasm.X86_64,
			Base:       0x2000,
			Code:       []byte{0x48, 0x89, 0xe5, 0x0f, 0x0f},
			MappedSize: 0x10000,
			Frames: map[uint64]provider.Frame{
				0x100: {
					Function: provider.String("foo"),
					File:     provider.String("foo.c"),
					Line:     provider.Uint32(10),
				},
			},
			Sources: map[string]string{"foo.c": "int foo(void) { return 1; }\n"},
		}).
		Add(libbar, &provider.MemoryModule{
			Symbols: []provider.Symbol{
				{Address: 0x10, Size: 0x10, Name: "bar", File: "bar.c", Line: 3},
				{Address: 0x40, Size: 0x20, Name: "baz"},
			},
		})
}

func newTestDispatcher(t *testing.T, p provider.Provider, cfg Config) (*Dispatcher, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	logger := log.New(io.Discard)
	d, err := New(p, cfg, logger, reg)
	require.NoError(t, err)
	return d, reg
}

func handle(t *testing.T, d *Dispatcher, body string) string {
	t.Helper()
	out, err := d.Handle(context.Background(), []byte(body), "")
	require.NoError(t, err)
	return string(out)
}

func TestSymbolicateExample(t *testing.T) {
	d, _ := newTestDispatcher(t, newTestProvider(), DefaultConfig())
	out := handle(t, d, `{"version":1,"kind":"symbolicate",
		"modules":[{"name":"libfoo","id":"ABCD1234","addresses":["0x100","0x999999"]}]}`)
	assert.JSONEq(t, `{"version":1,"modules":[{"name":"libfoo","id":"ABCD1234",
		"results":[{"name":"foo","file":"foo.c","line":10},{}]}]}`, out)
}

func TestSymbolicateOrderAndIsolation(t *testing.T) {
	p := newTestProvider()
	d, reg := newTestDispatcher(t, p, DefaultConfig())

	out := handle(t, d, `{"kind":"symbolicate","modules":[
		{"name":"libbar","id":"00FF","addresses":["0x48","0x14",5]},
		{"name":"missing","id":"X","addresses":[1,2]},
		{"name":"libfoo","id":"ABCD1234","addresses":[256]}]}`)

	assert.JSONEq(t, `{"version":1,"modules":[
		{"name":"libbar","id":"00FF","results":[
			{"name":"baz","function_offset":"0x8","function_size":"0x20"},
			{"name":"bar","function_offset":"0x4","function_size":"0x10","file":"bar.c","line":3},
			{}]},
		{"name":"missing","id":"X",
			"error":{"error_code":"module_not_found","message":"module not found"},
			"results":[
				{"error_code":"module_not_found","message":"module not found"},
				{"error_code":"module_not_found","message":"module not found"}]},
		{"name":"libfoo","id":"ABCD1234","results":[{"name":"foo","file":"foo.c","line":10}]}]}`, out)

	assert.Equal(t, 1.0, testutil.ToFloat64(d.metrics.moduleOutcomes.WithLabelValues("module_not_found")))
	assert.Equal(t, 2.0, testutil.ToFloat64(d.metrics.moduleOutcomes.WithLabelValues("resolved")))
	assert.Equal(t, 1, testutil.CollectAndCount(d.metrics.requestDuration))
	n, err := testutil.GatherAndCount(reg, "symq_request_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSymbolicateCoalescesModules(t *testing.T) {
	p := newTestProvider()
	d, _ := newTestDispatcher(t, p, DefaultConfig())

	out := handle(t, d, `{"kind":"symbolicate","modules":[
		{"name":"libbar","id":"00FF","addresses":["0x10","0x10","0x41"]},
		{"name":"libbar","id":"00FF","addresses":["0x41","0x10"]}]}`)

	bar := `{"name":"bar","function_offset":"0x0","function_size":"0x10","file":"bar.c","line":3}`
	baz := `{"name":"baz","function_offset":"0x1","function_size":"0x20"}`
	assert.JSONEq(t, fmt.Sprintf(`{"version":1,"modules":[
		{"name":"libbar","id":"00FF","results":[%[1]s,%[1]s,%[2]s]},
		{"name":"libbar","id":"00FF","results":[%[2]s,%[1]s]}]}`, bar, baz), out)

	calls := p.Calls(libbar)
	assert.Equal(t, 1, calls.CheckModule)
	assert.Equal(t, 2, calls.Lookup)
}

func TestSymbolicateTimeout(t *testing.T) {
	p := newTestProvider().
		Add(slow, &provider.MemoryModule{Symbols: []provider.Symbol{{Address: 0, Name: "never"}}}).
		Delay(slow, time.Minute)
	cfg := DefaultConfig()
	cfg.Timeout = 50 * time.Millisecond
	d, _ := newTestDispatcher(t, p, cfg)

	out, err := d.Handle(context.Background(), []byte(`{"kind":"symbolicate","modules":[
		{"name":"libfoo","id":"ABCD1234","addresses":["0x100"]},
		{"name":"libslow","id":"1","addresses":[1,2,3]}]}`), api.KindSymbolicate)
	require.NoError(t, err)

	var resp struct {
		Modules []struct {
			Error   *api.ErrorObject `json:"error"`
			Results []map[string]any `json:"results"`
		} `json:"modules"`
	}
	require.NoError(t, json.Unmarshal(out, &resp))
	require.Len(t, resp.Modules, 2)

	assert.Nil(t, resp.Modules[0].Error)
	require.Len(t, resp.Modules[0].Results, 1)
	assert.Equal(t, "foo", resp.Modules[0].Results[0]["name"])

	require.NotNil(t, resp.Modules[1].Error)
	assert.Equal(t, "timeout", resp.Modules[1].Error.Code)
	require.Len(t, resp.Modules[1].Results, 3)
	for _, r := range resp.Modules[1].Results {
		assert.Equal(t, "timeout", r["error_code"])
	}
}

func TestSymbolicateCanceledBeforeStart(t *testing.T) {
	d, _ := newTestDispatcher(t, newTestProvider(), DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out, err := d.Handle(ctx, []byte(`{"kind":"symbolicate","modules":[{"name":"libfoo","id":"ABCD1234","addresses":[1]}]}`), "")
	require.NoError(t, err)
	assert.Contains(t, string(out), `"error_code":"canceled"`)
}

func TestSymbolicateConcurrencyLimit(t *testing.T) {
	p := provider.NewMemory()
	var body strings.Builder
	body.WriteString(`{"kind":"symbolicate","modules":[`)
	for i := range 20 {
		key := provider.ModuleKey{DebugName: fmt.Sprintf("m%02d", i), DebugID: "1"}
		p.Add(key, &provider.MemoryModule{Symbols: []provider.Symbol{{Address: 0, Name: key.DebugName}}})
		p.Delay(key, time.Millisecond)
		if i > 0 {
			body.WriteString(",")
		}
		fmt.Fprintf(&body, `{"name":%q,"id":"1","addresses":[%d]}`, key.DebugName, i)
	}
	body.WriteString(`]}`)

	cfg := DefaultConfig()
	cfg.MaxConcurrency = 3
	d, _ := newTestDispatcher(t, p, cfg)

	var resp api.SymbolicateResponse
	require.NoError(t, json.Unmarshal([]byte(handle(t, d, body.String())), &resp))
	require.Len(t, resp.Modules, 20)
	for i, m := range resp.Modules {
		assert.Equal(t, fmt.Sprintf("m%02d", i), m.Name)
		require.Len(t, m.Results, 1)
		assert.Equal(t, m.Name, m.Results[0].(map[string]any)["name"])
	}
}

func TestSymbolicateIdempotent(t *testing.T) {
	d, _ := newTestDispatcher(t, newTestProvider(), DefaultConfig())
	body := `{"version":2,"kind":"symbolicate","modules":[
		{"name":"libbar","id":"00FF","addresses":["0x48","0x14",5,"0x14"]},
		{"name":"missing","id":"X","addresses":[1]},
		{"name":"libfoo","id":"ABCD1234","addresses":[256,"0x999999"]}]}`

	first := handle(t, d, body)
	for range 5 {
		assert.Equal(t, first, handle(t, d, body))
	}
}

type panicky struct {
	*provider.Memory
}

func (p panicky) Lookup(ctx context.Context, key provider.ModuleKey, addr uint64) (*provider.Frame, error) {
	if key == libbar {
		panic("corrupt debug info")
	}
	return p.Memory.Lookup(ctx, key, addr)
}

func TestSymbolicatePanicIsolated(t *testing.T) {
	d, _ := newTestDispatcher(t, panicky{newTestProvider()}, DefaultConfig())
	out := handle(t, d, `{"kind":"symbolicate","modules":[
		{"name":"libbar","id":"00FF","addresses":[16]},
		{"name":"libfoo","id":"ABCD1234","addresses":[256]}]}`)

	var resp api.SymbolicateResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.Len(t, resp.Modules, 2)
	require.NotNil(t, resp.Modules[0].Error)
	assert.Equal(t, "internal", resp.Modules[0].Error.Code)
	assert.Equal(t, "foo", resp.Modules[1].Results[0].(map[string]any)["name"])
}

func TestMalformedFailsFast(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"garbage", `not json`},
		{"unknown kind", `{"kind":"x","modules":[{"name":"libfoo","id":"ABCD1234","addresses":[1]}]}`},
		{"bad address", `{"kind":"symbolicate","modules":[{"name":"libfoo","id":"ABCD1234","addresses":[1,"q"]}]}`},
		{"wrapping range", `{"kind":"disassemble","module":{"name":"libfoo","id":"ABCD1234"},"start_address":"0xfffffffffffffff0","length":"0x20"}`},
		{"too long", `{"kind":"disassemble","module":{"name":"libfoo","id":"ABCD1234"},"start_address":"0x2000","length":"0x100000000"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestProvider()
			d, _ := newTestDispatcher(t, p, DefaultConfig())

			out, err := d.Handle(context.Background(), []byte(tt.body), "")
			require.Error(t, err)
			assert.True(t, IsMalformed(err))
			assert.Contains(t, string(out), `"error_code":"malformed_request"`)
			assert.Equal(t, provider.CallStats{}, p.Calls(libfoo))
		})
	}
}

func TestDisassembleExample(t *testing.T) {
	d, _ := newTestDispatcher(t, newTestProvider(), DefaultConfig())
	out := handle(t, d, `{"kind":"disassemble","module":{"name":"libfoo","id":"ABCD1234"},
		"start_address":"0x2000","length":5}`)
	assert.JSONEq(t, `{"version":1,"module":{"name":"libfoo","id":"ABCD1234"},"arch":"x86_64","syntax":"intel",
		"start_address":"0x2000","length":5,"instructions":[
		{"offset":"0x2000","length":3,"text":"mov rbp, rsp"},
		{"offset":"0x2003","length":1,"undecodable":true,"bytes":"0f"},
		{"offset":"0x2004","length":1,"undecodable":true,"bytes":"0f"}]}`, out)
	assert.Equal(t, 2.0, testutil.ToFloat64(d.metrics.undecodable))
	assert.Equal(t, 5.0, testutil.ToFloat64(d.metrics.decodedBytes))
}

func TestDisassembleErrors(t *testing.T) {
	d, _ := newTestDispatcher(t, newTestProvider(), DefaultConfig())
	tests := []struct {
		name string
		body string
		code string
	}{
		{"truncated", `{"kind":"disassemble","module":{"name":"libfoo","id":"ABCD1234"},"start_address":"0x2000","length":6}`, "truncated_range"},
		{"unmapped", `{"kind":"disassemble","module":{"name":"libfoo","id":"ABCD1234"},"start_address":"0x10","length":1}`, "truncated_range"},
		{"missing module", `{"kind":"disassemble","module":{"name":"nope","id":"1"},"start_address":0,"length":1}`, "module_not_found"},
		{"no arch", `{"kind":"disassemble","module":{"name":"libbar","id":"00FF"},"start_address":0,"length":0}`, "unsupported_arch"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var resp api.ErrorResponse
			require.NoError(t, json.Unmarshal([]byte(handle(t, d, tt.body)), &resp))
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.code, resp.Error.Code)
		})
	}
}

func TestSourceQuery(t *testing.T) {
	d, _ := newTestDispatcher(t, newTestProvider(), DefaultConfig())

	out := handle(t, d, `{"kind":"source","module":{"name":"libfoo","id":"ABCD1234"},"address":"0x100","file":"foo.c"}`)
	assert.JSONEq(t, `{"version":1,"module":{"name":"libfoo","id":"ABCD1234"},"address":"0x100",
		"file":"foo.c","source":"int foo(void) { return 1; }\n"}`, out)

	out = handle(t, d, `{"kind":"source","module":{"name":"libfoo","id":"ABCD1234"},"address":"0x100","file":"/etc/passwd"}`)
	assert.Contains(t, out, `"error_code":"file_not_referenced"`)
}

// stalled ignores ctx in the byte and source reads and blocks until the
// test ends.
type stalled struct {
	*provider.Memory
	release chan struct{}
}

func newStalled(t *testing.T) stalled {
	s := stalled{Memory: newTestProvider(), release: make(chan struct{})}
	t.Cleanup(func() { close(s.release) })
	return s
}

func (s stalled) ReadRange(_ context.Context, key provider.ModuleKey, addr, length uint64) ([]byte, error) {
	<-s.release
	return s.Memory.ReadRange(context.Background(), key, addr, length)
}

func (s stalled) ReadSource(_ context.Context, key provider.ModuleKey, path string) ([]byte, error) {
	<-s.release
	return s.Memory.ReadSource(context.Background(), key, path)
}

func TestSingleModuleKindsHonourDeadline(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"disassemble", `{"kind":"disassemble","module":{"name":"libfoo","id":"ABCD1234"},"start_address":"0x2000","length":5}`},
		{"source", `{"kind":"source","module":{"name":"libfoo","id":"ABCD1234"},"address":"0x100","file":"foo.c"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Timeout = 50 * time.Millisecond
			d, _ := newTestDispatcher(t, newStalled(t), cfg)

			start := time.Now()
			out := handle(t, d, tt.body)
			assert.Less(t, time.Since(start), 2*time.Second)

			var resp api.ErrorResponse
			require.NoError(t, json.Unmarshal([]byte(out), &resp))
			require.NotNil(t, resp.Error)
			assert.Equal(t, "timeout", resp.Error.Code)
			assert.Equal(t, "libfoo", resp.Module.Name)
		})
	}
}

func TestSymbolicateUnparsableModule(t *testing.T) {
	p := newTestProvider().FailModule(libbar, provider.Failf(provider.ReasonParse, "corrupt DWARF"))
	d, _ := newTestDispatcher(t, p, DefaultConfig())
	out := handle(t, d, `{"kind":"symbolicate","modules":[{"name":"libbar","id":"00FF","addresses":[16,64]}]}`)

	var resp struct {
		Modules []struct {
			Error   *api.ErrorObject `json:"error"`
			Results []map[string]any `json:"results"`
		} `json:"modules"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.Len(t, resp.Modules, 1)
	require.NotNil(t, resp.Modules[0].Error)
	assert.Equal(t, "module_not_found", resp.Modules[0].Error.Code)
	assert.Contains(t, resp.Modules[0].Error.Message, "corrupt DWARF")
	require.Len(t, resp.Modules[0].Results, 2)
	for _, r := range resp.Modules[0].Results {
		assert.Equal(t, "module_not_found", r["error_code"])
	}
}

func TestHandleConcurrentRequests(t *testing.T) {
	d, _ := newTestDispatcher(t, newTestProvider(), DefaultConfig())
	body := `{"kind":"symbolicate","modules":[{"name":"libbar","id":"00FF","addresses":[16,64]},{"name":"libfoo","id":"ABCD1234","addresses":[256]}]}`
	want := handle(t, d, body)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := d.Handle(context.Background(), []byte(body), "")
			assert.NoError(t, err)
			assert.Equal(t, want, string(out))
		}()
	}
	wg.Wait()
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timeout")
	assert.Contains(t, err.Error(), "max concurrency")

	_, err = New(provider.NewMemory(), cfg, nil, nil)
	assert.Error(t, err)

	def := DefaultConfig()
	assert.NoError(t, def.Validate())
}
