package server

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"symq/internal/disasm"
	"symq/internal/provider"
	"symq/internal/query"
)

func newTestServer(t *testing.T, opts Options) *httptest.Server {
	t.Helper()
	p := provider.NewMemory().Add(provider.ModuleKey{DebugName: "libfoo", DebugID: "ABCD1234"}, &provider.MemoryModule{
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
	})

	reg := prometheus.NewRegistry()
	logger := log.New(io.Discard)
	d, err := query.New(p, query.DefaultConfig(), logger, reg)
	require.NoError(t, err)

	opts.Gatherer = reg
	opts.Logger = logger
	ts := httptest.NewServer(New(d, opts).Handler())
	t.Cleanup(ts.Close)
	return ts
}

func post(t *testing.T, ts *httptest.Server, path, body string) (*http.Response, string) {
	t.Helper()
	resp, err := http.Post(ts.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(out)
}

func TestSymbolicateEndpoint(t *testing.T) {
	ts := newTestServer(t, Options{})

	resp, body := post(t, ts, "/symbolicate/v1",
		`{"modules":[{"name":"libfoo","id":"ABCD1234","addresses":["0x100","0x999999"]}]}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.NotEmpty(t, resp.Header.Get(requestIDHeader))
	assert.JSONEq(t, `{"version":1,"modules":[{"name":"libfoo","id":"ABCD1234",
		"results":[{"name":"foo","file":"foo.c","line":10},{}]}]}`, body)
}

func TestQueryEnvelopeEndpoint(t *testing.T) {
	ts := newTestServer(t, Options{})

	resp, body := post(t, ts, "/query", `{"kind":"disassemble",
		"module":{"name":"libfoo","id":"ABCD1234"},"start_address":"0x2000","length":5}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `"instructions"`)

	// Provider failures are reported in a 200 body.
	resp, body = post(t, ts, "/asm/v1", `{"module":{"name":"nope","id":"1"},"start_address":0,"length":1}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "module_not_found")
}

func TestMalformedRequests(t *testing.T) {
	ts := newTestServer(t, Options{})

	for name, tc := range map[string]struct{ path, body string }{
		"not json":      {"/query", `{`},
		"missing kind":  {"/query", `{"modules":[]}`},
		"kind mismatch": {"/asm/v1", `{"kind":"symbolicate","modules":[]}`},
		"bad address":   {"/symbolicate/v1", `{"modules":[{"name":"a","id":"b","addresses":["zz"]}]}`},
	} {
		t.Run(name, func(t *testing.T) {
			resp, body := post(t, ts, tc.path, tc.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Contains(t, body, "malformed_request")
		})
	}
}

func TestBodyLimit(t *testing.T) {
	ts := newTestServer(t, Options{MaxBodyBytes: 16})
	resp, _ := post(t, ts, "/query", `{"kind":"symbolicate","modules":[]}`)
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestMethodAndRoutes(t *testing.T) {
	ts := newTestServer(t, Options{})

	resp, err := http.Get(ts.URL + "/query")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	post(t, ts, "/symbolicate/v1", `{"modules":[]}`)
	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	metrics, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(metrics), "symq_request_duration_seconds")
}

func TestRequestIDPropagated(t *testing.T) {
	ts := newTestServer(t, Options{})

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/healthz", nil)
	require.NoError(t, err)
	req.Header.Set(requestIDHeader, "abc-123")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "abc-123", resp.Header.Get(requestIDHeader))
}

func TestServeShutdown(t *testing.T) {
	p := provider.NewMemory()
	d, err := query.New(p, query.DefaultConfig(), log.New(io.Discard), prometheus.NewRegistry())
	require.NoError(t, err)
	s := New(d, Options{Logger: log.New(io.Discard)})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not shut down")
	}
}
