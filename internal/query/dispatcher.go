// Package query interprets request envelopes and answers them against a
// provider, fanning out across modules under one deadline.
package query

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"symq/internal/api"
	"symq/internal/asm"
	"symq/internal/disasm"
	"symq/internal/provider"
	"symq/internal/resolver"
	"symq/internal/source"
)

// Dispatcher answers query envelopes. It is safe for concurrent use.
type Dispatcher struct {
	cfg      Config
	resolver *resolver.Resolver
	engine   *asm.Engine
	sources  *source.Lookup
	logger   *log.Logger
	metrics  *metrics
}

// New validates cfg and builds a Dispatcher over p. reg may be nil.
func New(p provider.Provider, cfg Config, logger *log.Logger, reg prometheus.Registerer) (*Dispatcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid query config: %w", err)
	}
	if logger == nil {
		logger = log.Default()
	}
	r := resolver.New(p, logger)
	return &Dispatcher{
		cfg:      cfg,
		resolver: r,
		engine:   asm.New(p, logger),
		sources:  source.New(r, p, logger),
		logger:   logger,
		metrics:  newMetrics(reg),
	}, nil
}

// Handle decodes body, answers it and encodes the response. impliedKind is
// the kind selected by the transport, or empty. A malformed request yields
// an error wrapping api.ErrMalformedRequest together with an encoded error
// body; every other outcome, including provider failures, is reported inside
// the body with a nil error.
func (d *Dispatcher) Handle(ctx context.Context, body []byte, impliedKind string) ([]byte, error) {
	start := time.Now()
	req, err := api.DecodeRequest(body, impliedKind)
	if err == nil {
		err = d.check(req)
	}
	if err != nil {
		d.metrics.requestDuration.WithLabelValues(impliedKind, statusMalformed).Observe(time.Since(start).Seconds())
		a, _ := api.NewAssembler(api.DefaultVersion)
		out, encErr := api.Encode(a.Error(nil, err))
		if encErr != nil {
			return nil, encErr
		}
		return out, err
	}

	resp, err := d.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	return api.Encode(resp)
}

// Do answers a decoded request and returns the response value. req must
// have passed Validate.
func (d *Dispatcher) Do(ctx context.Context, req *api.Request) (any, error) {
	if err := d.check(req); err != nil {
		return nil, err
	}
	a, err := api.NewAssembler(req.Version)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", api.ErrMalformedRequest, err)
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	var (
		resp   any
		status = statusSuccess
	)
	switch req.Kind {
	case api.KindSymbolicate:
		resp = a.Symbolicate(d.symbolicate(ctx, req))
	case api.KindDisassemble:
		res, err := awaitDeadline(ctx, func() (*asm.Result, error) { return d.disassemble(ctx, req) })
		if err != nil {
			status = statusFailed
			resp = a.Error(req.Module, err)
			break
		}
		resp = a.Disassembly(res)
	case api.KindSource:
		res, err := awaitDeadline(ctx, func() (*source.Result, error) {
			return d.sources.Lookup(ctx, req.Module.Key(), uint64(*req.Address), req.File)
		})
		if err != nil {
			status = statusFailed
			resp = a.Error(req.Module, err)
			break
		}
		resp = a.Source(res)
	}

	d.metrics.requestDuration.WithLabelValues(req.Kind, status).Observe(time.Since(start).Seconds())
	return resp, nil
}

// check applies limits that depend on configuration.
func (d *Dispatcher) check(req *api.Request) error {
	if req.Kind == api.KindDisassemble && req.Length != nil && uint64(*req.Length) > d.cfg.MaxDisassembleLength {
		return fmt.Errorf("%w: length %d exceeds the maximum of %d bytes",
			api.ErrMalformedRequest, uint64(*req.Length), d.cfg.MaxDisassembleLength)
	}
	return nil
}

func (d *Dispatcher) disassemble(ctx context.Context, req *api.Request) (*asm.Result, error) {
	syntax := d.cfg.DefaultSyntax
	if req.Syntax != "" {
		s, err := disasm.ParseSyntax(req.Syntax)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", api.ErrMalformedRequest, err)
		}
		syntax = s
	}
	res, err := d.engine.Disassemble(ctx, req.Module.Key(), uint64(*req.StartAddress), uint64(*req.Length), syntax)
	if err != nil {
		return nil, err
	}
	d.metrics.decodedBytes.Add(float64(res.Length))
	d.metrics.undecodable.Add(float64(res.Instructions.Undecodable()))
	return res, nil
}

// awaitDeadline runs fn on its own goroutine and stops waiting when ctx
// ends, so a provider that ignores ctx cannot hold the request past its
// deadline. fn keeps running until it returns; its result is dropped.
func awaitDeadline[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		var r result
		defer func() {
			if p := recover(); p != nil {
				r.err = provider.Fail(provider.ReasonInternal, fmt.Errorf("panic: %v", p))
			}
			done <- r
		}()
		r.v, r.err = fn()
	}()

	select {
	case r := <-done:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		err := ctx.Err()
		return zero, provider.Fail(provider.ReasonOf(err), fmt.Errorf("request not finished: %w", err))
	}
}

// addressQuery is one requested address. index is its position in the
// flattened request and is used only to restore order.
type addressQuery struct {
	key     provider.ModuleKey
	address uint64
	index   int
}

// moduleSlot receives the result of one module task. res may only be read
// after done is closed.
type moduleSlot struct {
	key   provider.ModuleKey
	addrs []uint64
	done  chan struct{}
	res   *resolver.Result
}

func (d *Dispatcher) symbolicate(ctx context.Context, req *api.Request) []api.Section {
	total := req.AddressCount()
	d.metrics.requestAddrs.Observe(float64(total))

	queries := make([]addressQuery, 0, total)
	slotOf := make(map[provider.ModuleKey]int)
	var slots []*moduleSlot
	for _, m := range req.Modules {
		key := m.Module().Key()
		i, ok := slotOf[key]
		if !ok {
			i = len(slots)
			slotOf[key] = i
			slots = append(slots, &moduleSlot{key: key, done: make(chan struct{})})
		}
		for _, a := range m.Addresses {
			slots[i].addrs = append(slots[i].addrs, uint64(a))
			queries = append(queries, addressQuery{key: key, address: uint64(a), index: len(queries)})
		}
	}

	results := d.resolveAll(ctx, slots)

	outcomes := make([]resolver.Outcome, len(queries))
	for _, q := range queries {
		outcomes[q.index] = results[slotOf[q.key]].Outcome(q.address)
	}

	sections := make([]api.Section, len(req.Modules))
	next := 0
	for i, m := range req.Modules {
		n := len(m.Addresses)
		sections[i] = api.Section{
			Module:      m.Module(),
			Outcomes:    outcomes[next : next+n],
			ModuleError: results[slotOf[m.Module().Key()]].Module,
		}
		next += n
	}
	return sections
}

// resolveAll runs one task per slot and returns one result per slot. Slots
// that have not finished when ctx ends are answered with a timeout or
// cancellation outcome; their tasks keep running until they notice ctx.
func (d *Dispatcher) resolveAll(ctx context.Context, slots []*moduleSlot) []*resolver.Result {
	g := new(errgroup.Group)
	g.SetLimit(d.cfg.MaxConcurrency)

	// g.Go blocks at the limit, so tasks are launched from a separate
	// goroutine and the collection loop below can honour the deadline.
	go func() {
		for _, s := range slots {
			if ctx.Err() != nil {
				return
			}
			g.Go(func() error {
				defer close(s.done)
				s.res = d.resolveModule(ctx, s)
				return nil
			})
		}
	}()

	results := make([]*resolver.Result, len(slots))
	for i, s := range slots {
		select {
		case <-s.done:
			results[i] = s.res
		case <-ctx.Done():
			select {
			case <-s.done:
				results[i] = s.res
			default:
				o := resolver.ErrorOutcome(fmt.Errorf("module %s not finished: %w", s.key, ctx.Err()))
				results[i] = &resolver.Result{Key: s.key, Module: &o}
				d.logger.Warn("module abandoned at deadline", "module", s.key, "addresses", len(s.addrs))
			}
		}
		d.metrics.moduleOutcomes.WithLabelValues(moduleResult(results[i])).Inc()
	}
	return results
}

func (d *Dispatcher) resolveModule(ctx context.Context, s *moduleSlot) (res *resolver.Result) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("panic while resolving module", "module", s.key, "panic", r, "stack", string(debug.Stack()))
			o := resolver.FailureOutcome(provider.ReasonInternal, fmt.Errorf("panic: %v", r))
			res = &resolver.Result{Key: s.key, Module: &o}
		}
	}()
	if err := ctx.Err(); err != nil {
		o := resolver.ErrorOutcome(err)
		return &resolver.Result{Key: s.key, Module: &o}
	}
	return d.resolver.Resolve(ctx, s.key, s.addrs)
}

func moduleResult(r *resolver.Result) string {
	if r.Module == nil {
		return "resolved"
	}
	if r.Module.Kind == resolver.ModuleNotFound {
		return "module_not_found"
	}
	if r.Module.Reason != "" {
		return r.Module.Reason
	}
	return "provider_error"
}

// IsMalformed reports whether err rejects the whole request.
func IsMalformed(err error) bool {
	return errors.Is(err, api.ErrMalformedRequest)
}
