// Package resolver turns provider symbol lookups for one module into one
// Outcome per address.
package resolver

import (
	"context"
	"errors"
	"slices"

	"github.com/charmbracelet/log"

	"symq/internal/provider"
)

// Result holds the outcomes for one module.
type Result struct {
	Key provider.ModuleKey
	// Module is set when the whole module failed; every address then carries
	// the same outcome.
	Module    *Outcome
	ByAddress map[uint64]Outcome
}

// Outcome returns the outcome for addr. Addresses that were never asked for
// yield an internal ProviderError rather than a zero value.
func (r *Result) Outcome(addr uint64) Outcome {
	if o, ok := r.ByAddress[addr]; ok {
		return o
	}
	if r.Module != nil {
		return *r.Module
	}
	return FailureOutcome(provider.ReasonInternal, errors.New("address was not resolved"))
}

// Resolver resolves addresses against a SymbolProvider.
type Resolver struct {
	symbols provider.SymbolProvider
	logger  *log.Logger
}

// New returns a Resolver over symbols. A nil logger uses the default.
func New(symbols provider.SymbolProvider, logger *log.Logger) *Resolver {
	if logger == nil {
		logger = log.Default()
	}
	return &Resolver{symbols: symbols, logger: logger}
}

// Resolve looks up every distinct address of addrs once, in ascending order.
func (r *Resolver) Resolve(ctx context.Context, key provider.ModuleKey, addrs []uint64) *Result {
	unique := slices.Clone(addrs)
	slices.Sort(unique)
	unique = slices.Compact(unique)

	res := &Result{Key: key, ByAddress: make(map[uint64]Outcome, len(unique))}

	if err := r.symbols.CheckModule(ctx, key); err != nil {
		o := ModuleOutcome(err)
		res.Module = &o
		for _, a := range unique {
			res.ByAddress[a] = o
		}
		r.logger.Debug("module unavailable", "module", key, "kind", o.Kind, "reason", o.Reason, "err", err)
		return res
	}

	var failed int
	for i, a := range unique {
		if err := ctx.Err(); err != nil {
			o := ErrorOutcome(err)
			for _, rest := range unique[i:] {
				res.ByAddress[rest] = o
			}
			failed += len(unique) - i
			break
		}

		o := r.lookup(ctx, key, a)
		if o.IsError() {
			failed++
		}
		res.ByAddress[a] = o
	}

	r.logger.Debug("resolved module", "module", key, "addresses", len(addrs), "unique", len(unique), "failed", failed)
	return res
}

func (r *Resolver) lookup(ctx context.Context, key provider.ModuleKey, addr uint64) Outcome {
	f, err := r.symbols.Lookup(ctx, key, addr)
	switch {
	case err == nil:
		return ResolvedOutcome(f)
	case errors.Is(err, provider.ErrAddressNotFound):
		return ResolvedOutcome(nil)
	case errors.Is(err, provider.ErrAddressOutOfRange):
		return Outcome{Kind: AddressOutOfRange, Frame: &provider.Frame{}}
	}
	return ErrorOutcome(err)
}

func isModuleNotFound(err error) bool {
	return errors.Is(err, provider.ErrModuleNotFound)
}
