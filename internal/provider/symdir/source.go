package symdir

import (
	"context"
	"errors"
	"io/fs"

	"github.com/spf13/afero"

	"symq/internal/provider"
)

// sourceRoots returns one filesystem per configured root. Paths are resolved
// inside the root, and paths that would escape it are reported as missing.
// Without roots, paths are read from the provider filesystem as they are.
func sourceRoots(base afero.Fs, roots []string) []afero.Fs {
	base = afero.NewReadOnlyFs(base)
	if len(roots) == 0 {
		return []afero.Fs{base}
	}
	out := make([]afero.Fs, 0, len(roots))
	for _, r := range roots {
		out = append(out, afero.NewBasePathFs(base, r))
	}
	return out
}

// ReadSource returns the first copy of path found under the source roots.
func (p *Provider) ReadSource(ctx context.Context, key provider.ModuleKey, path string) ([]byte, error) {
	if err := p.CheckModule(ctx, key); err != nil {
		return nil, err
	}
	for _, root := range p.sources {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := afero.ReadFile(root, path)
		switch {
		case err == nil:
			return data, nil
		case errors.Is(err, fs.ErrNotExist), errors.Is(err, fs.ErrPermission):
			continue
		default:
			return nil, provider.Fail(provider.ReasonIO, err)
		}
	}
	return nil, provider.ErrSourceNotFound
}
