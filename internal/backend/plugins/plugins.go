// Package plugins maps backend type names from configuration onto
// constructors for the backend variants.
package plugins

import (
	"context"
	"fmt"
	"sort"

	"github.com/hashicorp/go-multierror"

	"github.com/luufmg/esdm/internal/backend"
	"github.com/luufmg/esdm/internal/backend/memory"
	"github.com/luufmg/esdm/internal/backend/objstore"
	"github.com/luufmg/esdm/internal/backend/posix"
	"github.com/luufmg/esdm/internal/backend/sqlite"
	"github.com/luufmg/esdm/internal/model"
)

// Factory builds an uninitialized backend from configuration.
type Factory func(ctx context.Context, cfg backend.Config) (backend.Backend, error)

// Catalog resolves backend type names to factories.
type Catalog struct {
	factories map[string]Factory
}

// NewCatalog returns a catalog holding the built-in backend variants.
func NewCatalog() *Catalog {
	c := &Catalog{factories: make(map[string]Factory)}
	c.factories[memory.Type] = func(_ context.Context, cfg backend.Config) (backend.Backend, error) {
		return memory.NewFromConfig(cfg)
	}
	c.factories[posix.Type] = func(_ context.Context, cfg backend.Config) (backend.Backend, error) {
		return posix.NewFromConfig(cfg)
	}
	c.factories[sqlite.Type] = func(_ context.Context, cfg backend.Config) (backend.Backend, error) {
		return sqlite.NewFromConfig(cfg)
	}
	c.factories[objstore.Type] = func(ctx context.Context, cfg backend.Config) (backend.Backend, error) {
		return objstore.NewFromConfig(ctx, cfg)
	}
	return c
}

// Add makes an additional backend type available.
func (c *Catalog) Add(typ string, f Factory) error {
	if _, ok := c.factories[typ]; ok {
		return fmt.Errorf("%w: backend type %q already defined", model.ErrConfig, typ)
	}
	c.factories[typ] = f
	return nil
}

// Types lists the known backend types, sorted.
func (c *Catalog) Types() []string {
	types := make([]string, 0, len(c.factories))
	for t := range c.factories {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Open builds the backend described by cfg.
func (c *Catalog) Open(ctx context.Context, cfg backend.Config) (backend.Backend, error) {
	f, ok := c.factories[cfg.Type]
	if !ok {
		return nil, fmt.Errorf("%w: unknown backend type %q for %q", model.ErrConfig, cfg.Type, cfg.Name)
	}
	return f(ctx, cfg)
}

// RegisterAll opens every configured backend and registers it with r in
// configuration order. A backend that fails to build or initialize is
// skipped; the rest are still registered. The returned error collects one
// entry per skipped backend.
func (c *Catalog) RegisterAll(ctx context.Context, r *backend.Registry, cfgs []backend.Config, opts ...backend.RegisterOption) error {
	var result *multierror.Error
	for _, cfg := range cfgs {
		b, err := c.Open(ctx, cfg)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		if _, err := r.Register(ctx, b, opts...); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
