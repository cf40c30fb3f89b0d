package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hashicorp/go-multierror"

	"github.com/luufmg/esdm/internal/backend"
	"github.com/luufmg/esdm/internal/backend/plugins"
	"github.com/luufmg/esdm/internal/config"
	"github.com/luufmg/esdm/internal/model"
	"github.com/luufmg/esdm/internal/perf"
)

// FromConfig opens and registers every backend st names and returns an
// engine over them. A backend that cannot be opened is logged and left
// out; FromConfig fails only when no DATA or no METADATA backend remains.
func FromConfig(ctx context.Context, st config.Storage, logger *slog.Logger) (*Engine, error) {
	if err := st.Validate(); err != nil {
		return nil, err
	}
	policy, err := st.NewPolicy()
	if err != nil {
		return nil, err
	}

	reg := backend.NewRegistry()
	regErr := plugins.NewCatalog().RegisterAll(ctx, reg, st.Backends, st.RegisterOptions()...)
	if regErr != nil {
		var merr *multierror.Error
		if errors.As(regErr, &merr) {
			for _, err := range merr.Errors {
				logger.Error("backend skipped", "error", err)
			}
		} else {
			logger.Error("backend skipped", "error", regErr)
		}
	}
	for _, cat := range []model.Category{model.CategoryData, model.CategoryMetadata} {
		if len(reg.LookupByType(cat)) > 0 {
			continue
		}
		if ferr := reg.FinalizeAll(ctx); ferr != nil {
			logger.Error("finalize backends", "error", ferr)
		}
		if regErr != nil {
			return nil, fmt.Errorf("%w: no usable %s backend: %w", model.ErrConfig, cat, regErr)
		}
		return nil, fmt.Errorf("%w: no usable %s backend", model.ErrConfig, cat)
	}
	for _, info := range reg.List() {
		logger.Info("backend registered",
			"name", info.Name,
			"type", info.Capabilities.Type,
			"category", info.Capabilities.Category,
			"thread_safe", info.Capabilities.ThreadSafe,
			"throughput", info.Estimate.Throughput,
			"latency", info.Estimate.Latency,
		)
	}

	return New(reg,
		WithModel(perf.NewModel(st.ModelOptions()...)),
		WithPolicy(policy),
		WithWorkers(st.Workers),
		WithSubRequestTimeout(st.SubRequestTimeout),
		WithLogger(logger),
	), nil
}
