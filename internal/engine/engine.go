package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"tablekit/internal/instrument"
	"tablekit/internal/metadata"
	"tablekit/internal/store"
)

// Options carries the query and widget limits from configuration.
type Options struct {
	DefaultPageSize  int
	MaxPageSize      int
	WidgetTableLimit int
}

func (o Options) withDefaults() Options {
	if o.DefaultPageSize <= 0 {
		o.DefaultPageSize = 20
	}
	if o.MaxPageSize < o.DefaultPageSize {
		o.MaxPageSize = 100
	}
	if o.WidgetTableLimit <= 0 {
		o.WidgetTableLimit = 10
	}
	return o
}

// Engine ties the schema registry, validators and record storage together.
// Writes to a table are serialized by a per-table lock that spans
// validation, the uniqueness check and persistence; reads share it.
type Engine struct {
	registry   *metadata.Registry
	backend    store.Backend
	validators *ValidatorCache
	locks      *tableLocks
	executor   Executor
	logger     *zap.SugaredLogger
	opts       Options
	now        func() time.Time
}

func New(reg *metadata.Registry, backend store.Backend, logger *zap.SugaredLogger, opts Options) *Engine {
	e := &Engine{
		registry:   reg,
		backend:    backend,
		validators: NewValidatorCache(),
		locks:      &tableLocks{},
		logger:     logger,
		opts:       opts.withDefaults(),
		now:        func() time.Time { return time.Now().UTC() },
	}
	reg.Subscribe(e.validators.Invalidate)
	return e
}

func (e *Engine) Registry() *metadata.Registry { return e.registry }
func (e *Engine) Options() Options             { return e.opts }

func storeKey(k metadata.TableKey) store.Key {
	return store.Key{App: k.App, Table: k.Table}
}

func startSpan(ctx context.Context, component, action string, key metadata.TableKey) (context.Context, instrument.Span) {
	ctx, span := instrument.GetInstrumenter(ctx).StartSpan(ctx, "engine", component, action)
	span.SetTable(key.String(), "")
	return ctx, span
}

// finish records the outcome of an operation on its span.
func finish(span instrument.Span, err error) {
	if err != nil {
		span.SetStatus("error")
		span.SetMetadata("error", err.Error())
	} else {
		span.SetStatus("ok")
	}
	span.End()
}

func (e *Engine) ensureActive(app string) error {
	a, err := e.registry.GetApp(app)
	if err != nil {
		return err
	}
	if !a.Active {
		return NewAppError("APP_INACTIVE", 409, "App "+app+" is inactive")
	}
	return nil
}
