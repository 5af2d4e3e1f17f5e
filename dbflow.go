// Package dbflow provides a top-level convenience entry point for creating
// a connection registry with minimal boilerplate.
//
// Usage:
//
//	import "github.com/BaSui01/dbflow"
//
//	reg, err := dbflow.New(dbflow.WithConfigFile("dbflow.yaml"))
//	reg, err := dbflow.New(dbflow.WithConfig(cfg), dbflow.WithLogger(logger))
//
// The returned registry is already initialized; register applications with
// [registry.Registry.RegisterApp] and shut everything down with
// [registry.Registry.Shutdown].
package dbflow

import (
	"context"

	"go.uber.org/zap"

	"github.com/BaSui01/dbflow/component"
	"github.com/BaSui01/dbflow/config"
	"github.com/BaSui01/dbflow/connection"
	"github.com/BaSui01/dbflow/internal/metrics"
	"github.com/BaSui01/dbflow/registry"
)

// Option configures the registry created by [New].
type Option func(*options)

type options struct {
	cfg        *config.Config
	configPath string
	logger     *zap.Logger
	notifier   component.Notifier
	collector  *metrics.Collector
	overrides  map[component.Slot]component.Factory
	metricsOff bool
}

// WithConfig sets a pre-built configuration.
func WithConfig(cfg *config.Config) Option {
	return func(o *options) { o.cfg = cfg }
}

// WithConfigFile loads configuration from a YAML file. Ignored when
// WithConfig is also given.
func WithConfigFile(path string) Option {
	return func(o *options) { o.configPath = path }
}

// WithLogger sets a custom zap logger. Defaults to a logger built from the
// configuration's log section.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithNotifier sets the event notifier shared by the registry and every
// supervisor it creates.
func WithNotifier(n component.Notifier) Option {
	return func(o *options) { o.notifier = n }
}

// WithCollector sets a pre-built metrics collector. Defaults to a fresh
// collector under the "dbflow" namespace.
func WithCollector(c *metrics.Collector) Option {
	return func(o *options) { o.collector = c }
}

// WithoutMetrics disables prometheus metrics collection.
func WithoutMetrics() Option {
	return func(o *options) { o.metricsOff = true }
}

// WithComponentFactory replaces the default factory for one sub-component
// slot on every supervisor the registry creates.
func WithComponentFactory(slot component.Slot, factory component.Factory) Option {
	return func(o *options) {
		if o.overrides == nil {
			o.overrides = make(map[component.Slot]component.Factory)
		}
		o.overrides[slot] = factory
	}
}

// New creates and initializes a connection registry.
func New(opts ...Option) (*registry.Registry, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	cfg := o.cfg
	if cfg == nil {
		loader := config.NewLoader()
		if o.configPath != "" {
			loader = loader.WithConfigPath(o.configPath)
		}
		loaded, err := loader.Load()
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else if err := cfg.Validate(); err != nil {
		// Caller-supplied configs skip the loader and its validation pass.
		return nil, err
	}

	logger := o.logger
	if logger == nil {
		logger = config.BuildLogger(cfg.Log)
	}

	collector := o.collector
	if collector == nil && !o.metricsOff {
		collector = metrics.NewCollector("dbflow", logger)
	}

	factories := connection.DefaultComponents(collector)
	for slot, factory := range o.overrides {
		if err := factories.Override(slot, factory); err != nil {
			return nil, err
		}
	}

	regOpts := []registry.Option{
		registry.WithCollector(collector),
		registry.WithComponentFactories(factories),
	}
	if o.notifier != nil {
		regOpts = append(regOpts, registry.WithNotifier(o.notifier))
	}

	reg := registry.New(cfg.Registry, logger, regOpts...)
	if err := reg.Initialize(context.Background()); err != nil {
		return nil, err
	}
	return reg, nil
}
