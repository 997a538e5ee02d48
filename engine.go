// Package streamhost embeds a script engine (QuickJS by default, V8 with
// -tags v8) whose scripts exchange bytes with Go through backpressured native
// stream channels.
//
// Go code creates channels, hands them to a script through Env, and pumps
// HTTP bodies, files or websockets in and out of them. Scripts see each
// channel as a NativeStream and can wrap it in a ReadableStream.
package streamhost

import (
	"context"
	"fmt"

	"github.com/cryguy/streamhost/internal/channel"
	"github.com/cryguy/streamhost/internal/core"
	"github.com/cryguy/streamhost/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

type backend interface {
	core.Backend
	Compile(source string) error
}

// Engine runs scripts on a pool of script hosts.
type Engine struct {
	backend backend
	config  Config
	metrics *metrics.Collector
}

// Option configures NewEngine.
type Option func(*engineOptions)

type engineOptions struct {
	logger     *zap.Logger
	registerer prometheus.Registerer
}

// WithLogger installs l as the package-wide logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *engineOptions) { o.logger = l }
}

// WithRegisterer registers metrics with reg instead of the default
// registerer. It has no effect unless cfg.Metrics.Enabled is set.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *engineOptions) { o.registerer = reg }
}

// NewEngine validates cfg and starts cfg.PoolSize script hosts.
func NewEngine(cfg Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	var o engineOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger != nil {
		core.SetLogger(o.logger)
	}

	var m *metrics.Collector
	if cfg.Metrics.Enabled {
		m = metrics.NewCollector(cfg.Metrics.Namespace, o.registerer, core.Logger())
	}
	b, err := newBackend(cfg, m)
	if err != nil {
		return nil, fmt.Errorf("starting %s backend: %w", BackendName, err)
	}
	core.Logger().Info("engine started",
		zap.String("backend", BackendName), zap.Int("pool_size", cfg.PoolSize))
	return &Engine{backend: b, config: cfg, metrics: m}, nil
}

// Execute runs script with env. script must evaluate to a function; it is
// called as fn(env, ctx) and its (awaited) return value is JSON-encoded into
// Result.Value.
func (e *Engine) Execute(ctx context.Context, script string, env *Env) *Result {
	return e.backend.Execute(ctx, script, env)
}

// Compile reports whether script parses.
func (e *Engine) Compile(script string) error {
	return e.backend.Compile(script)
}

// NewChannel creates a channel sized by the engine's stream config. A
// negative highWaterMark uses the configured default.
func (e *Engine) NewChannel(name string, highWaterMark int) *Channel {
	opts := channel.Options{
		Name:          name,
		HighWaterMark: highWaterMark,
		Metrics:       e.metrics,
	}
	if highWaterMark < 0 {
		opts.HighWaterMark = e.config.Streams.HighWaterMark
	}
	if e.config.Streams.ByteLengthStrategy {
		opts.Size = channel.ByteLength
	}
	return channel.New(opts)
}

// Config returns the configuration the engine was built with.
func (e *Engine) Config() Config { return e.config }

// Shutdown closes every idle host. Executions in flight finish normally.
func (e *Engine) Shutdown() {
	e.backend.Shutdown()
}
