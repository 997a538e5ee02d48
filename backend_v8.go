//go:build v8

package streamhost

import (
	"github.com/cryguy/streamhost/internal/core"
	"github.com/cryguy/streamhost/internal/metrics"
	"github.com/cryguy/streamhost/internal/v8engine"
)

// BackendName identifies the compiled-in script engine.
const BackendName = "v8"

func newBackend(cfg core.EngineConfig, m *metrics.Collector) (backend, error) {
	return v8engine.NewEngine(cfg, m)
}
