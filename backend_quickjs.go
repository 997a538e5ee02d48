//go:build !v8

package streamhost

import (
	"github.com/cryguy/streamhost/internal/core"
	"github.com/cryguy/streamhost/internal/metrics"
	"github.com/cryguy/streamhost/internal/quickjs"
)

// BackendName identifies the compiled-in script engine.
const BackendName = "quickjs"

func newBackend(cfg core.EngineConfig, m *metrics.Collector) (backend, error) {
	return quickjs.NewEngine(cfg, m)
}
