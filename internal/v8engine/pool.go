//go:build v8

package v8engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cryguy/streamhost/internal/core"
	"github.com/cryguy/streamhost/internal/eventloop"
	"github.com/cryguy/streamhost/internal/metrics"
	"github.com/cryguy/streamhost/internal/webapi"
	v8 "github.com/tommie/v8go"
	"go.uber.org/zap"
)

// Host is one V8 isolate and context plus the bridge that feeds it
// continuations.
type Host struct {
	id     int
	iso    *v8.Isolate
	ctx    *v8.Context
	rt     *v8Runtime
	bridge *eventloop.Bridge
}

// globalThisCleanupJS runs the host reset hooks and removes per-request
// globals before a host goes back to the pool.
const globalThisCleanupJS = `
(function() {
	if (typeof __hostReset === 'function') __hostReset();
	var perRequest = ['__requestID', '__env', '__ctx', '__scriptOutcome',
		'__waitUntilPromises', '__ns_err', '__ns_chunk', '__ns_chunk_b64'];
	for (var i = 0; i < perRequest.length; i++) {
		try { delete globalThis[perRequest[i]]; } catch(e) {}
	}
	var names = Object.getOwnPropertyNames(globalThis);
	for (var i = 0; i < names.length; i++) {
		if (names[i].indexOf('__tmp_') === 0) {
			try { delete globalThis[names[i]]; } catch(e) {}
		}
	}
})();
`

var (
	hostSeq       atomic.Int64
	errPoolClosed = errors.New("host pool is closed")
)

// NewHost creates an isolate with the script surface installed.
func NewHost(cfg core.EngineConfig, m *metrics.Collector) (*Host, error) {
	var iso *v8.Isolate
	if cfg.MemoryLimitMB > 0 {
		heapSize := uint64(cfg.MemoryLimitMB) * 1024 * 1024
		iso = v8.NewIsolate(v8.WithResourceConstraints(heapSize/2, heapSize))
	} else {
		iso = v8.NewIsolate()
	}
	ctx := v8.NewContext(iso)
	rt := newRuntime(iso, ctx)
	b := eventloop.New(eventloop.WithMetrics(m))

	if err := webapi.Install(rt, b, webapi.Options{Streams: cfg.Streams, Metrics: m}); err != nil {
		b.Close()
		ctx.Close()
		iso.Dispose()
		return nil, fmt.Errorf("setup: %w", err)
	}
	return &Host{id: int(hostSeq.Add(1)), iso: iso, ctx: ctx, rt: rt, bridge: b}, nil
}

// Runtime exposes the host's JSRuntime.
func (h *Host) Runtime() core.JSRuntime { return h.rt }

// Bridge exposes the host's continuation bridge.
func (h *Host) Bridge() *eventloop.Bridge { return h.bridge }

func (h *Host) reset() {
	h.bridge.Reset()
	if _, err := h.ctx.RunScript(globalThisCleanupJS, "cleanup.js"); err != nil {
		core.Logger().Debug("v8: cleaning globals", zap.Int("host", h.id), zap.Error(err))
	}
}

// Close disposes the isolate. The host must not be used afterwards.
func (h *Host) Close() {
	h.bridge.Close()
	h.ctx.Close()
	h.iso.Dispose()
}

// hostPool is a fixed-size pool of pre-warmed hosts.
type hostPool struct {
	hosts  chan *Host
	cfg    core.EngineConfig
	m      *metrics.Collector
	mu     sync.Mutex
	closed bool
}

func newHostPool(cfg core.EngineConfig, m *metrics.Collector) (*hostPool, error) {
	p := &hostPool{hosts: make(chan *Host, cfg.PoolSize), cfg: cfg, m: m}
	for i := 0; i < cfg.PoolSize; i++ {
		h, err := NewHost(cfg, m)
		if err != nil {
			p.dispose()
			return nil, fmt.Errorf("creating pool host %d: %w", i, err)
		}
		p.hosts <- h
	}
	return p, nil
}

func (p *hostPool) get(ctx context.Context) (*Host, error) {
	select {
	case h, ok := <-p.hosts:
		if !ok {
			return nil, errPoolClosed
		}
		return h, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *hostPool) put(h *Host) {
	h.reset()
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		h.Close()
		return
	}
	select {
	case p.hosts <- h:
	default:
		h.Close()
	}
}

// replace discards a terminated host and refills its slot.
func (p *hostPool) replace(h *Host) {
	h.Close()
	fresh, err := NewHost(p.cfg, p.m)
	if err != nil {
		core.Logger().Error("v8: replacing discarded host", zap.Error(err))
		return
	}
	p.put(fresh)
}

func (p *hostPool) dispose() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.hosts)
	for h := range p.hosts {
		h.Close()
	}
}
