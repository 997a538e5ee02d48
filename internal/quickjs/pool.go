//go:build !v8

package quickjs

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
	"go.uber.org/zap"
	"modernc.org/quickjs"
)

// Host is one QuickJS VM and the bridge that feeds it continuations. A host
// runs one script at a time.
type Host struct {
	id     int
	vm     *quickjs.VM
	rt     *qjsRuntime
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

// NewHost creates a VM, installs the script surface and enables direct
// binary transfer.
func NewHost(cfg core.EngineConfig, m *metrics.Collector) (*Host, error) {
	vm, err := quickjs.NewVM()
	if err != nil {
		return nil, fmt.Errorf("creating QuickJS VM: %w", err)
	}
	if cfg.MemoryLimitMB > 0 {
		vm.SetMemoryLimit(uintptr(cfg.MemoryLimitMB) * 1024 * 1024)
	}

	rt := newRuntime(vm)
	b := eventloop.New(eventloop.WithMetrics(m))
	if err := webapi.Install(rt, b, webapi.Options{Streams: cfg.Streams, Metrics: m}); err != nil {
		b.Close()
		vm.Close()
		return nil, fmt.Errorf("setup: %w", err)
	}
	direct, err := rt.enableBinary()
	if err != nil {
		b.Close()
		vm.Close()
		return nil, err
	}
	if !direct {
		core.Logger().Warn("quickjs: VM internals unreadable, chunks cross as base64")
	}
	return &Host{id: int(hostSeq.Add(1)), vm: vm, rt: rt, bridge: b}, nil
}

// Runtime exposes the host's JSRuntime.
func (h *Host) Runtime() core.JSRuntime { return h.rt }

// Bridge exposes the host's continuation bridge.
func (h *Host) Bridge() *eventloop.Bridge { return h.bridge }

// reset prepares the host for its next script.
func (h *Host) reset() {
	h.bridge.Reset()
	if err := h.rt.Eval(globalThisCleanupJS); err != nil {
		core.Logger().Debug("quickjs: cleaning globals", zap.Int("host", h.id), zap.Error(err))
	}
}

// Close releases the VM. The host must not be used afterwards.
func (h *Host) Close() {
	h.bridge.Close()
	h.vm.Close()
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

// get acquires a host, waiting until one is free or ctx ends.
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

// put returns a clean host to the pool.
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

// replace discards a host that timed out or panicked and refills its slot.
func (p *hostPool) replace(h *Host) {
	h.Close()
	fresh, err := NewHost(p.cfg, p.m)
	if err != nil {
		core.Logger().Error("quickjs: replacing discarded host", zap.Error(err))
		return
	}
	p.put(fresh)
}

// dispose closes every idle host and rejects further puts.
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
