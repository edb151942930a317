// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/mbeema/flowstate/pkg/config"
	"github.com/mbeema/flowstate/pkg/ctxtree"
	"github.com/mbeema/flowstate/pkg/flow"
	"github.com/mbeema/flowstate/pkg/health"
	"github.com/mbeema/flowstate/pkg/reaper"
	"github.com/mbeema/flowstate/pkg/unrecognised"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// ErrUnknownTarget is returned for packets whose acquisition id has no
	// root context.
	ErrUnknownTarget = errors.New("unknown target")
	// ErrStopped is returned by Submit once the engine is stopped.
	ErrStopped = errors.New("engine stopped")
)

const (
	// workerQueue is the per-worker channel depth.
	workerQueue = 1024
	// maxDescents bounds retries when a context is reaped mid-descent.
	maxDescents = 3
)

// Option configures an Engine.
type Option func(*Engine)

// WithManager replaces the default LogManager.
func WithManager(m unrecognised.Manager) Option {
	return func(e *Engine) { e.mgr = m }
}

// WithStats shares a Stats instance, typically with the health server.
func WithStats(s *health.Stats) Option {
	return func(e *Engine) { e.stats = s }
}

// WithLevel lets Reload adjust the log level.
func WithLevel(l zap.AtomicLevel) Option {
	return func(e *Engine) { e.level = &l }
}

// WithClock sets the clock used for idle tracking.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.clock = now }
}

type job struct {
	liid string
	pkt  gopacket.Packet
}

// Engine owns one context tree per acquisition id and drives packets into
// it.
type Engine struct {
	cfg    atomic.Pointer[config.Config]
	logger *zap.Logger
	level  *zap.AtomicLevel
	clock  func() time.Time

	reg    *ctxtree.Registry
	reaper *reaper.Reaper
	stats  *health.Stats
	mgr    unrecognised.Manager

	rootsMu sync.RWMutex
	roots   map[string]*ctxtree.Root

	runMu   sync.RWMutex
	running bool
	queues  []chan job
	wg      sync.WaitGroup
	cancel  context.CancelFunc
}

// New creates an engine from cfg.
func New(cfg *config.Config, logger *zap.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		logger: logger,
		roots:  make(map[string]*ctxtree.Root),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.stats == nil {
		e.stats = health.NewStats()
	}
	if e.mgr == nil {
		e.mgr = NewLogManager(logger.Named("unrecognised"))
	}

	ropts := []reaper.Option{reaper.WithInterval(cfg.Tree.SweepInterval)}
	if e.clock != nil {
		ropts = append(ropts, reaper.WithClock(e.clock))
	}
	e.reaper = reaper.New(logger.Named("reaper"), ropts...)

	e.reg = ctxtree.NewRegistry(ctxtree.Options{
		Watcher:    e.reaper,
		DefaultTTL: cfg.Tree.DefaultTTL,
		TTL:        cfg.Tree.KindTTLs(),
		Logger:     logger.Named("ctxtree"),
		Observer:   e.stats,
	})
	e.cfg.Store(cfg)
	return e
}

// Registry exposes the context registry.
func (e *Engine) Registry() *ctxtree.Registry { return e.reg }

// Stats returns the engine's counters.
func (e *Engine) Stats() *health.Stats { return e.stats }

// Start launches the sweep loop and the packet workers.
func (e *Engine) Start(ctx context.Context) error {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.running {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	if err := e.reaper.Start(ctx); err != nil {
		cancel()
		return fmt.Errorf("start reaper: %w", err)
	}
	e.cancel = cancel

	n := e.cfg.Load().Tree.Workers
	if n <= 0 {
		n = 1
	}
	e.queues = make([]chan job, n)
	for i := range e.queues {
		q := make(chan job, workerQueue)
		e.queues[i] = q
		e.wg.Add(1)
		go e.worker(q)
	}
	e.running = true

	e.logger.Info("engine started",
		zap.Int("workers", n),
		zap.Duration("default_ttl", e.cfg.Load().Tree.DefaultTTL),
	)
	return nil
}

var _ health.Engine = (*Engine)(nil)

// Stop drains the workers, stops the sweep loop and retires every root.
func (e *Engine) Stop() error {
	e.runMu.Lock()
	wasRunning := e.running
	if wasRunning {
		e.running = false
		for _, q := range e.queues {
			close(q)
		}
	}
	e.runMu.Unlock()

	if wasRunning {
		e.wg.Wait()
		e.reaper.Stop()
		e.cancel()
	}

	e.rootsMu.Lock()
	roots := e.roots
	e.roots = make(map[string]*ctxtree.Root)
	e.rootsMu.Unlock()
	for _, r := range roots {
		e.reg.Retire(r)
	}

	snap := e.stats.Snapshot()
	e.logger.Info("engine stopped",
		zap.Int64("packets", snap.Packets),
		zap.Int64("contexts_created", snap.ContextsCreated),
		zap.Int64("contexts_reaped", snap.ContextsReaped),
		zap.Int64("callback_errors", snap.CallbackErrors),
		zap.Int("live", e.reg.Live()),
	)
	return nil
}

// Reload applies idle times and log level from cfg. Worker count and sweep
// interval take effect on restart.
func (e *Engine) Reload(cfg *config.Config) error {
	old := e.cfg.Load()
	e.cfg.Store(cfg)

	e.reg.SetDefaultTTL(cfg.Tree.DefaultTTL)
	overrides := cfg.Tree.KindTTLs()
	for _, k := range ctxtree.Kinds() {
		if k == ctxtree.KindRoot {
			continue
		}
		if d, ok := overrides[k]; ok {
			e.reg.SetTTL(k, d)
		} else {
			e.reg.SetTTL(k, cfg.Tree.DefaultTTL)
		}
	}

	if e.level != nil && cfg.LogLevel != "" {
		lvl, err := zapcore.ParseLevel(cfg.LogLevel)
		if err != nil {
			e.logger.Warn("invalid log level on reload", zap.String("level", cfg.LogLevel), zap.Error(err))
		} else {
			e.level.SetLevel(lvl)
		}
	}

	if old.Tree.Workers != cfg.Tree.Workers || old.Tree.SweepInterval != cfg.Tree.SweepInterval {
		e.logger.Info("worker count and sweep interval apply after restart")
	}
	e.logger.Info("configuration reloaded",
		zap.Duration("default_ttl", cfg.Tree.DefaultTTL),
		zap.Int("ttl_overrides", len(overrides)),
		zap.String("log_level", cfg.LogLevel),
	)
	return nil
}

// Target returns the root for liid, creating it if needed, and records the
// trigger address. An empty raw leaves the trigger unchanged.
func (e *Engine) Target(liid string, family flow.Family, raw []byte) *ctxtree.Root {
	e.rootsMu.Lock()
	root, ok := e.roots[liid]
	if !ok {
		root = e.reg.NewRoot(liid)
		e.roots[liid] = root
	}
	e.rootsMu.Unlock()

	if !ok {
		e.logger.Info("target added", zap.String("liid", liid))
	}
	if len(raw) > 0 && !root.SetTriggerAddress(family, raw) {
		e.logger.Debug("trigger address ignored",
			zap.String("liid", liid),
			zap.Stringer("family", family),
			zap.Int("len", len(raw)),
		)
	}
	return root
}

// Retire tears down the tree for liid. It reports whether a root existed.
func (e *Engine) Retire(liid string) bool {
	e.rootsMu.Lock()
	root, ok := e.roots[liid]
	delete(e.roots, liid)
	e.rootsMu.Unlock()
	if !ok {
		return false
	}
	e.reg.Retire(root)
	e.logger.Info("target retired", zap.String("liid", liid))
	return true
}

// Root returns the root for liid, or nil.
func (e *Engine) Root(liid string) *ctxtree.Root {
	e.rootsMu.RLock()
	defer e.rootsMu.RUnlock()
	return e.roots[liid]
}

// Targets returns the acquisition ids with a live root, sorted.
func (e *Engine) Targets() []string {
	e.rootsMu.RLock()
	out := make([]string, 0, len(e.roots))
	for liid := range e.roots {
		out = append(out, liid)
	}
	e.rootsMu.RUnlock()
	sort.Strings(out)
	return out
}

// Running reports whether Submit is accepting packets.
func (e *Engine) Running() bool {
	e.runMu.RLock()
	defer e.runMu.RUnlock()
	return e.running
}

// Sweep reaps idle contexts now. It returns the number reaped.
func (e *Engine) Sweep() int {
	return e.reaper.Sweep()
}

// Submit queues pkt for the worker owning its network flow. Both directions
// of a flow hash to the same worker, so their order is preserved.
func (e *Engine) Submit(liid string, pkt gopacket.Packet) error {
	e.runMu.RLock()
	defer e.runMu.RUnlock()
	if !e.running {
		return ErrStopped
	}
	var h uint64
	if nl := pkt.NetworkLayer(); nl != nil {
		h = nl.NetworkFlow().FastHash()
	}
	e.queues[h%uint64(len(e.queues))] <- job{liid: liid, pkt: pkt}
	return nil
}

func (e *Engine) worker(q <-chan job) {
	defer e.wg.Done()
	for j := range q {
		if err := e.Process(j.liid, j.pkt); err != nil {
			e.logger.Debug("packet not processed", zap.String("liid", j.liid), zap.Error(err))
		}
	}
}

// Process walks pkt down the tree of liid: network context, transport
// context, then the unrecognised stream path for TCP payloads or the
// datagram path otherwise. Packets missing a layer land on the datagram
// path of the deepest context reached.
func (e *Engine) Process(liid string, pkt gopacket.Packet) error {
	e.stats.PacketProcessed()

	var err error
	for i := 0; i < maxDescents; i++ {
		root := e.Root(liid)
		if root == nil {
			return fmt.Errorf("%w %q", ErrUnknownTarget, liid)
		}
		err = e.descend(root.Node, pkt)
		if !errors.Is(err, ctxtree.ErrDetached) {
			return err
		}
	}
	return err
}

func (e *Engine) descend(root *ctxtree.Node, pkt gopacket.Packet) error {
	nl := pkt.NetworkLayer()
	if nl == nil {
		return e.datagram(root, pkt.Data())
	}

	var nk ctxtree.Kind
	switch nl.LayerType() {
	case layers.LayerTypeIPv4:
		nk = ctxtree.KindIP4
	case layers.LayerTypeIPv6:
		nk = ctxtree.KindIP6
	default:
		return e.datagram(root, nl.LayerContents())
	}
	netCtx, err := root.GetOrCreate(nk, flow.FromFlow(flow.LayerNetwork, nl.NetworkFlow()).Canonical())
	if err != nil {
		return err
	}
	netCtx.Touch()

	tl := pkt.TransportLayer()
	if tl == nil {
		return e.datagram(netCtx, nl.LayerPayload())
	}

	var tk ctxtree.Kind
	switch tl.LayerType() {
	case layers.LayerTypeTCP:
		tk = ctxtree.KindTCP
	case layers.LayerTypeUDP:
		tk = ctxtree.KindUDP
	default:
		return e.datagram(netCtx, nl.LayerPayload())
	}
	tc, err := netCtx.GetOrCreate(tk, flow.FromFlow(flow.LayerTransport, tl.TransportFlow()).Canonical())
	if err != nil {
		return err
	}
	tc.Touch()

	if tk == ctxtree.KindTCP {
		return e.stream(tc, tl.LayerPayload())
	}
	return e.datagram(tc, tl.LayerPayload())
}

func (e *Engine) stream(parent *ctxtree.Node, data []byte) error {
	err := unrecognised.ProcessStream(e.mgr, parent, data)
	if err != nil && !errors.Is(err, ctxtree.ErrDetached) {
		e.stats.CallbackFailed("stream")
	}
	return err
}

func (e *Engine) datagram(parent *ctxtree.Node, data []byte) error {
	err := unrecognised.ProcessDatagram(e.mgr, parent, data)
	if err != nil && !errors.Is(err, ctxtree.ErrDetached) {
		e.stats.CallbackFailed("datagram")
	}
	return err
}

// Dump writes the live tree for liid, one context per line, indented by
// depth.
func (e *Engine) Dump(liid string, w io.Writer) error {
	root := e.Root(liid)
	if root == nil {
		return fmt.Errorf("%w %q", ErrUnknownTarget, liid)
	}
	var werr error
	root.Walk(func(depth int, c *ctxtree.Node) {
		if werr != nil {
			return
		}
		line := strings.Repeat("  ", depth) + c.String()
		if c.Kind() == ctxtree.KindRoot {
			line += " " + liid
		} else {
			line += " " + c.Key().String()
		}
		_, werr = fmt.Fprintln(w, line)
	})
	return werr
}
