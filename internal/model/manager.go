package model

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Instance is a loaded model as seen by the manager. Engines hide their
// whisper context (or subprocess, or script) behind it.
type Instance interface {
	Close() error
}

// Loader opens an installed artifact. Loads are slow; the manager makes
// sure at most one runs at a time.
type Loader func(path string) (Instance, error)

var (
	ErrNotInstalled  = errors.New("model not installed")
	ErrManagerClosed = errors.New("model manager closed")
)

// State is the lifecycle position of the single model slot.
type State int

const (
	Unloaded State = iota
	Loading
	Ready
)

func (s State) String() string {
	switch s {
	case Loading:
		return "loading"
	case Ready:
		return "ready"
	default:
		return "unloaded"
	}
}

// Manager owns the one resident model. Acquire hands out an exclusive
// lease; Release arms an idle timer that unloads the model after a quiet
// period so the next session skips the load cost while memory is not held
// forever. Concurrent Acquires for the same descriptor coalesce onto a
// single load.
type Manager struct {
	catalog *Catalog
	loader  Loader
	idle    time.Duration
	logger  *slog.Logger

	mu        sync.Mutex
	changed   chan struct{}
	state     State
	current   Descriptor
	inst      Instance
	leased    bool
	loadErr   error
	idleTimer *time.Timer
	closed    bool

	loads int64 // total loads performed, for tests and metrics
}

func NewManager(catalog *Catalog, loader Loader, idleUnload time.Duration, logger *slog.Logger) *Manager {
	return &Manager{
		catalog: catalog,
		loader:  loader,
		idle:    idleUnload,
		logger:  logger.With(slog.String("component", "model.manager")),
		changed: make(chan struct{}),
	}
}

// Handle is the exclusive lease on the loaded model. Exactly one exists at
// a time; the worker must Release it after each inference.
type Handle struct {
	desc Descriptor
	inst Instance
	mgr  *Manager
	once sync.Once
}

func (h *Handle) Descriptor() Descriptor { return h.desc }
func (h *Handle) Instance() Instance     { return h.inst }

// Release returns the lease and schedules the idle unload.
func (h *Handle) Release() {
	h.once.Do(func() { h.mgr.release() })
}

// Acquire returns a lease on desc, loading it first if needed. A different
// resident model is unloaded before the load (one resident model at a
// time). Blocks while another lease is outstanding or another load is in
// flight; ctx bounds the wait.
func (m *Manager) Acquire(ctx context.Context, desc Descriptor) (*Handle, error) {
	m.mu.Lock()
	for {
		if m.closed {
			m.mu.Unlock()
			return nil, ErrManagerClosed
		}

		if m.state == Ready && m.current.FileName == desc.FileName && !m.leased {
			m.leased = true
			m.stopIdleTimerLocked()
			handle := &Handle{desc: m.current, inst: m.inst, mgr: m}
			m.mu.Unlock()
			return handle, nil
		}

		if m.state == Unloaded {
			return m.loadLocked(desc)
		}

		if m.state == Ready && m.current.FileName != desc.FileName && !m.leased {
			m.unloadLocked("model switch")
			continue
		}

		if m.state == Loading && m.current.FileName == desc.FileName {
			// Coalesce: wait for the in-flight load, then share its outcome.
			gen := m.changed
			m.mu.Unlock()
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-gen:
			}
			m.mu.Lock()
			if m.state != Loading && m.loadErr != nil && m.current.FileName == desc.FileName {
				err := m.loadErr
				m.mu.Unlock()
				return nil, err
			}
			continue
		}

		// Leased by someone else, or a different model is loading: wait for
		// the next state change and re-evaluate.
		gen := m.changed
		m.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-gen:
		}
		m.mu.Lock()
	}
}

// loadLocked runs the load on the caller's goroutine with the lock
// dropped, so inference and loads still serialize through the slot state.
func (m *Manager) loadLocked(desc Descriptor) (*Handle, error) {
	path := m.catalog.Path(desc.FileName)
	if _, err := os.Stat(path); err != nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("model %s: %w", desc.FileName, ErrNotInstalled)
	}

	m.state = Loading
	m.current = desc
	m.loadErr = nil
	m.notifyLocked()
	m.mu.Unlock()

	started := time.Now()
	inst, err := m.loader(path)

	m.mu.Lock()
	if err != nil {
		m.state = Unloaded
		m.loadErr = fmt.Errorf("load model %s: %w", desc.FileName, err)
		m.notifyLocked()
		loadErr := m.loadErr
		m.mu.Unlock()
		return nil, loadErr
	}

	m.loads++
	m.state = Ready
	m.inst = inst
	m.leased = true
	m.notifyLocked()
	m.logger.Info("model loaded",
		slog.String("model", desc.FileName),
		slog.Duration("took", time.Since(started)))

	if m.closed {
		// Closed mid-load: hand the lease out anyway; release will unload.
		m.logger.Debug("manager closed during load")
	}
	handle := &Handle{desc: desc, inst: inst, mgr: m}
	m.mu.Unlock()
	return handle, nil
}

func (m *Manager) release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.leased {
		return
	}
	m.leased = false
	if m.closed {
		m.unloadLocked("shutdown")
	} else if m.idle > 0 {
		m.armIdleTimerLocked()
	}
	m.notifyLocked()
}

// SwitchActive records a new selection. The swap happens lazily on the
// next Acquire unless preload is set, in which case the model is loaded
// (and immediately released) right away.
func (m *Manager) SwitchActive(ctx context.Context, fileName string, preload bool) error {
	desc, ok := m.catalog.Lookup(fileName)
	if !ok {
		return fmt.Errorf("unknown model %q", fileName)
	}
	m.catalog.SetActive(desc.FileName)
	m.logger.Info("active model switched", slog.String("model", desc.FileName))

	if !preload {
		return nil
	}
	handle, err := m.Acquire(ctx, desc)
	if err != nil {
		return fmt.Errorf("preload: %w", err)
	}
	handle.Release()
	return nil
}

// Snapshot reports the slot state for status queries.
func (m *Manager) Snapshot() (State, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == Unloaded {
		return m.state, ""
	}
	return m.state, m.current.FileName
}

// Loads reports how many loads the manager has performed.
func (m *Manager) Loads() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loads
}

// Close unloads the resident model. An outstanding lease is honored; the
// unload then happens on release.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.stopIdleTimerLocked()
	if !m.leased {
		m.unloadLocked("shutdown")
	}
	m.notifyLocked()
	return nil
}

func (m *Manager) armIdleTimerLocked() {
	m.stopIdleTimerLocked()
	m.idleTimer = time.AfterFunc(m.idle, m.idleUnload)
}

func (m *Manager) stopIdleTimerLocked() {
	if m.idleTimer != nil {
		m.idleTimer.Stop()
		m.idleTimer = nil
	}
}

func (m *Manager) idleUnload() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.leased || m.state != Ready {
		return
	}
	m.unloadLocked("idle timeout")
	m.notifyLocked()
}

func (m *Manager) unloadLocked(reason string) {
	if m.state != Ready || m.inst == nil {
		m.state = Unloaded
		return
	}
	if err := m.inst.Close(); err != nil {
		m.logger.Warn("unloading model", slog.String("error", err.Error()))
	}
	m.logger.Info("model unloaded",
		slog.String("model", m.current.FileName),
		slog.String("reason", reason))
	m.inst = nil
	m.state = Unloaded
}

func (m *Manager) notifyLocked() {
	close(m.changed)
	m.changed = make(chan struct{})
}
