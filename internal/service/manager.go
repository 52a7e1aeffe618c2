package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fmueller/whisperd/internal/config"
	"github.com/fmueller/whisperd/internal/whisper"
	"go.uber.org/zap"
)

// Manager owns the loaded model and its readiness flag. The handle and the flag
// only change together, under mu.
type Manager struct {
	cfg    config.ServiceConfig
	loader whisper.Loader
	log    *zap.Logger

	mu      sync.RWMutex
	model   whisper.Model
	ready   bool
	started bool
	closed  bool
	leases  sync.WaitGroup
}

func NewManager(cfg config.ServiceConfig, loader whisper.Loader, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{cfg: cfg, loader: loader, log: logger}
}

func (m *Manager) Config() config.ServiceConfig {
	return m.cfg
}

// Initialize loads the model once. The load runs on its own goroutine; when ctx
// ends first Initialize returns and a handle that arrives later is closed.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	switch {
	case m.closed:
		m.mu.Unlock()
		return newError(KindInitialization, "manager has been shut down", nil)
	case m.started:
		m.mu.Unlock()
		return newError(KindInitialization, "model already initialized", nil)
	}
	m.started = true
	m.mu.Unlock()

	if m.loader == nil {
		return newError(KindInitialization, "no model loader configured", nil)
	}

	m.log.Info("loading whisper model",
		zap.String("model_size", m.cfg.ModelSize()),
		zap.String("compute_type", string(m.cfg.Compute())),
		zap.Int("workers", m.cfg.Workers()),
	)
	started := time.Now()

	done := make(chan loadResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- loadResult{err: fmt.Errorf("model loader panicked: %v", r)}
			}
		}()
		model, err := m.loader.Load(ctx, m.cfg.LoadSpec())
		done <- loadResult{model: model, err: err}
	}()

	select {
	case <-ctx.Done():
		go m.discardLate(done)
		m.log.Error("model load interrupted", zap.Error(ctx.Err()))
		return newError(KindInitialization, "model load interrupted", ctx.Err())
	case res := <-done:
		if res.err == nil && res.model == nil {
			res.err = errors.New("loader returned no model")
		}
		if res.err != nil {
			m.log.Error("failed to load whisper model", zap.Error(res.err))
			return newError(KindInitialization, "failed to load model", res.err)
		}

		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			m.closeModel(res.model)
			return newError(KindInitialization, "manager was shut down during load", nil)
		}
		m.model = res.model
		m.ready = true
		m.mu.Unlock()

		m.log.Info("whisper model loaded", zap.Duration("elapsed", time.Since(started)))
		return nil
	}
}

type loadResult struct {
	model whisper.Model
	err   error
}

func (m *Manager) discardLate(done <-chan loadResult) {
	res := <-done
	if res.model != nil {
		m.closeModel(res.model)
	}
}

func (m *Manager) IsReady() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ready && m.model != nil
}

// Backend reports the execution target when the loaded model exposes one.
func (m *Manager) Backend() (whisper.Backend, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if reporter, ok := m.model.(whisper.BackendReporter); ok && m.ready {
		return reporter.ActiveBackend(), true
	}
	return whisper.Backend{}, false
}

// acquire hands out the model together with a release func. Cleanup waits for
// every outstanding lease before closing the handle.
func (m *Manager) acquire() (whisper.Model, func(), error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.ready || m.model == nil {
		return nil, nil, ErrNotReady
	}
	m.leases.Add(1)
	return m.model, m.leases.Done, nil
}

// Cleanup flips readiness off, waits for in-flight leases (bounded by ctx) and
// releases the handle. Safe to call repeatedly or before Initialize.
func (m *Manager) Cleanup(ctx context.Context) error {
	m.mu.Lock()
	model := m.model
	m.model = nil
	m.ready = false
	m.closed = true
	m.mu.Unlock()

	if model == nil {
		return nil
	}

	drained := make(chan struct{})
	go func() {
		m.leases.Wait()
		close(drained)
	}()

	var waitErr error
	select {
	case <-drained:
	case <-ctx.Done():
		waitErr = ctx.Err()
		m.log.Warn("closing model with transcriptions still in flight", zap.Error(waitErr))
	}

	m.closeModel(model)
	m.log.Info("whisper service cleaned up")
	return waitErr
}

func (m *Manager) closeModel(model whisper.Model) {
	if err := model.Close(); err != nil {
		m.log.Warn("failed to close model", zap.Error(err))
	}
}
