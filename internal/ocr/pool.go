/**
 * OCR Worker Pool
 *
 * Bounds the number of concurrent OCR operations and reuses engine instances,
 * which are expensive to initialise (Tesseract loads language data per client).
 *
 * Discipline:
 * - Every Acquire is paired with exactly one Release, on every exit path.
 *   Pool.Do is the scoped form and is what pipeline code uses.
 * - Waiting for a worker honours context cancellation.
 * - An engine that fails to initialise returns its slot to the pool, so a
 *   broken factory never starves later callers.
 */

package ocr

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"sync/atomic"

	apperrors "github.com/adverant/nexus/docextract-worker/internal/errors"
	"github.com/adverant/nexus/docextract-worker/internal/logging"
)

// ErrPoolClosed is the cause attached to acquisitions made after Close.
var ErrPoolClosed = stderrors.New("ocr pool is closed")

// Pool is a fixed-size pool of reusable OCR engines.
type Pool struct {
	factory Factory
	size    int
	slots   chan struct{}
	logger  *logging.Logger

	mu      sync.Mutex
	idle    []Engine
	created int
	inUse   int
	closed  bool
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithLogger sets the pool's logger.
func WithLogger(logger *logging.Logger) PoolOption {
	return func(p *Pool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// Stats is a point-in-time view of pool usage.
type Stats struct {
	Size    int `json:"size"`
	Created int `json:"created"`
	InUse   int `json:"inUse"`
	Idle    int `json:"idle"`
}

// NewPool creates a pool that holds at most size engines built by factory.
// No engine is created until the first Acquire.
func NewPool(factory Factory, size int, opts ...PoolOption) (*Pool, error) {
	if factory == nil {
		return nil, fmt.Errorf("engine factory is required")
	}
	if size < 1 {
		return nil, fmt.Errorf("pool size must be at least 1, got %d", size)
	}

	p := &Pool{
		factory: factory,
		size:    size,
		slots:   make(chan struct{}, size),
		logger:  logging.Discard(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Size returns the configured bound on concurrent engines.
func (p *Pool) Size() int {
	return p.size
}

// Acquire blocks until an engine is free or ctx is done. The returned handle
// must be released exactly once.
func (p *Pool) Acquire(ctx context.Context) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("waiting for OCR worker: %w", err)
	}

	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for OCR worker: %w", ctx.Err())
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.slots
		return nil, apperrors.NewWorkerAcquisitionError(p.size, ErrPoolClosed)
	}
	if n := len(p.idle); n > 0 {
		engine := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.inUse++
		p.mu.Unlock()
		return &Handle{pool: p, engine: engine}, nil
	}
	// Reserve the engine before building it so Stats never reports more than size.
	p.created++
	p.inUse++
	p.mu.Unlock()

	engine, err := p.factory(ctx)
	if err == nil && engine == nil {
		err = fmt.Errorf("engine factory returned nil engine")
	}
	if err != nil {
		p.mu.Lock()
		p.created--
		p.inUse--
		p.mu.Unlock()
		<-p.slots
		p.logger.Error("OCR engine initialisation failed", "error", err)
		return nil, apperrors.NewWorkerAcquisitionError(p.size, err)
	}

	p.logger.Info("OCR engine created", "created", p.Stats().Created, "size", p.size)
	return &Handle{pool: p, engine: engine}, nil
}

// Do acquires an engine, runs fn with it and releases the engine on every
// exit path, including panics. Engines whose use panicked are discarded.
func (p *Pool) Do(ctx context.Context, fn func(Engine) error) error {
	h, err := p.Acquire(ctx)
	if err != nil {
		return err
	}

	completed := false
	defer func() {
		if completed {
			h.Release()
		} else {
			h.Discard()
		}
	}()

	err = fn(h.Engine())
	completed = true
	return err
}

// Stats returns current pool usage.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Size:    p.size,
		Created: p.created,
		InUse:   p.inUse,
		Idle:    len(p.idle),
	}
}

// Close shuts down idle engines and fails later acquisitions. Engines still
// held are closed when their handles are released.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.created -= len(idle)
	p.mu.Unlock()

	var errs []error
	for _, engine := range idle {
		if err := engine.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	p.logger.Info("OCR pool closed", "closedEngines", len(idle))
	return stderrors.Join(errs...)
}

func (p *Pool) put(engine Engine, discard bool) {
	p.mu.Lock()
	p.inUse--
	if p.closed || discard {
		p.created--
		p.mu.Unlock()
		if err := engine.Close(); err != nil {
			p.logger.Warn("Failed to close OCR engine", "error", err)
		}
	} else {
		p.idle = append(p.idle, engine)
		p.mu.Unlock()
	}
	<-p.slots
}

// Handle is exclusive ownership of one pooled engine.
type Handle struct {
	pool     *Pool
	engine   Engine
	released atomic.Bool
}

// Engine returns the held engine, or nil once the handle has been released.
func (h *Handle) Engine() Engine {
	if h.released.Load() {
		return nil
	}
	return h.engine
}

// Release returns the engine to the pool. Extra calls are logged and ignored.
func (h *Handle) Release() {
	h.finish(false)
}

// Discard closes the engine instead of reusing it and frees its slot.
func (h *Handle) Discard() {
	h.finish(true)
}

func (h *Handle) finish(discard bool) {
	if !h.released.CompareAndSwap(false, true) {
		h.pool.logger.Warn("OCR worker handle released twice")
		return
	}
	h.pool.put(h.engine, discard)
}
