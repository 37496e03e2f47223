package state

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	coreerrors "peerlend/core/errors"
	"peerlend/core/events"
	"peerlend/storage"
)

// ErrReentrantCall is returned when an operation is started from inside
// another operation of the same manager, typically by a receive hook or a
// lender hook calling back into the engine.
var ErrReentrantCall = fmt.Errorf("state: %w: reentrant call", coreerrors.ErrAuthorization)

type operationKey struct{}

// Manager runs protocol operations against a shared Store. Operations are
// serialised and atomic: either every write and event of the operation is
// committed, or none is.
type Manager struct {
	mu      sync.RWMutex
	emitMu  sync.Mutex
	store   *Store
	emitter events.Emitter

	// callouts counts hooks and validators currently running inside the
	// operation that holds mu.
	callouts atomic.Int32
}

// NewManager creates a state manager persisting committed writes to db.
func NewManager(db storage.Database) *Manager {
	return &Manager{store: NewStore(db), emitter: events.NoopEmitter{}}
}

// Store exposes the shared journaled store that native modules are wired to.
func (m *Manager) Store() *Store { return m.store }

// SetEmitter configures where committed events are published. Passing nil
// resets the emitter to a no-op implementation.
func (m *Manager) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.emitter = emitter
}

// InOperation reports whether ctx was derived from an operation of m.
func (m *Manager) InOperation(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	owner, _ := ctx.Value(operationKey{}).(*Manager)
	return owner == m
}

// Execute runs fn as one atomic operation. The context passed to fn is marked
// so that a nested Execute on the same manager fails with ErrReentrantCall
// instead of observing half-written state. Events buffered during fn are
// published after the writes are committed, in emission order.
func (m *Manager) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if m.InOperation(ctx) || m.callouts.Load() > 0 {
		return ErrReentrantCall
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	logs, err := m.run(context.WithValue(ctx, operationKey{}, m), fn)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	emitter := m.emitter
	// Hand over to the emit lock before releasing the writer lock so events
	// of consecutive operations are published in commit order.
	m.emitMu.Lock()
	m.mu.Unlock()
	defer m.emitMu.Unlock()
	for _, evt := range logs {
		emitter.Emit(evt)
	}
	return nil
}

// run must be called with m.mu held. A panic releases the lock before it
// propagates.
func (m *Manager) run(ctx context.Context, fn func(ctx context.Context) error) (logs []events.Event, err error) {
	defer func() {
		if r := recover(); r != nil {
			m.store.Discard()
			m.mu.Unlock()
			panic(r)
		}
	}()
	if err := fn(ctx); err != nil {
		m.store.Discard()
		return nil, err
	}
	logs, err = m.store.Commit()
	if err != nil {
		m.store.Discard()
		return nil, fmt.Errorf("state: commit: %w", err)
	}
	return logs, nil
}

// View runs a read-only function against committed state. When called from
// inside an operation it runs inline and observes that operation's pending
// writes.
func (m *Manager) View(ctx context.Context, fn func() error) error {
	if m.InOperation(ctx) {
		return fn()
	}
	if m.callouts.Load() > 0 {
		return ErrReentrantCall
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn()
}

// Callout runs fn, code outside the protocol such as a receive hook or a
// signature validator, from inside the operation carried by ctx. While fn
// runs, Execute and View calls that do not carry the operation context fail
// with ErrReentrantCall rather than wait on the lock the operation holds.
// Outside an operation fn is simply called.
func Callout(ctx context.Context, fn func(ctx context.Context) error) error {
	var m *Manager
	if ctx != nil {
		m, _ = ctx.Value(operationKey{}).(*Manager)
	}
	if m == nil {
		return fn(ctx)
	}
	m.callouts.Add(1)
	defer m.callouts.Add(-1)
	return fn(ctx)
}
