package state

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	"peerlend/core/events"
	"peerlend/storage"
)

type testEvent struct{ name string }

func (e testEvent) EventType() string { return e.name }

func TestExecuteCommitsWritesAndEvents(t *testing.T) {
	db := storage.NewMemDB()
	mgr := NewManager(db)
	recorder := &events.Recorder{}
	mgr.SetEmitter(recorder)

	err := mgr.Execute(context.Background(), func(ctx context.Context) error {
		if err := mgr.Store().Put([]byte("k"), []byte("v")); err != nil {
			return err
		}
		mgr.Store().Emit(testEvent{name: "first"})
		mgr.Store().Emit(testEvent{name: "second"})
		if got := len(recorder.Events()); got != 0 {
			t.Fatalf("events published before commit: %d", got)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	value, err := db.Get([]byte("k"))
	if err != nil || string(value) != "v" {
		t.Fatalf("expected committed value, got %q err=%v", value, err)
	}
	evts := recorder.Events()
	if len(evts) != 2 || evts[0].EventType() != "first" || evts[1].EventType() != "second" {
		t.Fatalf("unexpected events: %+v", evts)
	}
}

func TestExecuteDiscardsOnError(t *testing.T) {
	db := storage.NewMemDB()
	mgr := NewManager(db)
	recorder := &events.Recorder{}
	mgr.SetEmitter(recorder)
	boom := errors.New("boom")

	err := mgr.Execute(context.Background(), func(ctx context.Context) error {
		_ = mgr.Store().Put([]byte("k"), []byte("v"))
		mgr.Store().Emit(testEvent{name: "dropped"})
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if db.Len() != 0 {
		t.Fatalf("expected no committed keys, got %d", db.Len())
	}
	if len(recorder.Events()) != 0 {
		t.Fatalf("expected no events")
	}
	if mgr.Store().Pending() != 0 {
		t.Fatalf("expected store reset after discard")
	}
}

func TestExecuteDiscardsOnPanic(t *testing.T) {
	db := storage.NewMemDB()
	mgr := NewManager(db)
	func() {
		defer func() {
			if recover() == nil {
				t.Fatalf("expected panic to propagate")
			}
		}()
		_ = mgr.Execute(context.Background(), func(ctx context.Context) error {
			_ = mgr.Store().Put([]byte("k"), []byte("v"))
			panic("bad module")
		})
	}()
	if db.Len() != 0 {
		t.Fatalf("expected panic to discard writes")
	}
	// The writer lock must have been released.
	if err := mgr.Execute(context.Background(), func(context.Context) error { return nil }); err != nil {
		t.Fatalf("execute after panic: %v", err)
	}
}

func TestExecuteRejectsReentry(t *testing.T) {
	mgr := NewManager(nil)
	var inner error
	err := mgr.Execute(context.Background(), func(ctx context.Context) error {
		if !mgr.InOperation(ctx) {
			t.Fatalf("expected context to be marked")
		}
		inner = mgr.Execute(ctx, func(context.Context) error { return nil })
		return nil
	})
	if err != nil {
		t.Fatalf("outer execute: %v", err)
	}
	if !errors.Is(inner, ErrReentrantCall) {
		t.Fatalf("expected ErrReentrantCall, got %v", inner)
	}
	if mgr.InOperation(context.Background()) {
		t.Fatalf("plain context must not be marked")
	}
}

func TestCalloutRejectsDetachedReentry(t *testing.T) {
	mgr := NewManager(nil)
	var execErr, viewErr, markedErr error
	err := mgr.Execute(context.Background(), func(ctx context.Context) error {
		return Callout(ctx, func(ctx context.Context) error {
			execErr = mgr.Execute(context.Background(), func(context.Context) error { return nil })
			viewErr = mgr.View(context.Background(), func() error { return nil })
			markedErr = mgr.View(ctx, func() error { return nil })
			return nil
		})
	})
	if err != nil {
		t.Fatalf("outer execute: %v", err)
	}
	if !errors.Is(execErr, ErrReentrantCall) {
		t.Fatalf("expected ErrReentrantCall from detached execute, got %v", execErr)
	}
	if !errors.Is(viewErr, ErrReentrantCall) {
		t.Fatalf("expected ErrReentrantCall from detached view, got %v", viewErr)
	}
	if markedErr != nil {
		t.Fatalf("view with the operation context should run inline: %v", markedErr)
	}
	if err := mgr.Execute(context.Background(), func(context.Context) error { return nil }); err != nil {
		t.Fatalf("execute after callout: %v", err)
	}
}

func TestCalloutReleasedOnPanic(t *testing.T) {
	mgr := NewManager(nil)
	func() {
		defer func() { _ = recover() }()
		_ = mgr.Execute(context.Background(), func(ctx context.Context) error {
			return Callout(ctx, func(context.Context) error { panic("hook") })
		})
	}()
	if err := mgr.View(context.Background(), func() error { return nil }); err != nil {
		t.Fatalf("view after panicking callout: %v", err)
	}
}

func TestCalloutOutsideOperation(t *testing.T) {
	called := false
	err := Callout(context.Background(), func(context.Context) error {
		called = true
		return nil
	})
	if err != nil || !called {
		t.Fatalf("expected plain call, called=%v err=%v", called, err)
	}
}

func TestExecuteHonoursCancelledContext(t *testing.T) {
	mgr := NewManager(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	err := mgr.Execute(ctx, func(context.Context) error {
		called = true
		return nil
	})
	if !errors.Is(err, context.Canceled) || called {
		t.Fatalf("expected cancellation before running, err=%v called=%v", err, called)
	}
}

func TestViewInsideOperationSeesPendingWrites(t *testing.T) {
	mgr := NewManager(nil)
	err := mgr.Execute(context.Background(), func(ctx context.Context) error {
		if err := PutBig(mgr.Store(), []byte("counter"), big.NewInt(7)); err != nil {
			return err
		}
		return mgr.View(ctx, func() error {
			v, err := GetBig(mgr.Store(), []byte("counter"))
			if err != nil {
				return err
			}
			if v.Int64() != 7 {
				t.Fatalf("expected pending value 7, got %s", v)
			}
			return nil
		})
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
}

func TestExecuteSerialisesWriters(t *testing.T) {
	mgr := NewManager(nil)
	key := []byte("counter")
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := mgr.Execute(context.Background(), func(context.Context) error {
				v, err := GetUint64(mgr.Store(), key)
				if err != nil {
					return err
				}
				return PutUint64(mgr.Store(), key, v+1)
			})
			if err != nil {
				t.Errorf("execute: %v", err)
			}
		}()
	}
	wg.Wait()
	var got uint64
	_ = mgr.View(context.Background(), func() error {
		var err error
		got, err = GetUint64(mgr.Store(), key)
		return err
	})
	if got != 32 {
		t.Fatalf("expected 32 increments, got %d", got)
	}
}
