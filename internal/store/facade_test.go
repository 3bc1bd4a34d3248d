package store

import (
	"context"
	"errors"
	"testing"
)

// failingBackend errors on every operation after fail is set. errOut
// selects the error; errBackendDown when unset.
type failingBackend struct {
	inner  *MemBackend
	fail   bool
	errOut error
}

var errBackendDown = errors.New("backend down")

func (f *failingBackend) failure() error {
	if f.errOut != nil {
		return f.errOut
	}
	return errBackendDown
}

func (f *failingBackend) Get(ctx context.Context, collection, key string) (Record, bool, error) {
	if f.fail {
		return nil, false, f.failure()
	}
	return f.inner.Get(ctx, collection, key)
}

func (f *failingBackend) Put(ctx context.Context, collection, key string, rec Record) error {
	if f.fail {
		return f.failure()
	}
	return f.inner.Put(ctx, collection, key, rec)
}

func (f *failingBackend) Append(ctx context.Context, collection, key, field string, value any) error {
	if f.fail {
		return f.failure()
	}
	return f.inner.Append(ctx, collection, key, field, value)
}

func (f *failingBackend) Ping(context.Context) error {
	if f.fail {
		return f.failure()
	}
	return nil
}

func (f *failingBackend) Close() error { return nil }

func TestFacadeHealthyPassthrough(t *testing.T) {
	ctx := context.Background()
	backend := &failingBackend{inner: NewMemBackend()}
	f := NewFacade(backend)

	if f.Degraded() {
		t.Fatal("facade degraded with a healthy backend")
	}
	if err := f.Put(ctx, "sessions", "t1", Record{"a": "b"}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	rec, found, err := backend.inner.Get(ctx, "sessions", "t1")
	if err != nil || !found {
		t.Fatalf("live backend missed the write: found=%v err=%v", found, err)
	}
	if rec["a"] != "b" {
		t.Errorf("rec[a] = %v, want b", rec["a"])
	}
}

func TestFacadeDegradesAndStaysUp(t *testing.T) {
	ctx := context.Background()
	backend := &failingBackend{inner: NewMemBackend()}
	f := NewFacade(backend)

	backend.fail = true

	// First failing write flips the facade; the operation still succeeds.
	if err := f.Put(ctx, "sessions", "t1", Record{"a": "b"}); err != nil {
		t.Fatalf("Put during backend outage: %v", err)
	}
	if !f.Degraded() {
		t.Fatal("facade did not degrade after backend error")
	}

	// Reads and appends keep working from memory.
	rec, found, err := f.Get(ctx, "sessions", "t1")
	if err != nil || !found {
		t.Fatalf("Get after degrade: found=%v err=%v", found, err)
	}
	if rec["a"] != "b" {
		t.Errorf("rec[a] = %v, want b", rec["a"])
	}

	if err := f.Append(ctx, "conversations", "t1:p1", "messages", "hi"); err != nil {
		t.Fatalf("Append after degrade: %v", err)
	}

	// Degraded mode is sticky even after the backend heals.
	backend.fail = false
	if err := f.Put(ctx, "sessions", "t2", Record{}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if !f.Degraded() {
		t.Fatal("facade left degraded mode without a re-probe")
	}
	if _, found, _ := backend.inner.Get(ctx, "sessions", "t2"); found {
		t.Fatal("degraded write leaked to the live backend")
	}
}

func TestFacadeSurvivesCallerCancellation(t *testing.T) {
	ctx := context.Background()
	backend := &failingBackend{inner: NewMemBackend()}
	f := NewFacade(backend)

	// A request whose context died mid-operation surfaces the ctx error
	// from the backend; that is the caller's problem, not the store's.
	for _, ctxErr := range []error{context.Canceled, context.DeadlineExceeded} {
		backend.fail = true
		backend.errOut = ctxErr
		if _, _, err := f.Get(ctx, "sessions", "t1"); err != nil {
			t.Fatalf("Get under %v: %v", ctxErr, err)
		}
		if f.Degraded() {
			t.Fatalf("facade degraded after a %v from the caller context", ctxErr)
		}
	}

	// The backend is still live for the next healthy request.
	backend.fail = false
	backend.errOut = nil
	if err := f.Put(ctx, "sessions", "t1", Record{"a": "b"}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, found, _ := backend.inner.Get(ctx, "sessions", "t1"); !found {
		t.Fatal("write bypassed the live backend")
	}
}

func TestFacadeNilBackendStartsDegraded(t *testing.T) {
	f := NewFacade(nil)
	if !f.Degraded() {
		t.Fatal("nil backend should start degraded")
	}
	ctx := context.Background()
	if err := f.Put(ctx, "sessions", "t1", Record{"x": 1}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, found, _ := f.Get(ctx, "sessions", "t1"); !found {
		t.Fatal("memory write lost")
	}
}
