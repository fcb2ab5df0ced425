// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package hostloop

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestLifecycleHooks_CreateSettleContinuation(t *testing.T) {
	loop, err := New()
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer loop.Shutdown(context.Background())

	js, err := NewJS(loop)
	if err != nil {
		t.Fatalf("NewJS() failed: %v", err)
	}

	var (
		mu        sync.Mutex
		created   []uint64
		parents   = map[uint64]uint64{}
		continued []uint64
		settled   []uint64
		hadContOnSet bool
	)

	js.SetLifecycleHooks(&LifecycleHooks{
		OnCreate: func(id uint64, _ time.Time, _ []uintptr, parentID uint64) {
			mu.Lock()
			defer mu.Unlock()
			created = append(created, id)
			parents[id] = parentID
		},
		OnContinuation: func(id uint64) {
			mu.Lock()
			defer mu.Unlock()
			continued = append(continued, id)
		},
		OnSettle: func(id uint64, _ PromiseState, hadContinuation bool) {
			mu.Lock()
			defer mu.Unlock()
			settled = append(settled, id)
			hadContOnSet = hadContinuation
		},
	})

	p, resolve, _ := js.NewChainedPromise()
	child := p.Then(func(Result) Result { return nil }, nil)
	resolve("ok")

	mu.Lock()
	defer mu.Unlock()
	if len(created) != 2 || created[0] != p.ID() || created[1] != child.ID() {
		t.Fatalf("expected OnCreate for the root then its Then()-derived child, got %v", created)
	}
	if parents[p.ID()] != 0 {
		t.Fatalf("expected root promise to report no parent, got %d", parents[p.ID()])
	}
	if parents[child.ID()] != p.ID() {
		t.Fatalf("expected Then()-derived child to report parent %d, got %d", p.ID(), parents[child.ID()])
	}
	if len(continued) != 1 || continued[0] != p.ID() {
		t.Fatalf("expected OnContinuation(%d) exactly once, got %v", p.ID(), continued)
	}
	if !hadContOnSet {
		t.Fatal("expected hadContinuation=true on settle, since Then was called before resolve")
	}
}

func TestLifecycleHooks_SettleWithoutContinuation(t *testing.T) {
	loop, err := New()
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer loop.Shutdown(context.Background())

	js, err := NewJS(loop)
	if err != nil {
		t.Fatalf("NewJS() failed: %v", err)
	}

	var hadContOnSet, fired bool
	js.SetLifecycleHooks(&LifecycleHooks{
		OnSettle: func(_ uint64, _ PromiseState, hadContinuation bool) {
			fired = true
			hadContOnSet = hadContinuation
		},
	})

	_, resolve, _ := js.NewChainedPromise()
	resolve("ok")

	if !fired {
		t.Fatal("expected OnSettle to fire synchronously from resolve")
	}
	if hadContOnSet {
		t.Fatal("expected hadContinuation=false, no Then/Catch/Finally was ever attached")
	}
}

func TestLifecycleHooks_NilHooksAreNoop(t *testing.T) {
	loop, err := New()
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer loop.Shutdown(context.Background())

	js, err := NewJS(loop)
	if err != nil {
		t.Fatalf("NewJS() failed: %v", err)
	}

	p, resolve, _ := js.NewChainedPromise()
	p.Then(func(Result) Result { return nil }, nil)
	resolve("ok")
}
