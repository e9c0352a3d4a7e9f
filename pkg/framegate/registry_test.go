package framegate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestRegistryRegisterGetUnregister(t *testing.T) {
	reg := NewRegistry(4)
	state := NewConnState(context.Background(), "conn-1", "127.0.0.1:1", time.Now())

	if err := reg.Register(state); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if got := reg.Count(); got != 1 {
		t.Fatalf("Count() = %d, want 1", got)
	}

	got, err := reg.Get("conn-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got != state {
		t.Error("Get returned a different state")
	}

	if err := reg.Register(state); !errors.Is(err, ErrAlreadyRegistered) {
		t.Errorf("duplicate Register error = %v, want ErrAlreadyRegistered", err)
	}
	if got := reg.Count(); got != 1 {
		t.Errorf("Count() after duplicate = %d, want 1", got)
	}

	if !reg.Unregister("conn-1") {
		t.Error("first Unregister reported nothing removed")
	}
	if reg.Unregister("conn-1") {
		t.Error("second Unregister reported a removal")
	}
	if got := reg.Count(); got != 0 {
		t.Errorf("Count() after double Unregister = %d, want 0", got)
	}

	if _, err := reg.Get("conn-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after Unregister error = %v, want ErrNotFound", err)
	}
}

func TestRegistryUnregisterUnknownIsNoop(t *testing.T) {
	reg := NewRegistry(0)
	if reg.Unregister("never-seen") {
		t.Error("Unregister of unknown id reported a removal")
	}
	if reg.Count() != 0 {
		t.Errorf("Count() = %d, want 0", reg.Count())
	}
}

func TestRegistryConcurrentRegisterUnregister(t *testing.T) {
	const n = 1000
	reg := NewRegistry(16)
	ids := make([]string, n)
	for i := range ids {
		ids[i] = reg.NewID()
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := reg.Register(NewConnState(context.Background(), id, "", time.Now())); err != nil {
				t.Errorf("Register(%s): %v", id, err)
			}
		}(id)
	}
	wg.Wait()

	if got := reg.Count(); got != n {
		t.Fatalf("Count() after registering = %d, want %d", got, n)
	}

	for _, id := range ids {
		wg.Add(2)
		// Two close events per connection; only one may take effect.
		for j := 0; j < 2; j++ {
			go func(id string) {
				defer wg.Done()
				reg.Unregister(id)
			}(id)
		}
	}
	wg.Wait()

	if got := reg.Count(); got != 0 {
		t.Fatalf("Count() after unregistering = %d, want 0", got)
	}
}

func TestRegistryRangeAndCancelAll(t *testing.T) {
	reg := NewRegistry(8)
	for i := 0; i < 10; i++ {
		_ = reg.Register(NewConnState(context.Background(), fmt.Sprintf("c%d", i), "", time.Now()))
	}

	reg.CancelAll()

	seen := 0
	reg.Range(func(s *ConnState) bool {
		seen++
		if s.Context().Err() == nil {
			t.Errorf("connection %s not cancelled", s.ID())
		}
		return true
	})
	if seen != 10 {
		t.Errorf("Range visited %d entries, want 10", seen)
	}

	reg.Clear()
	if reg.Count() != 0 {
		t.Errorf("Count() after Clear = %d, want 0", reg.Count())
	}
}

func TestConnStatePhases(t *testing.T) {
	s := NewConnState(context.Background(), "x", "", time.Unix(10, 0))

	if s.Phase() != PhaseUnauthenticated {
		t.Fatalf("initial phase = %v", s.Phase())
	}
	if !s.markAuthenticated() || !s.Authenticated() {
		t.Fatal("markAuthenticated failed from initial phase")
	}
	if !s.markClosed() {
		t.Fatal("first markClosed returned false")
	}
	if s.markClosed() {
		t.Error("second markClosed returned true")
	}
	if s.markAuthenticated() {
		t.Error("closed connection became authenticated")
	}

	s.Touch(time.Unix(20, 0))
	if !s.LastHeartbeatAt().Equal(time.Unix(20, 0)) {
		t.Errorf("LastHeartbeatAt = %v", s.LastHeartbeatAt())
	}
}
