package mcp

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestPendingTakeOnce(t *testing.T) {
	p := newPendingTable()
	p.add(1, MethodToolsCall, time.Minute)

	if _, ok := p.take(1); !ok {
		t.Fatal("first take(1) = false, want true")
	}
	if _, ok := p.take(1); ok {
		t.Error("second take(1) = true, want false")
	}
	if _, ok := p.take(2); ok {
		t.Error("take(2) of unknown id = true, want false")
	}
	if got := p.len(); got != 0 {
		t.Errorf("len() = %d, want 0", got)
	}
}

func TestPendingDeadline(t *testing.T) {
	p := newPendingTable()
	start := time.Now()
	call := p.add(5, MethodToolsCall, 20*time.Millisecond)

	select {
	case res := <-call.done:
		if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
			t.Errorf("rejected after %v, before the deadline", elapsed)
		}
		var te *TimeoutError
		if !errors.As(res.err, &te) {
			t.Fatalf("err = %v, want *TimeoutError", res.err)
		}
		if te.ID != 5 || te.Method != MethodToolsCall {
			t.Errorf("TimeoutError = %+v", te)
		}
		if !errors.Is(res.err, ErrTimeout) {
			t.Error("errors.Is(err, ErrTimeout) = false")
		}
	case <-time.After(time.Second):
		t.Fatal("deadline never fired")
	}

	// A response arriving after the deadline finds nothing to resolve.
	if _, ok := p.take(5); ok {
		t.Error("take after deadline = true, want false")
	}
}

func TestPendingTakeStopsDeadline(t *testing.T) {
	p := newPendingTable()
	call := p.add(1, MethodPing, 10*time.Millisecond)

	got, ok := p.take(1)
	if !ok {
		t.Fatal("take(1) = false")
	}
	got.complete(callResult{result: json.RawMessage(`{}`)})

	time.Sleep(30 * time.Millisecond)
	res := <-call.done
	if res.err != nil {
		t.Errorf("err = %v, want nil", res.err)
	}
	select {
	case extra := <-call.done:
		t.Errorf("second completion delivered: %+v", extra)
	default:
	}
}

func TestPendingDrain(t *testing.T) {
	p := newPendingTable()
	for id := int64(1); id <= 3; id++ {
		p.add(id, MethodToolsCall, time.Minute)
	}

	calls := p.drain()
	if len(calls) != 3 {
		t.Fatalf("drain() returned %d calls, want 3", len(calls))
	}
	if got := p.len(); got != 0 {
		t.Errorf("len() after drain = %d, want 0", got)
	}
	rejectAll(calls, ErrStopping)
	for i, c := range calls {
		if res := <-c.done; !errors.Is(res.err, ErrStopping) {
			t.Errorf("call %d err = %v, want ErrStopping", i, res.err)
		}
	}
}

// A response and a deadline racing on the same id resolve it once.
func TestPendingRace(t *testing.T) {
	for i := range 200 {
		p := newPendingTable()
		id := int64(i + 1)
		call := p.add(id, MethodToolsCall, time.Microsecond)

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			if c, ok := p.take(id); ok {
				c.complete(callResult{result: json.RawMessage(`{}`)})
			}
		}()
		wg.Wait()

		<-call.done
		time.Sleep(time.Millisecond)
		select {
		case <-call.done:
			t.Fatalf("id %d resolved twice", id)
		default:
		}
	}
}
