package circuitbreaker

import (
	"sync"
	"testing"
	"time"
)

func TestAllowUntilThreshold(t *testing.T) {
	b := New(3, 100*time.Millisecond)

	if !b.Allow("stripe") {
		t.Fatal("fresh breaker must allow")
	}

	b.RecordFailure("stripe")
	b.RecordFailure("stripe")
	if !b.Allow("stripe") {
		t.Fatal("two failures out of three must not trip")
	}

	b.RecordFailure("stripe")
	if b.Allow("stripe") {
		t.Fatal("third failure must open the circuit")
	}
	if got := b.State("stripe"); got != StateOpen {
		t.Fatalf("state = %v, want open", got)
	}
}

func TestHalfOpenAdmitsSingleProbe(t *testing.T) {
	b := New(2, 40*time.Millisecond)
	b.RecordFailure("stripe")
	b.RecordFailure("stripe")

	time.Sleep(50 * time.Millisecond)

	if !b.Allow("stripe") {
		t.Fatal("after the open window one probe must pass")
	}
	if got := b.State("stripe"); got != StateHalfOpen {
		t.Fatalf("state = %v, want half_open", got)
	}
	if b.Allow("stripe") {
		t.Fatal("only one probe may be in flight while half-open")
	}
}

func TestProbeOutcomeDecidesRecovery(t *testing.T) {
	trip := func(b *Breaker) {
		b.RecordFailure("stripe")
		b.RecordFailure("stripe")
		time.Sleep(50 * time.Millisecond)
		b.Allow("stripe")
	}

	b := New(2, 40*time.Millisecond)
	trip(b)
	b.RecordSuccess("stripe")
	if got := b.State("stripe"); got != StateClosed {
		t.Fatalf("successful probe: state = %v, want closed", got)
	}
	if !b.Allow("stripe") {
		t.Fatal("recovered circuit must allow traffic")
	}

	b = New(2, 40*time.Millisecond)
	trip(b)
	b.RecordFailure("stripe")
	if got := b.State("stripe"); got != StateOpen {
		t.Fatalf("failed probe: state = %v, want open", got)
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	b := New(3, 100*time.Millisecond)
	b.RecordFailure("stripe")
	b.RecordFailure("stripe")
	b.RecordSuccess("stripe")
	b.RecordFailure("stripe")
	if !b.Allow("stripe") {
		t.Fatal("success must reset the consecutive failure counter")
	}
}

func TestKeysAreIndependent(t *testing.T) {
	b := New(2, 100*time.Millisecond)
	b.RecordFailure("stripe")
	b.RecordFailure("stripe")

	if b.Allow("stripe") {
		t.Fatal("stripe circuit should be open")
	}
	if !b.Allow("rate_provider") {
		t.Fatal("an open stripe circuit must not affect other providers")
	}
	if got := b.State("rate_provider"); got != StateClosed {
		t.Fatalf("untouched key state = %v, want closed", got)
	}
}

func TestOnTransitionFires(t *testing.T) {
	b := New(2, 40*time.Millisecond)

	var (
		mu   sync.Mutex
		seen []State
	)
	b.OnTransition(func(key string, from, to State) {
		mu.Lock()
		seen = append(seen, to)
		mu.Unlock()
	})

	b.RecordFailure("stripe")
	b.RecordFailure("stripe")
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 || seen[0] != StateOpen {
		t.Fatalf("transitions = %v, want single transition to open", seen)
	}
}

func TestStateString(t *testing.T) {
	if StateClosed.String() != "closed" || StateOpen.String() != "open" || StateHalfOpen.String() != "half_open" {
		t.Fatal("state names drive the transitions metric label and must be stable")
	}
	if State(42).String() != "unknown" {
		t.Fatalf("out of range state = %q, want unknown", State(42).String())
	}
}
