package circuit

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b := NewBreaker("test", 3, time.Minute)

	assert.True(t, b.Allow())
	b.RecordFailure()
	b.RecordFailure()
	assert.True(t, b.Allow())
	assert.Equal(t, StateClosed, b.CurrentState())

	b.RecordFailure()
	assert.Equal(t, StateOpen, b.CurrentState())
	assert.False(t, b.Allow())
}

func TestBreakerSuccessResetsFailureRun(t *testing.T) {
	b := NewBreaker("test", 3, time.Minute)

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()
	assert.Equal(t, StateClosed, b.CurrentState(), "non-consecutive failures must not trip")
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	b := NewBreaker("test", 1, 5*time.Millisecond)

	b.RecordFailure()
	assert.False(t, b.Allow())

	time.Sleep(10 * time.Millisecond)
	assert.True(t, b.Allow(), "cooldown elapsed, probe allowed")
	assert.Equal(t, StateHalfOpen, b.CurrentState())

	// probe fails: straight back to open
	b.RecordFailure()
	assert.Equal(t, StateOpen, b.CurrentState())

	time.Sleep(10 * time.Millisecond)
	assert.True(t, b.Allow())
	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.CurrentState())
}

func TestBreakerStateChangeHandler(t *testing.T) {
	b := NewBreaker("venue", 1, time.Minute)

	var mu sync.Mutex
	var transitions []State
	done := make(chan struct{}, 1)
	b.SetStateChangeHandler(func(name string, from, to State) {
		mu.Lock()
		transitions = append(transitions, to)
		mu.Unlock()
		done <- struct{}{}
	})

	b.RecordFailure()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected state change callback")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{StateOpen}, transitions)
}
