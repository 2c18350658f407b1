package event

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Zorvalt/dlan/internal/lockd"
)

func TestEventBroadcastWakesAllWaiters(t *testing.T) {
	var mu sync.Mutex
	var e Event

	const n = 5
	woken := make(chan int, n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			mu.Lock()
			e.Wait(&mu)
			mu.Unlock()
			woken <- i
		}()
	}

	time.Sleep(10 * time.Millisecond)
	e.Broadcast()

	for i := 0; i < n; i++ {
		select {
		case <-woken:
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for broadcast wakeup")
		}
	}
}

func TestCondWithLockdLockBypassesDeferredActions(t *testing.T) {
	var l lockd.Lock
	cond := NewCond(l.GetSafeLocker())

	ran := make(chan struct{})
	go func() {
		l.Lock()
		l.Defer(func() { close(ran) })
		cond.Wait()
		l.Unlock()
	}()

	time.Sleep(10 * time.Millisecond)
	select {
	case <-ran:
		t.Fatal("deferred action ran while the waiter was blocked in Wait")
	default:
	}
	cond.Signal()

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("waiter never resumed")
	}
}

func TestCondSignalIsLIFO(t *testing.T) {
	var mu sync.Mutex
	cond := NewCond(&mu)

	order := make(chan int, 2)
	started := make(chan struct{}, 2)
	for i := 0; i < 2; i++ {
		i := i
		go func() {
			mu.Lock()
			started <- struct{}{}
			cond.Wait()
			mu.Unlock()
			order <- i
		}()
		// mu is free again only once goroutine i is parked in Wait, so
		// goroutine 1 is always the most recent waiter.
		<-started
		mu.Lock()
		mu.Unlock()
	}
	time.Sleep(10 * time.Millisecond)

	cond.Signal()
	first := <-order
	require.Equal(t, 1, first)
	cond.Signal()
	second := <-order
	assert.Equal(t, 0, second)
}
