// Package lockd provides the module's main coordination lock: a mutex that
// can queue actions to run immediately after Unlock, so a critical section
// can say "wake the scheduler" or "return this socket to the pool" without
// running that work while still holding the lock (and without forcing the
// caller to remember to do it after every Unlock call by hand).
//
// This generalizes the re-entrancy story the rest of the module relies on:
// Go's sync.Mutex has no recursive locking, so call sites that must borrow
// the lock while it's already held (condition-variable waits) use
// SafeLock/SafeUnlock, which bypass the deferred-action queue entirely.
package lockd

import (
	"fmt"
	"reflect"
	"runtime"
	"strconv"
	"strings"
	"sync"

	g "github.com/anacrolix/generics"
	"github.com/anacrolix/missinggo/v2/panicif"
	xsync "github.com/anacrolix/sync"
)

// Lock is the module's main coordination mutex with deferred post-unlock
// actions.
type Lock struct {
	internal      xsync.RWMutex
	unlockActions []func()
	uniqueActions map[any]struct{}
	allowDefers   bool
	debug         *debugState
}

func (l *Lock) Lock() {
	l.internal.Lock()
	panicif.True(l.allowDefers)
	l.allowDefers = true
	l.debugOnLock()
}

func (l *Lock) Unlock() {
	panicif.False(l.allowDefers)
	l.debugOnUnlock()
	l.allowDefers = false
	l.runUnlockActions()
	l.internal.Unlock()
}

func (l *Lock) RLock() {
	l.internal.RLock()
}

func (l *Lock) RUnlock() {
	l.internal.RUnlock()
}

// Defer schedules action to run immediately after the next Unlock.
func (l *Lock) Defer(action func()) {
	panicif.False(l.allowDefers)
	l.unlockActions = append(l.unlockActions, action)
}

// DeferUniqueUnaryFunc schedules action at most once per critical section,
// keyed on arg together with reflect.Value.String() of action. For a func
// that string is only its type text, so every call with the same arg
// within one critical section collapses to a single deferred run (the
// first action registered), e.g. "wake the scheduler" fired by multiple
// ChunkDownloads finishing inside the same lock window.
func (l *Lock) DeferUniqueUnaryFunc(arg any, action func()) {
	panicif.False(l.allowDefers)
	key := funcAndArgKey{funcStr: reflect.ValueOf(action).String(), key: arg}
	g.MakeMapIfNil(&l.uniqueActions)
	if g.MapContains(l.uniqueActions, key) {
		return
	}
	l.uniqueActions[key] = struct{}{}
	l.unlockActions = append(l.unlockActions, action)
}

type funcAndArgKey struct {
	funcStr string
	key     any
}

func (l *Lock) runUnlockActions() {
	startLen := len(l.unlockActions)
	for i := 0; i < len(l.unlockActions); i++ {
		l.unlockActions[i]()
	}
	if startLen != len(l.unlockActions) {
		panic(fmt.Sprintf("num deferred changed while running: %v -> %v", startLen, len(l.unlockActions)))
	}
	l.unlockActions = l.unlockActions[:0]
	l.uniqueActions = nil
}

// FlushDeferred runs pending deferred actions now, while still holding the
// lock, instead of waiting for Unlock.
func (l *Lock) FlushDeferred() {
	panicif.False(l.allowDefers)
	l.runUnlockActions()
}

// SafeUnlock releases the lock without running deferred actions. Used by
// condition-variable waits (internal/event.Cond) that need to release and
// immediately re-acquire the lock around a blocking wait, where running
// unlock actions mid-wait would be premature.
func (l *Lock) SafeUnlock() {
	panicif.False(l.allowDefers)
	l.debugOnUnlock()
	l.allowDefers = false
	l.internal.Unlock()
}

// SafeLock reacquires the lock after SafeUnlock, without treating it as a
// fresh critical section for deferred-action purposes.
func (l *Lock) SafeLock() {
	l.internal.Lock()
	panicif.True(l.allowDefers)
	l.allowDefers = true
	l.debugOnLock()
}

// SafeLocker yields a sync.Locker using SafeLock/SafeUnlock, for passing to
// APIs that expect a plain sync.Locker (internal/event.Cond).
type SafeLocker struct {
	l *Lock
}

func (sl *SafeLocker) Lock()   { sl.l.SafeLock() }
func (sl *SafeLocker) Unlock() { sl.l.SafeUnlock() }

func (l *Lock) GetSafeLocker() sync.Locker {
	return &SafeLocker{l: l}
}

// EnableDebug turns on re-entrancy ownership checks and optional stack
// capture, for diagnosing unexpected lock contention during development.
func (l *Lock) EnableDebug(name string, captureStacks bool) {
	if name == "" && !captureStacks {
		l.debug = nil
		return
	}
	l.debug = &debugState{name: name, captureStacks: captureStacks}
}

func (l *Lock) debugOnLock() {
	if l.debug == nil {
		return
	}
	gid := currentGoroutineID()
	if l.debug.owner == gid {
		l.debug.depth++
		return
	}
	if l.debug.owner != 0 {
		panic(fmt.Sprintf("lock %s already owned by goroutine %d (attempt %d)\nprevious lock stack:\n%s",
			l.debug.name, l.debug.owner, gid, strings.TrimSpace(string(l.debug.lastStack))))
	}
	l.debug.owner = gid
	l.debug.depth = 1
	if l.debug.captureStacks {
		l.debug.lastStack = captureStack()
	}
}

func (l *Lock) debugOnUnlock() {
	if l.debug == nil {
		return
	}
	gid := currentGoroutineID()
	if l.debug.owner != gid {
		panic(fmt.Sprintf("unlock of %s by goroutine %d (owner %d)\nowner stack:\n%s",
			l.debug.name, gid, l.debug.owner, strings.TrimSpace(string(l.debug.lastStack))))
	}
	l.debug.depth--
	if l.debug.depth == 0 {
		l.debug.owner = 0
		if l.debug.captureStacks {
			l.debug.lastStack = nil
		}
	}
}

type debugState struct {
	name          string
	owner         int64
	depth         int
	captureStacks bool
	lastStack     []byte
}

func captureStack() []byte {
	buf := make([]byte, 2048)
	for {
		n := runtime.Stack(buf, false)
		if n < len(buf) {
			return buf[:n]
		}
		buf = make([]byte, len(buf)*2)
	}
}

// DebugInfo describes the current lock holder, for diagnostics. Safe to
// call concurrently; reads are racy but good enough for a debug dump.
func (l *Lock) DebugInfo() string {
	d := l.debug
	if d == nil {
		return "debug not enabled"
	}
	owner := d.owner
	if owner == 0 {
		return "lock not held"
	}
	stack := string(d.lastStack)
	if stack == "" {
		return fmt.Sprintf("lock %q held by goroutine %d (no stack captured)", d.name, owner)
	}
	return fmt.Sprintf("lock %q held by goroutine %d\n%s", d.name, owner, stack)
}

func currentGoroutineID() int64 {
	const prefix = "goroutine "
	buf := make([]byte, 64)
	n := runtime.Stack(buf, false)
	line := strings.TrimPrefix(string(buf[:n]), prefix)
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return -1
	}
	id, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return -1
	}
	return id
}
