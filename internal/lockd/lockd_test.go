package lockd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeferredActionRunsAfterUnlock(t *testing.T) {
	var l Lock
	var ran bool

	l.Lock()
	l.Defer(func() { ran = true })
	assert.False(t, ran, "deferred action must not run before Unlock")
	l.Unlock()
	assert.True(t, ran)
}

func TestDeferUniqueUnaryFuncCollapsesDuplicates(t *testing.T) {
	var l Lock
	calls := 0
	wake := func() { calls++ }

	l.Lock()
	l.DeferUniqueUnaryFunc("scheduler", wake)
	l.DeferUniqueUnaryFunc("scheduler", wake)
	l.Unlock()

	assert.Equal(t, 1, calls)
}

func TestFlushDeferredRunsWhileHeld(t *testing.T) {
	var l Lock
	var ran bool

	l.Lock()
	l.Defer(func() { ran = true })
	l.FlushDeferred()
	assert.True(t, ran, "FlushDeferred should run actions immediately")
	l.Unlock()
}

func TestSafeLockUnlockBypassesDeferredActions(t *testing.T) {
	var l Lock
	var ran bool

	l.Lock()
	l.Defer(func() { ran = true })
	l.SafeUnlock()
	assert.False(t, ran, "SafeUnlock must not run deferred actions")
	l.SafeLock()
	l.Unlock()
	assert.True(t, ran)
}

func TestUnlockWithoutLockPanics(t *testing.T) {
	var l Lock
	require.Panics(t, func() { l.Unlock() })
}
