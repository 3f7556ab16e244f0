package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisabledAllowsEverything(t *testing.T) {
	l := New(0, time.Second)
	for i := 0; i < 100; i++ {
		require.True(t, l.Allow("client-a"))
	}
}

func TestBurstThenThrottle(t *testing.T) {
	l := New(2, time.Minute)
	assert.True(t, l.Allow("client-a"))
	assert.True(t, l.Allow("client-a"))
	assert.False(t, l.Allow("client-a"))
}

func TestKeysAreIndependent(t *testing.T) {
	l := New(1, time.Minute)
	assert.True(t, l.Allow("client-a"))
	assert.True(t, l.Allow("client-b"))
	assert.False(t, l.Allow("client-a"))
}

func TestForgetResetsBudget(t *testing.T) {
	l := New(1, time.Minute)
	require.True(t, l.Allow("client-a"))
	require.False(t, l.Allow("client-a"))
	l.Forget("client-a")
	require.True(t, l.Allow("client-a"))
}
