package ipmath

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOffsetAndAdd(t *testing.T) {
	start := net.ParseIP("192.168.2.100")
	end := net.ParseIP("192.168.2.110")

	off, err := Offset(start, end)
	require.NoError(t, err)
	assert.EqualValues(t, 10, off)

	next, err := Add(start, 1)
	require.NoError(t, err)
	assert.True(t, next.Equal(net.ParseIP("192.168.2.101")))
}

func TestAddOverflow(t *testing.T) {
	top := net.ParseIP("255.255.255.255")
	_, err := Add(top, 1)
	assert.ErrorIs(t, err, ErrOverflow)
}

func TestInRange(t *testing.T) {
	start := net.ParseIP("192.168.2.100")
	end := net.ParseIP("192.168.2.110")

	assert.True(t, InRange(net.ParseIP("192.168.2.105"), start, end))
	assert.False(t, InRange(net.ParseIP("192.168.2.111"), start, end))
	assert.False(t, InRange(net.ParseIP("192.168.2.99"), start, end))
}

func TestCount(t *testing.T) {
	start := net.ParseIP("192.168.2.100")
	end := net.ParseIP("192.168.2.110")

	n, err := Count(start, end)
	require.NoError(t, err)
	assert.EqualValues(t, 11, n)

	_, err = Count(end, start)
	assert.Error(t, err)
}
