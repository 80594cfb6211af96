package eta

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPickupETA(t *testing.T) {
	e := New(30)
	require.Equal(t, 2*time.Minute, e.Pickup(1))
	require.Equal(t, time.Duration(0), e.Pickup(0))
	require.Equal(t, time.Duration(0), e.Pickup(-3))
}

func TestPickupETADefaultsSpeed(t *testing.T) {
	require.Equal(t, New(30).Pickup(2.5), New(0).Pickup(2.5))
	require.Equal(t, 6*time.Minute, New(-1).Pickup(3))
}

func TestPickupETAIsMonotonic(t *testing.T) {
	e := New(25)
	prev := time.Duration(0)
	for d := 0.1; d < 10; d += 0.37 {
		cur := e.Pickup(d)
		require.GreaterOrEqual(t, cur, prev)
		prev = cur
	}
}
