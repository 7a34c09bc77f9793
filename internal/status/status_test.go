package status

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAggregateWorstWins(t *testing.T) {
	assert.Equal(t, Degraded, Aggregate(OK, Degraded, Idle))
	assert.Equal(t, Failed, Aggregate(Failed, OK, Unknown))
	assert.Equal(t, Unknown, Aggregate())
	assert.Equal(t, OK, Aggregate(OK))
}

func TestOrderingTransitionalBelowError(t *testing.T) {
	assert.Less(t, int(Startup), int(Warning))
	assert.Less(t, int(Shutdown), int(Warning))
	assert.Less(t, int(Warning), int(Degraded))
	assert.Less(t, int(Degraded), int(Error))
	assert.Less(t, int(Error), int(Failed))
}

func TestParseRoundTrip(t *testing.T) {
	for s := Unknown; s <= Failed; s++ {
		assert.Equal(t, s, Parse(s.String()))
	}
	assert.Equal(t, Unknown, Parse("bogus"))
}

func TestErrorish(t *testing.T) {
	assert.True(t, Error.Errorish())
	assert.True(t, Degraded.Errorish())
	assert.True(t, Failed.Errorish())
	assert.False(t, OK.Errorish())
	assert.False(t, Busy.Errorish())
}

func TestWireTimeRoundTrip(t *testing.T) {
	now := time.Date(2026, 7, 31, 12, 34, 56, 789000, time.UTC)
	w := ToWireTime(now)
	assert.Equal(t, WireTime{2026, 7, 31, 12, 34, 56, 789}, w)
	assert.True(t, FromWireTime(w).Equal(now))
}
