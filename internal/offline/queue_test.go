package offline

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPushEvictsOldestBeyondCapacity(t *testing.T) {
	q := NewQueue(50)

	for i := 1; i <= 60; i++ {
		q.Push(Entry{Event: "location-update", Payload: i})
	}

	assert.Equal(t, 50, q.Len())
	assert.Equal(t, int64(10), q.Dropped())

	var got []int
	err := q.Drain(func(e Entry) error {
		got = append(got, e.Payload.(int))
		return nil
	})
	require.NoError(t, err)

	// Samples #11..#60 survive, in original relative order
	require.Len(t, got, 50)
	assert.Equal(t, 11, got[0])
	assert.Equal(t, 60, got[49])
	for i := 1; i < len(got); i++ {
		assert.Equal(t, got[i-1]+1, got[i])
	}
	assert.Equal(t, 0, q.Len())
}

func TestDrainStopsOnSendFailure(t *testing.T) {
	q := NewQueue(10)
	for i := 1; i <= 5; i++ {
		q.Push(Entry{Event: "e", Payload: i})
	}

	sendErr := errors.New("socket closed")
	sent := 0
	err := q.Drain(func(e Entry) error {
		if e.Payload.(int) == 3 {
			return sendErr
		}
		sent++
		return nil
	})

	assert.ErrorIs(t, err, sendErr)
	assert.Equal(t, 2, sent)
	// Entries 3..5 stay queued for the next drain
	assert.Equal(t, 3, q.Len())

	var got []int
	require.NoError(t, q.Drain(func(e Entry) error {
		got = append(got, e.Payload.(int))
		return nil
	}))
	assert.Equal(t, []int{3, 4, 5}, got)
}

func TestRequeuePreservesOrderAheadOfNewPushes(t *testing.T) {
	q := NewQueue(10)
	for i := 1; i <= 4; i++ {
		q.Push(Entry{Event: "e", Payload: i})
	}

	failAll := func(e Entry) error { return fmt.Errorf("down") }
	_ = q.Drain(failAll)
	q.Push(Entry{Event: "e", Payload: 5})

	var got []int
	require.NoError(t, q.Drain(func(e Entry) error {
		got = append(got, e.Payload.(int))
		return nil
	}))
	assert.Equal(t, []int{1, 2, 3, 4, 5}, got)
}

func TestClear(t *testing.T) {
	q := NewQueue(10)
	q.Push(Entry{Event: "e", Payload: 1})
	q.Push(Entry{Event: "e", Payload: 2})

	q.Clear()
	assert.Equal(t, 0, q.Len())
}

func TestZeroCapacityFallsBackToDefault(t *testing.T) {
	q := NewQueue(0)
	assert.Equal(t, 50, q.Cap())
}
