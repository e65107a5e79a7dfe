package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeAfter(t *testing.T) {
	clock := Fake(epoch)
	channel := clock.After(time.Second)

	clock.Advance(500 * time.Millisecond)
	select {
	case <-channel:
		t.Fatal("timer fired early")
	default:
	}

	clock.Advance(500 * time.Millisecond)
	select {
	case fired := <-channel:
		assert.Equal(t, epoch.Add(time.Second), fired)
	default:
		t.Fatal("timer did not fire")
	}
	assert.Equal(t, 0, clock.Waiters())
}

func TestFakeAfterNonPositive(t *testing.T) {
	clock := Fake(epoch)
	select {
	case fired := <-clock.After(0):
		assert.Equal(t, epoch, fired)
	default:
		t.Fatal("zero duration must fire immediately")
	}
}

func TestFakeTicker(t *testing.T) {
	clock := Fake(epoch)
	ticker := clock.NewTicker(time.Second)

	clock.Advance(time.Second)
	require.Len(t, ticker.C, 1)
	<-ticker.C

	// Three intervals with an unread channel collapse into one tick.
	clock.Advance(3 * time.Second)
	require.Len(t, ticker.C, 1)

	ticker.Stop()
	<-ticker.C
	clock.Advance(5 * time.Second)
	assert.Len(t, ticker.C, 0)
	assert.Equal(t, 0, clock.Waiters())
}

func TestFakeNow(t *testing.T) {
	clock := Fake(epoch)
	clock.Advance(90 * time.Minute)
	assert.Equal(t, epoch.Add(90*time.Minute), clock.Now())
}
