package push

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNextReconnectDelay_SuccessResetsToBase(t *testing.T) {
	got := nextReconnectDelay(4*time.Second, time.Second, 300*time.Second, false)
	assert.Equal(t, time.Second, got)
}

func TestNextReconnectDelay_TwoFailuresQuadruple(t *testing.T) {
	base := 30 * time.Second
	d := base
	d = nextReconnectDelay(d, base, 300*time.Second, true)
	d = nextReconnectDelay(d, base, 300*time.Second, true)
	assert.Equal(t, 4*base, d)
}

func TestNextReconnectDelay_CappedAtMax(t *testing.T) {
	got := nextReconnectDelay(200*time.Second, 30*time.Second, 300*time.Second, true)
	assert.Equal(t, 300*time.Second, got)
}

func TestEvent_WaitTimesOutWhenUnset(t *testing.T) {
	e := newEvent()
	assert.False(t, e.Wait(20*time.Millisecond))
}

func TestEvent_SetThenWaitSucceedsImmediately(t *testing.T) {
	e := newEvent()
	e.Set()
	assert.True(t, e.Wait(20*time.Millisecond))
}

func TestEvent_ClearThenWaitTimesOutAgain(t *testing.T) {
	e := newEvent()
	e.Set()
	e.Clear()
	assert.False(t, e.Wait(20*time.Millisecond))
}

func TestEvent_SetIsIdempotent(t *testing.T) {
	e := newEvent()
	e.Set()
	e.Set()
	assert.True(t, e.Wait(20*time.Millisecond))
}
