package libupstream

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFlowControllerReserveClamps(t *testing.T) {
	t.Parallel()
	f := newFlowController(10)
	assert.Equal(t, 10, f.available())
	assert.Equal(t, 7, f.reserve(7))
	assert.Equal(t, 3, f.reserve(100))
	assert.Equal(t, 0, f.reserve(1))
}

func TestFlowControllerGrantUnblocks(t *testing.T) {
	t.Parallel()
	f := newFlowController(5)
	f.reserve(5)
	assert.False(t, f.grant(0))
	assert.True(t, f.grant(3), "grant from zero must report unblock")
	assert.False(t, f.grant(3), "grant of an open window is not an unblock")
}

func TestFlowControllerSettingsDeltaMayGoNegative(t *testing.T) {
	t.Parallel()
	f := newFlowController(100)
	f.reserve(80)
	// peer shrank the initial window by 50
	f.adjust(-50)
	assert.Equal(t, 0, f.available(), "negative window only blocks, never errors")
	assert.Equal(t, 0, f.reserve(10))
	// replenishment resurrects it
	assert.True(t, f.grant(40))
	assert.Equal(t, 10, f.available())
}

func TestIngressWindowRefillsAtHalfCapacity(t *testing.T) {
	t.Parallel()
	w := newIngressWindow(100)
	w.onData(30)
	assert.Equal(t, uint32(0), w.maybeRefill())
	w.onData(25)
	assert.Equal(t, uint32(55), w.maybeRefill())
	assert.Equal(t, uint32(0), w.maybeRefill())
}

func TestIngressWindowGrowthReturnsDelta(t *testing.T) {
	t.Parallel()
	w := newIngressWindow(100)
	assert.Equal(t, uint32(150), w.setCapacity(250))
	assert.Equal(t, uint32(0), w.setCapacity(200), "shrink owes the peer nothing")
}
