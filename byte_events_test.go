package libupstream

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type recReceiver struct {
	firstHeader []*Transaction
	last        []*Transaction
	pings       []uint64
}

func (r *recReceiver) onFirstHeaderByteEvent(t *Transaction) {
	t.decrementPendingByteEvents()
	r.firstHeader = append(r.firstHeader, t)
}

func (r *recReceiver) onLastByteEvent(t *Transaction) {
	t.decrementPendingByteEvents()
	r.last = append(r.last, t)
}

func (r *recReceiver) onPingAckedEvent(data uint64) {
	r.pings = append(r.pings, data)
}

func TestByteEventsFireInOffsetOrder(t *testing.T) {
	t.Parallel()
	recv := &recReceiver{}
	bet := NewByteEventTracker(recv)
	t1 := &Transaction{}
	t2 := &Transaction{}

	bet.AddFirstHeaderByteEvent(10, t1)
	bet.AddLastByteEvent(40, t1)
	bet.AddFirstHeaderByteEvent(50, t2)
	bet.AddPingByteEvent(60, 99)
	assert.Equal(t, 2, t1.pendingByteEvents)
	assert.Equal(t, 1, t2.pendingByteEvents)

	assert.Equal(t, 0, bet.ProcessByteEvents(9))
	assert.Equal(t, 1, bet.ProcessByteEvents(10))
	assert.Equal(t, []*Transaction{t1}, recv.firstHeader)
	assert.Equal(t, 1, t1.pendingByteEvents)

	// one ack sweep fires everything due, in order
	assert.Equal(t, 3, bet.ProcessByteEvents(1000))
	assert.Equal(t, []*Transaction{t1}, recv.last)
	assert.Equal(t, []*Transaction{t2}, recv.firstHeader[1:])
	assert.Equal(t, []uint64{99}, recv.pings)
	assert.Equal(t, 0, t1.pendingByteEvents)
	assert.Equal(t, 0, t2.pendingByteEvents)
	assert.False(t, bet.HasPendingEvents())
}

func TestByteEventsDrainTransaction(t *testing.T) {
	t.Parallel()
	recv := &recReceiver{}
	bet := NewByteEventTracker(recv)
	t1 := &Transaction{}
	t2 := &Transaction{}
	bet.AddFirstHeaderByteEvent(10, t1)
	bet.AddLastByteEvent(20, t2)
	bet.AddLastByteEvent(30, t1)

	bet.DrainTransaction(t1)
	assert.Equal(t, 0, t1.pendingByteEvents, "drained refs must release the pending count")
	assert.Equal(t, 1, t2.pendingByteEvents)

	assert.Equal(t, 1, bet.ProcessByteEvents(1000))
	assert.Empty(t, recv.firstHeader)
	assert.Equal(t, []*Transaction{t2}, recv.last)
}

func TestDefaultTrackerHasNoPreSendGate(t *testing.T) {
	t.Parallel()
	bet := NewByteEventTracker(&recReceiver{})
	assert.Equal(t, 0, bet.PreSend(4096))
}
