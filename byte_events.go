package libupstream

// ByteEventKind tags what a tracked egress offset means.
type ByteEventKind int

const (
	ByteEventFirstHeaderByte ByteEventKind = iota
	ByteEventFirstByte
	ByteEventLastByte
	ByteEventPing
)

func (k ByteEventKind) String() string {
	switch k {
	case ByteEventFirstHeaderByte:
		return "first-header-byte"
	case ByteEventFirstByte:
		return "first-byte"
	case ByteEventLastByte:
		return "last-byte"
	case ByteEventPing:
		return "ping"
	}
	return "unknown"
}

// ByteEvent is a pending egress offset tagged with a transaction and a
// kind. The transaction reference is weak: the tracker never keeps a
// transaction alive and drops its entries when the session unwinds it.
type ByteEvent struct {
	Offset uint64
	Kind   ByteEventKind
	Txn    *Transaction
	Ping   uint64
}

// byteEventReceiver is how a tracker reports fired events back to the
// session. Calls arrive with the session lock held.
type byteEventReceiver interface {
	onFirstHeaderByteEvent(t *Transaction)
	onLastByteEvent(t *Transaction)
	onPingAckedEvent(data uint64)
}

// ByteEventTracker couples transport write progress to transaction
// callbacks. Offsets are monotone in insertion order; events fire in
// offset order as the transport acknowledges bytes. Swappable via
// Session.SetByteEventTracker for tests.
type ByteEventTracker interface {
	AddFirstHeaderByteEvent(offset uint64, t *Transaction)
	AddFirstByteEvent(offset uint64, t *Transaction)
	AddLastByteEvent(offset uint64, t *Transaction)
	AddPingByteEvent(offset uint64, data uint64)

	// ProcessByteEvents fires every entry with Offset <= cumAck, in
	// order, and returns how many fired.
	ProcessByteEvents(cumAck uint64) int

	// PreSend may gate the next transport write: it returns the number
	// of bytes the writer is allowed to flush, or 0 for no gate.
	PreSend(pending int) int

	// DrainTransaction drops all entries referencing t, releasing its
	// pending-event refs without firing them.
	DrainTransaction(t *Transaction)

	HasPendingEvents() bool
}

type byteEventTracker struct {
	recv byteEventReceiver
	q    []ByteEvent
}

// NewByteEventTracker returns the default tracker delivering into recv.
func NewByteEventTracker(recv byteEventReceiver) ByteEventTracker {
	return &byteEventTracker{recv: recv}
}

func (b *byteEventTracker) add(ev ByteEvent) {
	b.q = append(b.q, ev)
}

func (b *byteEventTracker) AddFirstHeaderByteEvent(offset uint64, t *Transaction) {
	t.incrementPendingByteEvents()
	b.add(ByteEvent{Offset: offset, Kind: ByteEventFirstHeaderByte, Txn: t})
}

func (b *byteEventTracker) AddFirstByteEvent(offset uint64, t *Transaction) {
	b.add(ByteEvent{Offset: offset, Kind: ByteEventFirstByte, Txn: t})
}

func (b *byteEventTracker) AddLastByteEvent(offset uint64, t *Transaction) {
	t.incrementPendingByteEvents()
	b.add(ByteEvent{Offset: offset, Kind: ByteEventLastByte, Txn: t})
}

func (b *byteEventTracker) AddPingByteEvent(offset uint64, data uint64) {
	b.add(ByteEvent{Offset: offset, Kind: ByteEventPing, Ping: data})
}

func (b *byteEventTracker) ProcessByteEvents(cumAck uint64) int {
	fired := 0
	for len(b.q) > 0 && b.q[0].Offset <= cumAck {
		ev := b.q[0]
		b.q = b.q[1:]
		fired++
		switch ev.Kind {
		case ByteEventFirstHeaderByte:
			b.recv.onFirstHeaderByteEvent(ev.Txn)
		case ByteEventLastByte:
			b.recv.onLastByteEvent(ev.Txn)
		case ByteEventPing:
			b.recv.onPingAckedEvent(ev.Ping)
		}
	}
	return fired
}

func (b *byteEventTracker) PreSend(int) int { return 0 }

func (b *byteEventTracker) DrainTransaction(t *Transaction) {
	kept := b.q[:0]
	for _, ev := range b.q {
		if ev.Txn == t {
			if ev.Kind == ByteEventFirstHeaderByte || ev.Kind == ByteEventLastByte {
				t.decrementPendingByteEvents()
			}
			continue
		}
		kept = append(kept, ev)
	}
	b.q = kept
}

func (b *byteEventTracker) HasPendingEvents() bool { return len(b.q) > 0 }
