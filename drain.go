package libupstream

import "github.com/upstreamio/libupstream-go/codec"

// DrainPhase is the session's position in the three-phase drain dance.
type DrainPhase int

const (
	DrainPhaseOpen DrainPhase = iota
	DrainPhaseDraining
	DrainPhaseClosed
)

func (p DrainPhase) String() string {
	switch p {
	case DrainPhaseOpen:
		return "open"
	case DrainPhaseDraining:
		return "draining"
	case DrainPhaseClosed:
		return "closed"
	}
	return "unknown"
}

// DrainState records drain progress for both directions. Phases only
// advance; the received last-good id only narrows.
type DrainState struct {
	Phase DrainPhase

	lastReceivedGood    codec.StreamId
	haveReceivedGood    bool
	lastSentGood        codec.StreamId
	haveSentGood        bool
	receivedGoawayCount int
}

// onGoawayReceived advances the phase and narrows the surviving set,
// returning the effective last-good id. A later GOAWAY with a larger
// id than an earlier one never widens the set.
func (d *DrainState) onGoawayReceived(lastGood codec.StreamId) codec.StreamId {
	if d.Phase == DrainPhaseOpen {
		d.Phase = DrainPhaseDraining
	}
	d.receivedGoawayCount++
	if !d.haveReceivedGood || lastGood < d.lastReceivedGood {
		d.lastReceivedGood = lastGood
		d.haveReceivedGood = true
	}
	return d.lastReceivedGood
}

// onGoawaySent records the id we acknowledged to the peer.
func (d *DrainState) onGoawaySent(lastGood codec.StreamId) {
	if d.Phase == DrainPhaseOpen {
		d.Phase = DrainPhaseDraining
	}
	d.lastSentGood = lastGood
	d.haveSentGood = true
}

func (d *DrainState) close() {
	d.Phase = DrainPhaseClosed
}

// LastReceivedGoodStream returns the narrowest last-good id the peer
// has announced.
func (d *DrainState) LastReceivedGoodStream() (codec.StreamId, bool) {
	return d.lastReceivedGood, d.haveReceivedGood
}

// LastSentGoodStream returns the last-good id announced to the peer.
func (d *DrainState) LastSentGoodStream() (codec.StreamId, bool) {
	return d.lastSentGood, d.haveSentGood
}
