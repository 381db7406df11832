package libupstream

import (
	"errors"
	"strings"

	"github.com/upstreamio/libupstream-go/codec"
)

// upgradeBridge is the transient state carrying the first transaction
// across an in-band protocol switch: armed when the request offers an
// Upgrade token the session supports, resolved when the 101 arrives,
// and discharged when the post-upgrade codec takes over. At that swap
// it keeps a reference to the pre-upgrade codec.
type upgradeBridge struct {
	txn           *Transaction
	offered       []string
	accepted      string
	armed         bool
	switchPending bool
	priorCodec    codec.Codec
}

// maybeArmUpgradeLocked inspects an outgoing request's Upgrade header.
// When a supported token is offered the session caps outgoing streams
// at one for the pre-upgrade period and arms the bridge.
func (s *Session) maybeArmUpgradeLocked(t *Transaction, msg *codec.Message) {
	if s.upgrade != nil || s.cdc.SupportsParallelRequests() {
		return
	}
	var offered []string
	for _, tok := range msg.UpgradeTokens() {
		for _, sup := range s.cfg.UpgradeProtocols {
			if strings.EqualFold(tok, sup) {
				offered = append(offered, sup)
			}
		}
	}
	if len(offered) == 0 {
		return
	}
	s.upgrade = &upgradeBridge{txn: t, offered: offered, armed: true}
	s.maxConcurrentOutgoing = 1
	s.Debug("upgrade armed", "protocols", strings.Join(offered, ","))
}

// onUpgrade101Locked validates a 101 Switching Protocols head. The
// Upgrade response header must be present and name an offered
// protocol; anything else is a fatal ingress error.
func (s *Session) onUpgrade101Locked(id codec.StreamId, msg *codec.Message) {
	br := s.upgrade
	if br == nil || !br.armed {
		s.Warn("101 without an armed upgrade", "id", uint32(id))
		if t, ok := s.txns.get(id); ok {
			t.failLocked(ErrorProtocol, DirectionIngress, "")
		}
		s.closeLocked(errors.New("unsolicited 101 Switching Protocols"))
		return
	}
	for _, tok := range msg.UpgradeTokens() {
		for _, off := range br.offered {
			if strings.EqualFold(tok, off) {
				br.accepted = off
				s.Debug("upgrade accepted", "protocol", off)
				return
			}
		}
	}
	s.Warn("101 with missing or unknown Upgrade header", "id", uint32(id))
	br.armed = false
	br.txn.failLocked(ErrorProtocol, DirectionIngress, "")
	s.closeLocked(errors.New("101 with missing or unknown Upgrade protocol"))
}

// completeUpgradeLocked swaps codecs: the pre-upgrade transaction is
// rebound to the new codec's first stream id, the new codec's settings
// are issued before any further ingress bytes are parsed, and the
// outgoing-stream cap returns to the multiplexed default. Egress
// already serialized by the old codec, chunked or otherwise, counts as
// delivered.
func (s *Session) completeUpgradeLocked() {
	br := s.upgrade
	br.switchPending = false
	br.armed = false
	if br.accepted == "" {
		br.txn.failLocked(ErrorProtocol, DirectionIngress, "")
		s.closeLocked(errors.New("upgrade completed without an accepted protocol"))
		return
	}
	newCdc := s.cfg.NewUpgradeCodec(br.accepted)
	if newCdc == nil {
		br.txn.failLocked(ErrorProtocol, DirectionIngress, "")
		s.closeLocked(errors.New("no codec for upgrade protocol " + br.accepted))
		return
	}
	br.priorCodec = s.cdc
	s.cdc = newCdc
	newCdc.SetCallback((*ingressCallbacks)(s))

	t := br.txn
	newId := newCdc.CreateStream()
	if !t.detached {
		s.txns.delete(t.id)
		t.id = newId
		s.txns.set(newId, t)
	}

	s.initialSendWindow = newCdc.DefaultWindowSize()
	if newCdc.SupportsStreamFlowControl() {
		s.connSend = newFlowController(newCdc.DefaultWindowSize())
		s.connRecv = newIngressWindow(s.cfg.ConnReceiveWindow)
		if !t.detached {
			t.sendWindow = newFlowController(s.initialSendWindow)
		}
	} else {
		s.connSend = nil
		s.connRecv = nil
	}

	s.sendPrefaceLocked()
	s.maxConcurrentOutgoing = s.cfg.MaxConcurrentOutgoingStreams
	s.Info("session codec change", "protocol", newCdc.Protocol().String(), "stream", uint32(newId))
	s.enqueue(func() { s.info.OnSessionCodecChange(s) })
}
