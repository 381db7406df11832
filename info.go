package libupstream

import "github.com/upstreamio/libupstream-go/codec"

// InfoCallback observes session-level events. Implementations must not
// call back into the session reentrantly from these methods except
// where documented. The session invokes most of them from its callback
// queue; OnCreate is called directly from New, and OnRead/OnWrite are
// called directly from the transport reader and writer goroutines.
type InfoCallback interface {
	OnCreate(s *Session)
	OnDestroy(s *Session)
	// OnIngressMessage fires for every final ingress message head.
	OnIngressMessage(s *Session, msg *codec.Message)
	OnRead(s *Session, bytes int)
	OnWrite(s *Session, bytes int)
	OnSettings(s *Session, settings codec.Settings)
	OnSettingsAck(s *Session)
	// OnSessionCodecChange fires after an in-band protocol upgrade
	// swaps codecs.
	OnSessionCodecChange(s *Session)
	OnSettingsOutgoingStreamsFull(s *Session)
	OnSettingsOutgoingStreamsNotFull(s *Session)
	// OnFlowControlWindowExhausted fires when the connection send
	// window reaches zero with egress still queued.
	OnFlowControlWindowExhausted(s *Session)
	// OnPingReply fires when the peer acknowledges a locally-initiated
	// ping.
	OnPingReply(s *Session, data uint64)
}

// NopInfoCallback implements InfoCallback with empty methods, for
// embedding.
type NopInfoCallback struct{}

func (NopInfoCallback) OnCreate(*Session)                          {}
func (NopInfoCallback) OnDestroy(*Session)                         {}
func (NopInfoCallback) OnIngressMessage(*Session, *codec.Message)  {}
func (NopInfoCallback) OnRead(*Session, int)                       {}
func (NopInfoCallback) OnWrite(*Session, int)                      {}
func (NopInfoCallback) OnSettings(*Session, codec.Settings)        {}
func (NopInfoCallback) OnSettingsAck(*Session)                     {}
func (NopInfoCallback) OnSessionCodecChange(*Session)              {}
func (NopInfoCallback) OnSettingsOutgoingStreamsFull(*Session)     {}
func (NopInfoCallback) OnSettingsOutgoingStreamsNotFull(*Session)  {}
func (NopInfoCallback) OnFlowControlWindowExhausted(*Session)      {}
func (NopInfoCallback) OnPingReply(*Session, uint64)               {}
