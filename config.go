package libupstream

import (
	"strings"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/upstreamio/libupstream-go/codec"
)

var zeroConfig Config

func init() {
	zeroConfig.initDefaults()
}

type Config struct {
	// Maximum bytes buffered for the transport before the session
	// pauses egress on every transaction. Default 64KB.
	WriteBufferLimit int

	// Cap on concurrently open locally-initiated transactions for a
	// multiplexed codec. Default 10. Peer SETTINGS may lower it.
	MaxConcurrentOutgoingStreams uint32

	// Receive window advertised per stream. Default 65535.
	PerStreamReceiveWindow uint32

	// Receive window advertised for the whole connection. Default 65535.
	ConnReceiveWindow uint32

	// Protocols accepted in an Upgrade exchange. Default {"h2c"}.
	UpgradeProtocols []string

	// NewUpgradeCodec builds the post-upgrade codec for an accepted
	// token. Default maps "h2c" to codec.NewHTTP2.
	NewUpgradeCodec func(token string) codec.Codec

	// Weights for the priority tree's virtual level nodes, wire weight
	// minus one per level. Nil disables levels mode.
	PriorityLevels []uint8

	// Clock drives idle timeouts. Default the real clock.
	Clock clockwork.Clock

	// Size of the transport read buffer. Default 8KB.
	ReadBufferSize int

	// allow safe concurrent initialization
	initOnce sync.Once
}

func (c *Config) initDefaults() {
	c.initOnce.Do(func() {
		if c.WriteBufferLimit == 0 {
			c.WriteBufferLimit = 0x10000 // 64KB
		}
		if c.MaxConcurrentOutgoingStreams == 0 {
			c.MaxConcurrentOutgoingStreams = 10
		}
		if c.PerStreamReceiveWindow == 0 {
			c.PerStreamReceiveWindow = 65535
		}
		if c.ConnReceiveWindow == 0 {
			c.ConnReceiveWindow = 65535
		}
		if c.UpgradeProtocols == nil {
			c.UpgradeProtocols = []string{"h2c"}
		}
		if c.NewUpgradeCodec == nil {
			c.NewUpgradeCodec = func(token string) codec.Codec {
				if strings.EqualFold(token, "h2c") {
					return codec.NewHTTP2()
				}
				return nil
			}
		}
		if c.Clock == nil {
			c.Clock = clockwork.NewRealClock()
		}
		if c.ReadBufferSize == 0 {
			c.ReadBufferSize = 8192
		}
	})
}
