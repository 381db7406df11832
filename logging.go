package libupstream

import (
	log "github.com/inconshreveable/log15"
	logext "github.com/inconshreveable/log15/ext"
)

// newSessionLogger tags a logger for one session. A nil parent
// discards everything.
func newSessionLogger(parent log.Logger) log.Logger {
	if parent == nil {
		parent = log.New()
		parent.SetHandler(log.DiscardHandler())
	}
	return parent.New("obj", "upsess", "id", logext.RandId(6))
}
