package codec

import "golang.org/x/net/http2"

// Settings is an ordered list of protocol settings. The identifiers
// are the HTTP/2 registry values; SPDY codecs translate on the wire.
type Settings []http2.Setting

// Get returns the last value recorded for id.
func (s Settings) Get(id http2.SettingID) (uint32, bool) {
	var val uint32
	var ok bool
	for _, st := range s {
		if st.ID == id {
			val, ok = st.Val, true
		}
	}
	return val, ok
}

// Set appends or replaces the value for id.
func (s Settings) Set(id http2.SettingID, val uint32) Settings {
	for i, st := range s {
		if st.ID == id {
			s[i].Val = val
			return s
		}
	}
	return append(s, http2.Setting{ID: id, Val: val})
}

// InitialWindowSize returns SETTINGS_INITIAL_WINDOW_SIZE if present.
func (s Settings) InitialWindowSize() (uint32, bool) {
	return s.Get(http2.SettingInitialWindowSize)
}

// MaxConcurrentStreams returns SETTINGS_MAX_CONCURRENT_STREAMS if present.
func (s Settings) MaxConcurrentStreams() (uint32, bool) {
	return s.Get(http2.SettingMaxConcurrentStreams)
}
