package libupstream

// flowController owns one send window, for a stream or for the whole
// connection. The window is signed: a SETTINGS_INITIAL_WINDOW_SIZE
// shrink may drive it negative, which only blocks further sends until
// the peer replenishes it.
type flowController struct {
	window int32
}

func newFlowController(initial uint32) *flowController {
	return &flowController{window: int32(initial)}
}

// available returns the sendable byte count, never negative.
func (f *flowController) available() int {
	if f.window < 0 {
		return 0
	}
	return int(f.window)
}

// reserve debits up to n bytes from the window and returns how many it
// could grant.
func (f *flowController) reserve(n int) int {
	if n > f.available() {
		n = f.available()
	}
	f.window -= int32(n)
	return n
}

// grant credits the window and reports whether the credit unblocked it.
func (f *flowController) grant(delta int32) bool {
	was := f.window
	f.window += delta
	return was <= 0 && f.window > 0
}

// adjust applies a settings delta; unlike grant it may be negative.
func (f *flowController) adjust(delta int32) {
	f.window += delta
}

// ingressWindow accounts for bytes received against an advertised
// receive window and decides when a WINDOW_UPDATE refill is due.
type ingressWindow struct {
	capacity    uint32
	outstanding uint32
}

func newIngressWindow(capacity uint32) *ingressWindow {
	return &ingressWindow{capacity: capacity}
}

// onData records n received bytes.
func (w *ingressWindow) onData(n uint32) {
	w.outstanding += n
}

// maybeRefill returns the WINDOW_UPDATE delta owed to the peer, or 0.
// Refills are batched until half the window is consumed.
func (w *ingressWindow) maybeRefill() uint32 {
	if w.outstanding < w.capacity/2 {
		return 0
	}
	d := w.outstanding
	w.outstanding = 0
	return d
}

// setCapacity resizes the advertised window, returning the immediate
// delta owed to the peer when the window grew.
func (w *ingressWindow) setCapacity(capacity uint32) uint32 {
	var d uint32
	if capacity > w.capacity {
		d = capacity - w.capacity
	}
	w.capacity = capacity
	return d
}
