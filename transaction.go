package libupstream

import (
	"errors"
	"io"
	"net/http"
	"time"

	log "github.com/inconshreveable/log15"

	"github.com/upstreamio/libupstream-go/codec"
)

// TransactionDirection says who initiated the transaction.
type TransactionDirection int

const (
	// TxnDirEgress is a locally-initiated request/response exchange.
	TxnDirEgress TransactionDirection = iota
	// TxnDirIngress is a server-pushed stream.
	TxnDirIngress
	// TxnDirEx is a bidirectional exchanged stream attached to a
	// control stream.
	TxnDirEx
)

func (d TransactionDirection) String() string {
	switch d {
	case TxnDirEgress:
		return "egress"
	case TxnDirIngress:
		return "ingress"
	case TxnDirEx:
		return "ex"
	}
	return "unknown"
}

// Handler receives a transaction's ingress events and life-cycle
// notifications. All methods are invoked from the session's callback
// queue without the session lock held; they may call back into the
// transaction and session freely.
type Handler interface {
	OnHeadersComplete(t *Transaction, msg *codec.Message)
	OnBody(t *Transaction, data []byte)
	OnChunkHeader(t *Transaction, size uint64)
	OnChunkComplete(t *Transaction)
	OnTrailers(t *Transaction, trailers http.Header)
	OnEOM(t *Transaction)
	OnError(t *Transaction, err error)
	OnEgressPaused(t *Transaction)
	OnEgressResumed(t *Transaction)
	OnGoaway(t *Transaction, code codec.ErrorCode)
	// OnPushedTransaction announces a server-pushed transaction
	// associated with this one. The handler must call
	// pushed.SetHandler to accept it; otherwise the push is refused.
	OnPushedTransaction(t *Transaction, pushed *Transaction)
	// OnExTransaction announces a peer-initiated exchanged stream
	// attached to this control transaction.
	OnExTransaction(t *Transaction, ex *Transaction)
	OnDetach(t *Transaction)
}

// BaseHandler implements Handler with empty methods, for embedding.
type BaseHandler struct{}

func (BaseHandler) OnHeadersComplete(*Transaction, *codec.Message)  {}
func (BaseHandler) OnBody(*Transaction, []byte)                     {}
func (BaseHandler) OnChunkHeader(*Transaction, uint64)              {}
func (BaseHandler) OnChunkComplete(*Transaction)                    {}
func (BaseHandler) OnTrailers(*Transaction, http.Header)            {}
func (BaseHandler) OnEOM(*Transaction)                              {}
func (BaseHandler) OnError(*Transaction, error)                     {}
func (BaseHandler) OnEgressPaused(*Transaction)                     {}
func (BaseHandler) OnEgressResumed(*Transaction)                    {}
func (BaseHandler) OnGoaway(*Transaction, codec.ErrorCode)          {}
func (BaseHandler) OnPushedTransaction(*Transaction, *Transaction)  {}
func (BaseHandler) OnExTransaction(*Transaction, *Transaction)      {}
func (BaseHandler) OnDetach(*Transaction)                           {}

var (
	errTransactionClosed  = errors.New("transaction is closed")
	errEgressComplete     = errors.New("egress already complete")
	errHeadersAlreadySent = errors.New("headers already sent")
	errHeadersNotSent     = errors.New("headers not sent yet")
	errSessionNotGood     = errors.New("session is not accepting egress")
)

// Transaction is one request/response exchange on one stream. The
// session owns it; the handler drives egress through it. A transaction
// detaches once both directions are complete and no byte events
// reference it.
type Transaction struct {
	sess *Session
	log.Logger

	id      codec.StreamId
	dir     TransactionDirection
	control codec.StreamId // control stream for ex transactions
	assoc   codec.StreamId // associated stream for pushed transactions
	handler Handler

	sendWindow *flowController
	recvWindow *ingressWindow

	egressStarted    bool
	egressComplete   bool
	ingressComplete  bool
	seenFinalHeaders bool
	seenBody         bool

	egressPaused bool
	deferredBody []byte
	deferredEOM  bool

	ingressPaused   bool
	deferredIngress []func()

	pendingByteEvents int
	errored           bool
	detached          bool

	idleTimeout time.Duration
	idleEntry   *timerEntry
}

////////////////////////////////
// public interface
////////////////////////////////

// ID returns the codec-assigned stream id.
func (t *Transaction) ID() codec.StreamId { return t.id }

// Direction returns who initiated the transaction.
func (t *Transaction) Direction() TransactionDirection { return t.dir }

// SetHandler binds or replaces the transaction's handler.
func (t *Transaction) SetHandler(h Handler) {
	t.sess.mu.Lock()
	t.handler = h
	t.sess.mu.Unlock()
}

// SendHeaders serializes the message head; more egress follows.
func (t *Transaction) SendHeaders(msg *codec.Message) error {
	return t.sendHeaders(msg, false)
}

// SendHeadersWithEOM serializes the message head and completes egress.
func (t *Transaction) SendHeadersWithEOM(msg *codec.Message) error {
	return t.sendHeaders(msg, true)
}

func (t *Transaction) sendHeaders(msg *codec.Message, eom bool) error {
	s := t.sess
	s.mu.Lock()
	if err := t.egressSendableLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	if t.egressStarted {
		s.mu.Unlock()
		return errHeadersAlreadySent
	}
	if msg.IsRequest() {
		s.maybeArmUpgradeLocked(t, msg)
	}
	firstByte := s.bytesScheduled + 1
	var err error
	if t.dir == TxnDirEx {
		err = s.generateLocked(func(w io.Writer) error {
			return s.cdc.GenerateExHeader(w, t.id, msg, t.control, eom)
		})
	} else {
		err = s.generateLocked(func(w io.Writer) error {
			return s.cdc.GenerateHeader(w, t.id, msg, eom)
		})
	}
	if err != nil {
		s.mu.Unlock()
		return err
	}
	t.egressStarted = true
	s.bet.AddFirstHeaderByteEvent(firstByte, t)
	if eom {
		t.completeEgressLocked()
	}
	t.refreshIdleLocked()
	s.afterEgressLocked()
	s.mu.Unlock()
	s.dispatch()
	return nil
}

// SendBody queues body bytes for egress. Bytes blocked on flow-control
// windows or a paused session are buffered and flushed as windows
// replenish.
func (t *Transaction) SendBody(data []byte) error {
	s := t.sess
	s.mu.Lock()
	if err := t.egressSendableLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	if !t.egressStarted {
		s.mu.Unlock()
		return errHeadersNotSent
	}
	t.queueEgressLocked(data, false)
	s.flushTxnEgressLocked(t)
	t.refreshIdleLocked()
	s.afterEgressLocked()
	s.mu.Unlock()
	s.dispatch()
	return nil
}

// SendEOM completes the egress direction.
func (t *Transaction) SendEOM() error {
	s := t.sess
	s.mu.Lock()
	if err := t.egressSendableLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	if !t.egressStarted {
		s.mu.Unlock()
		return errHeadersNotSent
	}
	t.queueEgressLocked(nil, true)
	s.flushTxnEgressLocked(t)
	s.afterEgressLocked()
	s.mu.Unlock()
	s.dispatch()
	return nil
}

// SendAbort resets the stream. The transaction detaches once its
// byte-event count reaches zero.
func (t *Transaction) SendAbort() error {
	s := t.sess
	s.mu.Lock()
	if t.detached {
		s.mu.Unlock()
		return errTransactionClosed
	}
	err := s.generateLocked(func(w io.Writer) error {
		return s.cdc.GenerateRstStream(w, t.id, codec.ErrCodeCancel)
	})
	t.egressComplete = true
	t.ingressComplete = true
	t.deferredBody = nil
	t.deferredEOM = false
	t.maybeDetachLocked()
	s.afterEgressLocked()
	s.mu.Unlock()
	s.dispatch()
	return err
}

// SendPriority emits a PRIORITY update for this stream.
func (t *Transaction) SendPriority(pri codec.PriorityUpdate) error {
	s := t.sess
	s.mu.Lock()
	if t.detached {
		s.mu.Unlock()
		return errTransactionClosed
	}
	err := s.generateLocked(func(w io.Writer) error {
		return s.cdc.GeneratePriority(w, t.id, pri)
	})
	if err == nil && s.pt != nil {
		s.pt.Record(t.id, pri)
	}
	s.afterEgressLocked()
	s.mu.Unlock()
	s.dispatch()
	return err
}

// SetIdleTimeout arms the transaction's idle timeout, cancelling any
// prior entry. Expiry fails the transaction with WriteTimeout when
// egress is incomplete, ReadTimeout otherwise.
func (t *Transaction) SetIdleTimeout(d time.Duration) {
	s := t.sess
	s.mu.Lock()
	t.idleTimeout = d
	t.refreshIdleLocked()
	s.mu.Unlock()
}

// PauseIngress defers handler delivery of further ingress events.
func (t *Transaction) PauseIngress() {
	s := t.sess
	s.mu.Lock()
	t.ingressPaused = true
	s.mu.Unlock()
}

// ResumeIngress replays deferred ingress events and resumes delivery.
func (t *Transaction) ResumeIngress() {
	s := t.sess
	s.mu.Lock()
	t.ingressPaused = false
	for _, fn := range t.deferredIngress {
		s.enqueue(fn)
	}
	t.deferredIngress = nil
	t.maybeDetachLocked()
	s.mu.Unlock()
	s.dispatch()
}

func (t *Transaction) IsEgressComplete() bool {
	t.sess.mu.Lock()
	defer t.sess.mu.Unlock()
	return t.egressComplete
}

func (t *Transaction) IsIngressComplete() bool {
	t.sess.mu.Lock()
	defer t.sess.mu.Unlock()
	return t.ingressComplete
}

// SendWindow returns the bytes currently sendable under the stream's
// flow-control window, or -1 when the codec has no stream flow control.
func (t *Transaction) SendWindow() int {
	t.sess.mu.Lock()
	defer t.sess.mu.Unlock()
	if t.sendWindow == nil {
		return -1
	}
	return t.sendWindow.available()
}

// PendingByteEvents returns the number of byte events referencing this
// transaction.
func (t *Transaction) PendingByteEvents() int {
	t.sess.mu.Lock()
	defer t.sess.mu.Unlock()
	return t.pendingByteEvents
}

// EgressQueueSize returns the bytes buffered awaiting windows.
func (t *Transaction) EgressQueueSize() int {
	t.sess.mu.Lock()
	defer t.sess.mu.Unlock()
	return len(t.deferredBody)
}

// IncrementPendingByteEvents is for ByteEventTracker implementations;
// it requires the session lock, which the session holds whenever it
// calls into a tracker.
func (t *Transaction) IncrementPendingByteEvents() { t.incrementPendingByteEvents() }

// DecrementPendingByteEvents is the inverse of
// IncrementPendingByteEvents.
func (t *Transaction) DecrementPendingByteEvents() { t.decrementPendingByteEvents() }

////////////////////////////////
// session interface
////////////////////////////////

func newTransaction(s *Session, id codec.StreamId, dir TransactionDirection, h Handler) *Transaction {
	t := &Transaction{
		sess:    s,
		Logger:  s.Logger.New("txn", uint32(id)),
		id:      id,
		dir:     dir,
		handler: h,
	}
	if s.cdc.SupportsStreamFlowControl() {
		t.sendWindow = newFlowController(s.initialSendWindow)
	}
	t.recvWindow = newIngressWindow(s.perStreamRecvWindow)
	return t
}

func (t *Transaction) incrementPendingByteEvents() { t.pendingByteEvents++ }

func (t *Transaction) decrementPendingByteEvents() {
	if t.pendingByteEvents > 0 {
		t.pendingByteEvents--
	}
}

// callbackHandler resolves the handler at delivery time; pushed and
// exchanged transactions have theirs installed after announcement.
func (t *Transaction) callbackHandler() Handler {
	t.sess.mu.Lock()
	h := t.handler
	t.sess.mu.Unlock()
	if h == nil {
		return BaseHandler{}
	}
	return h
}

func (t *Transaction) egressSendableLocked() error {
	if t.detached || t.errored {
		return errTransactionClosed
	}
	if t.egressComplete {
		return errEgressComplete
	}
	if !t.sess.egressGoodLocked() {
		return errSessionNotGood
	}
	return nil
}

// queueEgressLocked buffers body bytes and the EOM marker; the flush
// path drains them as windows and pause state allow.
func (t *Transaction) queueEgressLocked(data []byte, eom bool) {
	if len(data) > 0 {
		t.deferredBody = append(t.deferredBody, data...)
	}
	if eom {
		t.deferredEOM = true
	}
}

// completeEgressLocked marks egress done and registers the last-byte
// event that gates detach on transport acknowledgement.
func (t *Transaction) completeEgressLocked() {
	if t.egressComplete {
		return
	}
	t.egressComplete = true
	t.sess.bet.AddLastByteEvent(t.sess.bytesScheduled, t)
}

func (t *Transaction) setEgressPausedLocked(paused bool) {
	if t.detached || t.errored || t.egressPaused == paused {
		return
	}
	t.egressPaused = paused
	txn := t
	if paused {
		t.sess.enqueue(func() { txn.callbackHandler().OnEgressPaused(txn) })
	} else {
		t.sess.enqueue(func() { txn.callbackHandler().OnEgressResumed(txn) })
	}
}

// deliverLocked queues a handler event, honoring ingress pause.
func (t *Transaction) deliverLocked(fn func()) {
	if t.ingressPaused {
		t.deferredIngress = append(t.deferredIngress, fn)
		return
	}
	t.sess.enqueue(fn)
}

func (t *Transaction) onIngressHeadersLocked(msg *codec.Message) {
	if t.ingressComplete || t.seenBody {
		t.failLocked(ErrorIngressStateTransition, DirectionIngress, "")
		return
	}
	t.refreshIdleLocked()
	if msg.IsFinal() {
		t.seenFinalHeaders = true
	}
	txn := t
	t.deliverLocked(func() { txn.callbackHandler().OnHeadersComplete(txn, msg) })
}

func (t *Transaction) onIngressBodyLocked(data []byte) {
	if !t.seenFinalHeaders || t.ingressComplete {
		t.failLocked(ErrorIngressStateTransition, DirectionIngress, "")
		return
	}
	t.seenBody = true
	t.refreshIdleLocked()
	// the codec reuses its parse buffer; the handler runs later
	dup := append([]byte(nil), data...)
	txn := t
	t.deliverLocked(func() { txn.callbackHandler().OnBody(txn, dup) })
}

func (t *Transaction) onIngressChunkHeaderLocked(size uint64) {
	txn := t
	t.deliverLocked(func() { txn.callbackHandler().OnChunkHeader(txn, size) })
}

func (t *Transaction) onIngressChunkCompleteLocked() {
	txn := t
	t.deliverLocked(func() { txn.callbackHandler().OnChunkComplete(txn) })
}

func (t *Transaction) onIngressTrailersLocked(trailers http.Header) {
	if t.ingressComplete {
		t.failLocked(ErrorIngressStateTransition, DirectionIngress, "")
		return
	}
	txn := t
	t.deliverLocked(func() { txn.callbackHandler().OnTrailers(txn, trailers) })
}

func (t *Transaction) onIngressEOMLocked() {
	if t.ingressComplete {
		t.failLocked(ErrorIngressStateTransition, DirectionIngress, "")
		return
	}
	t.ingressComplete = true
	t.refreshIdleLocked()
	txn := t
	t.deliverLocked(func() { txn.callbackHandler().OnEOM(txn) })
	t.maybeDetachLocked()
}

func (t *Transaction) onGoawayLocked(code codec.ErrorCode) {
	if t.detached {
		return
	}
	txn := t
	t.sess.enqueue(func() { txn.callbackHandler().OnGoaway(txn, code) })
}

// failLocked errors the transaction in both directions and detaches
// it. Byte-event references are drained first so detach is immediate.
func (t *Transaction) failLocked(kind ErrorKind, dir Direction, codecDetail string) {
	if t.detached || t.errored {
		return
	}
	t.errored = true
	t.egressComplete = true
	t.ingressComplete = true
	t.deferredBody = nil
	t.deferredEOM = false
	t.deferredIngress = nil
	t.sess.bet.DrainTransaction(t)
	err := &SessionError{Kind: kind, Dir: dir, TxnID: t.id, CodecDetail: codecDetail}
	txn := t
	// errors bypass ingress pause
	t.sess.enqueue(func() { txn.callbackHandler().OnError(txn, err) })
	t.detachLocked()
}

func (t *Transaction) maybeDetachLocked() {
	if !t.detached && t.egressComplete && t.ingressComplete &&
		t.pendingByteEvents == 0 && len(t.deferredIngress) == 0 {
		t.detachLocked()
	}
}

func (t *Transaction) detachLocked() {
	if t.detached {
		return
	}
	t.detached = true
	t.idleEntry.cancel()
	t.idleEntry = nil
	t.sess.txns.delete(t.id)
	txn := t
	t.sess.enqueue(func() { txn.callbackHandler().OnDetach(txn) })
	t.sess.onTransactionDetachedLocked(t)
}

func (t *Transaction) refreshIdleLocked() {
	t.idleEntry.cancel()
	t.idleEntry = nil
	if t.idleTimeout <= 0 || t.detached {
		return
	}
	s, txn := t.sess, t
	t.idleEntry = s.wheel.schedule(t.idleTimeout, func() { s.onTxnIdleTimeout(txn) })
}

// SessionTransaction is the narrow face of a transaction the session
// manipulates; the concrete Transaction satisfies it. Byte-event
// trackers and tests program against this set.
type SessionTransaction interface {
	ID() codec.StreamId
	SetHandler(Handler)
	SendWindow() int
	IsEgressComplete() bool
	IsIngressComplete() bool
	PendingByteEvents() int
	IncrementPendingByteEvents()
	DecrementPendingByteEvents()
	SendPriority(codec.PriorityUpdate) error
	PauseIngress()
	ResumeIngress()
}

var _ SessionTransaction = (*Transaction)(nil)
