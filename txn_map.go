package libupstream

import (
	"sort"

	"github.com/upstreamio/libupstream-go/codec"
)

const initMapCapacity = 16

// txnMap holds the session's active transactions keyed by stream id.
// It is guarded by the session lock; no locking of its own.
type txnMap struct {
	table map[codec.StreamId]*Transaction
}

func newTxnMap() *txnMap {
	return &txnMap{table: make(map[codec.StreamId]*Transaction, initMapCapacity)}
}

func (m *txnMap) get(id codec.StreamId) (*Transaction, bool) {
	t, ok := m.table[id]
	return t, ok
}

func (m *txnMap) set(id codec.StreamId, t *Transaction) {
	m.table[id] = t
}

func (m *txnMap) delete(id codec.StreamId) {
	delete(m.table, id)
}

func (m *txnMap) len() int { return len(m.table) }

// sortedIds returns the active stream ids in ascending order. Callers
// iterating over the result must re-check membership; the map may
// mutate between visits.
func (m *txnMap) sortedIds() []codec.StreamId {
	ids := make([]codec.StreamId, 0, len(m.table))
	for id := range m.table {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// each visits a snapshot of the transactions in stream-id order.
func (m *txnMap) each(fn func(*Transaction)) {
	for _, id := range m.sortedIds() {
		if t, ok := m.table[id]; ok {
			fn(t)
		}
	}
}
