package libupstream

import (
	"io"

	"github.com/upstreamio/libupstream-go/codec"
)

// PriorityTree is the forest of dependency nodes the peer consults
// when scheduling egress. Two usages coexist: levels mode, where the
// application tags requests with a small integer level and the tree
// owns one virtual parent node per level; and raw mode, where the
// application supplies full PriorityUpdate tuples and nodes are
// recorded on first reference.
type PriorityTree struct {
	levels   []levelNode
	nodes    map[codec.StreamId]codec.PriorityUpdate
	minLevel int
}

type levelNode struct {
	id     codec.StreamId
	weight uint8
}

// NewPriorityTree builds a tree with one virtual node per entry of
// weights (wire weight minus one). An empty weights slice yields a
// raw-mode-only tree.
func NewPriorityTree(weights []uint8) *PriorityTree {
	t := &PriorityTree{
		levels: make([]levelNode, len(weights)),
		nodes:  make(map[codec.StreamId]codec.PriorityUpdate),
	}
	for i, w := range weights {
		t.levels[i].weight = w
		if w < t.levels[t.minLevel].weight {
			t.minLevel = i
		}
	}
	return t
}

// Bootstrap mints the virtual level nodes from the codec and emits
// their PRIORITY frames in one batch. Level 0 anchors at the root as
// the distinguished high-priority parent; the remaining levels depend
// on it.
func (t *PriorityTree) Bootstrap(cdc codec.Codec, w io.Writer) error {
	var level0 codec.StreamId
	for i := range t.levels {
		id := cdc.CreateStream()
		t.levels[i].id = id
		parent := level0
		if i == 0 {
			parent = 0
			level0 = id
		}
		pri := codec.PriorityUpdate{Dependency: parent, Weight: t.levels[i].weight}
		if err := cdc.GeneratePriority(w, id, pri); err != nil {
			return err
		}
		t.nodes[id] = pri
	}
	return nil
}

// GetHTTPPriority returns the dependency tuple for a level. Unknown
// levels resolve to the minimum-weight entry.
func (t *PriorityTree) GetHTTPPriority(level uint8) codec.PriorityUpdate {
	if len(t.levels) == 0 {
		return codec.PriorityUpdate{}
	}
	l := int(level)
	if l >= len(t.levels) {
		l = t.minLevel
	}
	n := t.levels[l]
	return codec.PriorityUpdate{Dependency: n.id, Weight: n.weight}
}

// Record notes a raw-mode node, creating it on first reference.
func (t *PriorityTree) Record(id codec.StreamId, pri codec.PriorityUpdate) {
	t.nodes[id] = pri
}

// Node returns the recorded tuple for a node id.
func (t *PriorityTree) Node(id codec.StreamId) (codec.PriorityUpdate, bool) {
	pri, ok := t.nodes[id]
	return pri, ok
}

// NumVirtualNodes returns how many level nodes the tree owns.
func (t *PriorityTree) NumVirtualNodes() int { return len(t.levels) }
