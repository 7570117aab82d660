package kademlia

import "github.com/ethersphere/beenet/pkg/swarm"

// binCount is the number of proximity-order bins: 0..MAX_PO inclusive.
const binCount = swarm.MaxPO + 1

// binTable is a bin-indexed set of overlay addresses, tracking which
// members are full (storer) nodes so oversaturation admission can be
// checked without a second pass. It is the Go analogue of the PSlice
// structures referenced in spec.md §3/§4.2.
type binTable struct {
	bins     [binCount]map[swarm.Address]bool // overlay -> isFullNode
	location map[swarm.Address]int            // overlay -> bin index, for O(1) removal
	size     int
}

func newBinTable() *binTable {
	t := &binTable{location: make(map[swarm.Address]int)}
	for i := range t.bins {
		t.bins[i] = make(map[swarm.Address]bool)
	}
	return t
}

func (t *binTable) add(overlay swarm.Address, po int, isFullNode bool) {
	if old, exists := t.location[overlay]; exists {
		if old == po {
			t.bins[old][overlay] = isFullNode
			return
		}
		delete(t.bins[old], overlay)
		t.size--
	}
	t.bins[po][overlay] = isFullNode
	t.location[overlay] = po
	t.size++
}

func (t *binTable) remove(overlay swarm.Address) bool {
	po, exists := t.location[overlay]
	if !exists {
		return false
	}
	delete(t.bins[po], overlay)
	delete(t.location, overlay)
	t.size--
	return true
}

func (t *binTable) has(overlay swarm.Address) bool {
	_, exists := t.location[overlay]
	return exists
}

func (t *binTable) poOf(overlay swarm.Address) (int, bool) {
	po, exists := t.location[overlay]
	return po, exists
}

func (t *binTable) binSize(po int) int {
	if po < 0 || po >= binCount {
		return 0
	}
	return len(t.bins[po])
}

func (t *binTable) fullNodeCount(po int) int {
	if po < 0 || po >= binCount {
		return 0
	}
	n := 0
	for _, full := range t.bins[po] {
		if full {
			n++
		}
	}
	return n
}

// eachBinDescending calls fn(po, overlays) for every bin from MAX_PO
// down to 0, stopping early if fn returns false.
func (t *binTable) eachBinDescending(fn func(po int, members map[swarm.Address]bool) bool) {
	for po := binCount - 1; po >= 0; po-- {
		if !fn(po, t.bins[po]) {
			return
		}
	}
}

// all returns every member overlay, unordered.
func (t *binTable) all() []swarm.Address {
	out := make([]swarm.Address, 0, t.size)
	for overlay := range t.location {
		out = append(out, overlay)
	}
	return out
}
