package progress

import (
	"math/bits"
	"sync"
	"sync/atomic"
)

// Callback receives the percentage (0-100) visible at the node it was
// registered on, plus the state label of the increment that moved it. An
// empty state means none was supplied.
type Callback func(percentage int, state string)

// Node is one unit of trackable work. A node counts its own units and may own
// weighted children whose progress rolls up into the node's counter. All nodes
// of a tree share one mutex, so Increment may be called from several
// goroutines working on different leaves.
//
// Child weights are expressed in the parent's units: a child with weight w adds
// at most w units to its parent once the child reaches 100%. With a root of
// total 100, weights are percentage points. Weights are not validated; a parent
// whose children's weights exceed its total simply saturates.
type Node struct {
	lock atomic.Pointer[sync.Mutex]

	total   int64
	current int64

	parent       *Node
	weight       int64
	contribution int64
	children     []*Node

	callback     Callback
	lastReported int
}

// New creates a node representing total units of work. A zero total marks
// work that is already complete: the node reports 100% and, once attached,
// immediately contributes its full weight to its parent.
func New(total int64) *Node {
	if total < 0 {
		total = 0
	}
	n := &Node{total: total}
	n.lock.Store(new(sync.Mutex))
	n.lastReported = n.percentageLocked()
	return n
}

// RegisterCallback sets the function invoked whenever the percentage visible
// at this node changes. Registering again replaces the previous callback.
// Callbacks run synchronously while the tree is locked and must not call back
// into the same tree.
func (n *Node) RegisterCallback(fn Callback) {
	mu := n.acquire()
	defer mu.Unlock()
	n.callback = fn
}

// Step is Increment(1, state).
func (n *Node) Step(state string) {
	n.Increment(1, state)
}

// Increment adds by units to the node, clamped at its total, and walks the
// change up to the root. Callbacks fire only on nodes whose percentage
// actually changed. Non-positive values are ignored.
func (n *Node) Increment(by int64, state string) {
	if by <= 0 {
		return
	}
	mu := n.acquire()
	defer mu.Unlock()
	n.advance(by, state)
}

// AddChild attaches child with the given weight. If the child already carries
// progress (or has a zero total) its contribution is propagated immediately.
// Attaching a node that already has a parent, or that belongs to this tree,
// panics: the tree shape is append-only and acyclic.
func (n *Node) AddChild(child *Node, weight int64) {
	if child == nil {
		return
	}
	if weight < 0 {
		weight = 0
	}
	mu := n.acquire()
	defer mu.Unlock()

	if child.lock.Load() == mu {
		panic("progress: child already belongs to this tree")
	}
	childMu := child.acquire()
	if child.parent != nil {
		childMu.Unlock()
		panic("progress: child already has a parent")
	}
	child.adopt(mu)
	childMu.Unlock()

	child.parent = n
	child.weight = weight
	n.children = append(n.children, child)

	if c := child.contributionLocked(); c > 0 {
		child.contribution = c
		n.advance(c, "")
	}
}

// Percentage returns the node's current 0-100 value.
func (n *Node) Percentage() int {
	mu := n.acquire()
	defer mu.Unlock()
	return n.percentageLocked()
}

// Total returns the number of units that make up 100% of the node.
func (n *Node) Total() int64 {
	return n.total
}

// Current returns the units completed so far, including child contributions.
func (n *Node) Current() int64 {
	mu := n.acquire()
	defer mu.Unlock()
	return n.current
}

// acquire locks the mutex of the tree n currently belongs to. The mutex can be
// swapped by AddChild while we wait, so re-check after locking.
func (n *Node) acquire() *sync.Mutex {
	for {
		mu := n.lock.Load()
		mu.Lock()
		if n.lock.Load() == mu {
			return mu
		}
		mu.Unlock()
	}
}

// adopt moves the subtree rooted at n onto mu.
func (n *Node) adopt(mu *sync.Mutex) {
	n.lock.Store(mu)
	for _, c := range n.children {
		c.adopt(mu)
	}
}

// advance applies by units to n and pushes the resulting contribution deltas
// upward. The tree mutex must be held.
func (n *Node) advance(by int64, state string) {
	for node := n; node != nil && by > 0; {
		next := node.current + by
		if next > node.total || next < node.current {
			next = node.total
		}
		node.current = next
		node.notify(state)

		if node.parent == nil {
			return
		}
		c := node.contributionLocked()
		by = c - node.contribution
		node.contribution = c
		node = node.parent
	}
}

func (n *Node) notify(state string) {
	p := n.percentageLocked()
	if p == n.lastReported {
		return
	}
	n.lastReported = p
	if n.callback != nil {
		n.callback(p, state)
	}
}

func (n *Node) percentageLocked() int {
	if n.total == 0 {
		return 100
	}
	return int(mulDivCeil(100, n.current, n.total))
}

// contributionLocked is the number of parent units this node accounts for.
func (n *Node) contributionLocked() int64 {
	if n.total == 0 {
		return n.weight
	}
	return mulDivCeil(n.weight, n.current, n.total)
}

// mulDivCeil returns ceil(a*b/c) for non-negative a, b and positive c with
// b <= c, using 128-bit intermediates so large unit counts cannot overflow.
func mulDivCeil(a, b, c int64) int64 {
	hi, lo := bits.Mul64(uint64(a), uint64(b))
	q, r := bits.Div64(hi, lo, uint64(c))
	if r != 0 {
		q++
	}
	return int64(q)
}
