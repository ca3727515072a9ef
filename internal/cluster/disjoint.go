package cluster

// DisjointSet is a union-find over dense int32 indices into a caller-owned
// slice. Path halving plus union by rank.
type DisjointSet struct {
	parent []int32
	rank   []uint8
}

// NewDisjointSet creates n singleton sets
func NewDisjointSet(n int) *DisjointSet {
	d := &DisjointSet{
		parent: make([]int32, n),
		rank:   make([]uint8, n),
	}
	for i := range d.parent {
		d.parent[i] = int32(i)
	}
	return d
}

// Len returns the number of elements
func (d *DisjointSet) Len() int {
	return len(d.parent)
}

// Find returns the root of i's set
func (d *DisjointSet) Find(i int32) int32 {
	for d.parent[i] != i {
		d.parent[i] = d.parent[d.parent[i]]
		i = d.parent[i]
	}
	return i
}

// Union merges the sets containing a and b; it reports whether they were distinct
func (d *DisjointSet) Union(a, b int32) bool {
	ra, rb := d.Find(a), d.Find(b)
	if ra == rb {
		return false
	}
	switch {
	case d.rank[ra] < d.rank[rb]:
		d.parent[ra] = rb
	case d.rank[ra] > d.rank[rb]:
		d.parent[rb] = ra
	default:
		d.parent[rb] = ra
		d.rank[ra]++
	}
	return true
}

// Connected reports whether a and b share a set
func (d *DisjointSet) Connected(a, b int32) bool {
	return d.Find(a) == d.Find(b)
}
