package clustering

// unionFind is a disjoint-set forest over an index arena. ids are registered
// up front; union and find work on their positions.
type unionFind struct {
	index  map[string]int
	ids    []string
	parent []int
	rank   []int
}

func newUnionFind(capacity int) *unionFind {
	return &unionFind{
		index:  make(map[string]int, capacity),
		ids:    make([]string, 0, capacity),
		parent: make([]int, 0, capacity),
		rank:   make([]int, 0, capacity),
	}
}

// add registers id and returns its position. Re-adding is a no-op.
func (u *unionFind) add(id string) int {
	if i, ok := u.index[id]; ok {
		return i
	}
	i := len(u.ids)
	u.index[id] = i
	u.ids = append(u.ids, id)
	u.parent = append(u.parent, i)
	u.rank = append(u.rank, 0)
	return i
}

func (u *unionFind) find(i int) int {
	root := i
	for u.parent[root] != root {
		root = u.parent[root]
	}
	for u.parent[i] != root {
		next := u.parent[i]
		u.parent[i] = root
		i = next
	}
	return root
}

func (u *unionFind) union(a, b int) {
	ra, rb := u.find(a), u.find(b)
	if ra == rb {
		return
	}
	if u.rank[ra] < u.rank[rb] {
		ra, rb = rb, ra
	}
	u.parent[rb] = ra
	if u.rank[ra] == u.rank[rb] {
		u.rank[ra]++
	}
}
