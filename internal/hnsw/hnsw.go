// Package hnsw implements the multi-layer navigable small-world graph
// behind the index. Nodes are addressed by storage slot; the graph
// never touches vector bytes itself: distances and liveness arrive
// through hooks supplied by the owning index, so the package depends
// on neither the storage layer nor the metric kernels.
//
// Deletion is tombstone-based: removed slots stay in neighbor lists
// as connectivity until an insertion touches those lists, at which
// point they are pruned. Searches traverse tombstones but never
// return them.
package hnsw

import (
	"container/heap"
	"math"
	"math/rand"
	"sort"
)

// maxLayerCap bounds the drawn layer to keep a pathological PRNG draw
// from allocating an absurd friends table.
const maxLayerCap = 31

// Hooks give the graph access to the storage layer it is built over.
type Hooks struct {
	// Dist returns the distance between the vectors in two slots.
	Dist func(a, b uint32) float32
	// Deleted reports whether a slot holds a tombstone.
	Deleted func(slot uint32) bool
	// Key returns the external key stored in a slot, used for
	// tie-breaking and entry re-election.
	Key func(slot uint32) int64
}

// Config carries the construction parameters of the graph.
type Config struct {
	M              int
	EfConstruction int
	EfSearch       int
	Seed           int64
}

// Graph is the layered proximity graph. It is not safe for concurrent
// use; the owning index serializes access.
type Graph struct {
	m, m0    int
	efC, efS int
	levelMul float64
	rng      *rand.Rand
	hooks    Hooks

	nodes    []node // indexed by storage slot
	entry    int32  // entry slot; -1 while empty
	maxLevel int
}

type node struct {
	used    bool
	level   int
	friends [][]uint32 // friends[layer], layers 0..level
}

// New constructs an empty graph over the given hooks.
func New(cfg Config, hooks Hooks) *Graph {
	return &Graph{
		m:        cfg.M,
		m0:       cfg.M * 2,
		efC:      cfg.EfConstruction,
		efS:      cfg.EfSearch,
		levelMul: 1.0 / math.Log(float64(cfg.M)),
		rng:      rand.New(rand.NewSource(cfg.Seed)),
		hooks:    hooks,
		entry:    -1,
	}
}

// EfSearch returns the configured search beam width.
func (g *Graph) EfSearch() int { return g.efS }

// EfConstruction returns the configured build beam width.
func (g *Graph) EfConstruction() int { return g.efC }

// M returns the per-layer connection bound above layer 0.
func (g *Graph) M() int { return g.m }

// Entry returns the entry slot, or -1 when the graph is empty.
func (g *Graph) Entry() int32 { return g.entry }

// MaxLevel returns the top occupied layer.
func (g *Graph) MaxLevel() int { return g.maxLevel }

// Level returns the top layer of the node in slot.
func (g *Graph) Level(slot uint32) int { return g.nodes[slot].level }

// Neighbors returns the neighbor slots of slot at the given layer.
// The slice aliases graph state; callers must not mutate it.
func (g *Graph) Neighbors(slot uint32, layer int) []uint32 {
	nd := &g.nodes[slot]
	if !nd.used || layer >= len(nd.friends) {
		return nil
	}
	return nd.friends[layer]
}

func (g *Graph) maxConns(layer int) int {
	if layer == 0 {
		return g.m0
	}
	return g.m
}

// randomLevel draws the top layer of a new node from the geometric
// distribution floor(-ln(U) * mL).
func (g *Graph) randomLevel() int {
	u := g.rng.Float64()
	if u < math.SmallestNonzeroFloat64 {
		u = math.SmallestNonzeroFloat64
	}
	level := int(-math.Log(u) * g.levelMul)
	if level > maxLayerCap {
		level = maxLayerCap
	}
	return level
}

func (g *Graph) grow(slot uint32) {
	for uint32(len(g.nodes)) <= slot {
		g.nodes = append(g.nodes, node{})
	}
}

// Insert wires the vector already stored at slot into the graph and
// returns the layer it was assigned.
func (g *Graph) Insert(slot uint32) int {
	g.grow(slot)
	level := g.randomLevel()
	g.nodes[slot] = node{
		used:    true,
		level:   level,
		friends: make([][]uint32, level+1),
	}

	if g.entry < 0 {
		g.entry = int32(slot)
		g.maxLevel = level
		return level
	}

	// Greedy descent from the entry point down to level+1: one step at
	// a time, dropping a layer when no neighbor improves.
	cur := uint32(g.entry)
	curDist := g.hooks.Dist(slot, cur)
	for lev := g.maxLevel; lev > level; lev-- {
		cur, curDist = g.greedyStep(slot, cur, curDist, lev)
	}

	topInsert := level
	if topInsert > g.maxLevel {
		topInsert = g.maxLevel
	}

	eps := []distItem{{slot: cur, dist: curDist}}
	for lev := topInsert; lev >= 0; lev-- {
		distTo := func(s uint32) float32 { return g.hooks.Dist(slot, s) }
		candidates := g.searchLayer(distTo, eps, g.efC, lev, func(s uint32) bool {
			return s != slot && !g.hooks.Deleted(s)
		})

		maxC := g.maxConns(lev)
		neighbors := g.selectHeuristic(distTo, candidates, maxC)
		g.nodes[slot].friends[lev] = neighbors

		for _, nID := range neighbors {
			g.linkBack(nID, slot, lev, maxC)
		}

		if len(candidates) > 0 {
			eps = candidates
		}
	}

	if level > g.maxLevel {
		g.entry = int32(slot)
		g.maxLevel = level
	}
	return level
}

// greedyStep walks one layer greedily from cur toward the vector in
// target, following any neighbor that strictly improves the distance.
// Tombstoned neighbors still count as stepping stones.
func (g *Graph) greedyStep(target, cur uint32, curDist float32, layer int) (uint32, float32) {
	for {
		improved := false
		nd := &g.nodes[cur]
		if !nd.used || layer >= len(nd.friends) {
			return cur, curDist
		}
		for _, fID := range nd.friends[layer] {
			if !g.nodes[fID].used {
				continue
			}
			if d := g.hooks.Dist(target, fID); d < curDist {
				cur = fID
				curDist = d
				improved = true
			}
		}
		if !improved {
			return cur, curDist
		}
	}
}

// searchLayer runs a beam search of width ef on one layer. The
// frontier expands through every node it reaches, tombstones and
// filtered-out nodes included, since they carry the connectivity;
// only slots passing emit enter the result set.
func (g *Graph) searchLayer(distTo func(uint32) float32, eps []distItem, ef, layer int, emit func(uint32) bool) []distItem {
	visited := make(map[uint32]struct{}, ef*4)

	var frontier minDistHeap
	var results maxDistHeap

	for _, ep := range eps {
		if _, seen := visited[ep.slot]; seen {
			continue
		}
		visited[ep.slot] = struct{}{}
		heap.Push(&frontier, ep)
		if emit(ep.slot) {
			heap.Push(&results, ep)
		}
	}

	for frontier.Len() > 0 {
		closest := heap.Pop(&frontier).(distItem)
		if results.Len() >= ef && closest.dist > results[0].dist {
			break
		}

		nd := &g.nodes[closest.slot]
		if !nd.used || layer >= len(nd.friends) {
			continue
		}
		for _, fID := range nd.friends[layer] {
			if _, seen := visited[fID]; seen {
				continue
			}
			visited[fID] = struct{}{}
			if !g.nodes[fID].used {
				continue
			}
			d := distTo(fID)
			if results.Len() < ef || d < results[0].dist {
				heap.Push(&frontier, distItem{slot: fID, dist: d})
				if emit(fID) {
					heap.Push(&results, distItem{slot: fID, dist: d})
					if results.Len() > ef {
						heap.Pop(&results)
					}
				}
			}
		}
	}

	out := make([]distItem, results.Len())
	copy(out, results)
	return out
}

// selectHeuristic applies the diversity rule to a candidate set:
// walking candidates in increasing distance to the query, a candidate
// is accepted iff it is closer to the query than to every neighbor
// accepted before it. This keeps long-range edges that pure
// closest-first selection would discard.
func (g *Graph) selectHeuristic(distTo func(uint32) float32, candidates []distItem, maxC int) []uint32 {
	sorted := make([]distItem, len(candidates))
	copy(sorted, candidates)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].dist < sorted[j].dist })

	accepted := make([]uint32, 0, maxC)
	for _, c := range sorted {
		if len(accepted) >= maxC {
			break
		}
		diverse := true
		for _, a := range accepted {
			if g.hooks.Dist(c.slot, a) <= c.dist {
				diverse = false
				break
			}
		}
		if diverse {
			accepted = append(accepted, c.slot)
		}
	}
	return accepted
}

// linkBack adds newSlot to nID's neighbor list at layer lev, pruning
// tombstones it finds there (touch-time propagation) and re-applying
// the diversity heuristic when the list overflows.
func (g *Graph) linkBack(nID, newSlot uint32, lev, maxC int) {
	nn := &g.nodes[nID]
	if !nn.used || lev >= len(nn.friends) {
		return
	}

	list := nn.friends[lev][:0]
	for _, f := range nn.friends[lev] {
		if g.nodes[f].used && !g.hooks.Deleted(f) {
			list = append(list, f)
		}
	}
	list = append(list, newSlot)

	if len(list) > maxC {
		distTo := func(s uint32) float32 { return g.hooks.Dist(nID, s) }
		items := make([]distItem, len(list))
		for i, f := range list {
			items[i] = distItem{slot: f, dist: distTo(f)}
		}
		list = g.selectHeuristic(distTo, items, maxC)
	}
	nn.friends[lev] = list
}

// Result pairs a slot with its distance to the query.
type Result struct {
	Slot uint32
	Dist float32
}

// Search returns up to k live slots nearest to the query, ascending
// by distance with ties broken by smaller external key. distTo scores
// a stored slot against the query vector. allowed, when non-nil,
// restricts the result set (never the traversal).
func (g *Graph) Search(distTo func(uint32) float32, k int, allowed func(uint32) bool) []Result {
	if g.entry < 0 || k <= 0 {
		return nil
	}

	ef := g.efS
	if ef < k {
		ef = k
	}

	// Greedy descent to layer 1.
	cur := uint32(g.entry)
	curDist := distTo(cur)
	for lev := g.maxLevel; lev > 0; lev-- {
		cur, curDist = g.greedyQueryStep(distTo, cur, curDist, lev)
	}

	emit := func(s uint32) bool {
		if g.hooks.Deleted(s) {
			return false
		}
		return allowed == nil || allowed(s)
	}
	candidates := g.searchLayer(distTo, []distItem{{slot: cur, dist: curDist}}, ef, 0, emit)

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].dist != candidates[j].dist {
			return candidates[i].dist < candidates[j].dist
		}
		return g.hooks.Key(candidates[i].slot) < g.hooks.Key(candidates[j].slot)
	})
	if len(candidates) > k {
		candidates = candidates[:k]
	}

	out := make([]Result, len(candidates))
	for i, c := range candidates {
		out[i] = Result{Slot: c.slot, Dist: c.dist}
	}
	return out
}

func (g *Graph) greedyQueryStep(distTo func(uint32) float32, cur uint32, curDist float32, layer int) (uint32, float32) {
	for {
		improved := false
		nd := &g.nodes[cur]
		if !nd.used || layer >= len(nd.friends) {
			return cur, curDist
		}
		for _, fID := range nd.friends[layer] {
			if !g.nodes[fID].used {
				continue
			}
			if d := distTo(fID); d < curDist {
				cur = fID
				curDist = d
				improved = true
			}
		}
		if !improved {
			return cur, curDist
		}
	}
}

// Remove reacts to the tombstoning of slot. Edges stay in place for
// connectivity; only the entry point needs attention. When the entry
// dies, the live node with the highest layer takes over, ties broken
// by smaller external key.
func (g *Graph) Remove(slot uint32) {
	if g.entry != int32(slot) {
		return
	}
	g.electEntry()
}

func (g *Graph) electEntry() {
	best := int32(-1)
	bestLevel := -1
	var bestKey int64
	for i := range g.nodes {
		nd := &g.nodes[i]
		if !nd.used || g.hooks.Deleted(uint32(i)) {
			continue
		}
		key := g.hooks.Key(uint32(i))
		if nd.level > bestLevel || (nd.level == bestLevel && key < bestKey) {
			best = int32(i)
			bestLevel = nd.level
			bestKey = key
		}
	}
	g.entry = best
	if best < 0 {
		g.maxLevel = 0
		return
	}
	g.maxLevel = bestLevel
}

// Restore rebuilds one node from persisted state. Used by the codec
// path; levels and neighbor lists arrive exactly as saved.
func (g *Graph) Restore(slot uint32, level int, friends [][]uint32) {
	g.grow(slot)
	g.nodes[slot] = node{used: true, level: level, friends: friends}
}

// SetEntry pins the entry point after a Restore pass.
func (g *Graph) SetEntry(slot int32, maxLevel int) {
	g.entry = slot
	g.maxLevel = maxLevel
}
