package vector

import (
	"math"
	"math/rand/v2"
	"sort"
)

// hnswConfig holds the graph construction parameters.
type hnswConfig struct {
	m              int     // max connections per node per layer
	mMax0          int     // max connections at layer 0
	efConstruction int     // search width during construction
	ml             float64 // level multiplier: 1/ln(M)
}

func defaultHnswConfig() hnswConfig {
	return hnswConfig{
		m:              16,
		mMax0:          32,
		efConstruction: 200,
		ml:             1 / math.Log(16),
	}
}

const maxLevel = 32

type hnswNode struct {
	docID  uint64
	layers [][]int // layers[l] = neighbor node indices at layer l
}

// hnswGraph is a multi-layer proximity graph for approximate nearest
// neighbor search. Deletion is lazy: a removed node keeps its slot but loses
// all links; the index rebuilds the graph once dead nodes exceed 20%.
type hnswGraph struct {
	nodes        []hnswNode
	docToNode    map[uint64]int
	entryPoint   int // -1 when empty
	maxLayer     int
	config       hnswConfig
	deletedCount int
}

func newHnswGraph(config hnswConfig) *hnswGraph {
	return &hnswGraph{
		docToNode:  make(map[uint64]int),
		entryPoint: -1,
		config:     config,
	}
}

// randomLevel draws a level from the exponential distribution floor(-ln(U)·ml).
func (g *hnswGraph) randomLevel() int {
	u := rand.Float64()
	if u == 0 {
		return maxLevel
	}
	level := int(math.Floor(-math.Log(u) * g.config.ml))
	if level > maxLevel {
		level = maxLevel
	}
	return level
}

func (g *hnswGraph) distance(query []float32, nodeIdx int, vectors map[uint64][]float32, metric Metric) float32 {
	vec, ok := vectors[g.nodes[nodeIdx].docID]
	if !ok {
		return float32(math.Inf(1))
	}
	return computeDistance(query, vec, metric)
}

// searchLayerGreedy descends greedily from entry down to targetLayer,
// returning the closest node found.
func (g *hnswGraph) searchLayerGreedy(query []float32, entry, targetLayer int, vectors map[uint64][]float32, metric Metric) int {
	current := entry
	currentDist := g.distance(query, current, vectors, metric)

	for layer := g.maxLayer; layer >= targetLayer; layer-- {
		for changed := true; changed; {
			changed = false
			if layer < len(g.nodes[current].layers) {
				for _, neighbor := range g.nodes[current].layers[layer] {
					if d := g.distance(query, neighbor, vectors, metric); d < currentDist {
						current = neighbor
						currentDist = d
						changed = true
					}
				}
			}
		}
	}
	return current
}

type scoredNode struct {
	dist float32
	idx  int
}

// searchLayer runs an ef-bounded best-first search at one layer. Returns up
// to ef nodes sorted by ascending distance.
func (g *hnswGraph) searchLayer(query []float32, entryPoints []int, ef, layer int, vectors map[uint64][]float32, metric Metric) []scoredNode {
	visited := make(map[int]struct{}, ef*2)
	candidates := newMinNodeHeap() // closest first
	results := newMaxNodeHeap()    // furthest first, for pruning

	for _, ep := range entryPoints {
		d := g.distance(query, ep, vectors, metric)
		visited[ep] = struct{}{}
		candidates.push(scoredNode{d, ep})
		results.push(scoredNode{d, ep})
	}

	for candidates.len() > 0 {
		c := candidates.pop()
		furthest := float32(math.Inf(1))
		if results.len() > 0 {
			furthest = results.peek().dist
		}
		if c.dist > furthest {
			break
		}

		if layer < len(g.nodes[c.idx].layers) {
			for _, neighbor := range g.nodes[c.idx].layers[layer] {
				if _, seen := visited[neighbor]; seen {
					continue
				}
				visited[neighbor] = struct{}{}
				d := g.distance(query, neighbor, vectors, metric)
				furthest := float32(math.Inf(1))
				if results.len() > 0 {
					furthest = results.peek().dist
				}
				if d < furthest || results.len() < ef {
					candidates.push(scoredNode{d, neighbor})
					results.push(scoredNode{d, neighbor})
					if results.len() > ef {
						results.pop()
					}
				}
			}
		}
	}

	sorted := results.drain()
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].dist < sorted[j].dist })
	return sorted
}

// insert adds a node at a random level, connecting it to the M nearest
// neighbors per layer and pruning any neighbor list that overflows.
func (g *hnswGraph) insert(docID uint64, vectors map[uint64][]float32, metric Metric) {
	nodeIdx := len(g.nodes)
	level := g.randomLevel()

	layers := make([][]int, level+1)
	g.nodes = append(g.nodes, hnswNode{docID: docID, layers: layers})
	g.docToNode[docID] = nodeIdx

	if len(g.nodes) == 1 {
		g.entryPoint = nodeIdx
		g.maxLayer = level
		return
	}

	ep := g.entryPoint
	if ep < 0 || ep == nodeIdx {
		return
	}

	vec, ok := vectors[docID]
	if !ok {
		return
	}

	// Greedy descent from the top layer down to level+1.
	currentEp := ep
	if g.maxLayer > level {
		currentEp = g.searchLayerGreedy(vec, ep, level+1, vectors, metric)
	}

	entryPoints := []int{currentEp}
	top := level
	if g.maxLayer < top {
		top = g.maxLayer
	}
	for l := top; l >= 0; l-- {
		mMax := g.config.m
		if l == 0 {
			mMax = g.config.mMax0
		}
		neighbors := g.searchLayer(vec, entryPoints, g.config.efConstruction, l, vectors, metric)

		selected := make([]int, 0, g.config.m)
		for _, n := range neighbors {
			if n.idx == nodeIdx {
				continue
			}
			selected = append(selected, n.idx)
			if len(selected) >= g.config.m {
				break
			}
		}

		if l < len(g.nodes[nodeIdx].layers) {
			g.nodes[nodeIdx].layers[l] = append([]int(nil), selected...)
		}

		// Backlinks, pruning overflowing neighbor lists back to the nearest.
		for _, neighborIdx := range selected {
			if l >= len(g.nodes[neighborIdx].layers) {
				continue
			}
			g.nodes[neighborIdx].layers[l] = append(g.nodes[neighborIdx].layers[l], nodeIdx)
			if len(g.nodes[neighborIdx].layers[l]) > mMax {
				neighborVec, ok := vectors[g.nodes[neighborIdx].docID]
				if !ok {
					continue
				}
				scored := make([]scoredNode, 0, len(g.nodes[neighborIdx].layers[l]))
				for _, ni := range g.nodes[neighborIdx].layers[l] {
					d := float32(math.Inf(1))
					if nv, ok := vectors[g.nodes[ni].docID]; ok {
						d = computeDistance(neighborVec, nv, metric)
					}
					scored = append(scored, scoredNode{d, ni})
				}
				sort.Slice(scored, func(i, j int) bool { return scored[i].dist < scored[j].dist })
				if len(scored) > mMax {
					scored = scored[:mMax]
				}
				pruned := make([]int, len(scored))
				for i, s := range scored {
					pruned[i] = s.idx
				}
				g.nodes[neighborIdx].layers[l] = pruned
			}
		}

		entryPoints = entryPoints[:0]
		for _, n := range neighbors {
			if n.idx != nodeIdx {
				entryPoints = append(entryPoints, n.idx)
			}
		}
		if len(entryPoints) == 0 {
			entryPoints = append(entryPoints, currentEp)
		}
	}

	if level > g.maxLayer {
		g.maxLayer = level
		g.entryPoint = nodeIdx
	}
}

// remove breaks all links to and from the node (lazy deletion). If the entry
// point dies, any surviving node takes over.
func (g *hnswGraph) remove(docID uint64) {
	nodeIdx, ok := g.docToNode[docID]
	if !ok {
		return
	}

	var neighborList []int
	for _, layer := range g.nodes[nodeIdx].layers {
		neighborList = append(neighborList, layer...)
	}
	for _, neighbor := range neighborList {
		for l, layer := range g.nodes[neighbor].layers {
			kept := layer[:0]
			for _, n := range layer {
				if n != nodeIdx {
					kept = append(kept, n)
				}
			}
			g.nodes[neighbor].layers[l] = kept
		}
	}

	g.nodes[nodeIdx].layers = nil
	delete(g.docToNode, docID)
	g.deletedCount++

	if g.entryPoint == nodeIdx {
		g.entryPoint = -1
		g.maxLayer = 0
		for _, idx := range g.docToNode {
			g.entryPoint = idx
			if n := len(g.nodes[idx].layers); n > 0 {
				g.maxLayer = n - 1
			}
			break
		}
	}
}

// search finds the k nearest live nodes: greedy descent to layer 1, then an
// ef-bounded search at layer 0, filtering out lazily deleted nodes.
func (g *hnswGraph) search(query []float32, k, efSearch int, vectors map[uint64][]float32, metric Metric) []scoredID {
	if g.entryPoint < 0 {
		return nil
	}

	nearest := g.entryPoint
	if g.maxLayer > 0 {
		nearest = g.searchLayerGreedy(query, g.entryPoint, 1, vectors, metric)
	}

	ef := efSearch
	if ef < k {
		ef = k
	}
	found := g.searchLayer(query, []int{nearest}, ef, 0, vectors, metric)

	results := make([]scoredID, 0, k)
	for _, n := range found {
		if n.idx >= len(g.nodes) {
			continue
		}
		docID := g.nodes[n.idx].docID
		if _, live := g.docToNode[docID]; !live {
			continue
		}
		results = append(results, scoredID{dist: n.dist, id: docID})
		if len(results) >= k {
			break
		}
	}
	return results
}

// needsRebuild reports whether more than 20% of the graph's nodes are dead.
func (g *hnswGraph) needsRebuild() bool {
	total := len(g.nodes)
	return total > 0 && g.deletedCount*5 > total
}

// -- Node heaps --------------------------------------------------------------

type nodeHeap struct {
	items []scoredNode
	max   bool
}

func newMinNodeHeap() *nodeHeap { return &nodeHeap{} }
func newMaxNodeHeap() *nodeHeap { return &nodeHeap{max: true} }

func (h *nodeHeap) len() int         { return len(h.items) }
func (h *nodeHeap) peek() scoredNode { return h.items[0] }

func (h *nodeHeap) before(a, b scoredNode) bool {
	if h.max {
		return a.dist > b.dist
	}
	return a.dist < b.dist
}

func (h *nodeHeap) push(s scoredNode) {
	h.items = append(h.items, s)
	i := len(h.items) - 1
	for i > 0 {
		parent := (i - 1) / 2
		if !h.before(h.items[i], h.items[parent]) {
			break
		}
		h.items[parent], h.items[i] = h.items[i], h.items[parent]
		i = parent
	}
}

func (h *nodeHeap) pop() scoredNode {
	top := h.items[0]
	n := len(h.items) - 1
	h.items[0] = h.items[n]
	h.items = h.items[:n]
	i := 0
	for {
		left, right := 2*i+1, 2*i+2
		best := i
		if left < n && h.before(h.items[left], h.items[best]) {
			best = left
		}
		if right < n && h.before(h.items[right], h.items[best]) {
			best = right
		}
		if best == i {
			break
		}
		h.items[i], h.items[best] = h.items[best], h.items[i]
		i = best
	}
	return top
}

func (h *nodeHeap) drain() []scoredNode {
	out := h.items
	h.items = nil
	return out
}
