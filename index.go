// Package numbat is an embeddable approximate-nearest-neighbor vector
// index: an HNSW graph over a contiguous in-process vector arena, with
// optional int8 quantization, SIMD-dispatched distance kernels, and a
// self-contained binary persistence format.
//
// An Index holds a live, mutable collection of fixed-dimension vectors
// keyed by caller-chosen int64 keys. Point mutations and searches are
// synchronous; bulk ingestion (AddBatch, LoadVectorsFromFile) runs on
// a single background worker that yields the index between items so
// searches stay responsive.
package numbat

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/diffsec/numbat/internal/hnsw"
	"github.com/diffsec/numbat/internal/metric"
	"github.com/diffsec/numbat/internal/vstore"
)

// Memory-estimate constants: per-node graph bookkeeping and the fixed
// cost of an empty index. The estimate deliberately avoids walking
// graph internals so it stays safe to read during a background batch.
const (
	nodeHeaderBytes   = 64
	baseOverheadBytes = 16 * 1024
)

// Result is one search hit.
type Result struct {
	Key      int64
	Distance float32
}

// SearchOptions tunes a single Search call.
type SearchOptions struct {
	// AllowedKeys restricts the result set to these keys. Traversal
	// still crosses other nodes; only emission is filtered.
	AllowedKeys []int64
}

// Progress describes a running background operation.
type Progress struct {
	Current    int64
	Total      int64
	Percentage float64
}

// OpResult summarizes a finished background operation.
type OpResult struct {
	Duration time.Duration
	Count    int
}

// Stats is a point-in-time snapshot of index internals.
type Stats struct {
	Live       int
	Tombstones int
	Capacity   int
	MaxLayer   int
	Scale      float32
}

type task func()

// Index is the facade over storage, graph, and kernels. All exported
// methods are safe for concurrent use; a single mutex serializes
// mutation, and the one background worker locks per item.
type Index struct {
	cfg    Config
	quant  vstore.Quantization
	mkind  metric.Kind
	kernel metric.Func
	isa    string

	mu    sync.Mutex
	store *vstore.Store
	graph *hnsw.Graph

	// Scratch buffers for i8 dequantization during scoring. Guarded
	// by mu like everything they alias.
	scratchA []float32
	scratchB []float32

	closed atomic.Bool
	gen    uint64 // bumped by Close; background items recheck it

	indexing   atomic.Bool
	progCur    atomic.Int64
	progTotal  atomic.Int64
	liveMirror atomic.Int64
	connMirror atomic.Int64 // per-node connectivity estimate; follows M across Load

	tasks      chan task
	workerDone chan struct{}
	closeOnce  sync.Once

	lastMu  sync.Mutex
	last    OpResult
	lastErr error

	log  *zap.Logger
	sink metricsSink
}

// New constructs an empty index of the given dimensionality.
func New(dims int, opts ...Option) (*Index, error) {
	st := settings{cfg: DefaultConfig(dims), logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&st)
	}
	if err := st.cfg.normalize(); err != nil {
		return nil, err
	}

	quant, err := vstore.ParseQuantization(st.cfg.Quantization)
	if err != nil {
		return nil, err
	}
	mkind, err := metric.Parse(st.cfg.Metric)
	if err != nil {
		return nil, err
	}
	kernel, err := mkind.Kernel()
	if err != nil {
		return nil, err
	}

	var sink metricsSink = noopSink{}
	if st.registry != nil {
		sink = newPromSink(st.registry)
	}

	ix := &Index{
		cfg:        st.cfg,
		quant:      quant,
		mkind:      mkind,
		kernel:     kernel,
		isa:        metric.ISA(),
		store:      vstore.New(st.cfg.Dimensions, quant, st.cfg.Scale),
		scratchA:   make([]float32, st.cfg.Dimensions),
		scratchB:   make([]float32, st.cfg.Dimensions),
		tasks:      make(chan task, 1),
		workerDone: make(chan struct{}),
		log:        st.logger,
		sink:       sink,
	}
	ix.graph = ix.newGraph(st.cfg.M, st.cfg.EfConstruction, st.cfg.EfSearch)
	ix.connMirror.Store(int64(st.cfg.M * 3)) // M0 at layer 0 plus M above it

	go func() {
		for t := range ix.tasks {
			t()
		}
		close(ix.workerDone)
	}()
	return ix, nil
}

// newGraph wires a graph to the current store through closures, so
// the graph stays free of storage and metric dependencies.
func (ix *Index) newGraph(m, efC, efS int) *hnsw.Graph {
	return hnsw.New(
		hnsw.Config{M: m, EfConstruction: efC, EfSearch: efS, Seed: ix.cfg.Seed},
		hnsw.Hooks{
			Dist:    ix.slotDist,
			Deleted: func(slot uint32) bool { return ix.store.IsDeleted(slot) },
			Key:     func(slot uint32) int64 { return ix.store.KeyOf(slot) },
		},
	)
}

// slotDist scores two stored slots. Callers hold mu.
func (ix *Index) slotDist(a, b uint32) float32 {
	if ix.quant == vstore.F32 {
		return ix.kernel(ix.store.View(a), ix.store.View(b))
	}
	ix.store.ReadInto(a, ix.scratchA)
	ix.store.ReadInto(b, ix.scratchB)
	return ix.kernel(ix.scratchA, ix.scratchB)
}

// queryDist scores a stored slot against an unstored query vector.
// Callers hold mu.
func (ix *Index) queryDist(q []float32, slot uint32) float32 {
	if ix.quant == vstore.F32 {
		return ix.kernel(q, ix.store.View(slot))
	}
	ix.store.ReadInto(slot, ix.scratchA)
	return ix.kernel(q, ix.scratchA)
}

// --- read-only properties ---

// Dimensions returns the fixed per-vector element count.
func (ix *Index) Dimensions() int { return ix.cfg.Dimensions }

// ISA names the SIMD variant selected at construction: "avx2",
// "neon", "sve", or "serial".
func (ix *Index) ISA() string { return ix.isa }

// Count returns the number of live vectors.
func (ix *Index) Count() int {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.store.Live()
}

// MemoryUsage estimates the resident footprint in bytes. It reads
// only atomic mirrors, never graph internals, so it is safe to call
// while a background batch runs.
func (ix *Index) MemoryUsage() int64 {
	count := ix.liveMirror.Load()
	elem := int64(ix.quant.ElemSize())
	dims := int64(ix.cfg.Dimensions)
	connectivity := ix.connMirror.Load()
	return count*dims*elem + count*(nodeHeaderBytes+connectivity*8) + baseOverheadBytes
}

// IsIndexing reports whether a background operation is in flight.
func (ix *Index) IsIndexing() bool { return ix.indexing.Load() }

// IndexingProgress reports the running background operation's state.
func (ix *Index) IndexingProgress() Progress {
	cur := ix.progCur.Load()
	total := ix.progTotal.Load()
	p := Progress{Current: cur, Total: total}
	if total > 0 {
		p.Percentage = 100 * float64(cur) / float64(total)
	}
	return p
}

// Stats reports point-in-time internals. Unlike MemoryUsage it takes
// the index lock; do not poll it from a latency-sensitive path.
func (ix *Index) Stats() (Stats, error) {
	if err := ix.gateClosed(); err != nil {
		return Stats{}, err
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return Stats{
		Live:       ix.store.Live(),
		Tombstones: int(ix.store.NextSlot()) - ix.store.Live(),
		Capacity:   ix.store.Capacity(),
		MaxLayer:   ix.graph.MaxLevel(),
		Scale:      ix.store.Scale(),
	}, nil
}

// --- gates ---

func (ix *Index) gateClosed() error {
	if ix.closed.Load() {
		return fmt.Errorf("%w: index has been closed", ErrClosed)
	}
	return nil
}

func (ix *Index) gateBusy() error {
	if ix.indexing.Load() {
		return fmt.Errorf("%w: background operation in progress", ErrBusy)
	}
	return nil
}

func (ix *Index) gateVector(vec []float32) error {
	if len(vec) == 0 {
		return fmt.Errorf("%w: empty vector", ErrBuffer)
	}
	if len(vec) != ix.cfg.Dimensions {
		return fmt.Errorf("%w: got %d elements, want %d", ErrDimension, len(vec), ix.cfg.Dimensions)
	}
	return nil
}

// --- point mutators and queries ---

// Add inserts a new vector under key and returns how long the insert
// took. The vector is copied; the buffer is borrowed only for the
// duration of the call. Adding an existing live key fails with
// ErrDuplicate; use Update to replace.
func (ix *Index) Add(key int64, vec []float32) (time.Duration, error) {
	start := time.Now()
	if err := ix.gateClosed(); err != nil {
		return 0, err
	}
	if err := ix.gateVector(vec); err != nil {
		return 0, err
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	if err := ix.gateClosed(); err != nil {
		return 0, err
	}
	if err := ix.addLocked(key, vec); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

// addLocked inserts under mu: storage write first, then graph wiring.
func (ix *Index) addLocked(key int64, vec []float32) error {
	slot, err := ix.store.Put(key, vec)
	if err != nil {
		return err
	}
	ix.graph.Insert(slot)
	ix.liveMirror.Store(int64(ix.store.Live()))
	ix.sink.incInsert()
	ix.sink.setLive(int64(ix.store.Live()))
	ix.sink.setArenaBytes(int64(ix.store.ArenaBytes()))
	return nil
}

// Remove tombstones key. The slot is reclaimed at the next save;
// graph edges referencing it are pruned as later insertions touch
// them. Fails with ErrKeyMissing for unknown keys and ErrBusy while a
// background operation runs.
func (ix *Index) Remove(key int64) error {
	if err := ix.gateClosed(); err != nil {
		return err
	}
	if err := ix.gateBusy(); err != nil {
		return err
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	if err := ix.gateClosed(); err != nil {
		return err
	}
	return ix.removeLocked(key)
}

func (ix *Index) removeLocked(key int64) error {
	slot, err := ix.store.Drop(key)
	if err != nil {
		return err
	}
	ix.graph.Remove(slot)
	ix.liveMirror.Store(int64(ix.store.Live()))
	ix.sink.incRemove()
	ix.sink.setLive(int64(ix.store.Live()))
	return nil
}

// Update replaces the vector under key, or inserts it when the key is
// unknown. Semantically remove-then-add; the removal of an absent key
// is not an error here.
func (ix *Index) Update(key int64, vec []float32) error {
	if err := ix.gateClosed(); err != nil {
		return err
	}
	if err := ix.gateBusy(); err != nil {
		return err
	}
	if err := ix.gateVector(vec); err != nil {
		return err
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	if err := ix.gateClosed(); err != nil {
		return err
	}
	if _, ok := ix.store.SlotOf(key); ok {
		if err := ix.removeLocked(key); err != nil {
			return err
		}
	}
	return ix.addLocked(key, vec)
}

// Search returns the k nearest live vectors to q, ascending by
// distance with ties broken by smaller key. An empty index returns an
// empty result; k larger than Count returns every live vector.
func (ix *Index) Search(q []float32, k int, opts *SearchOptions) ([]Result, error) {
	start := time.Now()
	if err := ix.gateClosed(); err != nil {
		return nil, err
	}
	if err := ix.gateVector(q); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, nil
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	if err := ix.gateClosed(); err != nil {
		return nil, err
	}

	var allowed func(uint32) bool
	if opts != nil && opts.AllowedKeys != nil {
		set := make(map[int64]struct{}, len(opts.AllowedKeys))
		for _, key := range opts.AllowedKeys {
			set[key] = struct{}{}
		}
		allowed = func(slot uint32) bool {
			_, ok := set[ix.store.KeyOf(slot)]
			return ok
		}
	}

	hits := ix.graph.Search(func(slot uint32) float32 { return ix.queryDist(q, slot) }, k, allowed)
	out := make([]Result, len(hits))
	for i, h := range hits {
		out[i] = Result{Key: ix.store.KeyOf(h.Slot), Distance: h.Dist}
	}
	ix.sink.observeSearch(time.Since(start))
	return out, nil
}

// GetItemVector returns a freshly allocated copy of the vector stored
// under key (dequantized for an i8 index), or ErrKeyMissing.
func (ix *Index) GetItemVector(key int64) ([]float32, error) {
	if err := ix.gateClosed(); err != nil {
		return nil, err
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	if err := ix.gateClosed(); err != nil {
		return nil, err
	}
	slot, ok := ix.store.SlotOf(key)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrKeyMissing, key)
	}
	out := make([]float32, ix.cfg.Dimensions)
	ix.store.ReadInto(slot, out)
	return out, nil
}

// Close destroys the index. A running background task stops at its
// next item boundary and records ErrClosed as its result; every later
// operation except LastResult fails with ErrClosed. Idempotent.
func (ix *Index) Close() error {
	ix.closeOnce.Do(func() {
		ix.mu.Lock()
		ix.closed.Store(true)
		ix.gen++
		ix.mu.Unlock()
		close(ix.tasks)
		<-ix.workerDone
		ix.log.Debug("index closed")
	})
	return nil
}
