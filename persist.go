package numbat

// Save/Load against the fixed binary format in internal/codec, plus
// path sanitization shared with LoadVectorsFromFile.

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/diffsec/numbat/internal/codec"
	"github.com/diffsec/numbat/internal/hnsw"
	"github.com/diffsec/numbat/internal/vstore"
)

// sanitizePath rejects empty paths and any path carrying a ".."
// segment, and strips a leading file:// scheme.
func sanitizePath(p string) (string, error) {
	p = strings.TrimPrefix(p, "file://")
	if p == "" {
		return "", fmt.Errorf("%w: empty path", ErrPath)
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return "", fmt.Errorf("%w: traversal segment in %q", ErrPath, p)
		}
	}
	return p, nil
}

// Save writes the whole index to path in the versioned binary format.
// Tombstoned slots are compacted away; the file round-trips through
// Load into an identical index.
func (ix *Index) Save(path string) error {
	if err := ix.gateClosed(); err != nil {
		return err
	}
	if err := ix.gateBusy(); err != nil {
		return err
	}
	cleaned, err := sanitizePath(path)
	if err != nil {
		return err
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	if err := ix.gateClosed(); err != nil {
		return err
	}

	snap := ix.snapshotLocked()
	f, err := os.Create(cleaned)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	if err := codec.Write(f, snap); err != nil {
		f.Close()
		if errors.Is(err, ErrInternal) {
			ix.log.Error("internal invariant violated during save", zap.Error(err))
		}
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	ix.log.Debug("index saved", zap.String("path", cleaned), zap.Int("vectors", len(snap.Keys)))
	return nil
}

// snapshotLocked builds a compacted image of the index: live slots
// only, in slot order, neighbor lists pruned of tombstones and
// rewritten in external keys.
func (ix *Index) snapshotLocked() *codec.Snapshot {
	dims := ix.cfg.Dimensions
	live := ix.store.Live()

	snap := &codec.Snapshot{
		Dims:           dims,
		Scalar:         ix.quant,
		Metric:         ix.mkind,
		M:              ix.graph.M(),
		EfConstruction: ix.graph.EfConstruction(),
		EfSearch:       ix.graph.EfSearch(),
		Capacity:       uint64(ix.store.Capacity()),
		Scale:          ix.store.Scale(),
		Keys:           make([]codec.KeyMeta, 0, live),
		Edges:          make([][][]int64, 0, live),
	}
	if ix.quant == vstore.I8 {
		snap.VecI8 = make([]int8, 0, live*dims)
	} else {
		snap.VecF32 = make([]float32, 0, live*dims)
	}

	for slot := uint32(0); slot < ix.store.NextSlot(); slot++ {
		if ix.store.IsDeleted(slot) {
			continue
		}
		top := ix.graph.Level(slot)
		snap.Keys = append(snap.Keys, codec.KeyMeta{
			Key:      ix.store.KeyOf(slot),
			TopLayer: uint8(top),
		})
		if ix.quant == vstore.I8 {
			snap.VecI8 = append(snap.VecI8, ix.store.RawI8(slot)...)
		} else {
			snap.VecF32 = append(snap.VecF32, ix.store.View(slot)...)
		}

		layers := make([][]int64, top+1)
		for lev := 0; lev <= top; lev++ {
			var keys []int64
			for _, n := range ix.graph.Neighbors(slot, lev) {
				if ix.store.IsDeleted(n) {
					continue
				}
				keys = append(keys, ix.store.KeyOf(n))
			}
			layers[lev] = keys
		}
		snap.Edges = append(snap.Edges, layers)
	}

	if entry := ix.graph.Entry(); entry >= 0 {
		snap.HasEntry = true
		snap.EntryKey = ix.store.KeyOf(uint32(entry))
		snap.EntryTopLayer = ix.graph.MaxLevel()
	}
	return snap
}

// Load replaces the index contents with a previously saved image. The
// file's dimensionality and scalar representation must match this
// index's configuration; graph parameters (M, ef) are taken from the
// file. The new state is fully decoded and validated before the old
// state is swapped out, so a failed Load leaves the index unchanged.
func (ix *Index) Load(path string) error {
	if err := ix.gateClosed(); err != nil {
		return err
	}
	if err := ix.gateBusy(); err != nil {
		return err
	}
	cleaned, err := sanitizePath(path)
	if err != nil {
		return err
	}

	f, err := os.Open(cleaned)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	snap, err := codec.Read(f)
	f.Close()
	if err != nil {
		return err
	}

	if snap.Dims != ix.cfg.Dimensions {
		return fmt.Errorf("%w: file has %d dimensions, index has %d", ErrDimension, snap.Dims, ix.cfg.Dimensions)
	}
	if snap.Scalar != ix.quant {
		return fmt.Errorf("%w: file stores %s, index stores %s", ErrFormat, snap.Scalar, ix.quant)
	}
	if snap.Metric != ix.mkind {
		return fmt.Errorf("%w: file uses metric %s, index uses %s", ErrFormat, snap.Metric, ix.mkind)
	}

	store, graph, err := ix.rebuild(snap)
	if err != nil {
		return err
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	if err := ix.gateClosed(); err != nil {
		return err
	}
	ix.store = store
	ix.graph = graph
	ix.cfg.M = snap.M
	ix.cfg.EfConstruction = snap.EfConstruction
	ix.cfg.EfSearch = snap.EfSearch
	ix.connMirror.Store(int64(snap.M * 3))
	ix.liveMirror.Store(int64(store.Live()))
	ix.sink.setLive(int64(store.Live()))
	ix.sink.setArenaBytes(int64(store.ArenaBytes()))
	ix.log.Debug("index loaded", zap.String("path", cleaned), zap.Int("vectors", store.Live()))
	return nil
}

// rebuild materializes a snapshot into a fresh store and graph.
// Slots come out 0..n-1 in key-table order, so persisted neighbor
// keys resolve through the new key map. The graph's hooks read
// ix.store at call time, so they pick up the new store the moment
// Load swaps it in under the lock; nothing here calls them.
func (ix *Index) rebuild(snap *codec.Snapshot) (*vstore.Store, *hnsw.Graph, error) {
	dims := snap.Dims
	store := vstore.New(dims, snap.Scalar, 0)
	store.SetScale(snap.Scale)
	if err := store.Reserve(int(snap.Capacity)); err != nil {
		return nil, nil, err
	}

	graph := ix.newGraph(snap.M, snap.EfConstruction, snap.EfSearch)

	for i, k := range snap.Keys {
		var err error
		if snap.Scalar == vstore.I8 {
			_, err = store.PutI8(k.Key, snap.VecI8[i*dims:(i+1)*dims])
		} else {
			_, err = store.Put(k.Key, snap.VecF32[i*dims:(i+1)*dims])
		}
		if err != nil {
			return nil, nil, err
		}
	}

	for i, k := range snap.Keys {
		top := int(k.TopLayer)
		friends := make([][]uint32, top+1)
		for lev := 0; lev <= top && lev < len(snap.Edges[i]); lev++ {
			for _, nKey := range snap.Edges[i][lev] {
				slot, ok := store.SlotOf(nKey)
				if !ok {
					return nil, nil, fmt.Errorf("%w: edge references unknown key %d", ErrFormat, nKey)
				}
				friends[lev] = append(friends[lev], slot)
			}
		}
		graph.Restore(uint32(i), top, friends)
	}

	if snap.HasEntry {
		slot, ok := store.SlotOf(snap.EntryKey)
		if !ok {
			return nil, nil, fmt.Errorf("%w: entry key %d not present", ErrFormat, snap.EntryKey)
		}
		graph.SetEntry(int32(slot), snap.EntryTopLayer)
	} else {
		graph.SetEntry(-1, 0)
	}
	return store, graph, nil
}
