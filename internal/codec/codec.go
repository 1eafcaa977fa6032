// Package codec implements the on-disk format of a saved index: a
// 64-byte little-endian header protected by its own CRC32, followed
// by a compacted key table, the vector arena, the per-key edge lists,
// and a trailing CRC32 over the whole body. It also provides the
// headerless raw-vector bulk reader.
//
// Layout (byte offsets, little-endian, no implicit padding):
//
//	0   8  magic "VECTRIDX"
//	8   2  version = 1
//	10  2  scalar_kind   (0=f32, 1=i8)
//	12  2  metric_kind   (0=cos, 1=l2sq, 2=ip, 3=hamming, 4=jaccard)
//	14  2  reserved = 0
//	16  4  dimensions
//	20  8  size          (live count; deleted slots compact away on save)
//	28  8  capacity
//	36  4  M
//	40  4  ef_construction
//	44  4  ef_search
//	48  4  entry_key_lo  (low 32 bits of the entry key)
//	52  4  entry_top_layer
//	56  4  scale_f32     (i8 scale; 0 for an f32 index)
//	60  4  crc32_header  (IEEE, over bytes 0..59)
//	64     key_table     size × (i64 key, u8 top_layer, u8 deleted, 2B pad)
//	...    vector_arena  size × dims × scalar_size, key-table order
//	...    graph_edges   per key, per layer 0..top: u16 count, count × i64 neighbor keys
//	...  4 crc32_body    (IEEE, over everything after the header)
package codec

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"math"
	"os"

	"github.com/diffsec/numbat/internal/metric"
	"github.com/diffsec/numbat/internal/verr"
	"github.com/diffsec/numbat/internal/vstore"
)

var magic = [8]byte{'V', 'E', 'C', 'T', 'R', 'I', 'D', 'X'}

// headerChecksum covers the header bytes before the CRC field.
func headerChecksum(hdr []byte) uint32 {
	return crc32.ChecksumIEEE(hdr[:crcOffset])
}

const (
	// Version is the current format version.
	Version = 1

	headerSize  = 64
	crcOffset   = 60
	keyRecSize  = 12 // i64 key + u8 top_layer + u8 deleted + 2B pad
	maxNeighbor = math.MaxUint16
)

// Header mirrors the fixed 64-byte file header.
type Header struct {
	Version       uint16
	Scalar        vstore.Quantization
	Metric        metric.Kind
	Dimensions    uint32
	Size          uint64
	Capacity      uint64
	M             uint32
	EfConstruction uint32
	EfSearch      uint32
	EntryKeyLo    uint32
	EntryTopLayer uint32
	Scale         float32
}

// KeyMeta is one key-table record.
type KeyMeta struct {
	Key      int64
	TopLayer uint8
}

// Snapshot is the in-memory image of a saved index: compacted, live
// keys only, in key-table order.
type Snapshot struct {
	Dims           int
	Scalar         vstore.Quantization
	Metric         metric.Kind
	M              int
	EfConstruction int
	EfSearch       int
	Capacity       uint64
	Scale          float32

	HasEntry      bool
	EntryKey      int64
	EntryTopLayer int

	Keys  []KeyMeta
	VecF32 []float32 // len = len(Keys)×Dims when Scalar == F32
	VecI8  []int8    // len = len(Keys)×Dims when Scalar == I8
	Edges  [][][]int64 // Edges[i][layer] = neighbor keys of Keys[i]
}

// Write serializes snap to w.
func Write(w io.Writer, snap *Snapshot) error {
	metricCode, err := snap.Metric.Code()
	if err != nil {
		return err
	}

	hdr := make([]byte, headerSize)
	copy(hdr[0:8], magic[:])
	le := binary.LittleEndian
	le.PutUint16(hdr[8:10], Version)
	le.PutUint16(hdr[10:12], snap.Scalar.Code())
	le.PutUint16(hdr[12:14], metricCode)
	le.PutUint16(hdr[14:16], 0)
	le.PutUint32(hdr[16:20], uint32(snap.Dims))
	le.PutUint64(hdr[20:28], uint64(len(snap.Keys)))
	le.PutUint64(hdr[28:36], snap.Capacity)
	le.PutUint32(hdr[36:40], uint32(snap.M))
	le.PutUint32(hdr[40:44], uint32(snap.EfConstruction))
	le.PutUint32(hdr[44:48], uint32(snap.EfSearch))
	if snap.HasEntry {
		le.PutUint32(hdr[48:52], uint32(uint64(snap.EntryKey)&0xFFFFFFFF))
		le.PutUint32(hdr[52:56], uint32(snap.EntryTopLayer))
	}
	le.PutUint32(hdr[56:60], math.Float32bits(snap.Scale))
	le.PutUint32(hdr[crcOffset:headerSize], headerChecksum(hdr))

	bw := bufio.NewWriter(w)
	if _, err := bw.Write(hdr); err != nil {
		return fmt.Errorf("%w: write header: %v", verr.ErrIO, err)
	}

	body := crc32.NewIEEE()
	mw := io.MultiWriter(bw, body)

	// Key table.
	rec := make([]byte, keyRecSize)
	for _, k := range snap.Keys {
		le.PutUint64(rec[0:8], uint64(k.Key))
		rec[8] = k.TopLayer
		rec[9] = 0 // deleted: save compacts tombstones away
		rec[10], rec[11] = 0, 0
		if _, err := mw.Write(rec); err != nil {
			return fmt.Errorf("%w: write key table: %v", verr.ErrIO, err)
		}
	}

	// Vector arena.
	if snap.Scalar == vstore.I8 {
		buf := make([]byte, len(snap.VecI8))
		for i, v := range snap.VecI8 {
			buf[i] = byte(v)
		}
		if _, err := mw.Write(buf); err != nil {
			return fmt.Errorf("%w: write arena: %v", verr.ErrIO, err)
		}
	} else {
		buf := make([]byte, 4)
		for _, v := range snap.VecF32 {
			le.PutUint32(buf, math.Float32bits(v))
			if _, err := mw.Write(buf); err != nil {
				return fmt.Errorf("%w: write arena: %v", verr.ErrIO, err)
			}
		}
	}

	// Edge lists.
	var scratch [8]byte
	for i, k := range snap.Keys {
		layers := snap.Edges[i]
		for lev := 0; lev <= int(k.TopLayer); lev++ {
			var neighbors []int64
			if lev < len(layers) {
				neighbors = layers[lev]
			}
			if len(neighbors) > maxNeighbor {
				return fmt.Errorf("%w: neighbor list of key %d exceeds %d", verr.ErrInternal, k.Key, maxNeighbor)
			}
			le.PutUint16(scratch[:2], uint16(len(neighbors)))
			if _, err := mw.Write(scratch[:2]); err != nil {
				return fmt.Errorf("%w: write edges: %v", verr.ErrIO, err)
			}
			for _, n := range neighbors {
				le.PutUint64(scratch[:], uint64(n))
				if _, err := mw.Write(scratch[:]); err != nil {
					return fmt.Errorf("%w: write edges: %v", verr.ErrIO, err)
				}
			}
		}
	}

	le.PutUint32(scratch[:4], body.Sum32())
	if _, err := bw.Write(scratch[:4]); err != nil {
		return fmt.Errorf("%w: write body crc: %v", verr.ErrIO, err)
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("%w: flush: %v", verr.ErrIO, err)
	}
	return nil
}

// ReadHeader decodes and validates the fixed header, leaving r
// positioned at the key table.
func ReadHeader(r io.Reader) (*Header, error) {
	hdr := make([]byte, headerSize)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, fmt.Errorf("%w: short header: %v", verr.ErrFormat, err)
	}
	if [8]byte(hdr[0:8]) != magic {
		return nil, fmt.Errorf("%w: bad magic %q", verr.ErrFormat, hdr[0:8])
	}

	le := binary.LittleEndian
	if headerChecksum(hdr) != le.Uint32(hdr[crcOffset:headerSize]) {
		return nil, fmt.Errorf("%w: header crc mismatch", verr.ErrCorrupted)
	}

	version := le.Uint16(hdr[8:10])
	if version != Version {
		return nil, fmt.Errorf("%w: unsupported version %d (want %d)", verr.ErrFormat, version, Version)
	}
	scalar, err := vstore.QuantizationFromCode(le.Uint16(hdr[10:12]))
	if err != nil {
		return nil, err
	}
	mk, err := metric.FromCode(le.Uint16(hdr[12:14]))
	if err != nil {
		return nil, err
	}
	dims := le.Uint32(hdr[16:20])
	if dims == 0 {
		return nil, fmt.Errorf("%w: zero dimensions", verr.ErrFormat)
	}

	return &Header{
		Version:        version,
		Scalar:         scalar,
		Metric:         mk,
		Dimensions:     dims,
		Size:           le.Uint64(hdr[20:28]),
		Capacity:       le.Uint64(hdr[28:36]),
		M:              le.Uint32(hdr[36:40]),
		EfConstruction: le.Uint32(hdr[40:44]),
		EfSearch:       le.Uint32(hdr[44:48]),
		EntryKeyLo:     le.Uint32(hdr[48:52]),
		EntryTopLayer:  le.Uint32(hdr[52:56]),
		Scale:          math.Float32frombits(le.Uint32(hdr[56:60])),
	}, nil
}

// Read deserializes a full snapshot, verifying both CRCs.
func Read(r io.Reader) (*Snapshot, error) {
	br := bufio.NewReader(r)
	hdr, err := ReadHeader(br)
	if err != nil {
		return nil, err
	}

	body := crc32.NewIEEE()
	tr := io.TeeReader(br, body)
	le := binary.LittleEndian

	size := int(hdr.Size)
	dims := int(hdr.Dimensions)

	snap := &Snapshot{
		Dims:           dims,
		Scalar:         hdr.Scalar,
		Metric:         hdr.Metric,
		M:              int(hdr.M),
		EfConstruction: int(hdr.EfConstruction),
		EfSearch:       int(hdr.EfSearch),
		Capacity:       hdr.Capacity,
		Scale:          hdr.Scale,
		Keys:           make([]KeyMeta, 0, size),
		Edges:          make([][][]int64, 0, size),
	}

	// Key table. Save compacts tombstones away; the deleted flag is
	// only consulted when resolving the entry point below.
	deleted := make([]bool, size)
	rec := make([]byte, keyRecSize)
	for i := 0; i < size; i++ {
		if _, err := io.ReadFull(tr, rec); err != nil {
			return nil, fmt.Errorf("%w: short key table: %v", verr.ErrFormat, err)
		}
		deleted[i] = rec[9] != 0
		snap.Keys = append(snap.Keys, KeyMeta{
			Key:      int64(le.Uint64(rec[0:8])),
			TopLayer: rec[8],
		})
	}

	// Vector arena.
	if hdr.Scalar == vstore.I8 {
		buf := make([]byte, size*dims)
		if _, err := io.ReadFull(tr, buf); err != nil {
			return nil, fmt.Errorf("%w: short arena: %v", verr.ErrFormat, err)
		}
		snap.VecI8 = make([]int8, len(buf))
		for i, b := range buf {
			snap.VecI8[i] = int8(b)
		}
	} else {
		buf := make([]byte, size*dims*4)
		if _, err := io.ReadFull(tr, buf); err != nil {
			return nil, fmt.Errorf("%w: short arena: %v", verr.ErrFormat, err)
		}
		snap.VecF32 = make([]float32, size*dims)
		for i := range snap.VecF32 {
			snap.VecF32[i] = math.Float32frombits(le.Uint32(buf[i*4:]))
		}
	}

	// Edge lists.
	var scratch [8]byte
	for i := 0; i < size; i++ {
		top := int(snap.Keys[i].TopLayer)
		layers := make([][]int64, top+1)
		for lev := 0; lev <= top; lev++ {
			if _, err := io.ReadFull(tr, scratch[:2]); err != nil {
				return nil, fmt.Errorf("%w: short edges: %v", verr.ErrFormat, err)
			}
			count := int(le.Uint16(scratch[:2]))
			neighbors := make([]int64, count)
			for j := 0; j < count; j++ {
				if _, err := io.ReadFull(tr, scratch[:]); err != nil {
					return nil, fmt.Errorf("%w: short edges: %v", verr.ErrFormat, err)
				}
				neighbors[j] = int64(le.Uint64(scratch[:]))
			}
			layers[lev] = neighbors
		}
		snap.Edges = append(snap.Edges, layers)
	}

	// Trailing CRC is read outside the tee.
	want := body.Sum32()
	if _, err := io.ReadFull(br, scratch[:4]); err != nil {
		return nil, fmt.Errorf("%w: short body crc: %v", verr.ErrFormat, err)
	}
	if got := le.Uint32(scratch[:4]); got != want {
		return nil, fmt.Errorf("%w: body crc mismatch", verr.ErrCorrupted)
	}

	// Resolve the entry point from its low key bits and top layer.
	if size > 0 {
		found := false
		for i, k := range snap.Keys {
			if deleted[i] {
				continue
			}
			if uint32(uint64(k.Key)&0xFFFFFFFF) == hdr.EntryKeyLo && uint32(k.TopLayer) == hdr.EntryTopLayer {
				snap.HasEntry = true
				snap.EntryKey = k.Key
				snap.EntryTopLayer = int(k.TopLayer)
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("%w: entry point not present in key table", verr.ErrFormat)
		}
	}

	return snap, nil
}

// ReadRawVectors reads a headerless little-endian f32 vector file and
// returns the flat scalars plus the vector count. The file size must
// be a positive multiple of dims×4.
func ReadRawVectors(path string, dims int) ([]float32, int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", verr.ErrIO, err)
	}
	stride := dims * 4
	if len(raw) == 0 || len(raw)%stride != 0 {
		return nil, 0, fmt.Errorf("%w: raw vector file size %d is not a multiple of %d", verr.ErrFormat, len(raw), stride)
	}
	out := make([]float32, len(raw)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return out, len(raw) / stride, nil
}
