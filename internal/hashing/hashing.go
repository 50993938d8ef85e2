// Package hashing implements content hashing (schema signature, padded row
// data, then jagged meta, in that order) and the AAD builder encryption
// providers sign over (spec §3, §4.3, §11).
package hashing

import (
	"encoding/binary"
	"encoding/json"
	"hash"
	"math"
	"sort"

	"github.com/c2h5oh/datasize"
	"github.com/datamgr/datamgr/internal/dmerr"
	"github.com/datamgr/datamgr/internal/numeric"
	"github.com/datamgr/datamgr/internal/rowbatch"
	"github.com/datamgr/datamgr/internal/schema"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/text/unicode/norm"
)

// DefaultChunkBytes bounds how many bytes of one column are fed to the
// hasher per Write call (spec §4.3 step 2); it does not change the result,
// only how work is batched.
const DefaultChunkBytes = 16 * int(datasize.MB)

// SchemaSignature encodes (name, base kind, outer shape) for every field in
// declared order into a deterministic byte string — the first thing
// ContentHash feeds the hasher, so that two parts with incompatible dtypes
// can never collide even if their row bytes happen to match.
func SchemaSignature(dt schema.Dtype) []byte {
	buf := make([]byte, 0, 32*len(dt.Fields))
	for _, f := range dt.Fields {
		buf = appendLenPrefixed(buf, []byte(f.Name))
		buf = appendLenPrefixed(buf, []byte(f.Base))
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(f.Shape)))
		for _, d := range f.Shape {
			buf = binary.BigEndian.AppendUint32(buf, uint32(d))
		}
	}
	return buf
}

func appendLenPrefixed(buf, b []byte) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(b)))
	return append(buf, b...)
}

// updateFromColumn writes one column's contiguous bytes in row-chunked form:
// Unicode columns as NFC-UTF8 length-prefixed elements, everything else as
// fixed-width little-endian values. Chunking bounds how much is buffered
// between hasher.Write calls; it never changes the digest.
func updateFromColumn(h hash.Hash, col rowbatch.Column, chunkBytes int) {
	switch col.Base {
	case schema.KindUnicode:
		for _, s := range col.Text {
			b := []byte(norm.NFC.String(s))
			var lenBuf [4]byte
			binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(b)))
			h.Write(lenBuf[:])
			h.Write(b)
		}
	case schema.KindInt64:
		writeChunkedInt64(h, col.Int64, chunkBytes)
	case schema.KindBool:
		buf := make([]byte, len(col.Bool))
		for i, v := range col.Bool {
			if v {
				buf[i] = 1
			}
		}
		h.Write(buf)
	case schema.KindFloat64:
		writeChunkedFloat64(h, col.Float64, chunkBytes)
	}
}

func writeChunkedInt64(h hash.Hash, data []int64, chunkBytes int) {
	const itemSize = 8
	rows := chunkBytes / itemSize
	if rows < 1 {
		rows = 1
	}
	buf := make([]byte, rows*itemSize)
	numChunks := numeric.CeilDiv(len(data), rows)
	for c := 0; c < numChunks; c++ {
		start := c * rows
		end := start + rows
		if end > len(data) {
			end = len(data)
		}
		n := end - start
		for i, v := range data[start:end] {
			binary.LittleEndian.PutUint64(buf[i*itemSize:], uint64(v))
		}
		h.Write(buf[:n*itemSize])
	}
}

func writeChunkedFloat64(h hash.Hash, data []float64, chunkBytes int) {
	const itemSize = 8
	rows := chunkBytes / itemSize
	if rows < 1 {
		rows = 1
	}
	buf := make([]byte, rows*itemSize)
	numChunks := numeric.CeilDiv(len(data), rows)
	for c := 0; c < numChunks; c++ {
		start := c * rows
		end := start + rows
		if end > len(data) {
			end = len(data)
		}
		n := end - start
		for i, v := range data[start:end] {
			binary.LittleEndian.PutUint64(buf[i*itemSize:], math.Float64bits(v))
		}
		h.Write(buf[:n*itemSize])
	}
}

// updateFromMeta writes jagged meta arrays (e.g. "*_len", "*_shape") in
// ASCII-sorted key order, each as its name, a NUL separator, then its raw
// int64 little-endian bytes (spec §4.3 step 3).
func updateFromMeta(h hash.Hash, meta map[string][]int64) {
	names := make([]string, 0, len(meta))
	for k := range meta {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, name := range names {
		h.Write([]byte(name))
		h.Write([]byte{0})
		vals := meta[name]
		buf := make([]byte, len(vals)*8)
		for i, v := range vals {
			binary.LittleEndian.PutUint64(buf[i*8:], uint64(v))
		}
		h.Write(buf)
	}
}

// ContentHash computes a part's content_hash: blake2b-16 over the schema
// signature, then every column in declared field order (chunked), then
// jagged meta in sorted order (spec §3, "content_hash").
func ContentHash(op string, batch *rowbatch.Batch, chunkBytes int) (string, error) {
	if err := batch.Validate(op); err != nil {
		return "", err
	}
	if chunkBytes <= 0 {
		chunkBytes = DefaultChunkBytes
	}
	h, err := blake2b.New(16, nil)
	if err != nil {
		return "", dmerr.ContentHashMismatch(op)
	}
	h.Write(SchemaSignature(batch.Dtype))
	for _, f := range batch.Dtype.Fields {
		col := batch.Columns[f.Name]
		updateFromColumn(h, col, chunkBytes)
	}
	if len(batch.Meta) > 0 {
		updateFromMeta(h, batch.Meta)
	}
	return hexEncode(h.Sum(nil)), nil
}

// QuantizationDigest computes a stable blake2b-16 hex digest of a dataset's
// REAL-key quantization scales, sorted by key, for inclusion in part_stats
// and the AAD (spec §4.3).
func QuantizationDigest(qmap map[string]float64) (string, error) {
	sortedKeys := make([]string, 0, len(qmap))
	for k := range qmap {
		sortedKeys = append(sortedKeys, k)
	}
	sort.Strings(sortedKeys)
	ordered := make(map[string]float64, len(qmap))
	for _, k := range sortedKeys {
		ordered[k] = qmap[k]
	}
	payload, err := marshalSortedFloat(sortedKeys, ordered)
	if err != nil {
		return "", err
	}
	h, err := blake2b.New(16, nil)
	if err != nil {
		return "", err
	}
	h.Write(payload)
	return hexEncode(h.Sum(nil)), nil
}

func marshalSortedFloat(keys []string, m map[string]float64) ([]byte, error) {
	type kv struct {
		K string  `json:"k"`
		V float64 `json:"v"`
	}
	items := make([]kv, len(keys))
	for i, k := range keys {
		items[i] = kv{K: k, V: m[k]}
	}
	return json.Marshal(items)
}

// AAD is the Additional Authenticated Data an external AEAD provider signs
// over when sealing a part (spec §11, §9 Open Question "encryption"). Field
// names and order are frozen; this package never performs encryption itself.
type AAD struct {
	DatasetUUID      string `json:"ds"`
	SubsetUUID       string `json:"su"`
	PartUUID         string `json:"pu"`
	SchemaFingerpr   string `json:"sf"`
	StorageSchemeVer int    `json:"sv"`
	QuantDigestHex   string `json:"qd"`
	ContentHashHex   string `json:"ch"`
}

// BuildAAD serializes AAD to compact, deterministic JSON. Stdlib
// encoding/json is sufficient here: struct field order is preserved by the
// encoder and there is no ecosystem library in the pack for canonical JSON.
func BuildAAD(a AAD) ([]byte, error) {
	return json.Marshal(a)
}

func hexEncode(b []byte) string {
	const hexdigits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = hexdigits[c>>4]
		out[i*2+1] = hexdigits[c&0x0f]
	}
	return string(out)
}
