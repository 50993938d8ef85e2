// Package codec encodes the tuple a staged ingest call hands to the
// pipeline — subset keys, column data, and the jagged/grouped flag — into
// the deterministic binary blob that lands in staging_rows.payload (spec
// §4.6, "staged payload"; original: legacy/datamgr/ingest_core.py's
// Payload = Tuple[Dict, Dict, bool], which flowed straight into pickle).
package codec

import (
	"bytes"
	"fmt"

	"github.com/ugorji/go/codec"

	"github.com/datamgr/datamgr/internal/dmerr"
	"github.com/datamgr/datamgr/internal/rowbatch"
)

// magic tags every payload with a format version so a future encoding
// change can be detected instead of silently misparsed.
var magic = [5]byte{'D', 'M', 'S', 'T', 0x01}

// bincHandle writes map keys in sorted order (Canonical), so equal payloads
// always encode to the same bytes.
var bincHandle = func() *codec.BincHandle {
	h := &codec.BincHandle{}
	h.Canonical = true
	return h
}()

// Payload is one staged ingest call: the subset's key values, the row batch
// to append, and whether the batch represents grouped (jagged) rows.
type Payload struct {
	SubsetKeys map[string]any
	Batch      rowbatch.Batch
	IsGroup    bool
}

// wirePayload is the on-the-wire shape: rowbatch.Batch's Column type holds
// typed slices that encode cleanly under Binc without a custom codec.
type wirePayload struct {
	SubsetKeys map[string]any
	Batch      rowbatch.Batch
	IsGroup    bool
}

// EncodePayload serializes p deterministically (magic + Binc-encoded body).
func EncodePayload(op string, p Payload) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := buf.Write(magic[:]); err != nil {
		return nil, dmerr.PartWrite(op, err)
	}
	enc := codec.NewEncoder(&buf, bincHandle)
	if err := enc.Encode(wirePayload{SubsetKeys: p.SubsetKeys, Batch: p.Batch, IsGroup: p.IsGroup}); err != nil {
		return nil, dmerr.PartWrite(op, err)
	}
	return buf.Bytes(), nil
}

// DecodePayload parses a blob produced by EncodePayload.
func DecodePayload(op string, blob []byte) (Payload, error) {
	if len(blob) < len(magic) || !bytes.Equal(blob[:len(magic)], magic[:]) {
		return Payload{}, dmerr.PartWrite(op, fmt.Errorf("payload missing or unrecognized magic header"))
	}
	dec := codec.NewDecoder(bytes.NewReader(blob[len(magic):]), bincHandle)
	var w wirePayload
	if err := dec.Decode(&w); err != nil {
		return Payload{}, dmerr.PartWrite(op, err)
	}
	return Payload{SubsetKeys: w.SubsetKeys, Batch: w.Batch, IsGroup: w.IsGroup}, nil
}
