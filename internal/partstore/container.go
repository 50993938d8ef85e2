package partstore

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/datamgr/datamgr/internal/dmerr"
	"github.com/datamgr/datamgr/internal/rowbatch"
	"github.com/datamgr/datamgr/internal/schema"
	"github.com/edsrzf/mmap-go"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/ugorji/go/codec"
)

// Compression names the row-data codec a part file was written with.
type Compression byte

const (
	CompressionNone Compression = 0
	CompressionGzip Compression = 1
	CompressionZstd Compression = 2
)

// containerMagic identifies a datamgr part container; containerVersion lets
// the reader reject a future incompatible layout outright instead of
// misparsing it.
var containerMagic = [4]byte{'D', 'M', 'P', 'T'}

const containerVersion = 1

// Envelope is everything a part file carries: identifying attributes, the
// canonical dtype and jagged meta it was written under, and the row data
// itself (spec §4.4, "PartStore").
type Envelope struct {
	PartUUID         string
	SubsetUUID       string
	DatasetUUID      string
	CreatedAtEpoch   int64
	NRows            int
	SchemeVersion    int
	ContentHash      string
	QuantDigestHex   string
	Dtype            schema.Dtype
	Columns          map[string]rowbatch.Column
	Meta             map[string][]int64
	PartStatsJSON    string
}

var bincHandle = &codec.BincHandle{}

// writeContainer atomically-unsafe writes env to w, compressed per comp.
// Callers are responsible for fsync/rename; this only serializes.
func writeContainer(w io.Writer, env Envelope, comp Compression) error {
	if _, err := w.Write(containerMagic[:]); err != nil {
		return err
	}
	if _, err := w.Write([]byte{containerVersion, byte(comp)}); err != nil {
		return err
	}
	var payloadWriter io.Writer = w
	var closer io.Closer
	switch comp {
	case CompressionGzip:
		gw, err := gzip.NewWriterLevel(w, gzip.BestSpeed)
		if err != nil {
			return err
		}
		payloadWriter, closer = gw, gw
	case CompressionZstd:
		zw, err := zstd.NewWriter(w)
		if err != nil {
			return err
		}
		payloadWriter, closer = zw, zw
	case CompressionNone:
	default:
		return fmt.Errorf("unknown compression %d", comp)
	}
	enc := codec.NewEncoder(payloadWriter, bincHandle)
	if err := enc.Encode(env); err != nil {
		return err
	}
	if closer != nil {
		return closer.Close()
	}
	return nil
}

// readContainer reads and decodes a part file previously written by
// writeContainer.
func readContainer(r io.Reader) (Envelope, error) {
	var hdr [6]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Envelope{}, fmt.Errorf("reading container header: %w", err)
	}
	if [4]byte{hdr[0], hdr[1], hdr[2], hdr[3]} != containerMagic {
		return Envelope{}, fmt.Errorf("not a datamgr part container")
	}
	if hdr[4] != containerVersion {
		return Envelope{}, fmt.Errorf("unsupported part container version %d", hdr[4])
	}
	comp := Compression(hdr[5])
	var payloadReader io.Reader = r
	switch comp {
	case CompressionGzip:
		gr, err := gzip.NewReader(r)
		if err != nil {
			return Envelope{}, err
		}
		defer gr.Close()
		payloadReader = gr
	case CompressionZstd:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return Envelope{}, err
		}
		defer zr.Close()
		payloadReader = zr
	case CompressionNone:
	default:
		return Envelope{}, fmt.Errorf("unknown compression %d", comp)
	}
	var env Envelope
	dec := codec.NewDecoder(payloadReader, bincHandle)
	if err := dec.Decode(&env); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// writeContainerFile writes env to path (typically a ".dmp.tmp" path),
// fsyncing the file before returning so the caller can safely rename it.
func writeContainerFile(op, path string, env Envelope, comp Compression) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return dmerr.PartWrite(op, err)
	}
	bw := bufio.NewWriterSize(f, 1<<20)
	writeErr := writeContainer(bw, env, comp)
	if writeErr == nil {
		writeErr = bw.Flush()
	}
	if writeErr == nil {
		writeErr = f.Sync()
	}
	closeErr := f.Close()
	if writeErr != nil {
		_ = os.Remove(path)
		return dmerr.PartWrite(op, writeErr)
	}
	if closeErr != nil {
		return dmerr.PartWrite(op, closeErr)
	}
	return nil
}

// ReadContainerFile reads the part file at path (used by the planner at
// readback time and by fsck to inspect orphaned files).
func ReadContainerFile(path string) (Envelope, error) {
	f, err := os.Open(path)
	if err != nil {
		return Envelope{}, err
	}
	defer f.Close()
	return readContainer(bufio.NewReaderSize(f, 1<<20))
}

// ReadContainerMmap memory-maps path read-only and decodes it, avoiding a
// buffered-copy read for large row-data payloads (spec §4.9, "materialize";
// used by internal/planner when configured for mmap readback).
func ReadContainerMmap(path string) (Envelope, error) {
	f, err := os.Open(path)
	if err != nil {
		return Envelope{}, err
	}
	defer f.Close()
	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		return Envelope{}, err
	}
	defer m.Unmap()
	return readContainer(bytes.NewReader(m))
}
