package record

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/sugawarayuuta/sonnet"
	"golang.org/x/crypto/sha3"
)

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// CANONICAL ENCODING
// ═══════════════════════════════════════════════════════════════════════════════════════════════

var canonical cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("record: cbor enc mode: %v", err))
	}
	canonical = em
}

// EncodeBatch returns the canonical CBOR form of records.
func EncodeBatch(records []Record) ([]byte, error) {
	return canonical.Marshal(records)
}

// DecodeBatch parses EncodeBatch output.
func DecodeBatch(data []byte) ([]Record, error) {
	var out []Record
	if err := cbor.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("record: decode batch: %w", err)
	}
	return out, nil
}

// Digest returns the SHA3-256 of the canonical encoding of records. Two runs that make the same
// scheduling decisions at the same ticks produce the same digest.
func Digest(records []Record) ([32]byte, error) {
	data, err := EncodeBatch(records)
	if err != nil {
		return [32]byte{}, err
	}
	return sha3.Sum256(data), nil
}

// ExportJSON writes records as a JSON array.
func ExportJSON(w io.Writer, records []Record) error {
	if records == nil {
		records = []Record{}
	}
	data, err := sonnet.Marshal(records)
	if err != nil {
		return fmt.Errorf("record: export: %w", err)
	}
	_, err = w.Write(data)
	return err
}

// ImportJSON parses ExportJSON output.
func ImportJSON(r io.Reader) ([]Record, error) {
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		return nil, err
	}
	var out []Record
	if err := sonnet.Unmarshal(buf.Bytes(), &out); err != nil {
		return nil, fmt.Errorf("record: import: %w", err)
	}
	return out, nil
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// IN-MEMORY SINK
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// Buffer keeps every record in memory.
type Buffer struct {
	mu      sync.Mutex
	records []Record
	batches int
}

// NewBuffer returns an empty buffer.
func NewBuffer() *Buffer { return &Buffer{} }

func (b *Buffer) Write(batch []Record) error {
	b.mu.Lock()
	b.records = append(b.records, batch...)
	b.batches++
	b.mu.Unlock()
	return nil
}

func (b *Buffer) Close() error { return nil }

// Records returns a copy of everything written.
func (b *Buffer) Records() []Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Record(nil), b.records...)
}

// Batches returns the number of Write calls.
func (b *Buffer) Batches() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.batches
}

// Filter returns the records of one event kind.
func (b *Buffer) Filter(ev Event) []Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Record
	for _, r := range b.records {
		if r.Event == ev {
			out = append(out, r)
		}
	}
	return out
}
