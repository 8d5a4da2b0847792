// Package batch seals ordered groups of log records into compressed JSONL
// objects, and decodes them again on the consumer side. A batch is written
// exactly once and never mutated afterwards; the object key (see key.go)
// carries everything needed to locate and decode it.
package batch

import (
	"bufio"
	"bytes"
	"fmt"

	"github.com/goccy/go-json"

	"logflume/internal/event"
)

// maxLineSize bounds a single JSONL line when decoding. Records are small in
// practice; the bound only guards against scanning a corrupt object forever.
const maxLineSize = 1 << 20 // 1 MB

// Encode seals records into a compressed JSONL payload: one JSON document
// per line, in slice order, then compressed with the codec in one stream.
func Encode(records []event.Record, codec Codec) ([]byte, error) {
	var buf bytes.Buffer

	w, err := codec.NewWriter(&buf)
	if err != nil {
		return nil, fmt.Errorf("batch codec writer: %w", err)
	}

	enc := json.NewEncoder(w)
	for i := range records {
		// Encoder appends the newline, giving us JSONL for free.
		if err := enc.Encode(&records[i]); err != nil {
			return nil, fmt.Errorf("batch encode record: %w", err)
		}
	}

	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("batch codec close: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode is the inverse of Encode: decompress, then unmarshal one record per
// line. Empty lines are skipped so a trailing newline is harmless.
func Decode(data []byte, codec Codec) ([]event.Record, error) {
	r, err := codec.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("batch codec reader: %w", err)
	}
	defer func() { _ = r.Close() }()

	var records []event.Record
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var rec event.Record
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, fmt.Errorf("batch decode record: %w", err)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("batch scan: %w", err)
	}
	return records, nil
}

// EncodedSize returns the uncompressed JSONL size of a record, used by flush
// policies to measure buffer growth without encoding twice.
func EncodedSize(rec event.Record) (int, error) {
	b, err := json.Marshal(&rec)
	if err != nil {
		return 0, err
	}
	return len(b) + 1, nil // +1 for the newline
}
