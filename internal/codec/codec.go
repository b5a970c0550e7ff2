// Package codec serializes schedule batches and archive pages for the wire and
// for queue storage: JSON compressed with snappy.
package codec

import (
	"encoding/json"
	"fmt"

	"github.com/golang/snappy"

	"github.com/JakeFAU/crawl-coordinator/internal/crawl"
)

// Compress snappy-encodes raw bytes.
func Compress(raw []byte) []byte {
	return snappy.Encode(nil, raw)
}

// Decompress reverses Compress.
func Decompress(data []byte) ([]byte, error) {
	raw, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("snappy decode: %w", err)
	}
	return raw, nil
}

// EncodeBatch serializes and compresses a schedule batch.
func EncodeBatch(b crawl.Batch) ([]byte, error) {
	return encode(b)
}

// DecodeBatch reverses EncodeBatch.
func DecodeBatch(data []byte) (crawl.Batch, error) {
	var b crawl.Batch
	if err := decode(data, &b); err != nil {
		return crawl.Batch{}, err
	}
	return b, nil
}

// EncodeRecords serializes and compresses raw archive page records.
func EncodeRecords(records []json.RawMessage) ([]byte, error) {
	if records == nil {
		records = []json.RawMessage{}
	}
	return encode(records)
}

// DecodeRecords reverses EncodeRecords.
func DecodeRecords(data []byte) ([]json.RawMessage, error) {
	var records []json.RawMessage
	if err := decode(data, &records); err != nil {
		return nil, err
	}
	return records, nil
}

func encode(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return Compress(raw), nil
}

func decode(data []byte, v any) error {
	raw, err := Decompress(data)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	return nil
}
