package models

import (
	"encoding/json"
	"fmt"
)

// IsBundle reports whether an inbound entry carries a bundle of records
// rather than a single record payload.
func (e QueueEntry) IsBundle() bool {
	return e.Operation == OperationSync && e.ResourceKey == ""
}

// EncodeBundle packs records into the payload of one inbound entry.
func EncodeBundle(records []RemoteRecord) ([]byte, error) {
	data, err := json.Marshal(records)
	if err != nil {
		return nil, fmt.Errorf("encode bundle: %w", err)
	}
	return data, nil
}

// DecodeBundle unpacks the payload of a bundle entry.
func DecodeBundle(payload []byte) ([]RemoteRecord, error) {
	var records []RemoteRecord
	if err := json.Unmarshal(payload, &records); err != nil {
		return nil, fmt.Errorf("decode bundle: %w", err)
	}
	return records, nil
}
