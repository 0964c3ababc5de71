package storage

import (
	"encoding/json"
	"fmt"

	"github.com/golang/snappy"

	"remedy/internal/domain"
)

// encodeRecords serializes records as JSON tuples and snappy-compresses them.
func encodeRecords(records []domain.CachedRecord) ([]byte, error) {
	if records == nil {
		records = []domain.CachedRecord{}
	}
	data, err := json.Marshal(records)
	if err != nil {
		return nil, fmt.Errorf("storage: encode records: %w", err)
	}
	return snappy.Encode(nil, data), nil
}

func decodeRecords(payload []byte) ([]domain.CachedRecord, error) {
	data, err := snappy.Decode(nil, payload)
	if err != nil {
		return nil, fmt.Errorf("storage: decompress records: %w", err)
	}
	var records []domain.CachedRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("storage: decode records: %w", err)
	}
	return records, nil
}
