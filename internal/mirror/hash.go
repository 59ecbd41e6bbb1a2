package mirror

import (
	"encoding/json"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

type hashPayload struct {
	Fields map[string]any   `json:"f"`
	Lines  []map[string]any `json:"l,omitempty"`
}

// ContentHash digests the normalized fields and lines of rec. encoding/json
// writes map keys in sorted order, decimals as their shortest string and times
// as RFC 3339, so equal content always yields the same digest.
func ContentHash(rec Record) (string, error) {
	data, err := json.Marshal(hashPayload{Fields: rec.Fields, Lines: rec.Lines})
	if err != nil {
		return "", fmt.Errorf("mirror: hash %s: %w", rec.UpstreamID, err)
	}
	return fmt.Sprintf("%016x", xxhash.Sum64(data)), nil
}
