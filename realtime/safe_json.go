package realtime

import (
	"encoding/json"
	"fmt"
)

// parseSafeJSON unmarshals data into v after checking it against the size
// limit. Oversized payloads are rejected before any parsing work happens.
func parseSafeJSON(data []byte, maxSize int, v any) error {
	if maxSize > 0 && len(data) > maxSize {
		return fmt.Errorf("data too large to parse: %d bytes (limit %d)", len(data), maxSize)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("invalid json: %w", err)
	}
	return nil
}
