package flow

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// persistJSONL writes records as one JSON object per line under
// baseDir/YYYY-MM-DD/<prefix>(HH-MM-SS-mmm).jsonl. Writes are
// best-effort: any error is returned to the caller to log, never
// surfaced as a run failure.
func persistJSONL[T any](baseDir, prefix string, records []T) error {
	if len(records) == 0 {
		return nil
	}
	now := time.Now()
	dir := filepath.Join(baseDir, now.Format("2006-01-02"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create fallback dir: %w", err)
	}

	name := fmt.Sprintf("%s(%02d-%02d-%02d-%03d).jsonl", prefix,
		now.Hour(), now.Minute(), now.Second(), now.Nanosecond()/1e6)
	path := filepath.Join(dir, name)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open fallback file: %w", err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("write fallback record: %w", err)
		}
	}
	return nil
}
