package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// RunRecord is one persisted graph run, keyed by RunID: a durable
// companion to RunResult for any operator running graphs repeatedly.
type RunRecord struct {
	RunID      string                   `json:"run_id"`
	GraphName  string                   `json:"graph_name"`
	StartTime  time.Time                `json:"start_time"`
	Duration   time.Duration            `json:"duration"`
	FailCount  int                      `json:"fail_count"`
	Failures   []FailRecord             `json:"failures"`
	StageStats map[string]StageSnapshot `json:"stage_stats"`
}

var (
	bucketRuns    = []byte("runs")
	bucketIndexes = []byte("run_index")
)

// RunStore is a durable, embedded history of graph runs, backed by
// BoltDB (pure Go, no C dependencies, single-file deployment).
type RunStore struct {
	db *bbolt.DB
	mu sync.RWMutex

	cache    map[string]RunRecord
	maxCache int

	readLatency  metric.Float64Histogram
	writeLatency metric.Float64Histogram
}

// NewRunStore opens (or creates) a BoltDB file at dbPath holding run
// history, registering latency histograms against meter.
func NewRunStore(dbPath string, meter metric.Meter) (*RunStore, error) {
	opts := &bbolt.Options{
		Timeout:      1 * time.Second,
		NoSync:       false,
		FreelistType: bbolt.FreelistArrayType,
	}
	db, err := bbolt.Open(dbPath, 0o600, opts)
	if err != nil {
		return nil, fmt.Errorf("open boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range [][]byte{bucketRuns, bucketIndexes} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	readLatency, _ := meter.Float64Histogram("celestialflow_run_store_read_ms")
	writeLatency, _ := meter.Float64Histogram("celestialflow_run_store_write_ms")

	return &RunStore{
		db:           db,
		cache:        make(map[string]RunRecord),
		maxCache:     500,
		readLatency:  readLatency,
		writeLatency: writeLatency,
	}, nil
}

// Close closes the underlying BoltDB file.
func (rs *RunStore) Close() error {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.db.Close()
}

// PutRun persists a completed run and indexes it by (graph name, start
// time) for range queries.
func (rs *RunStore) PutRun(ctx context.Context, rec RunRecord) error {
	start := time.Now()
	defer func() {
		rs.writeLatency.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("operation", "put_run")))
	}()

	rs.mu.Lock()
	defer rs.mu.Unlock()

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal run record: %w", err)
	}

	err = rs.db.Update(func(tx *bbolt.Tx) error {
		runs := tx.Bucket(bucketRuns)
		if err := runs.Put([]byte(rec.RunID), data); err != nil {
			return err
		}
		idx := tx.Bucket(bucketIndexes)
		indexKey := fmt.Sprintf("%s:%d:%s", rec.GraphName, rec.StartTime.UnixNano(), rec.RunID)
		return idx.Put([]byte(indexKey), []byte(rec.RunID))
	})
	if err != nil {
		return fmt.Errorf("write run record: %w", err)
	}

	if len(rs.cache) >= rs.maxCache {
		rs.evictOldest()
	}
	rs.cache[rec.RunID] = rec
	return nil
}

// GetRun retrieves a run by ID, preferring the in-memory cache.
func (rs *RunStore) GetRun(ctx context.Context, runID string) (RunRecord, bool, error) {
	start := time.Now()
	defer func() {
		rs.readLatency.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("operation", "get_run")))
	}()

	rs.mu.RLock()
	if rec, ok := rs.cache[runID]; ok {
		rs.mu.RUnlock()
		return rec, true, nil
	}
	rs.mu.RUnlock()

	var rec RunRecord
	var found bool
	err := rs.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketRuns).Get([]byte(runID))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return RunRecord{}, false, fmt.Errorf("read run record: %w", err)
	}
	if found {
		rs.mu.Lock()
		rs.cache[runID] = rec
		rs.mu.Unlock()
	}
	return rec, found, nil
}

// ListRuns returns up to limit runs for graphName whose start time lies
// within [start, end] (both bounds inclusive), ordered by start time
// ascending.
func (rs *RunStore) ListRuns(ctx context.Context, graphName string, start, end time.Time, limit int) ([]RunRecord, error) {
	records := make([]RunRecord, 0, limit)

	err := rs.db.View(func(tx *bbolt.Tx) error {
		idx := tx.Bucket(bucketIndexes)
		runs := tx.Bucket(bucketRuns)

		prefix := []byte(graphName + ":")
		cursor := idx.Cursor()
		count := 0
		for k, v := cursor.Seek(prefix); k != nil && count < limit; k, v = cursor.Next() {
			if !hasPrefix(k, prefix) {
				break
			}
			data := runs.Get(v)
			if data == nil {
				continue
			}
			var rec RunRecord
			if err := json.Unmarshal(data, &rec); err != nil {
				continue
			}
			if rec.StartTime.After(end) {
				break
			}
			if rec.StartTime.Before(start) {
				continue
			}
			records = append(records, rec)
			count++
		}
		return nil
	})
	return records, err
}

func (rs *RunStore) evictOldest() {
	var oldestID string
	var oldestTime time.Time
	for id, rec := range rs.cache {
		if oldestID == "" || rec.StartTime.Before(oldestTime) {
			oldestID, oldestTime = id, rec.StartTime
		}
	}
	if oldestID != "" {
		delete(rs.cache, oldestID)
	}
}

func hasPrefix(data, prefix []byte) bool {
	if len(data) < len(prefix) {
		return false
	}
	for i := range prefix {
		if data[i] != prefix[i] {
			return false
		}
	}
	return true
}
