package classifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
)

const (
	defaultPrefix = "spendlens:classifier"
	// maxExamples bounds the retained training corpus per backend.
	maxExamples = 50000
)

// Snapshot is a persisted model revision.
type Snapshot struct {
	Version int64
	Blob    []byte
}

// ModelStore persists the training corpus and the fitted model of a backend in
// Redis so every worker process observes the same revision.
type ModelStore struct {
	client redis.UniversalClient
	prefix string
}

// NewModelStore wraps a Redis client. An empty prefix uses the default namespace.
func NewModelStore(client redis.UniversalClient, prefix string) *ModelStore {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &ModelStore{client: client, prefix: prefix}
}

func (s *ModelStore) key(backend string, parts ...string) string {
	return strings.Join(append([]string{s.prefix, backend}, parts...), ":")
}

// Version returns the current model revision, zero when nothing was saved.
func (s *ModelStore) Version(ctx context.Context, backend string) (int64, error) {
	ver, err := s.client.Get(ctx, s.key(backend, "version")).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("classifier: model version: %w", err)
	}
	return ver, nil
}

// Load returns the latest model snapshot or ErrNotTrained.
func (s *ModelStore) Load(ctx context.Context, backend string) (Snapshot, error) {
	values, err := s.client.MGet(ctx, s.key(backend, "version"), s.key(backend, "model")).Result()
	if err != nil {
		return Snapshot{}, fmt.Errorf("classifier: load model: %w", err)
	}
	version, okVersion := values[0].(string)
	blob, okBlob := values[1].(string)
	if !okVersion || !okBlob {
		return Snapshot{}, ErrNotTrained
	}
	ver, err := strconv.ParseInt(version, 10, 64)
	if err != nil {
		return Snapshot{}, fmt.Errorf("classifier: load model version: %w", err)
	}
	return Snapshot{Version: ver, Blob: []byte(blob)}, nil
}

// Examples returns up to limit most recent training rows, oldest first. A
// non-positive limit returns the whole corpus.
func (s *ModelStore) Examples(ctx context.Context, backend string, limit int) ([]TrainingRow, error) {
	start := int64(0)
	if limit > 0 {
		start = int64(-limit)
	}
	raw, err := s.client.LRange(ctx, s.key(backend, "corpus"), start, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("classifier: load corpus: %w", err)
	}
	rows := make([]TrainingRow, 0, len(raw))
	for _, item := range raw {
		var row TrainingRow
		if err := json.Unmarshal([]byte(item), &row); err != nil {
			return nil, fmt.Errorf("classifier: decode corpus row: %w", err)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// Fresh returns the rows whose Source has not been committed yet, keeping rows
// without a Source. Duplicate sources within rows are collapsed.
func (s *ModelStore) Fresh(ctx context.Context, backend string, rows []TrainingRow) ([]TrainingRow, error) {
	sources := make([]any, 0, len(rows))
	for _, row := range rows {
		if row.Source != "" {
			sources = append(sources, row.Source)
		}
	}
	if len(sources) == 0 {
		return rows, nil
	}
	members, err := s.client.SMIsMember(ctx, s.key(backend, "sources"), sources...).Result()
	if err != nil {
		return nil, fmt.Errorf("classifier: corpus sources: %w", err)
	}
	committed := make(map[string]bool, len(sources))
	for i, ok := range members {
		if ok {
			committed[sources[i].(string)] = true
		}
	}
	out := make([]TrainingRow, 0, len(rows))
	for _, row := range rows {
		if row.Source != "" {
			if committed[row.Source] {
				continue
			}
			committed[row.Source] = true
		}
		out = append(out, row)
	}
	return out, nil
}

// Commit appends rows to the corpus, records their sources, replaces the model
// blob when one is given, and bumps the version in a single MULTI/EXEC.
func (s *ModelStore) Commit(ctx context.Context, backend string, rows []TrainingRow, blob []byte) (int64, error) {
	encoded := make([]any, 0, len(rows))
	sources := make([]any, 0, len(rows))
	for _, row := range rows {
		raw, err := json.Marshal(row)
		if err != nil {
			return 0, fmt.Errorf("classifier: encode corpus row: %w", err)
		}
		encoded = append(encoded, raw)
		if row.Source != "" {
			sources = append(sources, row.Source)
		}
	}
	var incr *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		corpus := s.key(backend, "corpus")
		if len(encoded) > 0 {
			pipe.RPush(ctx, corpus, encoded...)
			pipe.LTrim(ctx, corpus, -maxExamples, -1)
		}
		if len(sources) > 0 {
			pipe.SAdd(ctx, s.key(backend, "sources"), sources...)
		}
		if blob != nil {
			pipe.Set(ctx, s.key(backend, "model"), blob, 0)
		}
		incr = pipe.Incr(ctx, s.key(backend, "version"))
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("classifier: commit model: %w", err)
	}
	return incr.Val(), nil
}
