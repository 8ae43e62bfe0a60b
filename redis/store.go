// Package redis stores runs, checkpoints and audit history in Redis.
//
// Runs and checkpoints are JSON strings. Two sorted sets keep listing order:
// runs by creation sequence and unresolved checkpoints by creation time.
// Resolving a checkpoint is a compare-and-set executed as a Lua script, so
// only one of several concurrent reviewers can close it.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/deepnoodle-ai/invoiceflow"
	"github.com/redis/go-redis/v9"
)

// Options configures the Redis connection.
type Options struct {
	Addr     string
	Password string
	DB       int
	Prefix   string // Key prefix, default "invoiceflow:"
}

// Store implements invoiceflow.Store on top of Redis.
type Store struct {
	client *redis.Client
	prefix string
}

var _ invoiceflow.Store = (*Store)(nil)

// New connects to Redis and verifies the connection with PING.
func New(ctx context.Context, opts Options) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewWithClient(client, opts.Prefix), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = "invoiceflow:"
	}
	return &Store{client: client, prefix: prefix}
}

// Client returns the underlying client.
func (s *Store) Client() *redis.Client { return s.client }

// Prefix returns the key prefix in use.
func (s *Store) Prefix() string { return s.prefix }

// Close closes the client.
func (s *Store) Close() error { return s.client.Close() }

func (s *Store) runKey(id string) string {
	return fmt.Sprintf("%srun:%s", s.prefix, id)
}

func (s *Store) runIndexKey() string { return s.prefix + "runs" }

func (s *Store) seqKey() string { return s.prefix + "seq" }

func (s *Store) checkpointKey(id string) string {
	return fmt.Sprintf("%scheckpoint:%s", s.prefix, id)
}

func (s *Store) runCheckpointsKey(runID string) string {
	return fmt.Sprintf("%srun:%s:checkpoints", s.prefix, runID)
}

func (s *Store) pendingKey() string { return s.prefix + "checkpoints:pending" }

func (s *Store) CreateRun(ctx context.Context, run *invoiceflow.Run) error {
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to marshal run: %w", err)
	}
	ok, err := s.client.SetNX(ctx, s.runKey(run.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	if !ok {
		return fmt.Errorf("run %s already exists", run.ID)
	}
	seq, err := s.client.Incr(ctx, s.seqKey()).Result()
	if err != nil {
		return fmt.Errorf("failed to index run: %w", err)
	}
	if err := s.client.ZAdd(ctx, s.runIndexKey(), redis.Z{Score: float64(seq), Member: run.ID}).Err(); err != nil {
		return fmt.Errorf("failed to index run: %w", err)
	}
	return nil
}

func (s *Store) UpdateRun(ctx context.Context, run *invoiceflow.Run) error {
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to marshal run: %w", err)
	}
	ok, err := s.client.SetXX(ctx, s.runKey(run.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	if !ok {
		return fmt.Errorf("run %s: %w", run.ID, invoiceflow.ErrRunNotFound)
	}
	return nil
}

func (s *Store) GetRun(ctx context.Context, runID string) (*invoiceflow.Run, error) {
	data, err := s.client.Get(ctx, s.runKey(runID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("run %s: %w", runID, invoiceflow.ErrRunNotFound)
		}
		return nil, fmt.Errorf("failed to load run: %w", err)
	}
	var run invoiceflow.Run
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run: %w", err)
	}
	return &run, nil
}

// ListRuns loads every indexed run before filtering by status. Fine for the
// volumes a single review queue sees; a status index would be the next step.
func (s *Store) ListRuns(ctx context.Context, opts invoiceflow.ListOptions) ([]*invoiceflow.Run, error) {
	ids, err := s.client.ZRange(ctx, s.runIndexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	if len(ids) == 0 {
		return []*invoiceflow.Run{}, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.runKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to fetch runs: %w", err)
	}
	var runs []*invoiceflow.Run
	for _, value := range values {
		data, ok := value.(string)
		if !ok {
			continue
		}
		var run invoiceflow.Run
		if err := json.Unmarshal([]byte(data), &run); err != nil {
			return nil, fmt.Errorf("failed to unmarshal run: %w", err)
		}
		if opts.Status != "" && run.Status != opts.Status {
			continue
		}
		runs = append(runs, &run)
	}
	return invoiceflow.Page(runs, opts.Limit, opts.Offset), nil
}

func (s *Store) DeleteRun(ctx context.Context, runID string) error {
	checkpointIDs, err := s.client.SMembers(ctx, s.runCheckpointsKey(runID)).Result()
	if err != nil {
		return fmt.Errorf("failed to get checkpoints for run %s: %w", runID, err)
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.runKey(runID))
	pipe.ZRem(ctx, s.runIndexKey(), runID)
	for _, id := range checkpointIDs {
		pipe.Del(ctx, s.checkpointKey(id))
		pipe.ZRem(ctx, s.pendingKey(), id)
	}
	pipe.Del(ctx, s.runCheckpointsKey(runID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}
	return nil
}

func (s *Store) CreateCheckpoint(ctx context.Context, cp *invoiceflow.Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	ok, err := s.client.SetNX(ctx, s.checkpointKey(cp.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to create checkpoint: %w", err)
	}
	if !ok {
		return fmt.Errorf("checkpoint %s already exists", cp.ID)
	}
	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, s.runCheckpointsKey(cp.RunID), cp.ID)
	if !cp.Resolved {
		pipe.ZAdd(ctx, s.pendingKey(), redis.Z{Score: float64(cp.CreatedAt.UnixMicro()), Member: cp.ID})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to index checkpoint: %w", err)
	}
	return nil
}

// resolveScript swaps the stored checkpoint for its resolved form only if it
// still holds the exact bytes the caller read. Returns -1 when the key is
// gone, 0 when someone else wrote first and 1 on success.
var resolveScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if not current then
	return -1
end
if current ~= ARGV[1] then
	return 0
end
redis.call('SET', KEYS[1], ARGV[2])
redis.call('ZREM', KEYS[2], ARGV[3])
return 1
`)

func (s *Store) ResolveCheckpoint(ctx context.Context, id string, res invoiceflow.Resolution) (*invoiceflow.Checkpoint, error) {
	key := s.checkpointKey(id)
	current, err := s.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("checkpoint %s: %w", id, invoiceflow.ErrCheckpointNotFound)
		}
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	var cp invoiceflow.Checkpoint
	if err := json.Unmarshal([]byte(current), &cp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	if cp.Resolved {
		return nil, fmt.Errorf("checkpoint %s: %w", id, invoiceflow.ErrCheckpointAlreadyResolved)
	}
	cp.MarkResolved(res)
	next, err := json.Marshal(&cp)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	result, err := resolveScript.Run(ctx, s.client, []string{key, s.pendingKey()}, current, next, id).Int()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve checkpoint: %w", err)
	}
	switch result {
	case 1:
		return &cp, nil
	case -1:
		return nil, fmt.Errorf("checkpoint %s: %w", id, invoiceflow.ErrCheckpointNotFound)
	default:
		// The only write a pending checkpoint ever sees is its resolution.
		return nil, fmt.Errorf("checkpoint %s: %w", id, invoiceflow.ErrCheckpointAlreadyResolved)
	}
}

func (s *Store) GetCheckpoint(ctx context.Context, id string) (*invoiceflow.Checkpoint, error) {
	data, err := s.client.Get(ctx, s.checkpointKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("checkpoint %s: %w", id, invoiceflow.ErrCheckpointNotFound)
		}
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	var cp invoiceflow.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	return &cp, nil
}

func (s *Store) ListPendingCheckpoints(ctx context.Context, limit, offset int) ([]*invoiceflow.Checkpoint, error) {
	if limit <= 0 {
		limit = invoiceflow.DefaultPageSize
	}
	if offset < 0 {
		offset = 0
	}
	stop := int64(-1)
	if limit <= math.MaxInt-offset {
		stop = int64(offset + limit - 1)
	}
	ids, err := s.client.ZRange(ctx, s.pendingKey(), int64(offset), stop).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list pending checkpoints: %w", err)
	}
	out := make([]*invoiceflow.Checkpoint, 0, len(ids))
	for _, id := range ids {
		cp, err := s.GetCheckpoint(ctx, id)
		if errors.Is(err, invoiceflow.ErrCheckpointNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}

