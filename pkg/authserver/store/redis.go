package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Redis is a go-redis backed Resource. Keys are namespaced
// "<prefix>:<id>" and values are the record's JSON encoding; TTL, when set,
// expires a record automatically, which suits ephemeral resources like
// authorization codes, revocations, and failban violations that the
// in-process Memory/Postgres resources otherwise have to sweep by hand
// (see Memory.ExpireBefore).
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedis wires a Redis-backed resource against an existing client.
// prefix namespaces keys by resource kind (e.g. "oauth:revocations"); ttl
// of zero means records never expire on their own.
func NewRedis(client *redis.Client, prefix string, ttl time.Duration) *Redis {
	return &Redis{client: client, prefix: prefix, ttl: ttl}
}

func (r *Redis) key(id string) string {
	return fmt.Sprintf("%s:%s", r.prefix, id)
}

func (r *Redis) Insert(ctx context.Context, obj Record) (Record, error) {
	id, _ := obj[idField].(string)
	if id == "" {
		id = uuid.NewString()
		obj = cloneRecord(obj)
		obj[idField] = id
	}

	payload, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("marshaling record: %w", err)
	}

	ok, err := r.client.SetNX(ctx, r.key(id), payload, r.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("inserting into %s: %w", r.prefix, err)
	}
	if !ok {
		return nil, fmt.Errorf("record %s already exists", id)
	}
	return obj, nil
}

func (r *Redis) Get(ctx context.Context, id string) (Record, error) {
	payload, err := r.client.Get(ctx, r.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading %s/%s: %w", r.prefix, id, err)
	}
	return decodeRecord(payload)
}

func (r *Redis) Update(ctx context.Context, id string, patch Record) (Record, error) {
	existing, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, fmt.Errorf("record %s not found", id)
	}
	merged := cloneRecord(existing)
	for k, v := range patch {
		merged[k] = v
	}

	payload, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("marshaling record: %w", err)
	}

	ttl, err := r.client.TTL(ctx, r.key(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("reading ttl for %s/%s: %w", r.prefix, id, err)
	}
	if ttl < 0 {
		ttl = r.ttl
	}
	if err := r.client.Set(ctx, r.key(id), payload, ttl).Err(); err != nil {
		return nil, fmt.Errorf("updating %s/%s: %w", r.prefix, id, err)
	}
	return merged, nil
}

func (r *Redis) Delete(ctx context.Context, id string) error {
	if err := r.client.Del(ctx, r.key(id)).Err(); err != nil {
		return fmt.Errorf("deleting %s/%s: %w", r.prefix, id, err)
	}
	return nil
}

// Query scans every key under the resource's prefix and filters
// client-side; Redis has no server-side document query, so this trades
// throughput for the same store-agnostic filter contract Memory/Postgres
// expose. Fine for the bounded-cardinality resources (clients, active
// violations) this store is meant for; not a replacement for an indexed
// backing store at large scale.
func (r *Redis) Query(ctx context.Context, filter Record) ([]Record, error) {
	var out []Record
	iter := r.client.Scan(ctx, 0, r.prefix+":*", 0).Iterator()
	for iter.Next(ctx) {
		payload, err := r.client.Get(ctx, iter.Val()).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("scanning %s: %w", r.prefix, err)
		}
		rec, err := decodeRecord(payload)
		if err != nil {
			return nil, err
		}
		if matches(rec, filter) {
			out = append(out, rec)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scanning %s: %w", r.prefix, err)
	}
	return out, nil
}

func (r *Redis) List(ctx context.Context, opts ListOptions) ([]Record, error) {
	var out []Record
	iter := r.client.Scan(ctx, 0, r.prefix+":*", 0).Iterator()
	for iter.Next(ctx) {
		payload, err := r.client.Get(ctx, iter.Val()).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("listing %s: %w", r.prefix, err)
		}
		rec, err := decodeRecord(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
		if opts.Limit > 0 && len(out) >= opts.Limit {
			break
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("listing %s: %w", r.prefix, err)
	}
	return out, nil
}

var _ Resource = (*Redis)(nil)
