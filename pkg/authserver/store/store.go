// Package store defines the pluggable record-store contract the
// authorization server consumes (spec.md §6) and ships three reference
// implementations: an in-memory resource used in tests and as a default,
// a Postgres-backed resource (via sqlx/lib-pq) demonstrating how a real
// backing store plugs into the same contract, and a Redis-backed resource
// (via go-redis) with optional per-record TTL.
package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Record is one opaque, store-agnostic object. The authorization server
// never assumes more structure than map-key access; the store is an
// external collaborator per spec.md §1.
type Record map[string]any

// ListOptions bounds a List call.
type ListOptions struct {
	Limit int
}

// Resource is the contract every pluggable store (users, clients, signing
// keys, authorization codes, ...) must satisfy.
type Resource interface {
	Insert(ctx context.Context, obj Record) (Record, error)
	Get(ctx context.Context, id string) (Record, error)
	Update(ctx context.Context, id string, patch Record) (Record, error)
	Delete(ctx context.Context, id string) error
	Query(ctx context.Context, filter Record) ([]Record, error)
	List(ctx context.Context, opts ListOptions) ([]Record, error)
}

// idField is the record key treated as the resource's primary identifier
// when the caller's Insert payload doesn't already name one.
const idField = "id"

// Memory is a mutex-guarded, process-local Resource. It is the default
// store for single-instance deployments and the workhorse of this module's
// test suite.
type Memory struct {
	mu      sync.RWMutex
	idKey   string
	records map[string]Record
}

// NewMemory creates an empty in-memory resource. idKey names the field used
// as the resource's identifier (e.g. "kid" for signing keys, "id" for users).
func NewMemory(idKey string) *Memory {
	if idKey == "" {
		idKey = idField
	}
	return &Memory{idKey: idKey, records: make(map[string]Record)}
}

func (m *Memory) Insert(_ context.Context, obj Record) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, _ := obj[m.idKey].(string)
	if id == "" {
		id = uuid.NewString()
		obj = cloneRecord(obj)
		obj[m.idKey] = id
	}
	if _, exists := m.records[id]; exists {
		return nil, fmt.Errorf("record %s already exists", id)
	}
	m.records[id] = cloneRecord(obj)
	return cloneRecord(m.records[id]), nil
}

func (m *Memory) Get(_ context.Context, id string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, nil
	}
	return cloneRecord(rec), nil
}

func (m *Memory) Update(_ context.Context, id string, patch Record) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, fmt.Errorf("record %s not found", id)
	}
	merged := cloneRecord(rec)
	for k, v := range patch {
		merged[k] = v
	}
	m.records[id] = merged
	return cloneRecord(merged), nil
}

func (m *Memory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, id)
	return nil
}

func (m *Memory) Query(_ context.Context, filter Record) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Record
	for _, rec := range m.records {
		if matches(rec, filter) {
			out = append(out, cloneRecord(rec))
		}
	}
	return out, nil
}

func (m *Memory) List(_ context.Context, opts ListOptions) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Record, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, cloneRecord(rec))
		if opts.Limit > 0 && len(out) >= opts.Limit {
			break
		}
	}
	return out, nil
}

// ExpireBefore deletes every record whose "expiresAt" field is a time.Time
// before now. Used by callers that store authorization codes or violation
// entries in a Memory resource and want a periodic sweep.
func (m *Memory) ExpireBefore(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, rec := range m.records {
		exp, ok := rec["expiresAt"].(time.Time)
		if ok && exp.Before(now) {
			delete(m.records, id)
			n++
		}
	}
	return n
}

func matches(rec, filter Record) bool {
	for k, v := range filter {
		if rec[k] != v {
			return false
		}
	}
	return true
}

func cloneRecord(rec Record) Record {
	out := make(Record, len(rec))
	for k, v := range rec {
		out[k] = v
	}
	return out
}
