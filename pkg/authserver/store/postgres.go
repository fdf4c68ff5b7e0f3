package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// row is the generic JSONB-backed row shape every Postgres-reference
// resource table shares: an id column plus an opaque payload. This mirrors
// Abraxas-365-manifesto's sqlx repository style (named-parameter
// Insert/Update, pq.Error unique-violation handling) while staying
// store-agnostic the way spec.md §6 requires.
type row struct {
	ID      string `db:"id"`
	Payload []byte `db:"payload"`
}

// Postgres is a sqlx/lib-pq backed Resource. The table must have the shape
// `(id text primary key, payload jsonb not null)`; callers name the table
// per resource kind (e.g. "oauth_users", "oauth_clients").
type Postgres struct {
	db    *sqlx.DB
	table string
}

// NewPostgres wires a Postgres-backed resource against an existing
// connection pool and table name.
func NewPostgres(db *sqlx.DB, table string) *Postgres {
	return &Postgres{db: db, table: table}
}

func (p *Postgres) Insert(ctx context.Context, obj Record) (Record, error) {
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

	query := fmt.Sprintf(`INSERT INTO %s (id, payload) VALUES (:id, :payload)`, p.table)
	_, err = p.db.NamedExecContext(ctx, query, row{ID: id, Payload: payload})
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return nil, fmt.Errorf("record %s already exists", id)
		}
		return nil, fmt.Errorf("inserting into %s: %w", p.table, err)
	}
	return obj, nil
}

func (p *Postgres) Get(ctx context.Context, id string) (Record, error) {
	var r row
	query := fmt.Sprintf(`SELECT id, payload FROM %s WHERE id = $1`, p.table)
	if err := p.db.GetContext(ctx, &r, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("loading %s/%s: %w", p.table, id, err)
	}
	return decodeRecord(r.Payload)
}

func (p *Postgres) Update(ctx context.Context, id string, patch Record) (Record, error) {
	existing, err := p.Get(ctx, id)
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

	query := fmt.Sprintf(`UPDATE %s SET payload = :payload WHERE id = :id`, p.table)
	_, err = p.db.NamedExecContext(ctx, query, row{ID: id, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("updating %s/%s: %w", p.table, id, err)
	}
	return merged, nil
}

func (p *Postgres) Delete(ctx context.Context, id string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, p.table)
	_, err := p.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("deleting %s/%s: %w", p.table, id, err)
	}
	return nil
}

// Query uses a jsonb containment match (payload @> filter) so callers can
// filter on any field without the reference store knowing the resource's
// shape ahead of time.
func (p *Postgres) Query(ctx context.Context, filter Record) ([]Record, error) {
	filterJSON, err := json.Marshal(filter)
	if err != nil {
		return nil, fmt.Errorf("marshaling filter: %w", err)
	}

	query := fmt.Sprintf(`SELECT id, payload FROM %s WHERE payload @> $1::jsonb`, p.table)
	var rows []row
	if err := p.db.SelectContext(ctx, &rows, query, filterJSON); err != nil {
		return nil, fmt.Errorf("querying %s: %w", p.table, err)
	}
	return decodeRows(rows)
}

func (p *Postgres) List(ctx context.Context, opts ListOptions) ([]Record, error) {
	query := fmt.Sprintf(`SELECT id, payload FROM %s`, p.table)
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", opts.Limit)
	}
	var rows []row
	if err := p.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("listing %s: %w", p.table, err)
	}
	return decodeRows(rows)
}

func decodeRecord(payload []byte) (Record, error) {
	var rec Record
	if err := json.Unmarshal(payload, &rec); err != nil {
		return nil, fmt.Errorf("decoding record: %w", err)
	}
	return rec, nil
}

func decodeRows(rows []row) ([]Record, error) {
	out := make([]Record, 0, len(rows))
	for _, r := range rows {
		rec, err := decodeRecord(r.Payload)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

var _ Resource = (*Memory)(nil)
var _ Resource = (*Postgres)(nil)
