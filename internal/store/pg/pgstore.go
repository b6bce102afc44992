// Package pg stores replicated documents in PostgreSQL.
package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"carelink.app/internal/docdb"
	"carelink.app/internal/obs"
	"carelink.app/internal/replication"
	"carelink.app/internal/stream"
)

// PollInterval is how often a long-poll re-reads the change feed to pick up
// writes made through other server instances.
const PollInterval = 250 * time.Millisecond

type Store struct {
	db  *sql.DB
	hub *stream.Stream
}

var _ docdb.Service = (*Store)(nil)

func Open(dsn string, hub *stream.Stream) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return New(db, hub), nil
}

// New wraps an open database handle.
func New(db *sql.DB, hub *stream.Stream) *Store {
	if hub == nil {
		hub = stream.New()
	}
	return &Store{db: db, hub: hub}
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ready(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) EnsureDB(ctx context.Context, db string) error {
	if !docdb.ValidDBName(db) {
		return badRequest("invalid database name")
	}
	_, err := s.db.ExecContext(ctx, `insert into databases(name) values ($1) on conflict do nothing`, db)
	return err
}

func (s *Store) Info(ctx context.Context, db string) (replication.DBInfo, error) {
	if !docdb.ValidDBName(db) {
		return replication.DBInfo{}, badRequest("invalid database name")
	}
	var exists bool
	if err := s.db.QueryRowContext(ctx, `select exists(select 1 from databases where name=$1)`, db).Scan(&exists); err != nil {
		return replication.DBInfo{}, err
	}
	if !exists {
		return replication.DBInfo{}, notFound("Database does not exist.")
	}
	info := replication.DBInfo{DBName: db}
	var seq int64
	if err := s.db.QueryRowContext(ctx, `
		select count(*) filter (where not deleted), coalesce(max(seq), 0)
		from documents where db=$1
	`, db).Scan(&info.DocCount, &seq); err != nil {
		return replication.DBInfo{}, err
	}
	info.UpdateSeq = uint64(seq)
	return info, nil
}

func (s *Store) Get(ctx context.Context, db, id string) (map[string]any, error) {
	if !docdb.ValidDBName(db) {
		return nil, badRequest("invalid database name")
	}
	var (
		rev     string
		deleted bool
		raw     []byte
	)
	err := s.db.QueryRowContext(ctx, `select rev, deleted, body from documents where db=$1 and id=$2`, db, id).
		Scan(&rev, &deleted, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("missing")
	}
	if err != nil {
		return nil, err
	}
	if deleted {
		return nil, notFound("deleted")
	}
	body, err := decodeBody(raw)
	if err != nil {
		return nil, err
	}
	return docdb.WireDoc(id, rev, false, body), nil
}

// Changes pages the feed in sequence order. A long-poll wakes on writes made
// through this store and re-reads every PollInterval for the rest.
func (s *Store) Changes(ctx context.Context, db string, since uint64, limit int, wait time.Duration) (replication.ChangesResponse, error) {
	if !docdb.ValidDBName(db) {
		return replication.ChangesResponse{}, badRequest("invalid database name")
	}
	limit = docdb.ClampLimit(limit)
	if wait <= 0 {
		return s.changes(ctx, db, since, limit)
	}
	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	events := s.hub.Subscribe(waitCtx, db)
	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()
	for {
		resp, err := s.changes(ctx, db, since, limit)
		if err != nil || len(resp.Results) > 0 {
			return resp, err
		}
		select {
		case <-waitCtx.Done():
			if err := ctx.Err(); err != nil {
				return replication.ChangesResponse{}, err
			}
			return resp, nil
		case <-events:
		case <-ticker.C:
		}
	}
}

func (s *Store) changes(ctx context.Context, db string, since uint64, limit int) (replication.ChangesResponse, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, rev, seq, deleted, body
		from documents
		where db=$1 and seq > $2
		order by seq asc
		limit $3
	`, db, int64(since), limit)
	if err != nil {
		return replication.ChangesResponse{}, err
	}
	defer rows.Close()

	resp := replication.ChangesResponse{Results: make([]replication.Change, 0), LastSeq: since}
	for rows.Next() {
		var (
			c   replication.Change
			seq int64
			raw []byte
		)
		if err := rows.Scan(&c.ID, &c.Rev, &seq, &c.Deleted, &raw); err != nil {
			return replication.ChangesResponse{}, err
		}
		body, err := decodeBody(raw)
		if err != nil {
			return replication.ChangesResponse{}, err
		}
		c.Seq = uint64(seq)
		c.Doc = docdb.WireDoc(c.ID, c.Rev, c.Deleted, body)
		resp.Results = append(resp.Results, c)
		resp.LastSeq = c.Seq
	}
	return resp, rows.Err()
}

// BulkDocs applies the batch in one transaction, locking each target row so
// concurrent writers see a consistent revision.
func (s *Store) BulkDocs(ctx context.Context, db string, docs []map[string]any) ([]replication.BulkResult, error) {
	if !docdb.ValidDBName(db) {
		return nil, badRequest("invalid database name")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `insert into databases(name) values ($1) on conflict do nothing`, db); err != nil {
		return nil, err
	}

	results := make([]replication.BulkResult, 0, len(docs))
	var lastSeq int64
	for _, raw := range docs {
		w, err := docdb.ParseWrite(raw)
		if err != nil {
			results = append(results, replication.BulkResult{Error: replication.CodeBadRequest, Reason: "document is missing _id"})
			obs.DocDBWrites.WithLabelValues(db, "error").Inc()
			continue
		}
		res, seq, err := s.apply(ctx, tx, db, w)
		if err != nil {
			return nil, fmt.Errorf("write %s/%s: %w", db, w.ID, err)
		}
		if res.OK {
			lastSeq = seq
		}
		results = append(results, res)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	for _, r := range results {
		label := "ok"
		if !r.OK {
			label = r.Error
		}
		if r.ID != "" {
			obs.DocDBWrites.WithLabelValues(db, label).Inc()
		}
	}
	if lastSeq > 0 {
		s.hub.Publish(stream.ChangeEvent{DB: db, Seq: uint64(lastSeq)})
	}
	return results, nil
}

func (s *Store) apply(ctx context.Context, tx *sql.Tx, db string, w docdb.Write) (replication.BulkResult, int64, error) {
	var (
		prev    string
		deleted bool
		exists  = true
	)
	err := tx.QueryRowContext(ctx, `select rev, deleted from documents where db=$1 and id=$2 for update`, db, w.ID).
		Scan(&prev, &deleted)
	if errors.Is(err, sql.ErrNoRows) {
		exists = false
	} else if err != nil {
		return replication.BulkResult{}, 0, err
	}
	if rejected := w.Check(exists, prev, deleted); rejected != nil {
		return *rejected, 0, nil
	}

	body := w.StoredBody()
	raw, err := json.Marshal(body)
	if err != nil {
		return replication.BulkResult{}, 0, err
	}
	rev := replication.NewRev(prev, w.Body, w.Deleted)

	var seq int64
	if err := tx.QueryRowContext(ctx, `
		insert into documents(db, id, rev, seq, deleted, body, updated_at)
		values ($1, $2, $3, nextval('document_seq'), $4, $5, now())
		on conflict (db, id) do update
		set rev = excluded.rev, seq = excluded.seq, deleted = excluded.deleted,
		    body = excluded.body, updated_at = excluded.updated_at
		returning seq
	`, db, w.ID, rev, w.Deleted, string(raw)).Scan(&seq); err != nil {
		return replication.BulkResult{}, 0, err
	}
	return replication.BulkResult{ID: w.ID, Rev: rev, OK: true}, seq, nil
}

// --- helpers ---
func decodeBody(raw []byte) (map[string]any, error) {
	body := map[string]any{}
	if len(raw) == 0 {
		return body, nil
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("decode body: %w", err)
	}
	return body, nil
}

func notFound(reason string) error {
	return &replication.RemoteError{Status: http.StatusNotFound, Code: replication.CodeNotFound, Reason: reason}
}

func badRequest(reason string) error {
	return &replication.RemoteError{Status: http.StatusBadRequest, Code: replication.CodeBadRequest, Reason: reason}
}
