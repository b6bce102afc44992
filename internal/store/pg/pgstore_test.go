package pg

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"carelink.app/internal/replication"
	"carelink.app/internal/stream"
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return New(db, stream.New()), mock
}

func TestGetReturnsWireDocument(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("select rev, deleted, body from documents").
		WithArgs("carelink_referrals", "r1").
		WillReturnRows(sqlmock.NewRows([]string{"rev", "deleted", "body"}).AddRow("2-abc", false, []byte(`{"status":"scheduled"}`)))

	doc, err := s.Get(context.Background(), "carelink_referrals", "r1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if doc["_id"] != "r1" || doc["_rev"] != "2-abc" || doc["status"] != "scheduled" {
		t.Fatalf("unexpected doc: %#v", doc)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestGetMissingAndDeleted(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("select rev, deleted, body from documents").
		WithArgs("carelink_referrals", "gone").
		WillReturnRows(sqlmock.NewRows([]string{"rev", "deleted", "body"}))
	mock.ExpectQuery("select rev, deleted, body from documents").
		WithArgs("carelink_referrals", "tomb").
		WillReturnRows(sqlmock.NewRows([]string{"rev", "deleted", "body"}).AddRow("3-abc", true, []byte(`{}`)))

	if _, err := s.Get(context.Background(), "carelink_referrals", "gone"); !errors.Is(err, replication.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := s.Get(context.Background(), "carelink_referrals", "tomb"); !errors.Is(err, replication.ErrNotFound) {
		t.Fatalf("expected not found for tombstone, got %v", err)
	}
}

func TestBulkDocsInsertsAndRejectsStaleRevision(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectExec("insert into databases").WithArgs("carelink_referrals").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("select rev, deleted from documents").
		WithArgs("carelink_referrals", "r1").
		WillReturnRows(sqlmock.NewRows([]string{"rev", "deleted"}))
	mock.ExpectQuery("insert into documents").
		WithArgs("carelink_referrals", "r1", sqlmock.AnyArg(), false, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"seq"}).AddRow(int64(7)))
	mock.ExpectQuery("select rev, deleted from documents").
		WithArgs("carelink_referrals", "r2").
		WillReturnRows(sqlmock.NewRows([]string{"rev", "deleted"}).AddRow("2-current", false))
	mock.ExpectCommit()

	events := s.hub.Subscribe(context.Background(), "carelink_referrals")

	res, err := s.BulkDocs(context.Background(), "carelink_referrals", []map[string]any{
		{"_id": "r1", "status": "pending"},
		{"_id": "r2", "_rev": "1-stale", "status": "pending"},
	})
	if err != nil {
		t.Fatalf("bulk docs: %v", err)
	}
	if len(res) != 2 {
		t.Fatalf("expected 2 results, got %d", len(res))
	}
	if !res[0].OK || replication.RevGeneration(res[0].Rev) != 1 {
		t.Fatalf("unexpected first result: %#v", res[0])
	}
	if res[1].OK || res[1].Error != replication.CodeConflict {
		t.Fatalf("expected conflict, got %#v", res[1])
	}
	evt := <-events
	if evt.Seq != 7 {
		t.Fatalf("expected change event at seq 7, got %d", evt.Seq)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestChangesPagesFeed(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("select id, rev, seq, deleted, body").
		WithArgs("carelink_patients", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "rev", "seq", "deleted", "body"}).
			AddRow("p1", "1-a", int64(4), false, []byte(`{"name":"Ann"}`)).
			AddRow("p2", "2-b", int64(9), true, []byte(`{}`)))

	resp, err := s.Changes(context.Background(), "carelink_patients", 3, 10, 0)
	if err != nil {
		t.Fatalf("changes: %v", err)
	}
	if len(resp.Results) != 2 || resp.LastSeq != 9 {
		t.Fatalf("unexpected feed: %#v", resp)
	}
	if !resp.Results[1].Deleted || resp.Results[1].Doc["_deleted"] != true {
		t.Fatalf("expected tombstone change, got %#v", resp.Results[1])
	}
	if resp.Results[0].Doc["name"] != "Ann" {
		t.Fatalf("unexpected doc: %#v", resp.Results[0].Doc)
	}
}

func TestInfoMissingDatabase(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery(regexp.QuoteMeta("select exists(select 1 from databases")).
		WithArgs("carelink_patients").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	if _, err := s.Info(context.Background(), "carelink_patients"); !errors.Is(err, replication.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestInfoCountsLiveDocuments(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery(regexp.QuoteMeta("select exists(select 1 from databases")).
		WithArgs("carelink_patients").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectQuery("select count").
		WithArgs("carelink_patients").
		WillReturnRows(sqlmock.NewRows([]string{"count", "max"}).AddRow(3, int64(12)))

	info, err := s.Info(context.Background(), "carelink_patients")
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	if info.DocCount != 3 || info.UpdateSeq != 12 {
		t.Fatalf("unexpected info: %#v", info)
	}
}

func TestInvalidDatabaseNameSkipsQuery(t *testing.T) {
	s, mock := newMock(t)
	if err := s.EnsureDB(context.Background(), "../etc"); !errors.Is(err, replication.ErrBadRequest) {
		t.Fatalf("expected bad request, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}
