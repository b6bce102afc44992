// Package replication defines the document replication contract shared by
// the sync engine and the document database: the wire shapes of the change
// feed and bulk writes, revision numbering, the error taxonomy, and an HTTP
// client for remote databases.
package replication

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"carelink.app/internal/schema"
)

// Database names used by the application.
const (
	ReferralsDB = "carelink_referrals"
	PatientsDB  = "carelink_patients"
)

// Change is one entry of a change feed: the latest state of a document.
type Change struct {
	Seq     uint64         `json:"seq"`
	ID      string         `json:"id"`
	Rev     string         `json:"rev"`
	Deleted bool           `json:"deleted,omitempty"`
	Doc     map[string]any `json:"doc,omitempty"`
}

// ChangesResponse is a page of the change feed.
type ChangesResponse struct {
	Results []Change `json:"results"`
	LastSeq uint64   `json:"last_seq"`
}

// BulkDocsRequest is the body of a bulk write.
type BulkDocsRequest struct {
	Docs []map[string]any `json:"docs"`
}

// BulkResult reports the outcome for one document of a bulk write.
type BulkResult struct {
	ID     string `json:"id"`
	Rev    string `json:"rev,omitempty"`
	OK     bool   `json:"ok,omitempty"`
	Error  string `json:"error,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// DBInfo describes a database.
type DBInfo struct {
	DBName    string `json:"db_name"`
	DocCount  int    `json:"doc_count"`
	UpdateSeq uint64 `json:"update_seq"`
}

// ErrorBody is the JSON body of an error response.
type ErrorBody struct {
	Error  string `json:"error"`
	Reason string `json:"reason"`
}

// Remote is a replication peer. The HTTP Client and the document database
// service both implement it.
type Remote interface {
	Changes(ctx context.Context, db string, since uint64, limit int, wait time.Duration) (ChangesResponse, error)
	BulkDocs(ctx context.Context, db string, docs []map[string]any) ([]BulkResult, error)
	Get(ctx context.Context, db, id string) (map[string]any, error)
	EnsureDB(ctx context.Context, db string) error
}

// ToWire converts a local document into its wire form, replacing "id" with
// "_id" and adding the revision and deletion markers.
func ToWire(doc schema.Document, rev string, deleted bool) map[string]any {
	out := make(map[string]any, len(doc)+2)
	for k, v := range doc {
		if k == "id" {
			continue
		}
		out[k] = v
	}
	out["_id"] = doc.ID()
	if rev != "" {
		out["_rev"] = rev
	}
	if deleted {
		out["_deleted"] = true
	}
	return out
}

// FromWire converts a wire document into a local document and its revision
// metadata. Underscore-prefixed keys are dropped.
func FromWire(m map[string]any) (doc schema.Document, rev string, deleted bool) {
	doc = make(schema.Document, len(m))
	for k, v := range m {
		if strings.HasPrefix(k, "_") {
			continue
		}
		doc[k] = v
	}
	if id, ok := m["_id"].(string); ok {
		doc["id"] = id
	}
	rev, _ = m["_rev"].(string)
	deleted, _ = m["_deleted"].(bool)
	return doc, rev, deleted
}

// RevGeneration parses the generation prefix of a revision, 0 if absent.
func RevGeneration(rev string) int {
	head, _, ok := strings.Cut(rev, "-")
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(head)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// NewRev derives the revision that follows prev for body. The suffix is a
// content hash so identical writes produce identical revisions.
func NewRev(prev string, body map[string]any, deleted bool) string {
	keys := make([]string, 0, len(body))
	for k := range body {
		if strings.HasPrefix(k, "_") {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	h := sha256.New()
	fmt.Fprintf(h, "%s|%t", prev, deleted)
	for _, k := range keys {
		raw, _ := json.Marshal(body[k])
		fmt.Fprintf(h, "|%s=%s", k, raw)
	}
	return fmt.Sprintf("%d-%s", RevGeneration(prev)+1, hex.EncodeToString(h.Sum(nil))[:32])
}

// FormatSeq renders a sequence as a checkpoint value.
func FormatSeq(seq uint64) string { return strconv.FormatUint(seq, 10) }

// ParseSeq parses a checkpoint value; "" is the start of the feed.
func ParseSeq(s string) (uint64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseUint(s, 10, 64)
}
