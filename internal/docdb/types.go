package docdb

import (
	"context"
	"net/http"
	"regexp"

	"carelink.app/internal/replication"
)

// Service is a document database speaking the replication contract.
type Service interface {
	replication.Remote
	Info(ctx context.Context, db string) (replication.DBInfo, error)
	Ready(ctx context.Context) error
}

// MaxChangesLimit caps one page of the change feed.
const MaxChangesLimit = 1000

var dbNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_$()+/-]*$`)

// ValidDBName reports whether name is an acceptable database name.
func ValidDBName(name string) bool {
	return dbNamePattern.MatchString(name)
}

func errNotFound(reason string) error {
	return &replication.RemoteError{Status: http.StatusNotFound, Code: replication.CodeNotFound, Reason: reason}
}

func errBadRequest(reason string) error {
	return &replication.RemoteError{Status: http.StatusBadRequest, Code: replication.CodeBadRequest, Reason: reason}
}

func conflictResult(id string) replication.BulkResult {
	return replication.BulkResult{ID: id, Error: replication.CodeConflict, Reason: "Document update conflict."}
}

// ClampLimit normalises a requested page size.
func ClampLimit(limit int) int {
	if limit <= 0 || limit > MaxChangesLimit {
		return MaxChangesLimit
	}
	return limit
}

const missingIDReason = "document is missing _id"

// Write is one validated document of a bulk request.
type Write struct {
	ID      string
	Rev     string
	Deleted bool
	Body    map[string]any
}

// ParseWrite extracts the replication fields of a wire document.
func ParseWrite(doc map[string]any) (Write, error) {
	id, _ := doc["_id"].(string)
	if id == "" {
		return Write{}, errBadRequest(missingIDReason)
	}
	body, rev, deleted := replication.FromWire(doc)
	delete(body, "id")
	return Write{ID: id, Rev: rev, Deleted: deleted, Body: body}, nil
}

// WireDoc renders a stored body with its replication fields.
func WireDoc(id, rev string, deleted bool, body map[string]any) map[string]any {
	out := make(map[string]any, len(body)+3)
	for k, v := range body {
		out[k] = v
	}
	out["_id"] = id
	out["_rev"] = rev
	if deleted {
		out["_deleted"] = true
	}
	return out
}

// Check decides whether w may be applied over the stored state of its
// document. A nil result accepts the write.
func (w Write) Check(exists bool, rev string, deleted bool) *replication.BulkResult {
	var res replication.BulkResult
	switch {
	case !exists && w.Deleted:
		res = replication.BulkResult{ID: w.ID, Error: replication.CodeNotFound, Reason: "missing"}
	case !exists && w.Rev != "":
		res = conflictResult(w.ID)
	case exists && !deleted && w.Rev != rev:
		res = conflictResult(w.ID)
	case exists && deleted && w.Rev != "" && w.Rev != rev:
		res = conflictResult(w.ID)
	default:
		return nil
	}
	return &res
}

// StoredBody is the body persisted for w. Tombstones keep no fields.
func (w Write) StoredBody() map[string]any {
	if w.Deleted {
		return map[string]any{}
	}
	return w.Body
}
