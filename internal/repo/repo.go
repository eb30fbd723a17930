package repo

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/canonical/sqlair"
	"github.com/juju/errors"

	"marketline/internal/domain"
)

// Repo is the persistence layer for the marketplace tables. Methods taking a
// Querier run against either the database or an open transaction; reads that
// inform a write must go through the same transaction.
type Repo struct {
	DB *sqlair.DB
}

// Querier is satisfied by both *sqlair.DB and *sqlair.TX.
type Querier interface {
	Query(ctx context.Context, s *sqlair.Statement, inputArgs ...any) *sqlair.Query
}

var ErrNotFound = domain.ErrNotFound

// Begin starts a read-write transaction.
func (r Repo) Begin(ctx context.Context) (*sqlair.TX, error) {
	tx, err := r.DB.Begin(ctx, nil)
	if err != nil {
		return nil, errors.Annotate(err, "begin transaction")
	}
	return tx, nil
}

type countRow struct {
	N int64 `db:"n"`
}

// IsUniqueViolation reports whether err came from a UNIQUE constraint.
func IsUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(domain.TimeFormat)
}

func formatOptTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, errors.Annotatef(err, "parse time %q", s)
	}
	return t.UTC(), nil
}

func parseOptTime(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := parseTime(s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func optString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func encodeList(items []string) string {
	if len(items) == 0 {
		return "[]"
	}
	data, _ := json.Marshal(items)
	return string(data)
}

func decodeList(raw string) ([]string, error) {
	out := []string{}
	if raw == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, errors.Annotatef(err, "decode list %q", raw)
	}
	return out, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
