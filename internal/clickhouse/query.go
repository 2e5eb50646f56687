package clickhouse

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Query is a statement with server-side bound parameters. Statement text
// references parameters as {name:Type} placeholders; values travel out of
// band, never interpolated into the text.
type Query struct {
	Text   string
	params map[string]string
}

// NewQuery wraps a statement.
func NewQuery(text string) *Query {
	return &Query{Text: text, params: map[string]string{}}
}

// BindString binds a string parameter.
func (q *Query) BindString(name, value string) *Query {
	q.params[name] = value
	return q
}

// BindInt binds an integer parameter.
func (q *Query) BindInt(name string, value int64) *Query {
	q.params[name] = strconv.FormatInt(value, 10)
	return q
}

// BindFloat binds a float parameter.
func (q *Query) BindFloat(name string, value float64) *Query {
	q.params[name] = strconv.FormatFloat(value, 'f', -1, 64)
	return q
}

// BindTime binds a timestamp parameter for DateTime64(3) columns.
func (q *Query) BindTime(name string, value time.Time) *Query {
	q.params[name] = value.UTC().Format("2006-01-02 15:04:05.000")
	return q
}

// BindStrings binds a string-array parameter for {name:Array(String)}.
func (q *Query) BindStrings(name string, values []string) *Query {
	quoted := make([]string, 0, len(values))
	for _, v := range values {
		quoted = append(quoted, "'"+strings.ReplaceAll(strings.ReplaceAll(v, `\`, `\\`), "'", `\'`)+"'")
	}
	q.params[name] = "[" + strings.Join(quoted, ",") + "]"
	return q
}

// Fingerprint hashes the statement and its bound parameters, giving a stable
// cache key for the full query.
func (q *Query) Fingerprint() string {
	h := sha256.New()
	h.Write([]byte(q.Text))
	names := make([]string, 0, len(q.params))
	for name := range q.params {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		h.Write([]byte{0})
		h.Write([]byte(name))
		h.Write([]byte{'='})
		h.Write([]byte(q.params[name]))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Ident validates a dynamic identifier against a strict allow-list and
// returns it backtick-quoted. Anything outside [A-Za-z0-9_-] is rejected so
// per-tenant table names can never smuggle statement fragments.
func Ident(s string) (string, error) {
	if s == "" {
		return "", fmt.Errorf("empty identifier")
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '_' || r == '-':
		default:
			return "", fmt.Errorf("identifier %q contains disallowed character %q", s, r)
		}
	}
	return quote(s), nil
}

// EventsTable builds the per-tenant raw-event table name.
func EventsTable(studioID string) (string, error) {
	return Ident("events_" + studioID)
}

func quote(v string) string {
	v = strings.ReplaceAll(v, "`", "")
	return "`" + v + "`"
}
