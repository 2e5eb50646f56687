// Package clickhouse talks to the analytical store over the ClickHouse HTTP
// interface: JSONEachRow for inserts, FORMAT JSON for selects, and
// server-side bound parameters for every dynamic value.
package clickhouse

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Config configures one store connection.
type Config struct {
	URL      string
	Database string
	Username string
	Password string
	Timeout  time.Duration
	Headers  map[string]string
}

// Conn is a single logical connection to the analytical store. Each Conn owns
// its own HTTP client so pool workers never share transport state.
type Conn struct {
	base     string
	database string
	headers  map[string]string
	client   *http.Client
}

// Column describes one result column.
type Column struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Rows is a decoded FORMAT JSON result set.
type Rows struct {
	Columns []Column                 `json:"meta"`
	Data    []map[string]interface{} `json:"data"`
	Count   int                      `json:"rows"`
}

// NewConn creates a connection. It does not touch the network; call Ping to
// verify reachability.
func NewConn(cfg Config) (*Conn, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("clickhouse URL is empty")
	}
	if cfg.Database == "" {
		cfg.Database = "default"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	headers := map[string]string{}
	for k, v := range cfg.Headers {
		headers[k] = v
	}
	if cfg.Username != "" {
		headers["X-ClickHouse-User"] = cfg.Username
	}
	if cfg.Password != "" {
		headers["X-ClickHouse-Key"] = cfg.Password
	}

	return &Conn{
		base:     strings.TrimRight(cfg.URL, "/"),
		database: cfg.Database,
		headers:  headers,
		client:   &http.Client{Timeout: timeout},
	}, nil
}

// Ping verifies the store answers trivial queries.
func (c *Conn) Ping(ctx context.Context) error {
	rows, err := c.Select(ctx, NewQuery("SELECT 1"))
	if err != nil {
		return fmt.Errorf("ping clickhouse: %w", err)
	}
	if rows.Count == 0 && len(rows.Data) == 0 {
		return fmt.Errorf("ping clickhouse: empty result")
	}
	return nil
}

// Select executes a parameterized statement and decodes the JSON envelope.
func (c *Conn) Select(ctx context.Context, q *Query) (*Rows, error) {
	form := url.Values{}
	form.Set("query", q.Text)
	form.Set("default_format", "JSON")
	form.Set("database", c.database)
	for name, value := range q.params {
		form.Set("param_"+name, value)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build query request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("clickhouse request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("clickhouse request failed with status %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	var rows Rows
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, fmt.Errorf("decode clickhouse result: %w", err)
	}
	return &rows, nil
}

// Insert writes a batch of rows to a table via JSONEachRow. The table name
// must already be a validated identifier (see Ident / EventsTable).
func (c *Conn) Insert(ctx context.Context, table string, rows []interface{}) error {
	if len(rows) == 0 {
		return nil
	}

	var body bytes.Buffer
	enc := json.NewEncoder(&body)
	for _, row := range rows {
		if err := enc.Encode(row); err != nil {
			return fmt.Errorf("marshal insert row: %w", err)
		}
	}

	stmt := fmt.Sprintf("INSERT INTO %s.%s FORMAT JSONEachRow", quote(c.database), table)
	endpoint := c.base + "/?query=" + url.QueryEscape(stmt)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &body)
	if err != nil {
		return fmt.Errorf("build insert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("clickhouse insert failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("clickhouse insert failed with status %s: %s", resp.Status, strings.TrimSpace(string(respBody)))
	}
	return nil
}

// Close releases idle transport resources. Safe to call more than once.
func (c *Conn) Close() error {
	if c != nil && c.client != nil {
		c.client.CloseIdleConnections()
	}
	return nil
}
