package db

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"time"

	_ "github.com/lib/pq"

	"github.com/homeserver-ops/synapse-monitor/internal/config"
)

// Client wraps a Postgres connection pool for one monitored database.
type Client struct {
	conn *sql.DB
	name string
}

func NewClient(conn config.Connection) (*Client, error) {
	db, err := sql.Open("postgres", DSN(conn))
	if err != nil {
		return nil, fmt.Errorf("failed to open Postgres connection for %s: %v", conn.DBName, err)
	}

	if conn.MaxConns > 0 {
		db.SetMaxOpenConns(conn.MaxConns)
	}
	if conn.IdleTimeout > 0 {
		db.SetConnMaxIdleTime(time.Duration(conn.IdleTimeout) * time.Second)
	}
	return &Client{conn: db, name: conn.DBName}, nil
}

// DSN builds a Postgres connection URL from a connection config.
func DSN(conn config.Connection) string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(conn.DBUser, conn.DBPasswd),
		Host:   fmt.Sprintf("%s:%d", conn.DBHost, conn.DBPort),
		Path:   "/" + conn.DBName,
	}

	params := url.Values{}
	sslmode := conn.SSLMode
	if sslmode == "" {
		sslmode = "disable"
	}
	params.Set("sslmode", sslmode)
	if conn.TLSCertFile != "" {
		params.Set("sslcert", conn.TLSCertFile)
	}
	if conn.TLSKeyFile != "" {
		params.Set("sslkey", conn.TLSKeyFile)
	}
	if conn.TLSCACertFile != "" {
		params.Set("sslrootcert", conn.TLSCACertFile)
	}
	u.RawQuery = params.Encode()
	return u.String()
}

// ExecuteQuery runs a statement and returns every row as a map keyed by
// the result column name. Value conversion is left to the caller, which
// knows the column mappings.
func (c *Client) ExecuteQuery(ctx context.Context, query string) ([]map[string]interface{}, error) {
	rows, err := c.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var results []map[string]interface{}
	for rows.Next() {
		values := make([]interface{}, len(columns))
		for i := range values {
			values[i] = new(interface{})
		}
		if err := rows.Scan(values...); err != nil {
			return nil, err
		}
		row := make(map[string]interface{}, len(columns))
		for i, col := range columns {
			row[col] = *(values[i].(*interface{}))
		}
		results = append(results, row)
	}
	return results, rows.Err()
}

func (c *Client) Ping() error {
	return c.conn.Ping()
}

func (c *Client) Close() {
	c.conn.Close()
}
