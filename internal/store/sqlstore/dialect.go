package sqlstore

import (
	"strconv"
	"strings"
)

// Dialect selects driver name, DDL and placeholder style
type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

// rebind rewrites ? placeholders to $n for Postgres. Queries never carry a literal '?'.
func (d Dialect) rebind(query string) string {
	if d != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (d Dialect) migrations() []string {
	seq := "seq INTEGER PRIMARY KEY AUTOINCREMENT"
	if d == Postgres {
		seq = "seq BIGSERIAL PRIMARY KEY"
	}

	var stmts []string
	if d == SQLite {
		stmts = append(stmts,
			`PRAGMA journal_mode=WAL;`,
			`PRAGMA busy_timeout=5000;`,
		)
	}
	return append(stmts,
		`CREATE TABLE IF NOT EXISTS activities (
			id TEXT PRIMARY KEY,
			endpoint_id TEXT NOT NULL,
			received_at_ns BIGINT NOT NULL,
			report_json TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_activities_received ON activities(received_at_ns);`,
		`CREATE TABLE IF NOT EXISTS alerts (
			`+seq+`,
			id TEXT NOT NULL UNIQUE,
			endpoint_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			reason TEXT NOT NULL,
			severity TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at_ns BIGINT NOT NULL,
			resolved_at_ns BIGINT,
			source_report_id TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_status ON alerts(status, severity);`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_endpoint ON alerts(endpoint_id);`,
		`CREATE TABLE IF NOT EXISTS commands (
			`+seq+`,
			id TEXT NOT NULL UNIQUE,
			endpoint_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			domain TEXT NOT NULL,
			reason TEXT NOT NULL,
			created_at_ns BIGINT NOT NULL,
			delivered INTEGER NOT NULL DEFAULT 0,
			delivered_at_ns BIGINT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_commands_pending ON commands(endpoint_id, delivered);`,
		`CREATE TABLE IF NOT EXISTS policy (
			id INTEGER PRIMARY KEY,
			version BIGINT NOT NULL,
			updated_at_ns BIGINT NOT NULL,
			doc TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS endpoints (
			endpoint_id TEXT PRIMARY KEY,
			first_seen_ns BIGINT NOT NULL,
			last_seen_ns BIGINT NOT NULL,
			last_report_id TEXT NOT NULL
		);`,
	)
}
