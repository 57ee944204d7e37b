// Package sqlstore persists fleet state in PostgreSQL (lib/pq) or SQLite (modernc.org/sqlite).
// Timestamps are stored as unix nanoseconds so both dialects share every query.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"aegisflux/backend/fleetwatch/internal/model"
)

// Store implements store.Store over database/sql
type Store struct {
	db      *sql.DB
	dialect Dialect
	logger  *slog.Logger
}

// PostgresDSN builds a lib/pq connection string
func PostgresDSN(host, port, user, password, dbname string) string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		host, port, user, password, dbname)
}

// OpenPostgres connects, tunes the pool and applies migrations
func OpenPostgres(ctx context.Context, dsn string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w: %w", model.ErrUnavailable, err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	return open(ctx, db, Postgres, logger)
}

// OpenSQLite opens (creating if needed) the database file and applies migrations
func OpenSQLite(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// single writer connection serializes transactions
	db.SetMaxOpenConns(1)

	return open(ctx, db, SQLite, logger)
}

func open(ctx context.Context, db *sql.DB, d Dialect, logger *slog.Logger) (*Store, error) {
	s := &Store{db: db, dialect: d, logger: logger}
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Info("store opened", "dialect", string(d))
	return s, nil
}

// Migrate creates missing tables and indexes. It is safe to run repeatedly.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range s.dialect.migrations() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%s migrate: %w", s.dialect, err)
		}
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.dialect.rebind(query), args...)
}

func (s *Store) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
}

func (s *Store) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.dialect.rebind(query), args...)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, model.ErrUnavailable, err)
}

func toNanos(t time.Time) int64 { return t.UTC().UnixNano() }

func fromNanos(ns int64) time.Time { return time.Unix(0, ns).UTC() }

func nullableNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toNanos(*t), Valid: true}
}

func timePtr(ns sql.NullInt64) *time.Time {
	if !ns.Valid {
		return nil
	}
	t := fromNanos(ns.Int64)
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// InsertActivity stores the report as a JSON document
func (s *Store) InsertActivity(ctx context.Context, a *model.Activity) error {
	doc, err := json.Marshal(a.Report)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	_, err = s.exec(ctx, `
		INSERT INTO activities(id, endpoint_id, received_at_ns, report_json)
		VALUES(?,?,?,?)`,
		a.ID, a.Report.EndpointID, toNanos(a.Report.ReceivedAt), string(doc))
	if err != nil {
		return unavailable("insert activity", err)
	}
	return nil
}

func (s *Store) GetActivity(ctx context.Context, id string) (*model.Activity, error) {
	var doc string
	err := s.queryRow(ctx, `SELECT report_json FROM activities WHERE id = ?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("activity %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, unavailable("get activity", err)
	}

	a := &model.Activity{ID: id}
	if err := json.Unmarshal([]byte(doc), &a.Report); err != nil {
		return nil, fmt.Errorf("decode activity %s: %w", id, err)
	}
	return a, nil
}

func (s *Store) PruneActivities(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.exec(ctx, `DELETE FROM activities WHERE received_at_ns < ?`, toNanos(before))
	if err != nil {
		return 0, unavailable("prune activities", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, unavailable("prune activities", err)
	}
	return n, nil
}

const alertColumns = `id, endpoint_id, kind, reason, severity, status, created_at_ns, resolved_at_ns, source_report_id`

func (s *Store) InsertAlert(ctx context.Context, a *model.Alert) error {
	_, err := s.exec(ctx, `
		INSERT INTO alerts(`+alertColumns+`)
		VALUES(?,?,?,?,?,?,?,?,?)`,
		a.ID, a.EndpointID, string(a.Kind), a.Reason, string(a.Severity), string(a.Status),
		toNanos(a.CreatedAt), nullableNanos(a.ResolvedAt), a.SourceReportID)
	if err != nil {
		return unavailable("insert alert", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAlert(row scanner) (*model.Alert, error) {
	var (
		a                     model.Alert
		kind, severity, state string
		createdNs             int64
		resolvedNs            sql.NullInt64
	)
	if err := row.Scan(&a.ID, &a.EndpointID, &kind, &a.Reason, &severity, &state,
		&createdNs, &resolvedNs, &a.SourceReportID); err != nil {
		return nil, err
	}
	a.Kind = model.FindingKind(kind)
	a.Severity = model.Severity(severity)
	a.Status = model.AlertStatus(state)
	a.CreatedAt = fromNanos(createdNs)
	a.ResolvedAt = timePtr(resolvedNs)
	return &a, nil
}

func (s *Store) GetAlert(ctx context.Context, id string) (*model.Alert, error) {
	a, err := scanAlert(s.queryRow(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("alert %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, unavailable("get alert", err)
	}
	return a, nil
}

func (s *Store) ListAlerts(ctx context.Context, f model.AlertFilter) ([]*model.Alert, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Severity != "" {
		where = append(where, "severity = ?")
		args = append(args, string(f.Severity))
	}
	if f.EndpointID != "" {
		where = append(where, "endpoint_id = ?")
		args = append(args, f.EndpointID)
	}

	q := `SELECT ` + alertColumns + ` FROM alerts`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY seq DESC`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, unavailable("list alerts", err)
	}
	defer rows.Close()

	out := []*model.Alert{}
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, unavailable("scan alert", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list alerts", err)
	}
	return out, nil
}

// ResolveAlert only touches rows that are still active, so repeats keep the first resolved_at
func (s *Store) ResolveAlert(ctx context.Context, id string, at time.Time) (*model.Alert, bool, error) {
	res, err := s.exec(ctx, `
		UPDATE alerts SET status = ?, resolved_at_ns = ?
		WHERE id = ? AND status = ?`,
		string(model.AlertResolved), toNanos(at), id, string(model.AlertActive))
	if err != nil {
		return nil, false, unavailable("resolve alert", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, unavailable("resolve alert", err)
	}
	a, err := s.GetAlert(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return a, n > 0, nil
}

const commandColumns = `id, endpoint_id, kind, domain, reason, created_at_ns, delivered, delivered_at_ns`

func (s *Store) InsertCommand(ctx context.Context, c *model.Command) error {
	_, err := s.exec(ctx, `
		INSERT INTO commands(`+commandColumns+`)
		VALUES(?,?,?,?,?,?,?,?)`,
		c.ID, c.EndpointID, string(c.Kind), c.Domain, c.Reason,
		toNanos(c.CreatedAt), boolInt(c.Delivered), nullableNanos(c.DeliveredAt))
	if err != nil {
		return unavailable("insert command", err)
	}
	return nil
}

func scanCommand(row scanner) (*model.Command, int64, error) {
	var (
		c           model.Command
		seq         int64
		kind        string
		createdNs   int64
		delivered   int
		deliveredNs sql.NullInt64
	)
	if err := row.Scan(&seq, &c.ID, &c.EndpointID, &kind, &c.Domain, &c.Reason,
		&createdNs, &delivered, &deliveredNs); err != nil {
		return nil, 0, err
	}
	c.Kind = model.CommandKind(kind)
	c.CreatedAt = fromNanos(createdNs)
	c.Delivered = delivered != 0
	c.DeliveredAt = timePtr(deliveredNs)
	return &c, seq, nil
}

// ClaimPending flips delivered in a single UPDATE ... RETURNING, so concurrent claims
// for the same endpoint can never both see a row.
func (s *Store) ClaimPending(ctx context.Context, endpointID string, at time.Time) ([]*model.Command, error) {
	rows, err := s.query(ctx, `
		UPDATE commands SET delivered = 1, delivered_at_ns = ?
		WHERE endpoint_id = ? AND delivered = 0
		RETURNING seq, `+commandColumns,
		toNanos(at), endpointID)
	if err != nil {
		return nil, unavailable("claim commands", err)
	}
	defer rows.Close()

	type claimed struct {
		seq int64
		cmd *model.Command
	}
	var got []claimed
	for rows.Next() {
		c, seq, err := scanCommand(rows)
		if err != nil {
			return nil, unavailable("scan command", err)
		}
		got = append(got, claimed{seq: seq, cmd: c})
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("claim commands", err)
	}

	// RETURNING order is unspecified
	out := make([]*model.Command, len(got))
	sort.Slice(got, func(i, j int) bool { return got[i].seq < got[j].seq })
	for i, g := range got {
		out[i] = g.cmd
	}
	return out, nil
}

func (s *Store) ListCommands(ctx context.Context, f model.CommandFilter) ([]*model.Command, error) {
	var (
		where []string
		args  []any
	)
	if f.EndpointID != "" {
		where = append(where, "endpoint_id = ?")
		args = append(args, f.EndpointID)
	}
	if f.Delivered != nil {
		where = append(where, "delivered = ?")
		args = append(args, boolInt(*f.Delivered))
	}

	q := `SELECT seq, ` + commandColumns + ` FROM commands`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY seq DESC`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, unavailable("list commands", err)
	}
	defer rows.Close()

	out := []*model.Command{}
	for rows.Next() {
		c, _, err := scanCommand(rows)
		if err != nil {
			return nil, unavailable("scan command", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list commands", err)
	}
	return out, nil
}

const policyRowID = 1

func (s *Store) LoadPolicy(ctx context.Context) (*model.Policy, error) {
	var doc string
	err := s.queryRow(ctx, `SELECT doc FROM policy WHERE id = ?`, policyRowID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("policy: %w", model.ErrNotFound)
	}
	if err != nil {
		return nil, unavailable("load policy", err)
	}

	var p model.Policy
	if err := json.Unmarshal([]byte(doc), &p); err != nil {
		return nil, fmt.Errorf("decode policy: %w", err)
	}
	p.Normalize()
	return &p, nil
}

func (s *Store) SavePolicy(ctx context.Context, p *model.Policy) error {
	doc, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal policy: %w", err)
	}
	_, err = s.exec(ctx, `
		INSERT INTO policy(id, version, updated_at_ns, doc)
		VALUES(?,?,?,?)
		ON CONFLICT (id) DO UPDATE SET
			version = excluded.version,
			updated_at_ns = excluded.updated_at_ns,
			doc = excluded.doc`,
		policyRowID, p.Version, toNanos(p.UpdatedAt), string(doc))
	if err != nil {
		return unavailable("save policy", err)
	}
	return nil
}

func (s *Store) UpsertEndpoint(ctx context.Context, e *model.Endpoint) error {
	_, err := s.exec(ctx, `
		INSERT INTO endpoints(endpoint_id, first_seen_ns, last_seen_ns, last_report_id)
		VALUES(?,?,?,?)
		ON CONFLICT (endpoint_id) DO UPDATE SET
			last_seen_ns = excluded.last_seen_ns,
			last_report_id = excluded.last_report_id
		WHERE endpoints.last_seen_ns < excluded.last_seen_ns`,
		e.EndpointID, toNanos(e.FirstSeenAt), toNanos(e.LastSeenAt), e.LastReportID)
	if err != nil {
		return unavailable("upsert endpoint", err)
	}
	return nil
}

func (s *Store) ListEndpoints(ctx context.Context) ([]*model.Endpoint, error) {
	rows, err := s.query(ctx, `
		SELECT endpoint_id, first_seen_ns, last_seen_ns, last_report_id
		FROM endpoints ORDER BY endpoint_id`)
	if err != nil {
		return nil, unavailable("list endpoints", err)
	}
	defer rows.Close()

	out := []*model.Endpoint{}
	for rows.Next() {
		var (
			e               model.Endpoint
			firstNs, lastNs int64
		)
		if err := rows.Scan(&e.EndpointID, &firstNs, &lastNs, &e.LastReportID); err != nil {
			return nil, unavailable("scan endpoint", err)
		}
		e.FirstSeenAt = fromNanos(firstNs)
		e.LastSeenAt = fromNanos(lastNs)
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list endpoints", err)
	}
	return out, nil
}
