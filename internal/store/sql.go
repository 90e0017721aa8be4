package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"lastmile/internal/model"
	"lastmile/internal/opt"
)

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// SQL implements Store over database/sql. Postgres and SQLite share the
// schema: JSON is kept as TEXT and timestamps as unix milliseconds.
type SQL struct {
	db      *sql.DB
	dialect dialect
}

type migration struct {
	version int
	stmts   []string
}

var migrations = []migration{
	{1, []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id         TEXT PRIMARY KEY,
			tenant_id  TEXT NOT NULL,
			status     TEXT NOT NULL,
			request    TEXT NOT NULL,
			result     TEXT,
			metrics    TEXT,
			error      TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_tenant ON runs(tenant_id, id)`,
		`CREATE TABLE IF NOT EXISTS optimizer_config (
			tenant_id  TEXT PRIMARY KEY,
			config     TEXT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS subscriptions (
			id         TEXT PRIMARY KEY,
			tenant_id  TEXT NOT NULL,
			url        TEXT NOT NULL,
			events     TEXT NOT NULL,
			secret     TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_subscriptions_tenant ON subscriptions(tenant_id, id)`,
	}},
	{2, []string{
		`CREATE TABLE IF NOT EXISTS webhook_deliveries (
			id              TEXT PRIMARY KEY,
			tenant_id       TEXT NOT NULL,
			subscription_id TEXT NOT NULL DEFAULT '',
			event_type      TEXT NOT NULL,
			url             TEXT NOT NULL,
			secret          TEXT NOT NULL DEFAULT '',
			payload         TEXT NOT NULL,
			status          TEXT NOT NULL,
			attempts        INTEGER NOT NULL DEFAULT 0,
			next_attempt_at BIGINT,
			last_error      TEXT NOT NULL DEFAULT '',
			response_code   INTEGER NOT NULL DEFAULT 0,
			latency_ms      INTEGER NOT NULL DEFAULT 0,
			dedup_key       TEXT NOT NULL,
			created_at      BIGINT NOT NULL,
			updated_at      BIGINT NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_webhook_dedup ON webhook_deliveries(tenant_id, event_type, url, dedup_key)`,
		`CREATE INDEX IF NOT EXISTS idx_webhook_due ON webhook_deliveries(status, next_attempt_at)`,
		`CREATE INDEX IF NOT EXISTS idx_webhook_tenant ON webhook_deliveries(tenant_id, id)`,
	}},
}

func newSQL(ctx context.Context, db *sql.DB, d dialect) (*SQL, error) {
	s := &SQL{db: db, dialect: d}
	if err := s.migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate db: %w", err)
	}
	return s, nil
}

func (s *SQL) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (version INTEGER PRIMARY KEY)`); err != nil {
		return err
	}
	var version int
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&version); err != nil {
		return err
	}
	for _, m := range migrations {
		if m.version <= version {
			continue
		}
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		for _, stmt := range m.stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("migration v%d: %w", m.version, err)
			}
		}
		if _, err := tx.ExecContext(ctx, s.q(`INSERT INTO schema_version (version) VALUES (?)`), m.version); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration v%d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		log.Printf("store: applied migration v%d", m.version)
	}
	return nil
}

// q rewrites ? placeholders to $n for Postgres.
func (s *SQL) q(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func millis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func newID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

func toJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Runs

func (s *SQL) CreateRun(ctx context.Context, run model.Run) error {
	if run.ID == "" {
		id, err := newID()
		if err != nil {
			return err
		}
		run.ID = id
	}
	req, result, metrics, err := encodeRun(run)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.q(`INSERT INTO runs (id, tenant_id, status, request, result, metrics, error, created_at, updated_at) VALUES (?,?,?,?,?,?,?,?,?)`),
		run.ID, run.TenantID, run.Status, req, result, metrics, run.Error, millis(run.CreatedAt), millis(run.UpdatedAt))
	return err
}

func (s *SQL) UpdateRun(ctx context.Context, run model.Run) error {
	req, result, metrics, err := encodeRun(run)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE runs SET status=?, request=?, result=?, metrics=?, error=?, updated_at=? WHERE id=? AND tenant_id=?`),
		run.Status, req, result, metrics, run.Error, millis(run.UpdatedAt), run.ID, run.TenantID)
	if err != nil {
		return err
	}
	return expectRow(res)
}

func encodeRun(run model.Run) (req string, result, metrics sql.NullString, err error) {
	if req, err = toJSON(run.Request); err != nil {
		return
	}
	if run.Result != nil {
		result.Valid = true
		if result.String, err = toJSON(run.Result); err != nil {
			return
		}
	}
	if run.Metrics != nil {
		metrics.Valid = true
		metrics.String, err = toJSON(run.Metrics)
	}
	return
}

func (s *SQL) GetRun(ctx context.Context, tenantID, id string) (model.Run, error) {
	var (
		run              model.Run
		req              string
		result, metrics  sql.NullString
		created, updated int64
	)
	err := s.db.QueryRowContext(ctx, s.q(`SELECT id, tenant_id, status, request, result, metrics, error, created_at, updated_at FROM runs WHERE id=? AND tenant_id=?`), id, tenantID).
		Scan(&run.ID, &run.TenantID, &run.Status, &req, &result, &metrics, &run.Error, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Run{}, ErrNotFound
	}
	if err != nil {
		return model.Run{}, err
	}
	if err := json.Unmarshal([]byte(req), &run.Request); err != nil {
		return model.Run{}, fmt.Errorf("decode run request: %w", err)
	}
	if result.Valid {
		run.Result = &model.OptimizeResponse{}
		if err := json.Unmarshal([]byte(result.String), run.Result); err != nil {
			return model.Run{}, fmt.Errorf("decode run result: %w", err)
		}
	}
	if metrics.Valid {
		run.Metrics = &opt.Metrics{}
		if err := json.Unmarshal([]byte(metrics.String), run.Metrics); err != nil {
			return model.Run{}, fmt.Errorf("decode run metrics: %w", err)
		}
	}
	run.CreatedAt = fromMillis(created)
	run.UpdatedAt = fromMillis(updated)
	return run, nil
}

func (s *SQL) ListRuns(ctx context.Context, tenantID, cursor string, limit int) ([]model.RunSummary, string, error) {
	limit = clampLimit(limit)
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT id, status, request, result, created_at FROM runs WHERE tenant_id=? AND id > ? ORDER BY id LIMIT ?`), tenantID, cursor, limit+1)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()
	out := []model.RunSummary{}
	for rows.Next() {
		var (
			run     model.Run
			req     string
			result  sql.NullString
			created int64
		)
		if err := rows.Scan(&run.ID, &run.Status, &req, &result, &created); err != nil {
			return nil, "", err
		}
		if err := json.Unmarshal([]byte(req), &run.Request); err != nil {
			return nil, "", fmt.Errorf("decode run request: %w", err)
		}
		if result.Valid {
			run.Result = &model.OptimizeResponse{}
			if err := json.Unmarshal([]byte(result.String), run.Result); err != nil {
				return nil, "", fmt.Errorf("decode run result: %w", err)
			}
		}
		run.CreatedAt = fromMillis(created)
		out = append(out, run.Summary())
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}
	return page(out, limit, func(r model.RunSummary) string { return r.ID })
}

// page trims a limit+1 result set and returns the cursor for the next page.
func page[T any](items []T, limit int, id func(T) string) ([]T, string, error) {
	if len(items) <= limit {
		return items, "", nil
	}
	items = items[:limit]
	return items, id(items[limit-1]), nil
}

func expectRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Optimizer config

func (s *SQL) GetOptimizerConfig(ctx context.Context, tenantID string) (map[string]any, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, s.q(`SELECT config FROM optimizer_config WHERE tenant_id=?`), tenantID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var cfg map[string]any
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return nil, fmt.Errorf("decode optimizer config: %w", err)
	}
	return cfg, nil
}

func (s *SQL) SaveOptimizerConfig(ctx context.Context, tenantID string, cfg map[string]any) error {
	raw, err := toJSON(cfg)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.q(`INSERT INTO optimizer_config (tenant_id, config, updated_at) VALUES (?,?,?)
		ON CONFLICT (tenant_id) DO UPDATE SET config=excluded.config, updated_at=excluded.updated_at`),
		tenantID, raw, millis(time.Now()))
	return err
}

// Subscriptions

func (s *SQL) CreateSubscription(ctx context.Context, req model.SubscriptionRequest) (model.Subscription, error) {
	id, err := newID()
	if err != nil {
		return model.Subscription{}, err
	}
	events, err := toJSON(req.Events)
	if err != nil {
		return model.Subscription{}, err
	}
	_, err = s.db.ExecContext(ctx, s.q(`INSERT INTO subscriptions (id, tenant_id, url, events, secret, created_at) VALUES (?,?,?,?,?,?)`),
		id, req.TenantID, req.URL, events, req.Secret, millis(time.Now()))
	if err != nil {
		return model.Subscription{}, err
	}
	return model.Subscription{ID: id, TenantID: req.TenantID, URL: req.URL, Events: append([]string(nil), req.Events...), Secret: req.Secret}, nil
}

func (s *SQL) querySubscriptions(ctx context.Context, query string, args ...any) ([]model.Subscription, error) {
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Subscription{}
	for rows.Next() {
		var (
			sub    model.Subscription
			events string
		)
		if err := rows.Scan(&sub.ID, &sub.TenantID, &sub.URL, &events, &sub.Secret); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(events), &sub.Events); err != nil {
			return nil, fmt.Errorf("decode subscription events: %w", err)
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *SQL) GetSubscriptionsForEvent(ctx context.Context, tenantID, eventType string) ([]model.Subscription, error) {
	all, err := s.querySubscriptions(ctx, `SELECT id, tenant_id, url, events, secret FROM subscriptions WHERE tenant_id=? ORDER BY id`, tenantID)
	if err != nil {
		return nil, err
	}
	var out []model.Subscription
	for _, sub := range all {
		if hasEvent(sub.Events, eventType) {
			out = append(out, sub)
		}
	}
	return out, nil
}

func (s *SQL) ListSubscriptions(ctx context.Context, tenantID, cursor string, limit int) ([]model.Subscription, string, error) {
	limit = clampLimit(limit)
	out, err := s.querySubscriptions(ctx, `SELECT id, tenant_id, url, events, secret FROM subscriptions WHERE tenant_id=? AND id > ? ORDER BY id LIMIT ?`, tenantID, cursor, limit+1)
	if err != nil {
		return nil, "", err
	}
	return page(out, limit, func(s model.Subscription) string { return s.ID })
}

func (s *SQL) DeleteSubscription(ctx context.Context, tenantID, id string) error {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM subscriptions WHERE tenant_id=? AND id=?`), tenantID, id)
	if err != nil {
		return err
	}
	return expectRow(res)
}

// Webhook deliveries

const deliveryColumns = `id, tenant_id, subscription_id, event_type, url, secret, payload, status, attempts, next_attempt_at, last_error, response_code, latency_ms`

func (s *SQL) EnqueueWebhook(ctx context.Context, tenantID, subscriptionID, eventType, url, secret string, payload []byte) (string, error) {
	id, err := newID()
	if err != nil {
		return "", err
	}
	key := computeDedupKey(payload)
	now := millis(time.Now())
	res, err := s.db.ExecContext(ctx, s.q(`INSERT INTO webhook_deliveries (id, tenant_id, subscription_id, event_type, url, secret, payload, status, attempts, next_attempt_at, dedup_key, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,0,?,?,?,?)
		ON CONFLICT (tenant_id, event_type, url, dedup_key) DO NOTHING`),
		id, tenantID, subscriptionID, eventType, url, secret, string(payload), DeliveryPending, now, key, now, now)
	if err != nil {
		return "", err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return id, nil
	}
	var existing string
	err = s.db.QueryRowContext(ctx, s.q(`SELECT id FROM webhook_deliveries WHERE tenant_id=? AND event_type=? AND url=? AND dedup_key=?`),
		tenantID, eventType, url, key).Scan(&existing)
	return existing, err
}

func (s *SQL) queryDeliveries(ctx context.Context, query string, args ...any) ([]WebhookDelivery, error) {
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []WebhookDelivery{}
	for rows.Next() {
		var (
			d       WebhookDelivery
			payload string
			next    sql.NullInt64
		)
		if err := rows.Scan(&d.ID, &d.TenantID, &d.SubscriptionID, &d.EventType, &d.URL, &d.Secret, &payload,
			&d.Status, &d.Attempts, &next, &d.LastError, &d.ResponseCode, &d.LatencyMs); err != nil {
			return nil, err
		}
		d.Payload = []byte(payload)
		if next.Valid {
			t := fromMillis(next.Int64)
			d.NextAttemptAt = &t
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *SQL) FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.queryDeliveries(ctx, `SELECT `+deliveryColumns+` FROM webhook_deliveries
		WHERE status IN ('pending','retry') AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
		ORDER BY next_attempt_at, id LIMIT ?`, millis(time.Now()), limit)
}

func (s *SQL) MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error {
	now := time.Now()
	var (
		res sql.Result
		err error
	)
	if success {
		res, err = s.db.ExecContext(ctx, s.q(`UPDATE webhook_deliveries SET status=?, attempts=attempts+1, next_attempt_at=NULL, last_error='', response_code=?, latency_ms=?, updated_at=? WHERE id=?`),
			DeliveryDelivered, responseCode, latencyMs, millis(now), id)
	} else {
		next := now.Add(time.Minute)
		if nextAttemptAt != nil {
			next = *nextAttemptAt
		}
		res, err = s.db.ExecContext(ctx, s.q(`UPDATE webhook_deliveries SET status=?, attempts=attempts+1, next_attempt_at=?, last_error=?, response_code=?, latency_ms=?, updated_at=? WHERE id=?`),
			DeliveryRetry, millis(next), lastError, responseCode, latencyMs, millis(now), id)
	}
	if err != nil {
		return err
	}
	return expectRow(res)
}

func (s *SQL) FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE webhook_deliveries SET status=?, attempts=attempts+1, next_attempt_at=NULL, last_error=?, response_code=?, latency_ms=?, updated_at=? WHERE id=?`),
		DeliveryFailed, lastError, responseCode, latencyMs, millis(time.Now()), id)
	if err != nil {
		return err
	}
	return expectRow(res)
}

func (s *SQL) ListWebhookDeliveries(ctx context.Context, tenantID, status, cursor string, limit int) ([]WebhookDelivery, string, error) {
	limit = clampLimit(limit)
	out, err := s.queryDeliveries(ctx, `SELECT `+deliveryColumns+` FROM webhook_deliveries
		WHERE tenant_id=? AND (? = '' OR status = ?) AND id > ? ORDER BY id LIMIT ?`, tenantID, status, status, cursor, limit+1)
	if err != nil {
		return nil, "", err
	}
	return page(out, limit, func(d WebhookDelivery) string { return d.ID })
}

func (s *SQL) RetryWebhookDelivery(ctx context.Context, tenantID, id string) error {
	now := millis(time.Now())
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE webhook_deliveries SET status=?, next_attempt_at=?, updated_at=? WHERE tenant_id=? AND id=?`),
		DeliveryPending, now, now, tenantID, id)
	if err != nil {
		return err
	}
	return expectRow(res)
}

func (s *SQL) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQL) Close() error { return s.db.Close() }
