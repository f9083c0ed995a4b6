// Package store persists shipments behind database/sql. SQLite is the
// default backend; PostgreSQL is selected by the DATABASE_URL scheme.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"signment/internal/types"
)

// ErrNotFound is returned when a tracking number has no shipment.
var ErrNotFound = errors.New("shipment not found")

const (
	connMaxLifetime = time.Hour
	maxIdleConns    = 5
	maxOpenConns    = 15

	initAttempts = 5
)

// Store wraps the shipments database.
type Store struct {
	db      *sql.DB
	driver  string
	log     *zap.Logger
	nowFunc func() time.Time
}

// Open connects to the database named by url and creates the schema,
// retrying with exponential backoff while the database comes up.
func Open(ctx context.Context, url string, log *zap.Logger) (*Store, error) {
	driver, dsn, err := splitURL(url)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetConnMaxLifetime(connMaxLifetime)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetMaxOpenConns(maxOpenConns)

	s := &Store{db: db, driver: driver, log: log, nowFunc: time.Now}
	if err := s.initialize(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// splitURL maps a DATABASE_URL onto a driver name and DSN.
func splitURL(url string) (driver, dsn string, err error) {
	switch {
	case strings.HasPrefix(url, "sqlite://"):
		path := strings.TrimPrefix(url, "sqlite://")
		if path == "" {
			return "", "", fmt.Errorf("sqlite url %q has no path", url)
		}
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return "", "", fmt.Errorf("create database directory: %w", err)
			}
		}
		return "sqlite", path, nil
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		return "pgx", url, nil
	default:
		return "", "", fmt.Errorf("unsupported database url %q", url)
	}
}

// initialize creates the shipments table and indexes. Connection
// errors are retried; schema errors are not.
func (s *Store) initialize(ctx context.Context) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), initAttempts-1), ctx)
	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		if err := s.db.PingContext(ctx); err != nil {
			s.log.Warn("database not ready",
				zap.Int("attempt", attempt),
				zap.Error(err))
			return err
		}
		if err := s.createSchema(ctx); err != nil {
			return backoff.Permanent(err)
		}
		s.log.Info("database initialized", zap.String("driver", s.driver))
		return nil
	}, policy)
}

func (s *Store) createSchema(ctx context.Context) error {
	serial := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.driver == "pgx" {
		serial = "BIGSERIAL PRIMARY KEY"
	}

	schema := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS shipments (
		id %s,
		tracking_number VARCHAR(50) UNIQUE NOT NULL,
		status VARCHAR(50) NOT NULL,
		checkpoints TEXT,
		delivery_location VARCHAR(100) NOT NULL,
		origin_location VARCHAR(100),
		recipient_email VARCHAR(120),
		webhook_url VARCHAR(200),
		email_notifications BOOLEAN DEFAULT TRUE,
		created_at TIMESTAMP NOT NULL,
		last_updated TIMESTAMP NOT NULL
	)`, serial)

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create shipments table: %w", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_shipments_tracking_number ON shipments (tracking_number)",
		"CREATE INDEX IF NOT EXISTS idx_shipments_status ON shipments (status)",
		"CREATE INDEX IF NOT EXISTS idx_shipments_delivery_location ON shipments (delivery_location)",
	}
	for _, idx := range indexes {
		if _, err := s.db.ExecContext(ctx, idx); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $n for the postgres driver.
func (s *Store) rebind(query string) string {
	if s.driver != "pgx" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Close closes the underlying pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies connectivity, used by the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return err
	}
	var one int
	return s.db.QueryRowContext(ctx, "SELECT 1").Scan(&one)
}

const shipmentColumns = `id, tracking_number, status, checkpoints, delivery_location,
	origin_location, recipient_email, webhook_url, email_notifications, created_at, last_updated`

func scanShipment(row interface{ Scan(...any) error }) (*types.Shipment, error) {
	var (
		sh          types.Shipment
		checkpoints sql.NullString
		origin      sql.NullString
		email       sql.NullString
		webhook     sql.NullString
	)
	err := row.Scan(&sh.ID, &sh.TrackingNumber, &sh.Status, &checkpoints,
		&sh.DeliveryLocation, &origin, &email, &webhook,
		&sh.EmailNotifications, &sh.CreatedAt, &sh.LastUpdated)
	if err != nil {
		return nil, err
	}
	sh.Checkpoints = types.SplitCheckpoints(checkpoints.String)
	sh.OriginLocation = origin.String
	sh.RecipientEmail = email.String
	sh.WebhookURL = webhook.String
	return &sh, nil
}

// Get returns the shipment for a tracking number.
func (s *Store) Get(ctx context.Context, trackingNumber string) (*types.Shipment, error) {
	query := s.rebind("SELECT " + shipmentColumns + " FROM shipments WHERE tracking_number = ?")
	sh, err := scanShipment(s.db.QueryRowContext(ctx, query, trackingNumber))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get shipment %s: %w", trackingNumber, err)
	}
	return sh, nil
}

// Save inserts or updates a shipment keyed by tracking number and
// returns the stored row. CreatedAt is preserved on update.
func (s *Store) Save(ctx context.Context, sh *types.Shipment) (*types.Shipment, error) {
	now := s.nowFunc().UTC().Truncate(time.Second)
	sh.LastUpdated = now

	existing, err := s.Get(ctx, sh.TrackingNumber)
	switch {
	case errors.Is(err, ErrNotFound):
		sh.CreatedAt = now
		query := s.rebind(`INSERT INTO shipments
			(tracking_number, status, checkpoints, delivery_location, origin_location,
			 recipient_email, webhook_url, email_notifications, created_at, last_updated)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if _, err := s.db.ExecContext(ctx, query,
			sh.TrackingNumber, sh.Status, types.JoinCheckpoints(sh.Checkpoints),
			sh.DeliveryLocation, nullable(sh.OriginLocation), nullable(sh.RecipientEmail),
			nullable(sh.WebhookURL), sh.EmailNotifications, sh.CreatedAt, sh.LastUpdated); err != nil {
			return nil, fmt.Errorf("insert shipment %s: %w", sh.TrackingNumber, err)
		}
	case err != nil:
		return nil, err
	default:
		sh.CreatedAt = existing.CreatedAt
		sh.ID = existing.ID
		query := s.rebind(`UPDATE shipments SET status = ?, checkpoints = ?,
			delivery_location = ?, origin_location = ?, recipient_email = ?,
			webhook_url = ?, email_notifications = ?, last_updated = ?
			WHERE tracking_number = ?`)
		if _, err := s.db.ExecContext(ctx, query,
			sh.Status, types.JoinCheckpoints(sh.Checkpoints), sh.DeliveryLocation,
			nullable(sh.OriginLocation), nullable(sh.RecipientEmail), nullable(sh.WebhookURL),
			sh.EmailNotifications, sh.LastUpdated, sh.TrackingNumber); err != nil {
			return nil, fmt.Errorf("update shipment %s: %w", sh.TrackingNumber, err)
		}
	}
	return s.Get(ctx, sh.TrackingNumber)
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

// Delete removes a shipment. Returns ErrNotFound if it did not exist.
func (s *Store) Delete(ctx context.Context, trackingNumber string) error {
	query := s.rebind("DELETE FROM shipments WHERE tracking_number = ?")
	res, err := s.db.ExecContext(ctx, query, trackingNumber)
	if err != nil {
		return fmt.Errorf("delete shipment %s: %w", trackingNumber, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns one page of tracking numbers ordered by tracking number,
// plus the total count. statusFilter narrows by status when non-empty.
func (s *Store) List(ctx context.Context, page, perPage int, statusFilter []string) ([]string, int, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 5
	}

	where := ""
	args := []any{}
	if len(statusFilter) > 0 {
		marks := strings.Repeat("?,", len(statusFilter))
		where = " WHERE status IN (" + marks[:len(marks)-1] + ")"
		for _, st := range statusFilter {
			args = append(args, st)
		}
	}

	var total int
	if err := s.db.QueryRowContext(ctx, s.rebind("SELECT COUNT(*) FROM shipments"+where), args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count shipments: %w", err)
	}

	query := s.rebind("SELECT tracking_number FROM shipments" + where +
		" ORDER BY tracking_number LIMIT ? OFFSET ?")
	args = append(args, perPage, (page-1)*perPage)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list shipments: %w", err)
	}
	defer rows.Close()

	var numbers []string
	for rows.Next() {
		var tn string
		if err := rows.Scan(&tn); err != nil {
			return nil, 0, err
		}
		numbers = append(numbers, tn)
	}
	return numbers, total, rows.Err()
}

// Search matches tracking number, status or delivery location
// case-insensitively against the (sanitized) query.
func (s *Store) Search(ctx context.Context, query string, page, perPage int) ([]string, int, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 5
	}
	needle := "%" + strings.ToLower(types.SanitizeInput(query)) + "%"

	where := ` WHERE lower(tracking_number) LIKE ? OR lower(status) LIKE ? OR lower(delivery_location) LIKE ?`

	var total int
	if err := s.db.QueryRowContext(ctx, s.rebind("SELECT COUNT(*) FROM shipments"+where),
		needle, needle, needle).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count search: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind("SELECT tracking_number FROM shipments"+where+
		" ORDER BY tracking_number LIMIT ? OFFSET ?"),
		needle, needle, needle, perPage, (page-1)*perPage)
	if err != nil {
		return nil, 0, fmt.Errorf("search shipments: %w", err)
	}
	defer rows.Close()

	var numbers []string
	for rows.Next() {
		var tn string
		if err := rows.Scan(&tn); err != nil {
			return nil, 0, err
		}
		numbers = append(numbers, tn)
	}
	return numbers, total, rows.Err()
}

// StatusCounts returns the number of shipments per status, for the
// admin stats view.
func (s *Store) StatusCounts(ctx context.Context) (map[string]int, int, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT status, COUNT(*) FROM shipments GROUP BY status")
	if err != nil {
		return nil, 0, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()

	counts := map[string]int{}
	total := 0
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, 0, err
		}
		counts[status] = n
		total += n
	}
	return counts, total, rows.Err()
}

// SetRecipientEmail updates only the notification address.
func (s *Store) SetRecipientEmail(ctx context.Context, trackingNumber, email string) error {
	query := s.rebind("UPDATE shipments SET recipient_email = ?, last_updated = ? WHERE tracking_number = ?")
	res, err := s.db.ExecContext(ctx, query, nullable(email), s.nowFunc().UTC(), trackingNumber)
	if err != nil {
		return fmt.Errorf("set recipient email: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ToggleEmailNotifications flips the per-shipment email flag and
// returns the new value.
func (s *Store) ToggleEmailNotifications(ctx context.Context, trackingNumber string) (bool, error) {
	sh, err := s.Get(ctx, trackingNumber)
	if err != nil {
		return false, err
	}
	enabled := !sh.EmailNotifications
	query := s.rebind("UPDATE shipments SET email_notifications = ?, last_updated = ? WHERE tracking_number = ?")
	if _, err := s.db.ExecContext(ctx, query, enabled, s.nowFunc().UTC(), trackingNumber); err != nil {
		return false, fmt.Errorf("toggle email notifications: %w", err)
	}
	return enabled, nil
}

// SetWebhookURL updates the per-shipment webhook target.
func (s *Store) SetWebhookURL(ctx context.Context, trackingNumber, url string) error {
	query := s.rebind("UPDATE shipments SET webhook_url = ?, last_updated = ? WHERE tracking_number = ?")
	res, err := s.db.ExecContext(ctx, query, nullable(url), s.nowFunc().UTC(), trackingNumber)
	if err != nil {
		return fmt.Errorf("set webhook url: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Exists reports whether the tracking number is taken. Used by ID
// generation.
func (s *Store) Exists(ctx context.Context, trackingNumber string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		s.rebind("SELECT 1 FROM shipments WHERE tracking_number = ?"), trackingNumber).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// GenerateTrackingNumber returns a fresh unique tracking number,
// giving up after ten collisions.
func (s *Store) GenerateTrackingNumber(ctx context.Context) (string, error) {
	for attempt := 0; attempt < 10; attempt++ {
		tn := types.NewTrackingNumber(s.nowFunc())
		taken, err := s.Exists(ctx, tn)
		if err != nil {
			return "", err
		}
		if !taken {
			return tn, nil
		}
	}
	return "", fmt.Errorf("failed to generate unique tracking number after 10 attempts")
}
