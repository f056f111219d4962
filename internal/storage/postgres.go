package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"

	"github.com/wamux/wamux/pkg/env"
)

// Postgres implements Store on database/sql with either the pgx stdlib driver
// or lib/pq, selected by STORE_DRIVER.
type Postgres struct {
	db *sql.DB

	hookMu       sync.RWMutex
	webhookHooks []func(accountID string)
	webhookCache *activeWebhookCache
}

// OpenPostgres opens the relay datastore using STORE_DRIVER / STORE_DSN and
// bootstraps the schema.
func OpenPostgres(ctx context.Context) (*Postgres, error) {
	driver := normalizeDriver(env.GetEnvStringOrDefault("STORE_DRIVER", "pgx"))
	dsn, err := env.GetEnvString("STORE_DSN")
	if err != nil {
		return nil, fmt.Errorf("parsing STORE_DSN: %w", err)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(10 * time.Minute)
	db.SetConnMaxIdleTime(3 * time.Minute)
	if err = db.PingContext(ctx); err != nil {
		return nil, err
	}

	s := &Postgres{
		db:           db,
		webhookCache: newActiveWebhookCache(env.GetEnvDurationOrDefault("WEBHOOK_CACHE_TTL", 15*time.Second)),
	}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func normalizeDriver(driver string) string {
	switch strings.ToLower(driver) {
	case "postgresql", "postgres":
		return "postgres"
	default:
		return "pgx"
	}
}

func (s *Postgres) migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS relay_accounts (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			phone_number TEXT NOT NULL DEFAULT '',
			address TEXT NOT NULL DEFAULT '',
			qr_payload TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS relay_webhooks (
			id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL REFERENCES relay_accounts(id) ON DELETE CASCADE,
			url TEXT NOT NULL,
			secret TEXT NOT NULL DEFAULT '',
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS relay_webhooks_account_idx ON relay_webhooks (account_id)`,
		`CREATE TABLE IF NOT EXISTS relay_delivery_logs (
			id BIGSERIAL PRIMARY KEY,
			account_id TEXT NOT NULL,
			direction TEXT NOT NULL,
			status TEXT NOT NULL,
			destination TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS relay_delivery_logs_account_idx ON relay_delivery_logs (account_id, created_at DESC)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema bootstrap failed: %w", err)
		}
	}
	return nil
}

func (s *Postgres) Close() error {
	return s.db.Close()
}

// ---------------------------------------------------------------------------
// Accounts

func (s *Postgres) CreateAccount(ctx context.Context, acc *Account) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO relay_accounts (id, name, description, status, phone_number, address, qr_payload, error_message, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
	`, acc.ID, acc.Name, acc.Description, acc.Status, acc.PhoneNumber, acc.Address, acc.QRPayload, acc.ErrorMessage, acc.CreatedAt)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistenceUnavailable, err)
	}
	return nil
}

func (s *Postgres) GetAccount(ctx context.Context, id string) (*Account, error) {
	var acc Account
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, status, phone_number, address, qr_payload, error_message, created_at, updated_at
		FROM relay_accounts
		WHERE id = $1
	`, id).Scan(&acc.ID, &acc.Name, &acc.Description, &acc.Status, &acc.PhoneNumber, &acc.Address, &acc.QRPayload, &acc.ErrorMessage, &acc.CreatedAt, &acc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistenceUnavailable, err)
	}
	return &acc, nil
}

func (s *Postgres) ListAccounts(ctx context.Context) ([]Account, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, description, status, phone_number, address, qr_payload, error_message, created_at, updated_at
		FROM relay_accounts
		ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistenceUnavailable, err)
	}
	defer rows.Close()

	var accounts []Account
	for rows.Next() {
		var acc Account
		if err := rows.Scan(&acc.ID, &acc.Name, &acc.Description, &acc.Status, &acc.PhoneNumber, &acc.Address, &acc.QRPayload, &acc.ErrorMessage, &acc.CreatedAt, &acc.UpdatedAt); err != nil {
			return nil, err
		}
		accounts = append(accounts, acc)
	}
	return accounts, rows.Err()
}

func (s *Postgres) UpdateAccountStatus(ctx context.Context, id string, status AccountStatus, errorMessage string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE relay_accounts
		SET status = $1, error_message = $2, updated_at = CURRENT_TIMESTAMP
		WHERE id = $3
	`, status, errorMessage, id)
	return checkUpdate(res, err)
}

func (s *Postgres) UpdateAccountQR(ctx context.Context, id string, qrPayload string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE relay_accounts
		SET qr_payload = $1, updated_at = CURRENT_TIMESTAMP
		WHERE id = $2
	`, qrPayload, id)
	return checkUpdate(res, err)
}

func (s *Postgres) UpdateAccountAddress(ctx context.Context, id string, phoneNumber string, address string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE relay_accounts
		SET phone_number = $1, address = $2, qr_payload = '', updated_at = CURRENT_TIMESTAMP
		WHERE id = $3
	`, phoneNumber, address, id)
	return checkUpdate(res, err)
}

func (s *Postgres) DeleteAccount(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM relay_accounts WHERE id = $1`, id)
	if err := checkUpdate(res, err); err != nil {
		return err
	}
	s.fireWebhookMutation(id)
	return nil
}

func checkUpdate(res sql.Result, err error) error {
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistenceUnavailable, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// ---------------------------------------------------------------------------
// Webhooks

func (s *Postgres) CreateWebhook(ctx context.Context, wh *Webhook) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO relay_webhooks (id, account_id, url, secret, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
	`, wh.ID, wh.AccountID, wh.URL, wh.Secret, wh.IsActive, wh.CreatedAt)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistenceUnavailable, err)
	}
	s.fireWebhookMutation(wh.AccountID)
	return nil
}

func (s *Postgres) GetWebhook(ctx context.Context, accountID string, webhookID string) (*Webhook, error) {
	var wh Webhook
	err := s.db.QueryRowContext(ctx, `
		SELECT id, account_id, url, secret, is_active, created_at, updated_at
		FROM relay_webhooks
		WHERE id = $1 AND account_id = $2
	`, webhookID, accountID).Scan(&wh.ID, &wh.AccountID, &wh.URL, &wh.Secret, &wh.IsActive, &wh.CreatedAt, &wh.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistenceUnavailable, err)
	}
	return &wh, nil
}

func (s *Postgres) ListWebhooks(ctx context.Context, accountID string) ([]Webhook, error) {
	return s.queryWebhooks(ctx, `
		SELECT id, account_id, url, secret, is_active, created_at, updated_at
		FROM relay_webhooks
		WHERE account_id = $1
	`, accountID)
}

// ActiveWebhooks is a read-through cache over the active webhooks of an
// account; entries expire after the configured TTL and are invalidated
// eagerly on any webhook mutation for the account.
func (s *Postgres) ActiveWebhooks(ctx context.Context, accountID string) ([]Webhook, error) {
	if cached, ok := s.webhookCache.get(accountID); ok {
		return cached, nil
	}

	webhooks, err := s.queryWebhooks(ctx, `
		SELECT id, account_id, url, secret, is_active, created_at, updated_at
		FROM relay_webhooks
		WHERE account_id = $1 AND is_active = TRUE
	`, accountID)
	if err != nil {
		return nil, err
	}
	s.webhookCache.set(accountID, webhooks)
	return webhooks, nil
}

func (s *Postgres) queryWebhooks(ctx context.Context, query string, accountID string) ([]Webhook, error) {
	rows, err := s.db.QueryContext(ctx, query, accountID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistenceUnavailable, err)
	}
	defer rows.Close()

	var webhooks []Webhook
	for rows.Next() {
		var wh Webhook
		if err := rows.Scan(&wh.ID, &wh.AccountID, &wh.URL, &wh.Secret, &wh.IsActive, &wh.CreatedAt, &wh.UpdatedAt); err != nil {
			return nil, err
		}
		webhooks = append(webhooks, wh)
	}
	return webhooks, rows.Err()
}

func (s *Postgres) UpdateWebhook(ctx context.Context, wh *Webhook) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE relay_webhooks
		SET url = $1, secret = $2, is_active = $3, updated_at = CURRENT_TIMESTAMP
		WHERE id = $4 AND account_id = $5
	`, wh.URL, wh.Secret, wh.IsActive, wh.ID, wh.AccountID)
	if err := checkUpdate(res, err); err != nil {
		return err
	}
	s.fireWebhookMutation(wh.AccountID)
	return nil
}

func (s *Postgres) DeleteWebhook(ctx context.Context, accountID string, webhookID string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM relay_webhooks WHERE id = $1 AND account_id = $2
	`, webhookID, accountID)
	if err := checkUpdate(res, err); err != nil {
		return err
	}
	s.fireWebhookMutation(accountID)
	return nil
}

func (s *Postgres) HasWebhookSecret(ctx context.Context, accountID string, secret string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM relay_webhooks
			WHERE account_id = $1 AND secret = $2 AND is_active = TRUE
		)
	`, accountID, secret).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrPersistenceUnavailable, err)
	}
	return exists, nil
}

// AddWebhookMutationHook registers fn to run after every webhook mutation
// for an account (create, update, delete and account deletion).
func (s *Postgres) AddWebhookMutationHook(fn func(accountID string)) {
	s.hookMu.Lock()
	s.webhookHooks = append(s.webhookHooks, fn)
	s.hookMu.Unlock()
}

func (s *Postgres) fireWebhookMutation(accountID string) {
	s.webhookCache.invalidate(accountID)
	s.hookMu.RLock()
	hooks := s.webhookHooks
	s.hookMu.RUnlock()
	for _, fn := range hooks {
		fn(accountID)
	}
}

// ---------------------------------------------------------------------------
// Delivery logs

var deliveryColumns = []string{
	"account_id", "direction", "status", "destination", "detail", "error_message", "created_at",
}

func deliveryValue(rec *DeliveryRecord, column string) interface{} {
	switch column {
	case "account_id":
		return rec.AccountID
	case "direction":
		return rec.Direction
	case "status":
		return rec.Status
	case "destination":
		return rec.Destination
	case "detail":
		return rec.Detail
	case "error_message":
		return rec.ErrorMessage
	case "created_at":
		return rec.CreatedAt
	}
	return nil
}

// InsertDeliveryRecords performs a single multi-row insert. If the database
// rejects a column the schema no longer carries (SQLSTATE 42703), the
// offending column is stripped and the insert retried, so schema drift does
// not lose the batch.
func (s *Postgres) InsertDeliveryRecords(ctx context.Context, recs []DeliveryRecord) error {
	if len(recs) == 0 {
		return nil
	}

	columns := deliveryColumns
	for len(columns) > 1 {
		query, args := buildDeliveryInsert(columns, recs)
		_, err := s.db.ExecContext(ctx, query, args...)
		if err == nil {
			return nil
		}
		column, ok := undefinedColumn(err)
		if !ok {
			return fmt.Errorf("%w: %v", ErrPersistenceUnavailable, err)
		}
		stripped := removeColumn(columns, column)
		if len(stripped) == len(columns) {
			return fmt.Errorf("%w: %v", ErrPersistenceUnavailable, err)
		}
		columns = stripped
	}
	return nil
}

func buildDeliveryInsert(columns []string, recs []DeliveryRecord) (string, []interface{}) {
	var sb strings.Builder
	sb.WriteString("INSERT INTO relay_delivery_logs (")
	sb.WriteString(strings.Join(columns, ", "))
	sb.WriteString(") VALUES ")

	args := make([]interface{}, 0, len(columns)*len(recs))
	placeholder := 1
	for i := range recs {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(")
		for j, column := range columns {
			if j > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", placeholder)
			placeholder++
			args = append(args, deliveryValue(&recs[i], column))
		}
		sb.WriteString(")")
	}
	return sb.String(), args
}

// undefinedColumn extracts the column name from an undefined-column error
// raised by either registered Postgres driver.
func undefinedColumn(err error) (string, bool) {
	const undefinedColumnCode = "42703"

	var pgxErr *pgconn.PgError
	if errors.As(err, &pgxErr) && pgxErr.Code == undefinedColumnCode {
		return columnFromMessage(pgxErr.Message), true
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && string(pqErr.Code) == undefinedColumnCode {
		return columnFromMessage(pqErr.Message), true
	}

	return "", false
}

// columnFromMessage parses `column "name" of relation ...` error text.
func columnFromMessage(message string) string {
	start := strings.Index(message, `"`)
	if start < 0 {
		return ""
	}
	end := strings.Index(message[start+1:], `"`)
	if end < 0 {
		return ""
	}
	return message[start+1 : start+1+end]
}

func removeColumn(columns []string, column string) []string {
	out := make([]string, 0, len(columns))
	for _, c := range columns {
		if c != column {
			out = append(out, c)
		}
	}
	return out
}

func (s *Postgres) RecentDeliveryRecords(ctx context.Context, accountID string, limit int) ([]DeliveryRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT account_id, direction, status, destination, detail, error_message, created_at
		FROM relay_delivery_logs
		WHERE account_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistenceUnavailable, err)
	}
	defer rows.Close()

	var recs []DeliveryRecord
	for rows.Next() {
		var rec DeliveryRecord
		if err := rows.Scan(&rec.AccountID, &rec.Direction, &rec.Status, &rec.Destination, &rec.Detail, &rec.ErrorMessage, &rec.CreatedAt); err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}
