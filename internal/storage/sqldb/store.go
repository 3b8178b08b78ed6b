package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/tjfontaine/capsule-gateway/internal/core/domain"
	"github.com/tjfontaine/capsule-gateway/internal/storage"
	"github.com/tjfontaine/capsule-gateway/internal/storage/dialect"
)

// Store is a SQL implementation of ConfigAdmin that supports multiple database dialects.
type Store struct {
	db      *sqlx.DB
	dialect dialect.Dialect
	now     func() time.Time
}

var _ storage.ConfigAdmin = (*Store)(nil)

// Config holds database connection configuration
type Config struct {
	Driver string // Driver name: sqlite, postgres, mysql
	DSN    string // Data source name / connection string
}

// New opens the database, applies dialect pragmas and creates the schema.
func New(cfg Config) (*Store, error) {
	d, err := dialect.FromDriverName(cfg.Driver)
	if err != nil {
		return nil, fmt.Errorf("unsupported database driver: %w", err)
	}

	dsn, err := normalizeDSN(d, cfg.DSN)
	if err != nil {
		return nil, err
	}

	db, err := sqlx.Open(d.DriverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	for _, stmt := range d.PragmaStatements() {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute pragma: %w", err)
		}
	}

	store := &Store{db: db, dialect: d, now: time.Now}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// NewSQLite creates a SQLite-backed store.
func NewSQLite(dsn string) (*Store, error) {
	return New(Config{Driver: "sqlite", DSN: dsn})
}

// normalizeDSN makes driver-specific adjustments the store depends on.
// MySQL must return DATETIME columns as time.Time.
func normalizeDSN(d dialect.Dialect, dsn string) (string, error) {
	if d.Name() != string(dialect.MySQL) {
		return dsn, nil
	}
	mc, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("invalid mysql dsn: %w", err)
	}
	mc.ParseTime = true
	return mc.FormatDSN(), nil
}

// Dialect returns the dialect being used
func (s *Store) Dialect() dialect.Dialect {
	return s.dialect
}

func (s *Store) initSchema() error {
	key, text, ts := s.dialect.KeyType(), s.dialect.TextType(), s.dialect.TimestampType()
	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS model_configs (
	id %[1]s PRIMARY KEY,
	name %[2]s NOT NULL,
	model %[2]s NOT NULL,
	base_url %[2]s NOT NULL,
	encrypted_api_key %[2]s NOT NULL,
	temperature %[4]s,
	capabilities %[2]s NOT NULL,
	protocol_family VARCHAR(32) NOT NULL,
	created_at %[3]s NOT NULL,
	updated_at %[3]s NOT NULL
)`, key, text, ts, s.dialect.RealType()),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS config_defaults (
	scope %[1]s PRIMARY KEY,
	config_id %[1]s NOT NULL,
	updated_at %[2]s NOT NULL
)`, key, ts),
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// configRow is the on-disk shape of a ModelConfig.
type configRow struct {
	ID              string          `db:"id"`
	Name            string          `db:"name"`
	Model           string          `db:"model"`
	BaseURL         string          `db:"base_url"`
	EncryptedAPIKey string          `db:"encrypted_api_key"`
	Temperature     sql.NullFloat64 `db:"temperature"`
	Capabilities    string          `db:"capabilities"`
	ProtocolFamily  string          `db:"protocol_family"`
	IsDefault       bool            `db:"is_default"`
	CreatedAt       time.Time       `db:"created_at"`
	UpdatedAt       time.Time       `db:"updated_at"`
}

func (r *configRow) toDomain() *domain.ModelConfig {
	cfg := &domain.ModelConfig{
		ID:              r.ID,
		Name:            r.Name,
		Model:           r.Model,
		BaseURL:         r.BaseURL,
		EncryptedAPIKey: r.EncryptedAPIKey,
		Capabilities:    splitCapabilities(r.Capabilities),
		ProtocolFamily:  domain.ProtocolFamily(r.ProtocolFamily),
		IsDefault:       r.IsDefault,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
	if r.Temperature.Valid {
		t := r.Temperature.Float64
		cfg.Temperature = &t
	}
	return cfg
}

func joinCapabilities(caps []domain.Capability) string {
	parts := make([]string, len(caps))
	for i, c := range caps {
		parts[i] = string(c)
	}
	return strings.Join(parts, ",")
}

func splitCapabilities(s string) []domain.Capability {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	caps := make([]domain.Capability, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			caps = append(caps, domain.Capability(p))
		}
	}
	return caps
}

const selectConfig = `SELECT c.id, c.name, c.model, c.base_url, c.encrypted_api_key, c.temperature,
	c.capabilities, c.protocol_family, c.created_at, c.updated_at,
	CASE WHEN EXISTS (SELECT 1 FROM config_defaults d2 WHERE d2.config_id = c.id) THEN 1 ELSE 0 END AS is_default
	FROM model_configs c`

func (s *Store) getOne(ctx context.Context, query string, args ...any) (*domain.ModelConfig, error) {
	var row configRow
	err := s.db.GetContext(ctx, &row, s.dialect.Rebind(query), args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get model config: %w", err)
	}
	return row.toDomain(), nil
}

func (s *Store) GetByID(ctx context.Context, id string) (*domain.ModelConfig, error) {
	return s.getOne(ctx, selectConfig+` WHERE c.id = ?`, id)
}

func (s *Store) GetDefault(ctx context.Context, capability domain.Capability) (*domain.ModelConfig, error) {
	return s.getOne(ctx, selectConfig+` JOIN config_defaults d ON d.config_id = c.id WHERE d.scope = ?`, string(capability))
}

func (s *Store) GetGlobalDefault(ctx context.Context) (*domain.ModelConfig, error) {
	return s.getOne(ctx, selectConfig+` JOIN config_defaults d ON d.config_id = c.id WHERE d.scope = ?`, storage.ScopeGlobal)
}

func (s *Store) List(ctx context.Context) ([]*domain.ModelConfig, error) {
	var rows []configRow
	if err := s.db.SelectContext(ctx, &rows, selectConfig+` ORDER BY c.name, c.id`); err != nil {
		return nil, fmt.Errorf("failed to list model configs: %w", err)
	}
	configs := make([]*domain.ModelConfig, len(rows))
	for i := range rows {
		configs[i] = rows[i].toDomain()
	}
	return configs, nil
}

// Save inserts or replaces a configuration. created_at is preserved on update.
func (s *Store) Save(ctx context.Context, cfg *domain.ModelConfig) error {
	now := s.now().UTC()
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = now
	}
	cfg.UpdatedAt = now

	var temperature sql.NullFloat64
	if cfg.Temperature != nil {
		temperature = sql.NullFloat64{Float64: *cfg.Temperature, Valid: true}
	}

	query := s.dialect.Rebind(`INSERT INTO model_configs
	(id, name, model, base_url, encrypted_api_key, temperature, capabilities, protocol_family, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?) ` + s.dialect.UpsertClause("id", []string{
		"name", "model", "base_url", "encrypted_api_key", "temperature", "capabilities", "protocol_family", "updated_at",
	}))

	_, err := s.db.ExecContext(ctx, query,
		cfg.ID, cfg.Name, cfg.Model, cfg.BaseURL, cfg.EncryptedAPIKey, temperature,
		joinCapabilities(cfg.Capabilities), string(cfg.ProtocolFamily), cfg.CreatedAt, cfg.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save model config: %w", err)
	}
	return nil
}

// Delete removes the configuration and every default pointer to it.
func (s *Store) Delete(ctx context.Context, id string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.dialect.Rebind(`DELETE FROM config_defaults WHERE config_id = ?`), id); err != nil {
		return fmt.Errorf("failed to delete default pointers: %w", err)
	}

	result, err := tx.ExecContext(ctx, s.dialect.Rebind(`DELETE FROM model_configs WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to delete model config: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return storage.ErrNotFound
	}

	return tx.Commit()
}

// SetDefault points scope at configID. The configuration must exist.
func (s *Store) SetDefault(ctx context.Context, scope, configID string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var count int
	if err := tx.GetContext(ctx, &count, s.dialect.Rebind(`SELECT COUNT(*) FROM model_configs WHERE id = ?`), configID); err != nil {
		return fmt.Errorf("failed to check model config: %w", err)
	}
	if count == 0 {
		return storage.ErrNotFound
	}

	query := s.dialect.Rebind(`INSERT INTO config_defaults (scope, config_id, updated_at) VALUES (?, ?, ?) ` +
		s.dialect.UpsertClause("scope", []string{"config_id", "updated_at"}))
	if _, err := tx.ExecContext(ctx, query, scope, configID, s.now().UTC()); err != nil {
		return fmt.Errorf("failed to set default: %w", err)
	}

	return tx.Commit()
}

func (s *Store) DefaultID(ctx context.Context, scope string) (string, error) {
	var id string
	err := s.db.GetContext(ctx, &id, s.dialect.Rebind(`SELECT config_id FROM config_defaults WHERE scope = ?`), scope)
	if errors.Is(err, sql.ErrNoRows) {
		return "", storage.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get default: %w", err)
	}
	return id, nil
}

func (s *Store) Defaults(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryxContext(ctx, `SELECT scope, config_id FROM config_defaults`)
	if err != nil {
		return nil, fmt.Errorf("failed to query defaults: %w", err)
	}
	defer rows.Close()

	defaults := make(map[string]string)
	for rows.Next() {
		var scope, id string
		if err := rows.Scan(&scope, &id); err != nil {
			return nil, fmt.Errorf("failed to scan default: %w", err)
		}
		defaults[scope] = id
	}
	return defaults, rows.Err()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}
