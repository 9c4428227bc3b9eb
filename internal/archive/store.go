// Package archive persists finished commands to a SQL database so the audit
// trail outlives the in-memory history.
package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"device-command-service/internal/config"
	"device-command-service/internal/model"
)

// Supported database drivers
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Record is one archived command
type Record struct {
	ID             string                 `json:"id"`
	DeviceID       string                 `json:"device_id"`
	CommandType    model.CommandType      `json:"command_type"`
	Status         model.CommandStatus    `json:"status"`
	Priority       string                 `json:"priority"`
	RetryCount     int                    `json:"retry_count"`
	Parameters     map[string]interface{} `json:"parameters,omitempty"`
	ErrorMessage   string                 `json:"error_message,omitempty"`
	LatencyMs      *float64               `json:"latency_ms,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
	QueuedAt       *time.Time             `json:"queued_at,omitempty"`
	TransmittedAt  *time.Time             `json:"transmitted_at,omitempty"`
	AcknowledgedAt *time.Time             `json:"acknowledged_at,omitempty"`
	CompletedAt    time.Time              `json:"completed_at"`
}

// Store reads and writes the command archive
type Store struct {
	db     *sql.DB
	driver string
	logger *zap.Logger
}

// Open connects to the archive database described by cfg and, when enabled,
// applies migrations
func Open(cfg *config.Config, logger *zap.Logger) (*Store, error) {
	db, err := sql.Open(cfg.Archive.Driver, cfg.GetArchiveDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open archive database: %w", err)
	}

	if cfg.Archive.Driver == DriverSQLite {
		// sqlite permits one writer; a single connection also keeps
		// in-memory databases consistent across calls
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(cfg.Archive.MaxOpenConns)
		db.SetMaxIdleConns(cfg.Archive.MaxIdleConns)
		db.SetConnMaxLifetime(cfg.Archive.MaxLifetime)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach archive database: %w", err)
	}

	store := NewStore(db, cfg.Archive.Driver, logger)
	if cfg.Archive.Migrate {
		if err := NewMigrator(db, cfg.Archive.Driver, logger).Up(); err != nil {
			db.Close()
			return nil, err
		}
	}
	return store, nil
}

// NewStore wraps an already opened database
func NewStore(db *sql.DB, driver string, logger *zap.Logger) *Store {
	return &Store{
		db:     db,
		driver: driver,
		logger: logger.With(zap.String("component", "archive")),
	}
}

// Driver returns the database driver name
func (s *Store) Driver() string { return s.driver }

// Ping checks the database connection
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database
func (s *Store) Close() error {
	return s.db.Close()
}

// Save upserts the final state of a command
func (s *Store) Save(ctx context.Context, cmd *model.DeviceCommand, completedAt time.Time) error {
	query := `
		INSERT INTO command_archive (
			id, device_id, command_type, status, priority, retry_count,
			parameters, error_message, latency_ms, created_at, queued_at,
			transmitted_at, acknowledged_at, completed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			retry_count = excluded.retry_count,
			error_message = excluded.error_message,
			latency_ms = excluded.latency_ms,
			transmitted_at = excluded.transmitted_at,
			acknowledged_at = excluded.acknowledged_at,
			completed_at = excluded.completed_at
	`

	params, err := json.Marshal(cmd.Parameters)
	if err != nil {
		return fmt.Errorf("failed to encode parameters: %w", err)
	}

	var latency sql.NullFloat64
	if d, ok := cmd.TransmitLatency(); ok {
		latency = sql.NullFloat64{Float64: float64(d) / float64(time.Millisecond), Valid: true}
	}

	_, err = s.db.ExecContext(ctx, query,
		cmd.ID, cmd.DeviceID, string(cmd.Type), string(cmd.Status), int(cmd.Priority),
		cmd.RetryCount, string(params), cmd.ErrorMessage, latency,
		cmd.CreatedAt.UnixMilli(), millis(cmd.QueuedAt), millis(cmd.TransmittedAt),
		millis(cmd.AcknowledgedAt), completedAt.UnixMilli(),
	)
	if err != nil {
		s.logger.Error("Failed to archive command", zap.String("command_id", cmd.ID), zap.Error(err))
		return fmt.Errorf("failed to archive command: %w", err)
	}

	return nil
}

// ListByDevice returns the newest archived commands for a device
func (s *Store) ListByDevice(ctx context.Context, deviceID string, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, device_id, command_type, status, priority, retry_count,
			   parameters, error_message, latency_ms, created_at, queued_at,
			   transmitted_at, acknowledged_at, completed_at
		FROM command_archive
		WHERE device_id = $1
		ORDER BY completed_at DESC, id
		LIMIT $2
	`

	rows, err := s.db.QueryContext(ctx, query, deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list archived commands: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate archived commands: %w", err)
	}

	return records, nil
}

// Count returns the number of archived commands
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM command_archive`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count archived commands: %w", err)
	}
	return n, nil
}

// DeleteOlderThan removes commands completed before cutoff
func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM command_archive WHERE completed_at < $1`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to prune archive: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected > 0 {
		s.logger.Info("Archive pruned", zap.Int64("deleted", rowsAffected), zap.Time("cutoff", cutoff))
	}
	return rowsAffected, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row scanner) (*Record, error) {
	var (
		record         Record
		commandType    string
		status         string
		priority       int
		params         sql.NullString
		errorMessage   sql.NullString
		latency        sql.NullFloat64
		createdAt      int64
		queuedAt       sql.NullInt64
		transmittedAt  sql.NullInt64
		acknowledgedAt sql.NullInt64
		completedAt    int64
	)

	err := row.Scan(
		&record.ID, &record.DeviceID, &commandType, &status, &priority,
		&record.RetryCount, &params, &errorMessage, &latency, &createdAt,
		&queuedAt, &transmittedAt, &acknowledgedAt, &completedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan archived command: %w", err)
	}

	record.CommandType = model.CommandType(commandType)
	record.Status = model.CommandStatus(status)
	record.Priority = model.Priority(priority).String()
	record.ErrorMessage = errorMessage.String
	if latency.Valid {
		v := latency.Float64
		record.LatencyMs = &v
	}
	if params.Valid && params.String != "" && params.String != "null" {
		if err := json.Unmarshal([]byte(params.String), &record.Parameters); err != nil {
			return nil, fmt.Errorf("failed to decode parameters of %s: %w", record.ID, err)
		}
	}
	record.CreatedAt = time.UnixMilli(createdAt).UTC()
	record.QueuedAt = fromMillis(queuedAt)
	record.TransmittedAt = fromMillis(transmittedAt)
	record.AcknowledgedAt = fromMillis(acknowledgedAt)
	record.CompletedAt = time.UnixMilli(completedAt).UTC()

	return &record, nil
}

func millis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}
