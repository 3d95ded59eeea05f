package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) GetUser(ctx context.Context, userID string) (User, error) {
	const query = `
		SELECT id, legal_name, email, initials, password_hash, COALESCE(rotating_secret, ''), locale
		FROM users WHERE id = $1
	`
	var user User
	err := s.db.QueryRowContext(ctx, query, userID).Scan(
		&user.ID, &user.LegalName, &user.Email, &user.Initials,
		&user.PasswordHash, &user.RotatingSecret, &user.Locale,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("lookup user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, legal_name, email, initials, password_hash, rotating_secret, locale)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, user.ID, user.LegalName, user.Email, user.Initials, user.PasswordHash, user.RotatingSecret, user.Locale)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetUserSecret(ctx context.Context, userID, secret string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE users SET rotating_secret=$2 WHERE id=$1`, userID, secret)
	if err != nil {
		return fmt.Errorf("rotate user secret: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) GetDocument(ctx context.Context, key string) (DocumentRecord, error) {
	const query = `
		SELECT key, stage, edit_time, empty_cell_count, marker_counter, attachment_number,
		       locale, timezone, participant_groups
		FROM documents WHERE key = $1
	`
	var rec DocumentRecord
	err := s.db.QueryRowContext(ctx, query, key).Scan(
		&rec.Key, &rec.Stage, &rec.EditTime, &rec.EmptyCellCount, &rec.MarkerCounter,
		&rec.AttachmentNumber, &rec.Locale, &rec.Timezone, &rec.ParticipantGroups,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return DocumentRecord{}, ErrNotFound
	}
	if err != nil {
		return DocumentRecord{}, fmt.Errorf("lookup document: %w", err)
	}
	return rec, nil
}

// CreateDocument inserts the document row and its initial checkpoint in one
// transaction so no document ever exists without a lock token.
func (s *PostgresStore) CreateDocument(ctx context.Context, rec DocumentRecord, first Checkpoint) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create document: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO documents (key, stage, edit_time, empty_cell_count, marker_counter,
		                       attachment_number, locale, timezone, participant_groups)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, rec.Key, rec.Stage, first.Timestamp, rec.EmptyCellCount, rec.MarkerCounter,
		rec.AttachmentNumber, rec.Locale, rec.Timezone, rec.ParticipantGroups)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO audit_log (id, document_key, item, content, server_timestamp)
		VALUES ($1, $2, $3, $4, $5)
	`, first.ID, rec.Key, first.Item, first.Content, first.Timestamp)
	if err != nil {
		return fmt.Errorf("insert initial checkpoint: %w", err)
	}
	return tx.Commit()
}

func (s *PostgresStore) LatestCheckpoint(ctx context.Context, key string) (Checkpoint, error) {
	const query = `
		SELECT id, document_key, item, content, server_timestamp, created_at
		FROM audit_log WHERE document_key = $1
		ORDER BY server_timestamp DESC LIMIT 1
	`
	var cp Checkpoint
	err := s.db.QueryRowContext(ctx, query, key).Scan(
		&cp.ID, &cp.DocumentKey, &cp.Item, &cp.Content, &cp.Timestamp, &cp.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Checkpoint{}, ErrNotFound
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("latest checkpoint: %w", err)
	}
	return cp, nil
}

// AppendCheckpoint commits one audit-log row. The document row's edit_time is
// advanced with a compare-and-swap on the expected token: zero rows updated
// means another session wrote first and the caller's token is stale.
func (s *PostgresStore) AppendCheckpoint(ctx context.Context, key string, expected int64, rec DocumentRecord, cp Checkpoint) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE documents
		SET stage=$3, edit_time=$4, empty_cell_count=$5, marker_counter=$6,
		    attachment_number=$7, participant_groups=$8
		WHERE key=$1 AND edit_time=$2
	`, key, expected, rec.Stage, cp.Timestamp, rec.EmptyCellCount, rec.MarkerCounter,
		rec.AttachmentNumber, rec.ParticipantGroups)
	if err != nil {
		return fmt.Errorf("advance edit time: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrStaleToken
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO audit_log (id, document_key, item, content, server_timestamp)
		VALUES ($1, $2, $3, $4, $5)
	`, cp.ID, key, cp.Item, cp.Content, cp.Timestamp)
	if err != nil {
		return fmt.Errorf("insert checkpoint: %w", err)
	}
	return tx.Commit()
}

func (s *PostgresStore) GetLock(ctx context.Context, key string) (Lock, error) {
	var lock Lock
	err := s.db.QueryRowContext(ctx,
		`SELECT document_key, session_id, acquired_at FROM document_locks WHERE document_key=$1`,
		key,
	).Scan(&lock.DocumentKey, &lock.SessionID, &lock.AcquiredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Lock{}, ErrNotFound
	}
	if err != nil {
		return Lock{}, fmt.Errorf("lookup lock: %w", err)
	}
	return lock, nil
}

func (s *PostgresStore) AcquireLock(ctx context.Context, key, sessionID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO document_locks (document_key, session_id, acquired_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (document_key) DO UPDATE SET session_id=EXCLUDED.session_id, acquired_at=EXCLUDED.acquired_at
	`, key, sessionID, at)
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	return nil
}

func (s *PostgresStore) ReleaseLock(ctx context.Context, key, sessionID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM document_locks WHERE document_key=$1 AND session_id=$2`,
		key, sessionID,
	)
	if err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
