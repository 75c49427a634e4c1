package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/xiaot623/hero/internal/domain"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// For in-memory SQLite, multiple connections create separate databases.
	// Keep a single connection to avoid schema/data disappearing across goroutines.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// migrate runs database migrations.
func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			name TEXT,
			owner_user_id INTEGER NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS participants (
			session_id TEXT NOT NULL,
			participant_type TEXT NOT NULL,
			participant_id INTEGER NOT NULL,
			role TEXT NOT NULL DEFAULT 'member',
			alias TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (session_id, participant_type, participant_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_participants_session_role ON participants(session_id, role)`,
		`CREATE TABLE IF NOT EXISTS frames (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			frame_id TEXT NOT NULL UNIQUE,
			session_id TEXT NOT NULL,
			parent_id TEXT,
			target_ids TEXT,
			ts TEXT NOT NULL,
			type TEXT NOT NULL,
			author_type TEXT NOT NULL,
			author_id INTEGER,
			payload TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_frames_session_ts ON frames(session_id, ts, seq)`,
		`CREATE TABLE IF NOT EXISTS approvals (
			execution_id TEXT PRIMARY KEY,
			ability_name TEXT NOT NULL,
			params TEXT,
			request_hash TEXT NOT NULL,
			owner_user_id INTEGER NOT NULL,
			session_id TEXT,
			status TEXT NOT NULL DEFAULT 'pending',
			reason TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			resolved_at DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_approvals_owner_status ON approvals(owner_user_id, status, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_approvals_session ON approvals(session_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS session_consents (
			session_id TEXT NOT NULL,
			ability_name TEXT NOT NULL,
			granted_by INTEGER NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (session_id, ability_name)
		)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateSession creates a new session.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *domain.Session) error {
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (session_id, name, owner_user_id, created_at) VALUES (?, ?, ?, ?)`,
		session.SessionID, nullString(session.Name), session.OwnerUserID, session.CreatedAt)
	return err
}

// GetSession retrieves a session by ID.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	var session domain.Session
	var name sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id, name, owner_user_id, created_at FROM sessions WHERE session_id = ?`,
		sessionID).Scan(&session.SessionID, &name, &session.OwnerUserID, &session.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	session.Name = name.String
	return &session, nil
}

// DeleteSession removes a session together with its frames, participants,
// approval audit rows and consent memory.
func (s *SQLiteStore) DeleteSession(ctx context.Context, sessionID string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	for _, q := range []string{
		`DELETE FROM frames WHERE session_id = ?`,
		`DELETE FROM participants WHERE session_id = ?`,
		`DELETE FROM approvals WHERE session_id = ?`,
		`DELETE FROM session_consents WHERE session_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, sessionID); err != nil {
			return false, err
		}
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, sessionID)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return affected > 0, nil
}

// AddParticipant adds a participant to a session. Returns false if it already exists.
func (s *SQLiteStore) AddParticipant(ctx context.Context, p *domain.Participant) (bool, error) {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	if p.Role == "" {
		p.Role = domain.RoleMember
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO participants (session_id, participant_type, participant_id, role, alias, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		p.SessionID, p.ParticipantType, p.ParticipantID, p.Role, nullString(p.Alias), p.CreatedAt)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// RemoveParticipant removes a participant from a session.
func (s *SQLiteStore) RemoveParticipant(ctx context.Context, sessionID string, ptype domain.ParticipantType, participantID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM participants WHERE session_id = ? AND participant_type = ? AND participant_id = ?`,
		sessionID, ptype, participantID)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// ListParticipants lists all participants of a session.
func (s *SQLiteStore) ListParticipants(ctx context.Context, sessionID string) ([]domain.Participant, error) {
	return s.queryParticipants(ctx,
		`SELECT session_id, participant_type, participant_id, role, alias, created_at FROM participants WHERE session_id = ? ORDER BY created_at, participant_id`,
		sessionID)
}

// GetUserParticipants lists the user-typed participants of a session.
func (s *SQLiteStore) GetUserParticipants(ctx context.Context, sessionID string) ([]domain.Participant, error) {
	return s.queryParticipants(ctx,
		`SELECT session_id, participant_type, participant_id, role, alias, created_at FROM participants WHERE session_id = ? AND participant_type = ? ORDER BY participant_id`,
		sessionID, domain.ParticipantTypeUser)
}

func (s *SQLiteStore) queryParticipants(ctx context.Context, query string, args ...interface{}) ([]domain.Participant, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Participant
	for rows.Next() {
		var p domain.Participant
		var alias sql.NullString
		if err := rows.Scan(&p.SessionID, &p.ParticipantType, &p.ParticipantID, &p.Role, &alias, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.Alias = alias.String
		out = append(out, p)
	}
	return out, rows.Err()
}

// PromoteCoordinator makes the participant the session coordinator and demotes
// the previous coordinator to member. The owner cannot be promoted.
// Returns false if the participant does not exist or is the owner.
func (s *SQLiteStore) PromoteCoordinator(ctx context.Context, sessionID string, ptype domain.ParticipantType, participantID int64) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var role domain.ParticipantRole
	err = tx.QueryRowContext(ctx,
		`SELECT role FROM participants WHERE session_id = ? AND participant_type = ? AND participant_id = ?`,
		sessionID, ptype, participantID).Scan(&role)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if role == domain.RoleOwner {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE participants SET role = ? WHERE session_id = ? AND role = ?`,
		domain.RoleMember, sessionID, domain.RoleCoordinator); err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE participants SET role = ? WHERE session_id = ? AND participant_type = ? AND participant_id = ?`,
		domain.RoleCoordinator, sessionID, ptype, participantID); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

// CreateFrame appends a frame to the log.
func (s *SQLiteStore) CreateFrame(ctx context.Context, frame *domain.Frame) error {
	targets, err := json.Marshal(frame.TargetIDs)
	if err != nil {
		return fmt.Errorf("failed to marshal target ids: %w", err)
	}
	var authorID sql.NullInt64
	if frame.AuthorID != nil {
		authorID = sql.NullInt64{Int64: *frame.AuthorID, Valid: true}
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO frames (frame_id, session_id, parent_id, target_ids, ts, type, author_type, author_id, payload) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		frame.ID, frame.SessionID, nullString(frame.ParentID), string(targets), frame.Timestamp, frame.Type, frame.AuthorType, authorID, nullStringBytes(frame.Payload))
	return err
}

// GetFrames retrieves frames for a session in ascending timestamp order.
// With FromTimestamp the earliest Limit frames after it are returned; otherwise
// Limit selects the most recent frames.
func (s *SQLiteStore) GetFrames(ctx context.Context, sessionID string, filter FrameFilter) ([]domain.Frame, error) {
	query := `SELECT frame_id, session_id, parent_id, target_ids, ts, type, author_type, author_id, payload FROM frames WHERE session_id = ?`
	args := []interface{}{sessionID}

	if filter.Type != "" {
		query += ` AND type = ?`
		args = append(args, filter.Type)
	}
	if filter.FromTimestamp != "" {
		query += ` AND ts > ?`
		args = append(args, filter.FromTimestamp)
	}
	if filter.BeforeTimestamp != "" {
		query += ` AND ts < ?`
		args = append(args, filter.BeforeTimestamp)
	}

	descending := filter.Limit > 0 && filter.FromTimestamp == ""
	if descending {
		query += ` ORDER BY ts DESC, seq DESC`
	} else {
		query += ` ORDER BY ts ASC, seq ASC`
	}
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var frames []domain.Frame
	for rows.Next() {
		var f domain.Frame
		var parentID, targets, payload sql.NullString
		var authorID sql.NullInt64
		if err := rows.Scan(&f.ID, &f.SessionID, &parentID, &targets, &f.Timestamp, &f.Type, &f.AuthorType, &authorID, &payload); err != nil {
			return nil, err
		}
		f.ParentID = parentID.String
		if targets.Valid && targets.String != "" {
			if err := json.Unmarshal([]byte(targets.String), &f.TargetIDs); err != nil {
				return nil, fmt.Errorf("failed to decode target ids of %s: %w", f.ID, err)
			}
		}
		if f.TargetIDs == nil {
			f.TargetIDs = []string{}
		}
		if authorID.Valid {
			id := authorID.Int64
			f.AuthorID = &id
		}
		if payload.Valid {
			f.Payload = json.RawMessage(payload.String)
		}
		frames = append(frames, f)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if descending {
		for i, j := 0, len(frames)-1; i < j; i, j = i+1, j-1 {
			frames[i], frames[j] = frames[j], frames[i]
		}
	}
	return frames, nil
}

// CreateApproval creates a pending approval audit row.
func (s *SQLiteStore) CreateApproval(ctx context.Context, record *domain.ApprovalRecord) error {
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}
	if record.Status == "" {
		record.Status = domain.ApprovalStatusPending
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO approvals (execution_id, ability_name, params, request_hash, owner_user_id, session_id, status, reason, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ExecutionID, record.AbilityName, nullStringBytes(record.Params), record.RequestHash, record.OwnerUserID, nullString(record.SessionID), record.Status, nullString(record.Reason), record.CreatedAt)
	return err
}

const approvalColumns = `execution_id, ability_name, params, request_hash, owner_user_id, session_id, status, reason, created_at, resolved_at`

// GetApproval retrieves an approval audit row by execution ID.
func (s *SQLiteStore) GetApproval(ctx context.Context, executionID string) (*domain.ApprovalRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE execution_id = ?`, executionID)
	record, err := scanApproval(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return record, nil
}

// ResolveApproval moves a pending approval to a terminal status.
// Returns false if the approval was not pending.
func (s *SQLiteStore) ResolveApproval(ctx context.Context, executionID string, status domain.ApprovalStatus, reason string) (bool, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE approvals SET status = ?, reason = ?, resolved_at = ? WHERE execution_id = ? AND status = ?`,
		status, nullString(reason), now, executionID, domain.ApprovalStatusPending)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// ListApprovals lists approval audit rows, newest first.
func (s *SQLiteStore) ListApprovals(ctx context.Context, filter ApprovalFilter) ([]domain.ApprovalRecord, error) {
	query := `SELECT ` + approvalColumns + ` FROM approvals WHERE 1 = 1`
	args := []interface{}{}

	if filter.OwnerUserID != 0 {
		query += ` AND owner_user_id = ?`
		args = append(args, filter.OwnerUserID)
	}
	if filter.SessionID != "" {
		query += ` AND session_id = ?`
		args = append(args, filter.SessionID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ApprovalRecord
	for rows.Next() {
		record, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *record)
	}
	return out, rows.Err()
}

// ExpirePendingApprovals marks every pending approval as timed out.
func (s *SQLiteStore) ExpirePendingApprovals(ctx context.Context, reason string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE approvals SET status = ?, reason = ?, resolved_at = ? WHERE status = ?`,
		domain.ApprovalStatusTimeout, reason, time.Now(), domain.ApprovalStatusPending)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanApproval(row rowScanner) (*domain.ApprovalRecord, error) {
	var ap domain.ApprovalRecord
	var params, sessionID, reason sql.NullString
	var resolvedAt sql.NullTime
	if err := row.Scan(&ap.ExecutionID, &ap.AbilityName, &params, &ap.RequestHash, &ap.OwnerUserID, &sessionID, &ap.Status, &reason, &ap.CreatedAt, &resolvedAt); err != nil {
		return nil, err
	}
	if params.Valid {
		ap.Params = json.RawMessage(params.String)
	}
	ap.SessionID = sessionID.String
	ap.Reason = reason.String
	if resolvedAt.Valid {
		ap.ResolvedAt = &resolvedAt.Time
	}
	return &ap, nil
}

// GrantConsent remembers an ability as pre-approved for a session.
func (s *SQLiteStore) GrantConsent(ctx context.Context, consent *domain.SessionConsent) error {
	if consent.CreatedAt.IsZero() {
		consent.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO session_consents (session_id, ability_name, granted_by, created_at) VALUES (?, ?, ?, ?)`,
		consent.SessionID, consent.AbilityName, consent.GrantedBy, consent.CreatedAt)
	return err
}

// RevokeConsent forgets a remembered approval.
func (s *SQLiteStore) RevokeConsent(ctx context.Context, sessionID, abilityName string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM session_consents WHERE session_id = ? AND ability_name = ?`,
		sessionID, abilityName)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// HasConsent reports whether the ability is pre-approved for the session.
func (s *SQLiteStore) HasConsent(ctx context.Context, sessionID, abilityName string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM session_consents WHERE session_id = ? AND ability_name = ?`,
		sessionID, abilityName).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListConsents lists the remembered approvals of a session.
func (s *SQLiteStore) ListConsents(ctx context.Context, sessionID string) ([]domain.SessionConsent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, ability_name, granted_by, created_at FROM session_consents WHERE session_id = ? ORDER BY ability_name`,
		sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.SessionConsent
	for rows.Next() {
		var c domain.SessionConsent
		if err := rows.Scan(&c.SessionID, &c.AbilityName, &c.GrantedBy, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullStringBytes(b []byte) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}
