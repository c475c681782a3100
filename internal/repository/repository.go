// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/opensource-finance/ibis/internal/domain"
)

var (
	ErrInvalidInput = errors.New("invalid input")
)

// Default and maximum page sizes for queue listings.
const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveRawMessage stores an inbound SMS with institution isolation.
func (r *SQLRepository) SaveRawMessage(ctx context.Context, institutionID string, msg *domain.RawMessage) error {
	if institutionID == "" {
		return fmt.Errorf("%w: institutionID is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO raw_messages (
			id, institution_id, sender, body, received_at, created_at,
			parse_status, parse_error, resolution_status, resolution_note
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		msg.ID, institutionID, msg.Sender, msg.Body,
		msg.ReceivedAt, msg.CreatedAt,
		string(msg.ParseStatus), msg.ParseError,
		string(msg.ResolutionStatus), msg.ResolutionNote,
	)
	return err
}

// GetRawMessage retrieves a raw message by ID with institution isolation.
func (r *SQLRepository) GetRawMessage(ctx context.Context, institutionID string, msgID string) (*domain.RawMessage, error) {
	if institutionID == "" {
		return nil, fmt.Errorf("%w: institutionID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, institution_id, sender, body, received_at, created_at,
		       parse_status, parse_error, resolution_status, resolution_note
		FROM raw_messages
		WHERE institution_id = ? AND id = ?
	`

	var msg domain.RawMessage
	var parseStatus, resolutionStatus string

	err := r.db.QueryRowContext(ctx, r.rebind(query), institutionID, msgID).Scan(
		&msg.ID, &msg.InstitutionID, &msg.Sender, &msg.Body,
		&msg.ReceivedAt, &msg.CreatedAt,
		&parseStatus, &msg.ParseError,
		&resolutionStatus, &msg.ResolutionNote,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	msg.ParseStatus = domain.ParseStatus(parseStatus)
	msg.ResolutionStatus = domain.ResolutionStatus(resolutionStatus)

	return &msg, nil
}

// MarkMessageParsed flips a message to parsed and clears any error detail.
func (r *SQLRepository) MarkMessageParsed(ctx context.Context, institutionID string, msgID string) error {
	return r.updateMessageStatus(ctx, institutionID, msgID,
		`UPDATE raw_messages SET parse_status = 'parsed', parse_error = '' WHERE institution_id = ? AND id = ?`)
}

// MarkMessageError records a parse failure; the message stays open in the
// parse-errors queue until an operator resolves it.
func (r *SQLRepository) MarkMessageError(ctx context.Context, institutionID string, msgID string, detail string) error {
	if institutionID == "" {
		return fmt.Errorf("%w: institutionID is required", ErrInvalidInput)
	}

	query := `UPDATE raw_messages SET parse_status = 'error', parse_error = ? WHERE institution_id = ? AND id = ?`
	result, err := r.db.ExecContext(ctx, r.rebind(query), detail, institutionID, msgID)
	if err != nil {
		return err
	}
	return requireRow(result)
}

// ResolveMessage closes a parse-error queue item with an operator note.
func (r *SQLRepository) ResolveMessage(ctx context.Context, institutionID string, msgID string, note string) error {
	if institutionID == "" {
		return fmt.Errorf("%w: institutionID is required", ErrInvalidInput)
	}

	query := `UPDATE raw_messages SET resolution_status = 'resolved', resolution_note = ? WHERE institution_id = ? AND id = ?`
	result, err := r.db.ExecContext(ctx, r.rebind(query), note, institutionID, msgID)
	if err != nil {
		return err
	}
	return requireRow(result)
}

// ListParseErrors returns open parse failures, newest first.
func (r *SQLRepository) ListParseErrors(ctx context.Context, institutionID string, q domain.ListQuery) ([]*domain.RawMessage, error) {
	if institutionID == "" {
		return nil, fmt.Errorf("%w: institutionID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, institution_id, sender, body, received_at, created_at,
		       parse_status, parse_error, resolution_status, resolution_note
		FROM raw_messages
		WHERE institution_id = ?
		  AND parse_status = 'error'
		  AND resolution_status = 'open'
	`
	args := []any{institutionID}

	if q.Search != "" {
		query += ` AND (sender LIKE ? OR body LIKE ?)`
		like := "%" + q.Search + "%"
		args = append(args, like, like)
	}

	query += ` ORDER BY received_at DESC LIMIT ? OFFSET ?`
	limit, offset := pageBounds(q)
	args = append(args, limit, offset)

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []*domain.RawMessage
	for rows.Next() {
		var msg domain.RawMessage
		var parseStatus, resolutionStatus string

		if err := rows.Scan(
			&msg.ID, &msg.InstitutionID, &msg.Sender, &msg.Body,
			&msg.ReceivedAt, &msg.CreatedAt,
			&parseStatus, &msg.ParseError,
			&resolutionStatus, &msg.ResolutionNote,
		); err != nil {
			return nil, err
		}

		msg.ParseStatus = domain.ParseStatus(parseStatus)
		msg.ResolutionStatus = domain.ResolutionStatus(resolutionStatus)
		messages = append(messages, &msg)
	}

	return messages, rows.Err()
}

const transactionColumns = `
	id, institution_id, amount_minor, currency, payer_name, payer_phone,
	momo_reference, internal_reference, allocation_status, confidence,
	raw_message_id, member_id, group_id, allocated_at,
	reversal_reason, reversed_at, duplicate_dismissed, occurred_at, created_at`

// SaveTransaction stores a transaction with institution isolation.
func (r *SQLRepository) SaveTransaction(ctx context.Context, institutionID string, tx *domain.Transaction) error {
	if institutionID == "" {
		return fmt.Errorf("%w: institutionID is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO transactions (` + transactionColumns + `
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		tx.ID, institutionID, tx.AmountMinor, tx.Currency,
		tx.PayerName, tx.PayerPhone,
		tx.MomoReference, tx.InternalReference,
		string(tx.Status), tx.Confidence,
		tx.RawMessageID, tx.MemberID, tx.GroupID, tx.AllocatedAt,
		tx.ReversalReason, tx.ReversedAt,
		boolToInt(tx.DuplicateDismissed),
		tx.OccurredAt, tx.CreatedAt,
	)
	return err
}

// GetTransaction retrieves a transaction by ID with institution isolation.
func (r *SQLRepository) GetTransaction(ctx context.Context, institutionID string, txID string) (*domain.Transaction, error) {
	if institutionID == "" {
		return nil, fmt.Errorf("%w: institutionID is required", ErrInvalidInput)
	}

	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE institution_id = ? AND id = ?`

	tx, err := r.scanTransaction(r.db.QueryRowContext(ctx, r.rebind(query), institutionID, txID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return tx, err
}

// ListUnallocated returns unallocated transactions, newest first, with
// free-text search over payer name, phone, and references.
func (r *SQLRepository) ListUnallocated(ctx context.Context, institutionID string, q domain.ListQuery) ([]*domain.Transaction, error) {
	if institutionID == "" {
		return nil, fmt.Errorf("%w: institutionID is required", ErrInvalidInput)
	}

	query := `SELECT ` + transactionColumns + `
		FROM transactions
		WHERE institution_id = ? AND allocation_status = 'unallocated'`
	args := []any{institutionID}

	if q.Search != "" {
		query += ` AND (payer_name LIKE ? OR payer_phone LIKE ? OR momo_reference LIKE ? OR internal_reference LIKE ?)`
		like := "%" + q.Search + "%"
		args = append(args, like, like, like, like)
	}

	query += ` ORDER BY occurred_at DESC LIMIT ? OFFSET ?`
	limit, offset := pageBounds(q)
	args = append(args, limit, offset)

	return r.queryTransactions(ctx, query, args...)
}

// ListForDedup returns detection candidates: everything that still counts
// toward double-crediting (not reversed, not dismissed) in the lookback span.
func (r *SQLRepository) ListForDedup(ctx context.Context, institutionID string, since time.Time) ([]*domain.Transaction, error) {
	if institutionID == "" {
		return nil, fmt.Errorf("%w: institutionID is required", ErrInvalidInput)
	}

	query := `SELECT ` + transactionColumns + `
		FROM transactions
		WHERE institution_id = ?
		  AND allocation_status != 'reversed'
		  AND duplicate_dismissed = 0
		  AND occurred_at >= ?
		ORDER BY occurred_at ASC`

	return r.queryTransactions(ctx, query, institutionID, since)
}

// AllocateTransaction performs the compare-and-swap allocation update.
// Exactly one concurrent caller can move a transaction out of unallocated;
// everyone else gets ErrAlreadyAllocated.
func (r *SQLRepository) AllocateTransaction(ctx context.Context, institutionID string, txID string, target domain.AllocationTarget) (*domain.Transaction, error) {
	if institutionID == "" {
		return nil, fmt.Errorf("%w: institutionID is required", ErrInvalidInput)
	}

	memberID, groupID := "", ""
	switch target.Kind {
	case domain.TargetMember:
		memberID = target.ID
	case domain.TargetGroup:
		groupID = target.ID
	default:
		return nil, fmt.Errorf("%w: unknown target kind %q", domain.ErrValidation, target.Kind)
	}
	if target.ID == "" {
		return nil, fmt.Errorf("%w: target id is required", domain.ErrValidation)
	}

	now := time.Now().UTC()
	query := `
		UPDATE transactions
		SET allocation_status = 'allocated', member_id = ?, group_id = ?, allocated_at = ?
		WHERE institution_id = ? AND id = ? AND allocation_status = 'unallocated'
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query), memberID, groupID, now, institutionID, txID)
	if err != nil {
		return nil, err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		return nil, r.classifyConflict(ctx, institutionID, txID, domain.ErrAlreadyAllocated)
	}

	return r.GetTransaction(ctx, institutionID, txID)
}

// ReverseTransaction performs the audited allocated -> reversed transition.
func (r *SQLRepository) ReverseTransaction(ctx context.Context, institutionID string, txID string, reason string) (*domain.Transaction, error) {
	if institutionID == "" {
		return nil, fmt.Errorf("%w: institutionID is required", ErrInvalidInput)
	}

	now := time.Now().UTC()
	query := `
		UPDATE transactions
		SET allocation_status = 'reversed', reversal_reason = ?, reversed_at = ?
		WHERE institution_id = ? AND id = ? AND allocation_status = 'allocated'
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query), reason, now, institutionID, txID)
	if err != nil {
		return nil, err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		return nil, r.classifyConflict(ctx, institutionID, txID, domain.ErrNotAllocated)
	}

	return r.GetTransaction(ctx, institutionID, txID)
}

// DismissDuplicate marks a transaction as ruled out by an operator.
func (r *SQLRepository) DismissDuplicate(ctx context.Context, institutionID string, txID string) error {
	if institutionID == "" {
		return fmt.Errorf("%w: institutionID is required", ErrInvalidInput)
	}

	query := `UPDATE transactions SET duplicate_dismissed = 1 WHERE institution_id = ? AND id = ?`
	result, err := r.db.ExecContext(ctx, r.rebind(query), institutionID, txID)
	if err != nil {
		return err
	}
	return requireRow(result)
}

// GetParsingConfig retrieves an institution's parsing configuration.
// Returns ErrNotFound if the institution has never saved settings.
func (r *SQLRepository) GetParsingConfig(ctx context.Context, institutionID string) (*domain.ParsingConfig, error) {
	if institutionID == "" {
		return nil, fmt.Errorf("%w: institutionID is required", ErrInvalidInput)
	}

	query := `
		SELECT institution_id, parse_mode, confidence_threshold, dedupe_window_minutes, review_rules, updated_at
		FROM parsing_configs
		WHERE institution_id = ?
	`

	var cfg domain.ParsingConfig
	var mode, reviewRules string

	err := r.db.QueryRowContext(ctx, r.rebind(query), institutionID).Scan(
		&cfg.InstitutionID, &mode, &cfg.ConfidenceThreshold,
		&cfg.DedupeWindowMinutes, &reviewRules, &cfg.UpdatedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	cfg.ParseMode = domain.ParseMode(mode)
	if err := json.Unmarshal([]byte(reviewRules), &cfg.ReviewRules); err != nil {
		return nil, fmt.Errorf("failed to parse review rules: %w", err)
	}

	return &cfg, nil
}

// SaveParsingConfig upserts an institution's parsing configuration.
func (r *SQLRepository) SaveParsingConfig(ctx context.Context, institutionID string, cfg *domain.ParsingConfig) error {
	if institutionID == "" {
		return fmt.Errorf("%w: institutionID is required", ErrInvalidInput)
	}

	rules := cfg.ReviewRules
	if rules == nil {
		rules = []string{}
	}
	reviewRules, _ := json.Marshal(rules)
	now := time.Now().UTC()

	query := `
		INSERT INTO parsing_configs (
			institution_id, parse_mode, confidence_threshold, dedupe_window_minutes, review_rules, updated_at
		) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(institution_id) DO UPDATE SET
			parse_mode = excluded.parse_mode,
			confidence_threshold = excluded.confidence_threshold,
			dedupe_window_minutes = excluded.dedupe_window_minutes,
			review_rules = excluded.review_rules,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		institutionID, string(cfg.ParseMode), cfg.ConfidenceThreshold,
		cfg.DedupeWindowMinutes, string(reviewRules), now,
	)
	return err
}

// CountUnallocated returns the unallocated transaction count for health checks.
func (r *SQLRepository) CountUnallocated(ctx context.Context, institutionID string) (int64, error) {
	return r.countWhere(ctx, institutionID,
		`SELECT COUNT(*) FROM transactions WHERE institution_id = ? AND allocation_status = 'unallocated'`)
}

// CountOpenParseErrors returns the open parse-error count for health checks.
func (r *SQLRepository) CountOpenParseErrors(ctx context.Context, institutionID string) (int64, error) {
	return r.countWhere(ctx, institutionID,
		`SELECT COUNT(*) FROM raw_messages WHERE institution_id = ? AND parse_status = 'error' AND resolution_status = 'open'`)
}

// LastMessageReceivedAt returns when the institution last received an SMS,
// or nil if it never has. Used for the stale-source health flag.
func (r *SQLRepository) LastMessageReceivedAt(ctx context.Context, institutionID string) (*time.Time, error) {
	if institutionID == "" {
		return nil, fmt.Errorf("%w: institutionID is required", ErrInvalidInput)
	}

	query := `SELECT MAX(received_at) FROM raw_messages WHERE institution_id = ?`

	var last sql.NullTime
	if err := r.db.QueryRowContext(ctx, r.rebind(query), institutionID).Scan(&last); err != nil {
		return nil, err
	}
	if !last.Valid {
		return nil, nil
	}
	t := last.Time.UTC()
	return &t, nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// classifyConflict explains a zero-row conditional update: the transaction is
// missing, belongs to another institution, or is in the wrong state.
// Cross-institution hits are reported, never silently corrected.
func (r *SQLRepository) classifyConflict(ctx context.Context, institutionID, txID string, stateErr error) error {
	query := `SELECT institution_id FROM transactions WHERE id = ?`

	var owner string
	err := r.db.QueryRowContext(ctx, r.rebind(query), txID).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound
	}
	if err != nil {
		return err
	}
	if owner != institutionID {
		return domain.ErrCrossInstitution
	}
	return stateErr
}

func (r *SQLRepository) updateMessageStatus(ctx context.Context, institutionID, msgID, query string) error {
	if institutionID == "" {
		return fmt.Errorf("%w: institutionID is required", ErrInvalidInput)
	}

	result, err := r.db.ExecContext(ctx, r.rebind(query), institutionID, msgID)
	if err != nil {
		return err
	}
	return requireRow(result)
}

func (r *SQLRepository) queryTransactions(ctx context.Context, query string, args ...any) ([]*domain.Transaction, error) {
	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transactions []*domain.Transaction
	for rows.Next() {
		tx, err := r.scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, tx)
	}

	return transactions, rows.Err()
}

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func (r *SQLRepository) scanTransaction(row rowScanner) (*domain.Transaction, error) {
	var tx domain.Transaction
	var status string
	var allocatedAt, reversedAt sql.NullTime
	var dismissed int

	if err := row.Scan(
		&tx.ID, &tx.InstitutionID, &tx.AmountMinor, &tx.Currency,
		&tx.PayerName, &tx.PayerPhone,
		&tx.MomoReference, &tx.InternalReference,
		&status, &tx.Confidence,
		&tx.RawMessageID, &tx.MemberID, &tx.GroupID, &allocatedAt,
		&tx.ReversalReason, &reversedAt,
		&dismissed, &tx.OccurredAt, &tx.CreatedAt,
	); err != nil {
		return nil, err
	}

	tx.Status = domain.AllocationStatus(status)
	if allocatedAt.Valid {
		t := allocatedAt.Time.UTC()
		tx.AllocatedAt = &t
	}
	if reversedAt.Valid {
		t := reversedAt.Time.UTC()
		tx.ReversedAt = &t
	}
	tx.DuplicateDismissed = dismissed == 1

	return &tx, nil
}

func (r *SQLRepository) countWhere(ctx context.Context, institutionID, query string) (int64, error) {
	if institutionID == "" {
		return 0, fmt.Errorf("%w: institutionID is required", ErrInvalidInput)
	}

	var count int64
	err := r.db.QueryRowContext(ctx, r.rebind(query), institutionID).Scan(&count)
	return count, err
}

// rebind converts ? placeholders to $1, $2, ... for PostgreSQL.
// SQLite queries pass through unchanged.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var sb strings.Builder
	sb.Grow(len(query) + 8)
	n := 0
	for _, c := range query {
		if c == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteRune(c)
	}
	return sb.String()
}

func requireRow(result sql.Result) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func pageBounds(q domain.ListQuery) (limit, offset int) {
	limit = q.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	offset = q.Offset
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
