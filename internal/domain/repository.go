// Package domain defines the core interfaces and types for Ibis.
package domain

import (
	"context"
	"time"
)

// ListQuery is the shared pagination/search contract for the reconciliation
// queues. Search matches payer name, payer phone, and references.
type ListQuery struct {
	Search string
	Limit  int
	Offset int
}

// Repository defines the interface for data persistence.
// All methods require institutionID for strict institution isolation;
// cross-institution access is a defect, not a feature.
type Repository interface {
	// Raw message operations
	SaveRawMessage(ctx context.Context, institutionID string, msg *RawMessage) error
	GetRawMessage(ctx context.Context, institutionID string, msgID string) (*RawMessage, error)
	MarkMessageParsed(ctx context.Context, institutionID string, msgID string) error
	MarkMessageError(ctx context.Context, institutionID string, msgID string, detail string) error
	ResolveMessage(ctx context.Context, institutionID string, msgID string, note string) error
	ListParseErrors(ctx context.Context, institutionID string, q ListQuery) ([]*RawMessage, error)

	// Transaction operations
	SaveTransaction(ctx context.Context, institutionID string, tx *Transaction) error
	GetTransaction(ctx context.Context, institutionID string, txID string) (*Transaction, error)
	ListUnallocated(ctx context.Context, institutionID string, q ListQuery) ([]*Transaction, error)

	// ListForDedup returns candidate transactions for duplicate detection:
	// not reversed, not dismissed, occurred since the given time.
	ListForDedup(ctx context.Context, institutionID string, since time.Time) ([]*Transaction, error)

	// AllocateTransaction is the single serialization point for allocation.
	// It performs a conditional update: the transaction must be unallocated
	// at execution time or the call fails with ErrAlreadyAllocated. Returns
	// the updated record on success.
	AllocateTransaction(ctx context.Context, institutionID string, txID string, target AllocationTarget) (*Transaction, error)

	// ReverseTransaction transitions allocated -> reversed with an audit
	// reason. Fails with ErrNotAllocated unless currently allocated.
	ReverseTransaction(ctx context.Context, institutionID string, txID string, reason string) (*Transaction, error)

	// DismissDuplicate flags a transaction so the duplicate detector skips it.
	DismissDuplicate(ctx context.Context, institutionID string, txID string) error

	// Parsing configuration
	GetParsingConfig(ctx context.Context, institutionID string) (*ParsingConfig, error)
	SaveParsingConfig(ctx context.Context, institutionID string, cfg *ParsingConfig) error

	// Health projections
	CountUnallocated(ctx context.Context, institutionID string) (int64, error)
	CountOpenParseErrors(ctx context.Context, institutionID string) (int64, error)
	LastMessageReceivedAt(ctx context.Context, institutionID string) (*time.Time, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
