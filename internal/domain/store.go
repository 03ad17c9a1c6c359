package domain

import (
	"context"
	"time"
)

// ExecutionStore persists execution records for audit and reporting. The
// engine core runs entirely in memory; this store is an optional write-behind.
type ExecutionStore interface {
	Insert(ctx context.Context, rec ExecutionRecord) error
	ListByOpportunity(ctx context.Context, oppID string) ([]ExecutionRecord, error)
	ListRecent(ctx context.Context, limit int) ([]ExecutionRecord, error)
	ListBefore(ctx context.Context, cutoff time.Time, limit int) ([]ExecutionRecord, error)
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// OpportunityStore persists opportunities that reached a terminal state.
type OpportunityStore interface {
	Insert(ctx context.Context, opp Opportunity) error
	ListRecent(ctx context.Context, limit int) ([]Opportunity, error)
	ListBefore(ctx context.Context, cutoff time.Time, limit int) ([]Opportunity, error)
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// BlobWriter stores an object under a key.
type BlobWriter interface {
	Write(ctx context.Context, key string, data []byte, contentType string) error
}

// BlobReader retrieves and lists stored objects.
type BlobReader interface {
	Read(ctx context.Context, key string) ([]byte, error)
	List(ctx context.Context, prefix string) ([]string, error)
}

// Archiver moves aged rows out of hot storage into blob storage.
type Archiver interface {
	ArchiveBefore(ctx context.Context, cutoff time.Time) error
}
