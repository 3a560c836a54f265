package storage

import (
	"context"
	"time"

	"shadowtun/internal/storage/models"
)

// Storage defines the interface for data persistence
type Storage interface {
	// Mapping operations
	SaveMapping(ctx context.Context, mapping *models.Mapping) error
	SaveMappings(ctx context.Context, mappings []*models.Mapping) error
	GetMapping(ctx context.Context, ip string) (*models.Mapping, error)
	ListMappings(ctx context.Context, filter MappingFilter) ([]*models.Mapping, error)
	CountMappings(ctx context.Context) (int, error)
	PruneMappings(ctx context.Context, before time.Time) (int64, error)

	// Settings operations
	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error
	GetAllSettings(ctx context.Context) (map[string]string, error)

	// Active session
	SetActiveSession(ctx context.Context, session *models.ActiveSession) error
	GetActiveSession(ctx context.Context) (*models.ActiveSession, error)
	ClearActiveSession(ctx context.Context) error

	// Transactions
	BeginTx(ctx context.Context) (Transaction, error)

	// Close closes the storage connection
	Close() error
}

// MappingFilter represents filters for querying mappings
type MappingFilter struct {
	SearchTerm string // Search in domain and ip
	Limit      int    // 0 means no limit
}

// Transaction represents a database transaction
type Transaction interface {
	Commit() error
	Rollback() error
	Storage
}
