package hospital

import (
	"context"
	"time"
)

// LabSource reads laboratory results from a hospital information system.
// Implementations connect to a specific HIS (Heliant, ...) and map its rows
// to LabResult.
type LabSource interface {
	FetchLabResults(ctx context.Context, phone string, from, to time.Time) ([]LabResult, error)

	// Adapter metadata
	SourceSystem() string
	SourceInstitution() string

	Health(ctx context.Context) error
	Close() error
}

// MaxImportRange is the longest collection window a single import may span
const MaxImportRange = 366 * 24 * time.Hour

// Config holds common configuration for hospital adapters
type Config struct {
	// Database connection
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Database string `json:"database"`
	User     string `json:"user"`
	Password string `json:"password"`
	Encrypt  bool   `json:"encrypt"`

	InstitutionName string `json:"institution_name"`

	MaxOpenConns int           `json:"max_open_conns"`
	QueryTimeout time.Duration `json:"query_timeout"`
	// MaxRange caps the span of a single import.
	MaxRange time.Duration `json:"max_range"`
}

// DefaultConfig returns default adapter configuration
func DefaultConfig() Config {
	return Config{
		Port:         1433, // SQL Server default
		MaxOpenConns: 10,
		QueryTimeout: 30 * time.Second,
		MaxRange:     MaxImportRange,
	}
}
