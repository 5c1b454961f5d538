package heliant

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/denisenkom/go-mssqldb" // SQL Server driver
	"github.com/healthnexus/platform/internal/adapters/hospital"
	"github.com/healthnexus/platform/internal/shared/types"
)

// Adapter implements hospital.LabSource for Heliant HIS
type Adapter struct {
	db     *sql.DB
	config Config
}

var _ hospital.LabSource = (*Adapter)(nil)

// Config holds Heliant adapter configuration
type Config struct {
	hospital.Config

	// Heliant-specific settings
	PatientTable   string `json:"patient_table"`
	LabResultTable string `json:"lab_result_table"`
}

// DefaultHeliantConfig returns default Heliant configuration
func DefaultHeliantConfig() Config {
	return Config{
		Config:         hospital.DefaultConfig(),
		PatientTable:   "dbo.Patients",
		LabResultTable: "dbo.LabResults",
	}
}

// New opens and verifies the SQL Server connection
func New(ctx context.Context, cfg Config) (*Adapter, error) {
	connStr := fmt.Sprintf("server=%s;port=%d;database=%s;user id=%s;password=%s",
		cfg.Host,
		cfg.Port,
		cfg.Database,
		cfg.User,
		cfg.Password,
	)
	if cfg.Encrypt {
		connStr += ";encrypt=true;TrustServerCertificate=true"
	}

	db, err := sql.Open("sqlserver", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxOpenConns / 2)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return NewWithDB(db, cfg), nil
}

// NewWithDB wraps an already open connection
func NewWithDB(db *sql.DB, cfg Config) *Adapter {
	return &Adapter{db: db, config: cfg}
}

// Health checks database connectivity
func (a *Adapter) Health(ctx context.Context) error {
	return a.db.PingContext(ctx)
}

// Close closes the connection pool
func (a *Adapter) Close() error {
	return a.db.Close()
}

// SourceSystem returns the source system name
func (a *Adapter) SourceSystem() string {
	return "heliant"
}

// SourceInstitution returns the institution name
func (a *Adapter) SourceInstitution() string {
	return a.config.InstitutionName
}

// FetchLabResults retrieves lab results of the patient registered under
// phone, collected between from and to. Heliant stores phones in free form
// so patients are matched on the last ten digits.
func (a *Adapter) FetchLabResults(ctx context.Context, phone string, from, to time.Time) ([]hospital.LabResult, error) {
	normalized := types.NormalizePhone(phone)
	if normalized == "" {
		return nil, fmt.Errorf("phone is required")
	}
	if to.Before(from) {
		return nil, fmt.Errorf("invalid range: %s is before %s", to.Format(time.RFC3339), from.Format(time.RFC3339))
	}
	if a.config.MaxRange > 0 && to.Sub(from) > a.config.MaxRange {
		return nil, fmt.Errorf("range exceeds %s", a.config.MaxRange)
	}

	if a.config.QueryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.config.QueryTimeout)
		defer cancel()
	}

	query := fmt.Sprintf(`
		SELECT
			l.LabResultID,
			l.TestCode,
			l.TestName,
			l.LOINCCode,
			l.Value,
			l.Unit,
			l.ReferenceMin,
			l.ReferenceMax,
			l.Interpretation,
			l.CollectedAt,
			l.ReportedAt,
			l.OrderedBy,
			l.Laboratory,
			l.Notes
		FROM %s l
		INNER JOIN %s p ON l.PatientID = p.PatientID
		WHERE RIGHT(p.MobilePhone, 10) = @phone
		  AND l.CollectedAt >= @from
		  AND l.CollectedAt <= @to
		ORDER BY l.CollectedAt DESC
	`, a.config.LabResultTable, a.config.PatientTable)

	rows, err := a.db.QueryContext(ctx, query,
		sql.Named("phone", normalized),
		sql.Named("from", from),
		sql.Named("to", to),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query lab results: %w", err)
	}
	defer rows.Close()

	results := []hospital.LabResult{}
	for rows.Next() {
		var r hospital.LabResult
		var loinc, unit, refMin, refMax, interp, orderedBy, lab, notes sql.NullString
		var reported sql.NullTime

		err := rows.Scan(
			&r.ID,
			&r.TestCode,
			&r.TestName,
			&loinc,
			&r.Value,
			&unit,
			&refMin,
			&refMax,
			&interp,
			&r.CollectedAt,
			&reported,
			&orderedBy,
			&lab,
			&notes,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan lab result: %w", err)
		}

		r.LOINCCode = loinc.String
		r.Unit = unit.String
		r.ReferenceMin = refMin.String
		r.ReferenceMax = refMax.String
		r.Interpretation = mapInterpretation(interp.String)
		r.OrderedBy = orderedBy.String
		r.Laboratory = lab.String
		r.Notes = notes.String
		if reported.Valid {
			r.ReportedAt = reported.Time
		}

		r.SourceSystem = a.SourceSystem()
		r.SourceInstitution = a.SourceInstitution()

		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read lab results: %w", err)
	}

	return results, nil
}

// mapInterpretation maps Heliant result flags to hospital interpretations
func mapInterpretation(flag string) string {
	switch flag {
	case "N", "n", "normal":
		return "normal"
	case "L", "LL", "low":
		return "low"
	case "H", "HH", "high":
		return "high"
	case "C", "critical", "panic":
		return "critical"
	case "":
		return ""
	default:
		return flag
	}
}
