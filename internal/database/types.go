package database

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/kareemschultz/kaj-gcmc-bts-sub010/internal/config"
)

// Obligation status state machine. Resolved is terminal and reached only via
// an external satisfied signal; void marks instances whose requirement no
// longer applies (archived, never deleted).
const (
	StatusUpcoming = "upcoming"
	StatusDueToday = "due_today"
	StatusOverdue  = "overdue"
	StatusResolved = "resolved"
	StatusVoid     = "void"
)

// Alert types
const (
	AlertDeadlineReminder    = "deadline_reminder"
	AlertDeadlineApproaching = "deadline_approaching"
	AlertDeadlineToday       = "deadline_today"
	AlertDeadlineOverdue     = "deadline_overdue"
	AlertPenaltyAccruing     = "penalty_accruing"
	AlertEscalationRequired  = "escalation_required"
	AlertComplianceCritical  = "compliance_critical"
	AlertComplianceDeclining = "compliance_declining"
	AlertMissingRegistration = "missing_registration"
)

// Alert severities
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// Compliance levels
const (
	LevelCompliant   = "compliant"
	LevelMinorIssues = "minor_issues"
	LevelMajorIssues = "major_issues"
	LevelCritical    = "critical"
)

// Connect establishes a database connection
func Connect(cfg config.DatabaseConfig) (*sqlx.DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.Username, cfg.Password, cfg.Name, cfg.SSLMode,
	)

	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}

// RunMigrations runs database migrations
func RunMigrations(cfg config.DatabaseConfig) error {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.Username, cfg.Password, cfg.Name, cfg.SSLMode,
	)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database for migrations: %w", err)
	}
	defer db.Close()

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(cfg.MigrationsPath, "postgres", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// AuditFields are common row timestamps
type AuditFields struct {
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// SubjectProfile is the regulated entity being monitored. Mutated by external
// CRUD collaborators; read-only to the engine.
type SubjectProfile struct {
	ID               string     `db:"id" json:"id"`
	TenantID         string     `db:"tenant_id" json:"tenant_id"`
	Name             string     `db:"name" json:"name"`
	SubjectType      string     `db:"subject_type" json:"subject_type"`
	Region           string     `db:"region" json:"region"`
	RegistrationDate time.Time  `db:"registration_date" json:"registration_date"`
	EmployeeCount    int        `db:"employee_count" json:"employee_count"`
	AnnualRevenue    int64      `db:"annual_revenue" json:"annual_revenue"`
	TaxIdentifier    *string    `db:"tax_identifier" json:"tax_identifier,omitempty"`
	VATRegistered    bool       `db:"vat_registered" json:"vat_registered"`
	Registrations    StringMap  `db:"registrations" json:"registrations"`
	Active           bool       `db:"active" json:"active"`
	AuditFields
}

// HasRegistration reports whether the subject holds a registration number
// with the given authority
func (s *SubjectProfile) HasRegistration(authority string) bool {
	num, ok := s.Registrations[authority]
	return ok && num != ""
}

// ObligationInstance is one concrete occurrence of a requirement for one
// subject in one period. Natural key: (tenant, subject, requirement, period).
type ObligationInstance struct {
	ID                  string     `db:"id" json:"id"`
	TenantID            string     `db:"tenant_id" json:"tenant_id"`
	SubjectID           string     `db:"subject_id" json:"subject_id"`
	RequirementID       string     `db:"requirement_id" json:"requirement_id"`
	Authority           string     `db:"authority" json:"authority"`
	PeriodLabel         string     `db:"period_label" json:"period_label"`
	DueDate             time.Time  `db:"due_date" json:"due_date"`
	Status              string     `db:"status" json:"status"`
	DaysOverdue         int        `db:"days_overdue" json:"days_overdue"`
	AccruedPenalty      int64      `db:"accrued_penalty" json:"accrued_penalty"`
	LastEvaluatedAt     *time.Time `db:"last_evaluated_at" json:"last_evaluated_at,omitempty"`
	ResolvedAt          *time.Time `db:"resolved_at" json:"resolved_at,omitempty"`
	Archived            bool       `db:"archived" json:"archived"`
	NeedsReconciliation bool       `db:"needs_reconciliation" json:"needs_reconciliation"`
	AuditFields
}

// ActiveForMonitoring reports whether the instance still participates in
// monitoring
func (o *ObligationInstance) ActiveForMonitoring() bool {
	return !o.Archived && o.Status != StatusResolved && o.Status != StatusVoid
}

// Alert is a notification-worthy event tied to an obligation or a subject.
// DedupKey is (subject, requirement-or-none, type); the repository enforces
// at most one unacknowledged alert per key inside the dedup window.
type Alert struct {
	ID             string     `db:"id" json:"id"`
	TenantID       string     `db:"tenant_id" json:"tenant_id"`
	SubjectID      string     `db:"subject_id" json:"subject_id"`
	ObligationID   *string    `db:"obligation_id" json:"obligation_id,omitempty"`
	RequirementID  *string    `db:"requirement_id" json:"requirement_id,omitempty"`
	Authority      string     `db:"authority" json:"authority"`
	Type           string     `db:"type" json:"type"`
	Severity       string     `db:"severity" json:"severity"`
	Title          string     `db:"title" json:"title"`
	Message        string     `db:"message" json:"message"`
	ActionRequired string     `db:"action_required" json:"action_required"`
	DedupKey       string     `db:"dedup_key" json:"dedup_key"`
	Acknowledged   bool       `db:"acknowledged" json:"acknowledged"`
	AcknowledgedAt *time.Time `db:"acknowledged_at" json:"acknowledged_at,omitempty"`
	AcknowledgedBy *string    `db:"acknowledged_by" json:"acknowledged_by,omitempty"`
	Archived       bool       `db:"archived" json:"archived"`
	AuditFields
}

// ComplianceScore is the per-subject, per-authority aggregate. Superseded on
// every run; the prior value survives only as PreviousScore.
type ComplianceScore struct {
	ID            string         `db:"id" json:"id"`
	TenantID      string         `db:"tenant_id" json:"tenant_id"`
	SubjectID     string         `db:"subject_id" json:"subject_id"`
	Authority     string         `db:"authority" json:"authority"`
	Score         int            `db:"score" json:"score"`
	Level         string         `db:"level" json:"level"`
	Issues        StringSlice    `db:"issues" json:"issues"`
	PreviousScore sql.NullInt64  `db:"previous_score" json:"previous_score,omitempty"`
	ComputedAt    time.Time      `db:"computed_at" json:"computed_at"`
}

// AlertStats are alert counts for the operations API
type AlertStats struct {
	Total        int `db:"total" json:"total"`
	Open         int `db:"open" json:"open"`
	Acknowledged int `db:"acknowledged" json:"acknowledged"`
	Critical     int `db:"critical" json:"critical"`
	High         int `db:"high" json:"high"`
	Medium       int `db:"medium" json:"medium"`
	Low          int `db:"low" json:"low"`
}

// StringMap stores a map[string]string as JSONB
type StringMap map[string]string

func (m StringMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

func (m *StringMap) Scan(value interface{}) error {
	if value == nil {
		*m = nil
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	default:
		return fmt.Errorf("cannot scan %T into StringMap", value)
	}
}

// StringSlice stores a []string as JSONB
type StringSlice []string

func (s StringSlice) Value() (driver.Value, error) {
	if s == nil {
		return json.Marshal([]string{})
	}
	return json.Marshal(s)
}

func (s *StringSlice) Scan(value interface{}) error {
	if value == nil {
		*s = nil
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, s)
	case string:
		return json.Unmarshal([]byte(v), s)
	default:
		return fmt.Errorf("cannot scan %T into StringSlice", value)
	}
}
