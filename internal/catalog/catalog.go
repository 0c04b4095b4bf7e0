package catalog

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Frequency is how often a requirement recurs
type Frequency string

const (
	FrequencyMonthly      Frequency = "monthly"
	FrequencyQuarterly    Frequency = "quarterly"
	FrequencyAnnual       Frequency = "annual"
	FrequencyAdHoc        Frequency = "adhoc"
	FrequencyTriggerBased Frequency = "trigger_based"
)

// Priority weights requirements for alert severity decisions
type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityUrgent Priority = "urgent"
)

// PenaltyRule is the typed penalty structure for a requirement. All amounts
// are integers in the smallest currency unit. Validated at load time, not at
// evaluation time.
type PenaltyRule struct {
	LateFilingFee int64 `yaml:"late_filing_fee" validate:"gte=0"`
	DailyRate     int64 `yaml:"daily_rate" validate:"gte=0"`
	Maximum       int64 `yaml:"maximum" validate:"gte=0"`
}

// Applicability is the predicate deciding whether a requirement binds a
// subject. Zero values mean "no constraint".
type Applicability struct {
	SubjectTypes     []string `yaml:"subject_types"`
	MinAnnualRevenue int64    `yaml:"min_annual_revenue" validate:"gte=0"`
	MinEmployees     int      `yaml:"min_employees" validate:"gte=0"`
}

// Requirement is a named obligation type owned by one authority. Immutable
// configuration, loaded once per tenant.
type Requirement struct {
	ID            string        `yaml:"id" validate:"required"`
	Authority     string        `yaml:"authority" validate:"required"`
	Name          string        `yaml:"name" validate:"required"`
	Frequency     Frequency     `yaml:"frequency" validate:"required,oneof=monthly quarterly annual adhoc trigger_based"`
	DueDayOffset  int           `yaml:"due_day_offset" validate:"gte=0,lte=28"`
	DueMonth      time.Month    `yaml:"due_month" validate:"gte=0,lte=12"`
	DueDay        int           `yaml:"due_day" validate:"gte=0,lte=31"`
	Applicability Applicability `yaml:"applicability"`
	Penalty       PenaltyRule   `yaml:"penalty"`
	Priority      Priority      `yaml:"priority" validate:"omitempty,oneof=normal urgent"`
}

// Authority is an independent regulator. RegistrationRule describes when a
// subject must hold a registration number with this authority; the score
// aggregator treats a qualifying subject without one as a hard failure.
type Authority struct {
	Code             string           `yaml:"code" validate:"required"`
	Name             string           `yaml:"name" validate:"required"`
	// TaxAuthority enables the VAT-registration and tax-identifier checks
	// in score aggregation for this authority
	TaxAuthority     bool             `yaml:"tax_authority"`
	RegistrationRule RegistrationRule `yaml:"registration_rule"`
}

// RegistrationRule marks registration as required once either bound is met.
// Zero values mean registration is never mandatory for that dimension.
type RegistrationRule struct {
	MinEmployees     int   `yaml:"min_employees" validate:"gte=0"`
	MinAnnualRevenue int64 `yaml:"min_annual_revenue" validate:"gte=0"`
}

// Catalog is the loaded, validated authority and requirement set
type Catalog struct {
	Authorities  []Authority
	Requirements []Requirement

	// Issues holds per-requirement validation failures surfaced at load.
	// An invalid requirement is excluded from evaluation; the rest of the
	// catalog still loads.
	Issues []string

	byAuthority map[string][]Requirement
	byID        map[string]Requirement
	authorities map[string]Authority
}

type catalogFile struct {
	Authorities  []Authority   `yaml:"authorities"`
	Requirements []Requirement `yaml:"requirements"`
}

// Load reads and validates the requirement catalog from a YAML file.
// Malformed individual requirements are skipped and recorded in Issues;
// an unreadable file or an empty valid set is a fatal error.
func Load(path string, logger *slog.Logger) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog file: %w", err)
	}

	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse catalog file: %w", err)
	}

	return build(file, logger)
}

func build(file catalogFile, logger *slog.Logger) (*Catalog, error) {
	validate := validator.New()

	cat := &Catalog{
		byAuthority: make(map[string][]Requirement),
		byID:        make(map[string]Requirement),
		authorities: make(map[string]Authority),
	}

	for _, auth := range file.Authorities {
		if err := validate.Struct(auth); err != nil {
			return nil, fmt.Errorf("invalid authority %q: %w", auth.Code, err)
		}
		cat.Authorities = append(cat.Authorities, auth)
		cat.authorities[auth.Code] = auth
	}
	if len(cat.Authorities) == 0 {
		return nil, fmt.Errorf("catalog defines no authorities")
	}

	for _, req := range file.Requirements {
		if err := validateRequirement(validate, cat, req); err != nil {
			issue := fmt.Sprintf("requirement %q: %v", req.ID, err)
			cat.Issues = append(cat.Issues, issue)
			logger.Error("Skipping invalid requirement definition",
				"requirement_id", req.ID,
				"authority", req.Authority,
				"error", err)
			continue
		}
		if req.Priority == "" {
			req.Priority = PriorityNormal
		}
		cat.Requirements = append(cat.Requirements, req)
		cat.byAuthority[req.Authority] = append(cat.byAuthority[req.Authority], req)
		cat.byID[req.ID] = req
	}
	if len(cat.Requirements) == 0 {
		return nil, fmt.Errorf("catalog contains no valid requirements")
	}

	logger.Info("Requirement catalog loaded",
		"authorities", len(cat.Authorities),
		"requirements", len(cat.Requirements),
		"skipped", len(cat.Issues))

	return cat, nil
}

func validateRequirement(validate *validator.Validate, cat *Catalog, req Requirement) error {
	if err := validate.Struct(req); err != nil {
		return err
	}
	if _, ok := cat.authorities[req.Authority]; !ok {
		return fmt.Errorf("unknown authority %q", req.Authority)
	}
	if _, dup := cat.byID[req.ID]; dup {
		return fmt.Errorf("duplicate requirement id")
	}
	if req.Penalty.Maximum > 0 && req.Penalty.LateFilingFee > req.Penalty.Maximum {
		return fmt.Errorf("late filing fee %d exceeds penalty maximum %d",
			req.Penalty.LateFilingFee, req.Penalty.Maximum)
	}
	if req.Frequency == FrequencyAnnual && (req.DueMonth == 0 || req.DueDay == 0) {
		return fmt.Errorf("annual requirement needs due_month and due_day")
	}
	return nil
}

// ByID returns a requirement definition by its identifier
func (c *Catalog) ByID(id string) (Requirement, bool) {
	req, ok := c.byID[id]
	return req, ok
}

// ForAuthority returns all valid requirements owned by an authority
func (c *Catalog) ForAuthority(code string) []Requirement {
	return c.byAuthority[code]
}

// Authority returns an authority by code
func (c *Catalog) Authority(code string) (Authority, bool) {
	auth, ok := c.authorities[code]
	return auth, ok
}

// AppliesTo evaluates the applicability predicate against subject attributes
func (r Requirement) AppliesTo(subjectType string, employees int, annualRevenue int64) bool {
	if len(r.Applicability.SubjectTypes) > 0 {
		found := false
		for _, st := range r.Applicability.SubjectTypes {
			if st == subjectType {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if employees < r.Applicability.MinEmployees {
		return false
	}
	if annualRevenue < r.Applicability.MinAnnualRevenue {
		return false
	}
	return true
}

// Required reports whether a subject must hold a registration with this
// authority given its employee count and revenue
func (rr RegistrationRule) Required(employees int, annualRevenue int64) bool {
	if rr.MinEmployees > 0 && employees >= rr.MinEmployees {
		return true
	}
	if rr.MinAnnualRevenue > 0 && annualRevenue >= rr.MinAnnualRevenue {
		return true
	}
	return false
}
