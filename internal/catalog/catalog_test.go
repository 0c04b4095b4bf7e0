package catalog

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeCatalog(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "requirements.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const validCatalog = `
authorities:
  - code: GRA
    name: Guyana Revenue Authority
    tax_authority: true
    registration_rule:
      min_employees: 1
  - code: NIS
    name: National Insurance Scheme

requirements:
  - id: gra-vat-return
    authority: GRA
    name: Monthly VAT Return
    frequency: monthly
    due_day_offset: 21
    applicability:
      min_annual_revenue: 10000000
    penalty:
      late_filing_fee: 100000
      daily_rate: 10000
      maximum: 2000000
    priority: urgent
  - id: gra-corporate-income-tax
    authority: GRA
    name: Annual Corporate Income Tax
    frequency: annual
    due_month: 4
    due_day: 30
    applicability:
      subject_types: [company]
    penalty:
      late_filing_fee: 200000
      daily_rate: 20000
      maximum: 5000000
`

func TestLoad(t *testing.T) {
	t.Run("Valid Catalog", func(t *testing.T) {
		cat, err := Load(writeCatalog(t, validCatalog), testLogger())
		require.NoError(t, err)

		assert.Len(t, cat.Authorities, 2)
		assert.Len(t, cat.Requirements, 2)
		assert.Empty(t, cat.Issues)

		vat, ok := cat.ByID("gra-vat-return")
		require.True(t, ok)
		assert.Equal(t, FrequencyMonthly, vat.Frequency)
		assert.Equal(t, PriorityUrgent, vat.Priority)
		assert.Equal(t, int64(2000000), vat.Penalty.Maximum)

		// Omitted priority defaults to normal
		cit, ok := cat.ByID("gra-corporate-income-tax")
		require.True(t, ok)
		assert.Equal(t, PriorityNormal, cit.Priority)

		gra, ok := cat.Authority("GRA")
		require.True(t, ok)
		assert.True(t, gra.TaxAuthority)

		assert.Len(t, cat.ForAuthority("GRA"), 2)
		assert.Empty(t, cat.ForAuthority("NIS"))
	})

	t.Run("Missing File", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), testLogger())
		assert.Error(t, err)
	})

	t.Run("Invalid Requirement Skipped Not Fatal", func(t *testing.T) {
		cat, err := Load(writeCatalog(t, validCatalog+`
  - id: bad-fee
    authority: GRA
    name: Fee Exceeds Maximum
    frequency: monthly
    penalty:
      late_filing_fee: 500000
      daily_rate: 100
      maximum: 100000
`), testLogger())
		require.NoError(t, err)

		assert.Len(t, cat.Requirements, 2)
		require.Len(t, cat.Issues, 1)
		assert.Contains(t, cat.Issues[0], "bad-fee")

		_, ok := cat.ByID("bad-fee")
		assert.False(t, ok)
	})

	t.Run("Unknown Authority Skipped", func(t *testing.T) {
		cat, err := Load(writeCatalog(t, validCatalog+`
  - id: orphan-filing
    authority: EPA
    name: Orphan Filing
    frequency: monthly
    penalty:
      late_filing_fee: 1000
      daily_rate: 100
      maximum: 10000
`), testLogger())
		require.NoError(t, err)
		assert.Len(t, cat.Requirements, 2)
		assert.Len(t, cat.Issues, 1)
	})

	t.Run("Annual Without Due Date Skipped", func(t *testing.T) {
		cat, err := Load(writeCatalog(t, validCatalog+`
  - id: vague-annual
    authority: GRA
    name: Annual Filing Without A Date
    frequency: annual
    penalty:
      late_filing_fee: 1000
      daily_rate: 100
      maximum: 10000
`), testLogger())
		require.NoError(t, err)
		assert.Len(t, cat.Requirements, 2)
		assert.Len(t, cat.Issues, 1)
	})

	t.Run("Duplicate Requirement ID Skipped", func(t *testing.T) {
		cat, err := Load(writeCatalog(t, validCatalog+`
  - id: gra-vat-return
    authority: GRA
    name: Duplicate VAT Return
    frequency: monthly
    penalty:
      late_filing_fee: 1000
      daily_rate: 100
      maximum: 10000
`), testLogger())
		require.NoError(t, err)
		assert.Len(t, cat.Requirements, 2)
		require.Len(t, cat.Issues, 1)

		// The first definition wins
		vat, ok := cat.ByID("gra-vat-return")
		require.True(t, ok)
		assert.Equal(t, "Monthly VAT Return", vat.Name)
	})

	t.Run("No Authorities Is Fatal", func(t *testing.T) {
		_, err := Load(writeCatalog(t, `
requirements:
  - id: gra-vat-return
    authority: GRA
    name: Monthly VAT Return
    frequency: monthly
`), testLogger())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no authorities")
	})

	t.Run("All Requirements Invalid Is Fatal", func(t *testing.T) {
		_, err := Load(writeCatalog(t, `
authorities:
  - code: GRA
    name: Guyana Revenue Authority

requirements:
  - id: orphan
    authority: EPA
    name: Orphan
    frequency: monthly
`), testLogger())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no valid requirements")
	})
}

func TestRequirement_AppliesTo(t *testing.T) {
	req := Requirement{
		Applicability: Applicability{
			SubjectTypes:     []string{"company"},
			MinAnnualRevenue: 10000000,
			MinEmployees:     5,
		},
	}

	assert.True(t, req.AppliesTo("company", 10, 20000000))
	assert.False(t, req.AppliesTo("individual", 10, 20000000))
	assert.False(t, req.AppliesTo("company", 4, 20000000))
	assert.False(t, req.AppliesTo("company", 10, 9999999))

	unconstrained := Requirement{}
	assert.True(t, unconstrained.AppliesTo("individual", 0, 0))
}

func TestRegistrationRule_Required(t *testing.T) {
	rule := RegistrationRule{MinEmployees: 5, MinAnnualRevenue: 1000000}

	assert.True(t, rule.Required(5, 0))
	assert.True(t, rule.Required(0, 1000000))
	assert.False(t, rule.Required(4, 999999))

	never := RegistrationRule{}
	assert.False(t, never.Required(1000, 1000000000))
}
