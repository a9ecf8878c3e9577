package policy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"incident-escalation-service/pkg/constants"
	"incident-escalation-service/pkg/models"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel) // Reduce noise in tests
	return logger
}

func TestResolver_TypePriorityRule(t *testing.T) {
	r := NewResolver(DefaultTable(), testLogger())

	pol, err := r.Resolve("medical", "high", "")
	require.NoError(t, err)
	assert.Equal(t, int64(10*60*1000), pol.BaseDurationMS)
	assert.Equal(t, constants.DefaultWarningRatio, pol.WarningRatio)
	assert.Equal(t, constants.DefaultCriticalRatio, pol.CriticalRatio)
}

func TestResolver_CaseInsensitiveLookup(t *testing.T) {
	r := NewResolver(DefaultTable(), testLogger())

	pol, err := r.Resolve("Medical", "HIGH", "")
	require.NoError(t, err)
	assert.Equal(t, int64(10*60*1000), pol.BaseDurationMS)
}

func TestResolver_PriorityFallback(t *testing.T) {
	r := NewResolver(DefaultTable(), testLogger())

	// No rule for this type; falls back to the priority default.
	pol, err := r.Resolve("unknown-type", "critical", "")
	require.NoError(t, err)
	assert.Equal(t, int64(5*60*1000), pol.BaseDurationMS)
}

func TestResolver_GlobalDefaultFallback(t *testing.T) {
	r := NewResolver(DefaultTable(), testLogger())

	pol, err := r.Resolve("unknown-type", "unknown-priority", "")
	require.NoError(t, err)
	assert.Equal(t, int64(30*60*1000), pol.BaseDurationMS)
}

func TestResolver_EventOverrideTakesPrecedence(t *testing.T) {
	table := DefaultTable()
	table.EventOverrides["event-42"] = models.Policy{BaseDurationMS: 2 * 60 * 1000}
	r := NewResolver(table, testLogger())

	pol, err := r.Resolve("medical", "high", "event-42")
	require.NoError(t, err)
	assert.Equal(t, int64(2*60*1000), pol.BaseDurationMS)

	// Without the event the generic rule applies.
	pol, err = r.Resolve("medical", "high", "")
	require.NoError(t, err)
	assert.Equal(t, int64(10*60*1000), pol.BaseDurationMS)
}

func TestResolver_PolicyNotFoundWithoutDefault(t *testing.T) {
	table := Table{
		Rules:            map[string]models.Policy{},
		PriorityDefaults: map[string]models.Policy{},
		EventOverrides:   map[string]models.Policy{},
		Default:          nil,
	}
	r := NewResolver(table, testLogger())

	_, err := r.Resolve("anything", "anything", "")
	assert.ErrorIs(t, err, ErrPolicyNotFound)
}

func TestLoadTable_MergesOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policies.json")
	content := `{
		"rules": {"medical:high": {"base_duration_ms": 300000}},
		"event_overrides": {"summer-festival": {"base_duration_ms": 120000}}
	}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	table, err := LoadTable(path, testLogger())
	require.NoError(t, err)

	// Loaded rule replaces the built-in one.
	assert.Equal(t, int64(300000), table.Rules["medical:high"].BaseDurationMS)
	// Untouched built-ins survive the merge.
	assert.Equal(t, int64(5*60*1000), table.Rules["security:critical"].BaseDurationMS)
	assert.Equal(t, int64(120000), table.EventOverrides["summer-festival"].BaseDurationMS)
	require.NotNil(t, table.Default)
}

func TestLoadTable_EmptyPathReturnsDefaults(t *testing.T) {
	table, err := LoadTable("", testLogger())
	require.NoError(t, err)
	assert.NotEmpty(t, table.Rules)
	assert.NotNil(t, table.Default)
}

func TestLoadTable_MissingFile(t *testing.T) {
	_, err := LoadTable("/nonexistent/policies.json", testLogger())
	assert.Error(t, err)
}
