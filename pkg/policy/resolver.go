package policy

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"

	"incident-escalation-service/pkg/constants"
	"incident-escalation-service/pkg/models"
)

// ErrPolicyNotFound means no policy row matched and no default exists.
// This is a configuration defect, not a runtime condition.
var ErrPolicyNotFound = errors.New("no applicable escalation policy and no default configured")

// Table holds the SLA policy configuration. Lookup precedence:
// per-event override, then (type, priority) row, then per-priority
// default, then the global default.
type Table struct {
	// Rules is keyed by "incidentType:priority".
	Rules map[string]models.Policy `json:"rules"`
	// PriorityDefaults is keyed by priority alone.
	PriorityDefaults map[string]models.Policy `json:"priority_defaults"`
	// EventOverrides is keyed by event ID and takes precedence over
	// everything else (tighter or looser SLA for a specific live event).
	EventOverrides map[string]models.Policy `json:"event_overrides"`
	// Default applies when nothing else matches. Nil means resolution
	// can fail with ErrPolicyNotFound.
	Default *models.Policy `json:"default"`
}

// Resolver maps (incidentType, priority, eventID) to an SLA policy.
// It is a pure lookup with no side effects.
type Resolver struct {
	table  Table
	logger *logrus.Logger
}

func NewResolver(table Table, logger *logrus.Logger) *Resolver {
	return &Resolver{table: table, logger: logger}
}

// Resolve returns the SLA policy for an incident. Every (type, priority)
// pair resolves to some duration unless the table has no default at all.
func (r *Resolver) Resolve(incidentType, priority, eventID string) (models.Policy, error) {
	if eventID != "" {
		if p, ok := r.table.EventOverrides[eventID]; ok {
			return normalize(p), nil
		}
	}

	key := RuleKey(incidentType, priority)
	if p, ok := r.table.Rules[key]; ok {
		return normalize(p), nil
	}

	if p, ok := r.table.PriorityDefaults[strings.ToLower(priority)]; ok {
		return normalize(p), nil
	}

	if r.table.Default != nil {
		return normalize(*r.table.Default), nil
	}

	r.logger.WithFields(logrus.Fields{
		"incident_type": incidentType,
		"priority":      priority,
	}).Error("No escalation policy matched and no default configured")

	return models.Policy{}, fmt.Errorf("resolve policy for %s/%s: %w", incidentType, priority, ErrPolicyNotFound)
}

// RuleKey builds the lookup key for a (type, priority) policy row.
func RuleKey(incidentType, priority string) string {
	return strings.ToLower(incidentType) + ":" + strings.ToLower(priority)
}

// normalize fills in the default warning/critical ratios for rows that
// only specify a duration.
func normalize(p models.Policy) models.Policy {
	if p.WarningRatio <= 0 {
		p.WarningRatio = constants.DefaultWarningRatio
	}
	if p.CriticalRatio <= 0 {
		p.CriticalRatio = constants.DefaultCriticalRatio
	}
	return p
}

// DefaultTable returns the built-in policy table. A JSON policy file,
// when configured, is merged over these entries.
func DefaultTable() Table {
	return Table{
		Rules: map[string]models.Policy{
			"medical:critical":       {BaseDurationMS: 5 * 60 * 1000},
			"medical:high":           {BaseDurationMS: 10 * 60 * 1000},
			"security:critical":      {BaseDurationMS: 5 * 60 * 1000},
			"security:high":          {BaseDurationMS: 10 * 60 * 1000},
			"infrastructure:high":    {BaseDurationMS: 15 * 60 * 1000},
			"infrastructure:medium":  {BaseDurationMS: 30 * 60 * 1000},
			"crowd-control:high":     {BaseDurationMS: 15 * 60 * 1000},
			"crowd-control:critical": {BaseDurationMS: 8 * 60 * 1000},
		},
		PriorityDefaults: map[string]models.Policy{
			"critical": {BaseDurationMS: 5 * 60 * 1000},
			"high":     {BaseDurationMS: 15 * 60 * 1000},
			"medium":   {BaseDurationMS: 30 * 60 * 1000},
			"low":      {BaseDurationMS: 60 * 60 * 1000},
		},
		EventOverrides: map[string]models.Policy{},
		Default:        &models.Policy{BaseDurationMS: 30 * 60 * 1000},
	}
}

// LoadTable reads a policy table from a JSON file and merges it over the
// built-in defaults. An empty path returns the defaults unchanged.
func LoadTable(path string, logger *logrus.Logger) (Table, error) {
	table := DefaultTable()
	if path == "" {
		return table, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Table{}, fmt.Errorf("failed to read policy file: %w", err)
	}

	var loaded Table
	if err := json.Unmarshal(data, &loaded); err != nil {
		return Table{}, fmt.Errorf("failed to parse policy file: %w", err)
	}

	for k, v := range loaded.Rules {
		table.Rules[strings.ToLower(k)] = v
	}
	for k, v := range loaded.PriorityDefaults {
		table.PriorityDefaults[strings.ToLower(k)] = v
	}
	for k, v := range loaded.EventOverrides {
		table.EventOverrides[k] = v
	}
	if loaded.Default != nil {
		table.Default = loaded.Default
	}

	logger.WithFields(logrus.Fields{
		"policy_file": path,
		"rules":       len(table.Rules),
		"overrides":   len(table.EventOverrides),
	}).Info("Loaded escalation policy table")

	return table, nil
}
