package models

import (
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	apperrors "github.com/sessionmesh/sessionmesh/pkg/errors"
)

// Capability is a named skill an agent can exercise
type Capability string

// The closed capability set
const (
	CapRequirementsAnalysis Capability = "REQUIREMENTS_ANALYSIS"
	CapSystemDesign         Capability = "SYSTEM_DESIGN"
	CapAPIDesign            Capability = "API_DESIGN"
	CapDatabaseDesign       Capability = "DATABASE_DESIGN"
	CapCodeGeneration       Capability = "CODE_GENERATION"
	CapTestGeneration       Capability = "TEST_GENERATION"
	CapCodeReview           Capability = "CODE_REVIEW"
	CapSecurityAudit        Capability = "SECURITY_AUDIT"
	CapDebugging            Capability = "DEBUGGING"
	CapPerformanceOpt       Capability = "PERFORMANCE_OPTIMIZATION"
	CapRefactoring          Capability = "REFACTORING"
	CapDocumentation        Capability = "DOCUMENTATION"
	CapDeployment           Capability = "DEPLOYMENT"
	CapMonitoring           Capability = "MONITORING"
	CapOrchestration        Capability = "ORCHESTRATION"
	CapIntegration          Capability = "INTEGRATION"
	CapDataAnalysis         Capability = "DATA_ANALYSIS"
	CapUIDevelopment        Capability = "UI_DEVELOPMENT"
	CapInfrastructure       Capability = "INFRASTRUCTURE"
	CapMigration            Capability = "MIGRATION"
)

// AllCapabilities enumerates the closed capability set
var AllCapabilities = []Capability{
	CapRequirementsAnalysis, CapSystemDesign, CapAPIDesign, CapDatabaseDesign,
	CapCodeGeneration, CapTestGeneration, CapCodeReview, CapSecurityAudit,
	CapDebugging, CapPerformanceOpt, CapRefactoring, CapDocumentation,
	CapDeployment, CapMonitoring, CapOrchestration, CapIntegration,
	CapDataAnalysis, CapUIDevelopment, CapInfrastructure, CapMigration,
}

// Valid reports whether the capability belongs to the closed set
func (c Capability) Valid() bool {
	for _, known := range AllCapabilities {
		if c == known {
			return true
		}
	}
	return false
}

// AgentType classifies an agent's specialization
type AgentType string

// Agent types
const (
	AgentTypeArchitect    AgentType = "ARCHITECT"
	AgentTypeImplementer  AgentType = "IMPLEMENTER"
	AgentTypeReviewer     AgentType = "REVIEWER"
	AgentTypeDebugger     AgentType = "DEBUGGER"
	AgentTypeIntegrator   AgentType = "INTEGRATOR"
	AgentTypeOrchestrator AgentType = "ORCHESTRATOR"
	AgentTypeAnalyst      AgentType = "ANALYST"
	AgentTypeOptimizer    AgentType = "OPTIMIZER"
)

// primaryCapabilityAllowList maps each agent type to the capabilities it
// may declare as primary. Secondary capabilities are unrestricted within
// the closed set.
var primaryCapabilityAllowList = map[AgentType][]Capability{
	AgentTypeArchitect:    {CapSystemDesign, CapAPIDesign, CapDatabaseDesign, CapRequirementsAnalysis, CapDocumentation},
	AgentTypeImplementer:  {CapCodeGeneration, CapRefactoring, CapUIDevelopment, CapIntegration, CapMigration, CapTestGeneration},
	AgentTypeReviewer:     {CapCodeReview, CapSecurityAudit, CapTestGeneration, CapDocumentation},
	AgentTypeDebugger:     {CapDebugging, CapPerformanceOpt, CapMonitoring},
	AgentTypeIntegrator:   {CapIntegration, CapDeployment, CapInfrastructure, CapMigration},
	AgentTypeOrchestrator: {CapOrchestration, CapRequirementsAnalysis, CapMonitoring},
	AgentTypeAnalyst:      {CapRequirementsAnalysis, CapDataAnalysis, CapDocumentation},
	AgentTypeOptimizer:    {CapPerformanceOpt, CapRefactoring, CapMonitoring},
}

// Valid reports whether the agent type is known
func (t AgentType) Valid() bool {
	_, ok := primaryCapabilityAllowList[t]
	return ok
}

// AllowsPrimary reports whether the type admits the capability as primary
func (t AgentType) AllowsPrimary(c Capability) bool {
	for _, allowed := range primaryCapabilityAllowList[t] {
		if c == allowed {
			return true
		}
	}
	return false
}

// AgentTier is the performance classification derived from counters
type AgentTier string

// Agent tiers
const (
	TierElite     AgentTier = "ELITE"
	TierAdvanced  AgentTier = "ADVANCED"
	TierCompetent AgentTier = "COMPETENT"
	TierTrainee   AgentTier = "TRAINEE"
	TierDegraded  AgentTier = "DEGRADED"
)

// Multiplier is the routing score multiplier for the tier
func (t AgentTier) Multiplier() float64 {
	switch t {
	case TierElite:
		return 1.10
	case TierAdvanced:
		return 1.05
	case TierCompetent:
		return 1.00
	case TierTrainee:
		return 0.90
	default:
		return 0.0
	}
}

// ComplexityPreference is the complexity band an agent prefers
type ComplexityPreference string

// Complexity preferences
const (
	PrefSimple  ComplexityPreference = "simple"
	PrefMedium  ComplexityPreference = "medium"
	PrefComplex ComplexityPreference = "complex"
	PrefExpert  ComplexityPreference = "expert"
)

// Valid reports whether the preference is a known value
func (p ComplexityPreference) Valid() bool {
	switch p {
	case PrefSimple, PrefMedium, PrefComplex, PrefExpert:
		return true
	}
	return false
}

// AgentModelConfig points an agent at a model endpoint
type AgentModelConfig struct {
	Model                string  `json:"model" db:"model"`
	Temperature          float64 `json:"temperature" db:"temperature"`
	MaxTokens            int     `json:"max_tokens" db:"max_tokens"`
	SystemPromptTemplate string  `json:"system_prompt_template" db:"system_prompt_template"`
}

// AgentPerformance holds online performance counters and derived averages.
// Invariant: Total == Successful + Failed + Partial.
type AgentPerformance struct {
	Total      int64 `json:"total" db:"total"`
	Successful int64 `json:"successful" db:"successful"`
	Failed     int64 `json:"failed" db:"failed"`
	Partial    int64 `json:"partial" db:"partial"`

	AvgQuality     float64 `json:"avg_quality" db:"avg_quality"`
	AvgExecSeconds float64 `json:"avg_exec_seconds" db:"avg_exec_seconds"`
	AvgTokens      float64 `json:"avg_tokens" db:"avg_tokens"`
	AvgCost        float64 `json:"avg_cost" db:"avg_cost"`

	CapabilitySuccess map[Capability]float64 `json:"capability_success,omitempty"`
	TechnologySuccess map[string]float64     `json:"technology_success,omitempty"`

	Tier AgentTier `json:"tier" db:"tier"`
}

// OverallSuccessRate weighs partial completions at half value
func (p AgentPerformance) OverallSuccessRate() float64 {
	if p.Total == 0 {
		return 0
	}
	return (float64(p.Successful) + 0.5*float64(p.Partial)) / float64(p.Total)
}

// RecomputeTier derives the tier from the current counters
func (p *AgentPerformance) RecomputeTier() {
	overall := p.OverallSuccessRate()
	switch {
	case overall >= 0.95 && p.AvgQuality >= 0.9:
		p.Tier = TierElite
	case overall >= 0.85:
		p.Tier = TierAdvanced
	case overall >= 0.70:
		p.Tier = TierCompetent
	case overall >= 0.50:
		p.Tier = TierTrainee
	default:
		p.Tier = TierDegraded
	}
}

// LoadLevel classifies current utilization
type LoadLevel string

// Load levels
const (
	LoadIdle       LoadLevel = "IDLE"
	LoadOptimal    LoadLevel = "OPTIMAL"
	LoadHigh       LoadLevel = "HIGH"
	LoadCritical   LoadLevel = "CRITICAL"
	LoadOverloaded LoadLevel = "OVERLOADED"
)

// AgentLoad tracks an agent's utilization
type AgentLoad struct {
	Current     float64 `json:"current" db:"current"`
	Capacity    float64 `json:"capacity" db:"capacity"`
	QueueLength int     `json:"queue_length" db:"queue_length"`
	CPUPercent  float64 `json:"cpu_percent" db:"cpu_percent"`
	MemPercent  float64 `json:"mem_percent" db:"mem_percent"`
	NetPercent  float64 `json:"net_percent" db:"net_percent"`
	Peak        float64 `json:"peak" db:"peak"`
}

// Utilization is current/capacity in [0, +inf)
func (l AgentLoad) Utilization() float64 {
	if l.Capacity <= 0 {
		return 1
	}
	return l.Current / l.Capacity
}

// Level derives the load level from utilization
func (l AgentLoad) Level() LoadLevel {
	u := l.Utilization()
	switch {
	case u < 0.1:
		return LoadIdle
	case u < 0.7:
		return LoadOptimal
	case u < 0.9:
		return LoadHigh
	case u < 1.0:
		return LoadCritical
	default:
		return LoadOverloaded
	}
}

// bannedAgentNames rejects generic placeholder names
var bannedAgentNames = map[string]struct{}{
	"agent":     {},
	"test":      {},
	"bot":       {},
	"worker":    {},
	"default":   {},
	"new agent": {},
	"my agent":  {},
	"assistant": {},
}

// Agent is a worker capable of executing tasks, characterized by
// capabilities, performance and load.
type Agent struct {
	ID          uuid.UUID `json:"id" db:"id"`
	TenantID    uuid.UUID `json:"tenant_id" db:"tenant_id"`
	Name        string    `json:"name" db:"name"`
	AgentType   AgentType `json:"agent_type" db:"agent_type"`
	Description string    `json:"description,omitempty" db:"description"`
	ModelVer    string    `json:"model_version,omitempty" db:"model_version"`

	PrimaryCapabilities   []Capability `json:"primary_capabilities"`
	SecondaryCapabilities []Capability `json:"secondary_capabilities,omitempty"`

	ModelConfig AgentModelConfig `json:"model_config"`

	PreferredTechnologies []string             `json:"preferred_technologies,omitempty"`
	AvoidedTechnologies   []string             `json:"avoided_technologies,omitempty"`
	ComplexityPreference  ComplexityPreference `json:"complexity_preference" db:"complexity_preference"`

	PreferredSessionTypes []SessionType `json:"preferred_session_types,omitempty"`

	Performance AgentPerformance `json:"performance"`
	Load        AgentLoad        `json:"load"`

	IsActive        bool      `json:"is_active" db:"is_active"`
	MaintenanceMode bool      `json:"maintenance_mode" db:"maintenance_mode"`
	LastActiveAt    time.Time `json:"last_active_at" db:"last_active_at"`
	IsExternal      bool      `json:"is_external" db:"is_external"`
	Endpoint        string    `json:"endpoint,omitempty" db:"endpoint"`
	AuthToken       string    `json:"-" db:"auth_token"`
	Tags            []string  `json:"tags,omitempty"`

	Version   int        `json:"version" db:"version"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt time.Time  `json:"updated_at" db:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty" db:"deleted_at"`
}

// NewAgent validates and builds an agent ready for registration
func NewAgent(tenantID uuid.UUID, name string, agentType AgentType, primary, secondary []Capability, modelConfig AgentModelConfig) (*Agent, error) {
	if err := ValidateAgentName(name); err != nil {
		return nil, err
	}
	if !agentType.Valid() {
		return nil, apperrors.Newf(apperrors.CodeValidation, "unknown agent_type %q", agentType)
	}
	if len(primary) == 0 {
		return nil, apperrors.New(apperrors.CodeValidation, "at least one primary capability is required")
	}
	for _, c := range primary {
		if !c.Valid() {
			return nil, apperrors.Newf(apperrors.CodeValidation, "unknown capability %q", c)
		}
		if !agentType.AllowsPrimary(c) {
			return nil, apperrors.Newf(apperrors.CodeValidation,
				"capability %s cannot be primary for agent type %s", c, agentType)
		}
	}
	for _, c := range secondary {
		if !c.Valid() {
			return nil, apperrors.Newf(apperrors.CodeValidation, "unknown capability %q", c)
		}
	}
	if err := ValidateModelConfig(modelConfig); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	return &Agent{
		ID:                    uuid.New(),
		TenantID:              tenantID,
		Name:                  strings.TrimSpace(name),
		AgentType:             agentType,
		PrimaryCapabilities:   primary,
		SecondaryCapabilities: secondary,
		ModelConfig:           modelConfig,
		ComplexityPreference:  PrefMedium,
		Performance:           AgentPerformance{Tier: TierTrainee},
		Load:                  AgentLoad{Capacity: 5},
		IsActive:              true,
		LastActiveAt:          now,
		Version:               1,
		CreatedAt:             now,
		UpdatedAt:             now,
	}, nil
}

// ValidateAgentName requires a descriptive, capitalized, non-generic name
func ValidateAgentName(name string) error {
	trimmed := strings.TrimSpace(name)
	if len(trimmed) < 3 {
		return apperrors.New(apperrors.CodeValidation, "agent name must be at least 3 characters")
	}
	if _, banned := bannedAgentNames[strings.ToLower(trimmed)]; banned {
		return apperrors.Newf(apperrors.CodeValidation, "agent name %q is too generic", trimmed)
	}
	first := []rune(trimmed)[0]
	if !unicode.IsUpper(first) {
		return apperrors.New(apperrors.CodeValidation, "agent name must be capitalized")
	}
	return nil
}

// ValidateModelConfig enforces the provider/model shape and parameter bounds
func ValidateModelConfig(cfg AgentModelConfig) error {
	parts := strings.SplitN(cfg.Model, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return apperrors.Newf(apperrors.CodeValidation, "model must be of shape provider/model, got %q", cfg.Model)
	}
	if cfg.Temperature < 0 || cfg.Temperature > 2 {
		return apperrors.Newf(apperrors.CodeValidation, "temperature %v outside [0, 2]", cfg.Temperature)
	}
	if len(cfg.SystemPromptTemplate) < 50 {
		return apperrors.New(apperrors.CodeValidation, "system_prompt_template must be at least 50 characters")
	}
	return nil
}

// HasCapability reports whether the agent has the capability at all
func (a *Agent) HasCapability(c Capability) bool {
	return a.HasPrimaryCapability(c) || a.HasSecondaryCapability(c)
}

// HasPrimaryCapability reports whether c is a primary capability
func (a *Agent) HasPrimaryCapability(c Capability) bool {
	for _, cap := range a.PrimaryCapabilities {
		if cap == c {
			return true
		}
	}
	return false
}

// HasSecondaryCapability reports whether c is a secondary capability
func (a *Agent) HasSecondaryCapability(c Capability) bool {
	for _, cap := range a.SecondaryCapabilities {
		if cap == c {
			return true
		}
	}
	return false
}

// AvoidsTechnology reports whether the agent lists the technology as avoided
func (a *Agent) AvoidsTechnology(tech string) bool {
	for _, avoided := range a.AvoidedTechnologies {
		if strings.EqualFold(avoided, tech) {
			return true
		}
	}
	return false
}

// PrefersTechnology reports whether the agent lists the technology as preferred
func (a *Agent) PrefersTechnology(tech string) bool {
	for _, preferred := range a.PreferredTechnologies {
		if strings.EqualFold(preferred, tech) {
			return true
		}
	}
	return false
}

// PrefersSessionType reports whether the agent prefers the session type.
// An empty preference list means no preference.
func (a *Agent) PrefersSessionType(t SessionType) bool {
	if len(a.PreferredSessionTypes) == 0 {
		return true
	}
	for _, preferred := range a.PreferredSessionTypes {
		if preferred == t {
			return true
		}
	}
	return false
}

// RecordOutcome folds one task outcome into the performance counters as
// online moving averages and recomputes the tier.
func (a *Agent) RecordOutcome(success bool, partial bool, quality, execSeconds, tokens, cost float64) {
	p := &a.Performance
	p.Total++
	switch {
	case partial:
		p.Partial++
	case success:
		p.Successful++
	default:
		p.Failed++
	}

	n := float64(p.Total)
	p.AvgQuality += (quality - p.AvgQuality) / n
	p.AvgExecSeconds += (execSeconds - p.AvgExecSeconds) / n
	p.AvgTokens += (tokens - p.AvgTokens) / n
	p.AvgCost += (cost - p.AvgCost) / n

	p.RecomputeTier()
}
