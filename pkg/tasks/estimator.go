package tasks

import (
	"strings"

	"github.com/sessionmesh/sessionmesh/pkg/models"
)

// Auto-estimation bounds in hours
const (
	minAutoEstimateHours = 1.0
	maxAutoEstimateHours = 24.0
)

// complexityKeywords raise the complexity score by 0.1 per occurrence
var complexityKeywords = []string{
	"integrate", "integration", "migrate", "migration", "concurrent",
	"distributed", "optimize", "refactor", "scale", "scalable",
	"realtime", "architecture", "legacy", "backward",
}

// technicalKeywords raise the complexity score by 0.2 per occurrence
var technicalKeywords = []string{
	"database", "api", "auth", "authentication", "encryption", "security",
	"websocket", "cache", "queue", "kubernetes", "oauth", "transaction",
	"replication", "sharding", "index",
}

// capabilityKeywords maps description tokens to required capabilities
var capabilityKeywords = map[string]models.Capability{
	"test":        models.CapTestGeneration,
	"tests":       models.CapTestGeneration,
	"testing":     models.CapTestGeneration,
	"review":      models.CapCodeReview,
	"audit":       models.CapSecurityAudit,
	"security":    models.CapSecurityAudit,
	"debug":       models.CapDebugging,
	"bug":         models.CapDebugging,
	"fix":         models.CapDebugging,
	"design":      models.CapSystemDesign,
	"architect":   models.CapSystemDesign,
	"api":         models.CapAPIDesign,
	"endpoint":    models.CapAPIDesign,
	"database":    models.CapDatabaseDesign,
	"schema":      models.CapDatabaseDesign,
	"deploy":      models.CapDeployment,
	"deployment":  models.CapDeployment,
	"monitor":     models.CapMonitoring,
	"monitoring":  models.CapMonitoring,
	"document":    models.CapDocumentation,
	"docs":        models.CapDocumentation,
	"analyze":     models.CapRequirementsAnalysis,
	"analysis":    models.CapRequirementsAnalysis,
	"requirement": models.CapRequirementsAnalysis,
	"integrate":   models.CapIntegration,
	"migrate":     models.CapMigration,
	"migration":   models.CapMigration,
	"optimize":    models.CapPerformanceOpt,
	"performance": models.CapPerformanceOpt,
	"refactor":    models.CapRefactoring,
	"ui":          models.CapUIDevelopment,
	"frontend":    models.CapUIDevelopment,
	"infra":       models.CapInfrastructure,
	"terraform":   models.CapInfrastructure,
	"pipeline":    models.CapInfrastructure,
	"data":        models.CapDataAnalysis,
}

// Estimator derives PERT estimates and required capabilities from task
// descriptions when no explicit estimate exists.
type Estimator struct{}

// NewEstimator creates the deterministic heuristic estimator
func NewEstimator() *Estimator {
	return &Estimator{}
}

// Estimate fills in the task's estimate when it has none and autoEstimate
// is set. Explicit estimates are left untouched apart from capability
// derivation when the capability list is empty.
func (e *Estimator) Estimate(task *models.Task, autoEstimate bool) {
	hasEstimate := task.Estimate.LikelyHours > 0
	if !hasEstimate && autoEstimate {
		hours := e.HoursFromDescription(task.Title + " " + task.Description)
		task.Estimate.OptimisticHours = hours * 0.5
		task.Estimate.LikelyHours = hours
		task.Estimate.PessimisticHours = hours * 2
		task.Estimate.Source = models.EstimateSourceAI
		task.Estimate.Confidence = 0.4
	}
	if len(task.Estimate.RequiredCapabilities) == 0 {
		task.Estimate.RequiredCapabilities = e.DeriveCapabilities(task.Title + " " + task.Description)
	}
}

// HoursFromDescription is the deterministic heuristic:
// clamp(word_count/100 x complexity_score, 1, 24), where the score starts
// at 1 and gains 0.1 per complexity keyword and 0.2 per technical keyword.
func (e *Estimator) HoursFromDescription(description string) float64 {
	words := tokenize(description)
	score := 1.0
	for _, word := range words {
		if containsWord(complexityKeywords, word) {
			score += 0.1
		}
		if containsWord(technicalKeywords, word) {
			score += 0.2
		}
	}
	hours := float64(len(words)) / 100 * score
	if hours < minAutoEstimateHours {
		return minAutoEstimateHours
	}
	if hours > maxAutoEstimateHours {
		return maxAutoEstimateHours
	}
	return hours
}

// DeriveCapabilities matches description tokens against the keyword map.
// An empty match defaults to CODE_GENERATION.
func (e *Estimator) DeriveCapabilities(description string) []models.Capability {
	seen := map[models.Capability]bool{}
	var capabilities []models.Capability
	for _, word := range tokenize(description) {
		if capability, ok := capabilityKeywords[word]; ok && !seen[capability] {
			seen[capability] = true
			capabilities = append(capabilities, capability)
		}
	}
	if len(capabilities) == 0 {
		capabilities = []models.Capability{models.CapCodeGeneration}
	}
	return capabilities
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	})
}

func containsWord(list []string, word string) bool {
	for _, item := range list {
		if item == word {
			return true
		}
	}
	return false
}
