package tasks

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sessionmesh/sessionmesh/pkg/models"
)

func TestPERTExpectedAndStdDev(t *testing.T) {
	estimate := models.TaskEstimate{OptimisticHours: 2, LikelyHours: 4, PessimisticHours: 8}
	assert.InDelta(t, (2+16+8)/6.0, estimate.ExpectedHours(), 1e-9)
	assert.InDelta(t, 1.0, estimate.StdDevHours(), 1e-9)
}

func TestHoursFromDescriptionBounds(t *testing.T) {
	estimator := NewEstimator()

	assert.InDelta(t, minAutoEstimateHours, estimator.HoursFromDescription("fix typo"), 1e-9)

	long := strings.Repeat("database migration distributed concurrent api transaction ", 100)
	assert.InDelta(t, maxAutoEstimateHours, estimator.HoursFromDescription(long), 1e-9)
}

func TestHoursGrowWithComplexityKeywords(t *testing.T) {
	estimator := NewEstimator()
	filler := strings.Repeat("word ", 200)

	plain := estimator.HoursFromDescription(filler)
	loaded := estimator.HoursFromDescription(filler + " distributed concurrent database encryption")
	assert.Greater(t, loaded, plain)
}

func TestDeriveCapabilities(t *testing.T) {
	estimator := NewEstimator()

	caps := estimator.DeriveCapabilities("write tests for the oauth api and review the schema")
	assert.Contains(t, caps, models.CapTestGeneration)
	assert.Contains(t, caps, models.CapAPIDesign)
	assert.Contains(t, caps, models.CapCodeReview)
	assert.Contains(t, caps, models.CapDatabaseDesign)

	// No keyword match defaults to code generation
	caps = estimator.DeriveCapabilities("polish things")
	assert.Equal(t, []models.Capability{models.CapCodeGeneration}, caps)
}

func TestEstimateLeavesExplicitEstimatesAlone(t *testing.T) {
	estimator := NewEstimator()
	task, err := models.NewTask(uuid.New(), uuid.New(), "Implement billing export", "export billing data", "generic", models.PriorityMedium)
	require.NoError(t, err)
	task.Estimate = models.TaskEstimate{
		OptimisticHours: 1, LikelyHours: 2, PessimisticHours: 3,
		Source: models.EstimateSourceManual,
	}

	estimator.Estimate(task, true)
	assert.Equal(t, models.EstimateSourceManual, task.Estimate.Source)
	assert.InDelta(t, 2.0, task.Estimate.LikelyHours, 1e-9)
	assert.NotEmpty(t, task.Estimate.RequiredCapabilities)
}

func TestComplexityBuckets(t *testing.T) {
	assert.Equal(t, models.ComplexityTrivial, models.ComplexityFromHours(0.1))
	assert.Equal(t, models.ComplexitySimple, models.ComplexityFromHours(0.5))
	assert.Equal(t, models.ComplexityModerate, models.ComplexityFromHours(2))
	assert.Equal(t, models.ComplexityComplex, models.ComplexityFromHours(6))
	assert.Equal(t, models.ComplexityExpert, models.ComplexityFromHours(12))
}
