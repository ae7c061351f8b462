package tasks

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	apperrors "github.com/sessionmesh/sessionmesh/pkg/errors"
	"github.com/sessionmesh/sessionmesh/pkg/models"
	"github.com/sessionmesh/sessionmesh/pkg/observability"
)

// Decomposition strategies
const (
	StrategyFunctional   = "functional"
	StrategyTemporal     = "temporal"
	StrategyCapability   = "capability"
	StrategyMicroservice = "microservice"
	StrategyCRUD         = "crud"
	StrategyUIComponents = "ui_components"
	StrategySecurity     = "security"
)

// temporalPhases is the ordered phase sequence for temporal splits
var temporalPhases = []struct {
	title string
	phase string
}{
	{"Analyze requirements for %s", "Analysis"},
	{"Design solution for %s", "Design"},
	{"Implement solution for %s", "Implementation"},
	{"Test implementation of %s", "Testing"},
	{"Review changes for %s", "Review"},
}

// Rule matches tasks by regex and names the strategy to apply. Rules are
// records, not code: higher priority applies first.
type Rule struct {
	Name       string
	TitleRegex *regexp.Regexp
	DescRegex  *regexp.Regexp
	Strategy   string
	Parameters map[string]interface{}
	Priority   int
}

// Matches reports whether the rule applies to the task
func (r Rule) Matches(task *models.Task) bool {
	if r.TitleRegex != nil && r.TitleRegex.MatchString(task.Title) {
		return true
	}
	if r.DescRegex != nil && r.DescRegex.MatchString(task.Description) {
		return true
	}
	return false
}

// SubtaskTemplate is one child skeleton inside a Template
type SubtaskTemplate struct {
	Title                string
	Description          string
	RequiredCapabilities []models.Capability
	EstimatedHours       float64
}

// Template declares a reusable decomposition shape
type Template struct {
	Name                 string
	ComplexityThreshold  float64 // minimum expected hours to apply
	Strategy             string
	MaxDepth             int
	TargetLeafComplexity float64
	ApplicableTaskTypes  []string
	ExcludedTaskTypes    []string
	Subtasks             []SubtaskTemplate
}

// Applies reports whether the template matches the task's type and
// complexity
func (t Template) Applies(task *models.Task) bool {
	for _, excluded := range t.ExcludedTaskTypes {
		if task.TaskType == excluded {
			return false
		}
	}
	if len(t.ApplicableTaskTypes) > 0 {
		matched := false
		for _, applicable := range t.ApplicableTaskTypes {
			if task.TaskType == applicable {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return task.ExpectedHours() >= t.ComplexityThreshold
}

// DecomposeOptions tunes one decomposition run
type DecomposeOptions struct {
	// Strategy forces a specific strategy instead of rule/template matching
	Strategy string
	// MaxDepth bounds recursion; default 2
	MaxDepth int
	// TargetComplexity stops recursion once children fall under this many
	// expected hours; default 4 (MODERATE)
	TargetComplexity float64
	// SubtaskCount is the N for functional/temporal splits; default 3
	SubtaskCount int
}

func (o DecomposeOptions) normalize() DecomposeOptions {
	if o.MaxDepth <= 0 {
		o.MaxDepth = 2
	}
	if o.TargetComplexity <= 0 {
		o.TargetComplexity = 4
	}
	if o.SubtaskCount <= 0 {
		o.SubtaskCount = 3
	}
	return o
}

// Decomposer splits tasks into subtask DAGs by rule, template or explicit
// strategy
type Decomposer struct {
	estimator *Estimator
	rules     []Rule
	templates []Template
	logger    observability.Logger
}

// NewDecomposer creates a decomposer preloaded with the built-in rules
func NewDecomposer(estimator *Estimator, logger observability.Logger) *Decomposer {
	d := &Decomposer{estimator: estimator, logger: logger}
	d.rules = builtinRules()
	sort.SliceStable(d.rules, func(i, j int) bool { return d.rules[i].Priority > d.rules[j].Priority })
	return d
}

// RegisterRule adds a custom rule, keeping priority order
func (d *Decomposer) RegisterRule(rule Rule) {
	d.rules = append(d.rules, rule)
	sort.SliceStable(d.rules, func(i, j int) bool { return d.rules[i].Priority > d.rules[j].Priority })
}

// RegisterTemplate adds a reusable decomposition template
func (d *Decomposer) RegisterTemplate(template Template) {
	d.templates = append(d.templates, template)
}

// Decompose splits the parent into subtasks. Returns the new subtasks; an
// empty result means no strategy applied or splitting would not reduce
// complexity. The parent's children list is updated in place.
func (d *Decomposer) Decompose(parent *models.Task, opts DecomposeOptions) ([]*models.Task, error) {
	opts = opts.normalize()
	d.estimator.Estimate(parent, true)
	return d.decompose(parent, opts, 0)
}

func (d *Decomposer) decompose(parent *models.Task, opts DecomposeOptions, depth int) ([]*models.Task, error) {
	if depth >= opts.MaxDepth {
		return nil, nil
	}

	children, err := d.split(parent, opts)
	if err != nil || len(children) == 0 {
		return children, err
	}

	// Splitting must reduce complexity; a child as large as its parent
	// signals a degenerate split.
	parentHours := parent.ExpectedHours()
	for _, child := range children {
		if child.ExpectedHours() >= parentHours {
			d.logger.Debug("Skipping decomposition that does not reduce complexity", map[string]interface{}{
				"task_id": parent.ID.String(),
			})
			return nil, nil
		}
	}

	for _, child := range children {
		parent.Children = append(parent.Children, child.ID)
	}

	all := append([]*models.Task{}, children...)
	for _, child := range children {
		if child.ExpectedHours() <= opts.TargetComplexity {
			continue
		}
		grandchildren, err := d.decompose(child, opts, depth+1)
		if err != nil {
			return nil, err
		}
		all = append(all, grandchildren...)
	}
	return all, nil
}

// split picks a strategy: explicit option, then rules, then templates,
// then the functional default for anything above the target complexity.
func (d *Decomposer) split(parent *models.Task, opts DecomposeOptions) ([]*models.Task, error) {
	if opts.Strategy != "" {
		return d.applyStrategy(parent, opts.Strategy, nil, opts)
	}

	for _, rule := range d.rules {
		if rule.Matches(parent) {
			return d.applyStrategy(parent, rule.Strategy, rule.Parameters, opts)
		}
	}

	for _, template := range d.templates {
		if template.Applies(parent) {
			return d.applyTemplate(parent, template)
		}
	}

	if parent.ExpectedHours() > opts.TargetComplexity {
		return d.splitFunctional(parent, opts.SubtaskCount)
	}
	return nil, nil
}

func (d *Decomposer) applyStrategy(parent *models.Task, strategy string, params map[string]interface{}, opts DecomposeOptions) ([]*models.Task, error) {
	switch strategy {
	case StrategyFunctional:
		return d.splitFunctional(parent, opts.SubtaskCount)
	case StrategyTemporal:
		return d.splitTemporal(parent, opts.SubtaskCount)
	case StrategyCapability:
		return d.splitCapability(parent)
	case StrategyMicroservice:
		return d.splitMicroservice(parent, params)
	case StrategyCRUD:
		return d.splitCRUD(parent, params)
	case StrategyUIComponents:
		return d.splitUIComponents(parent)
	case StrategySecurity:
		return d.splitSecurity(parent, params)
	default:
		return nil, apperrors.Newf(apperrors.CodeValidation, "unknown decomposition strategy %q", strategy)
	}
}

// newChild builds a validated subtask inheriting session, tenant and
// priority from the parent
func (d *Decomposer) newChild(parent *models.Task, title, description string, hours float64, capabilities []models.Capability) (*models.Task, error) {
	child, err := models.NewTask(parent.TenantID, parent.SessionID, title, description, parent.TaskType, parent.Priority)
	if err != nil {
		return nil, err
	}
	parentID := parent.ID
	child.ParentTaskID = &parentID
	child.Estimate = models.TaskEstimate{
		OptimisticHours:      hours * 0.75,
		LikelyHours:          hours,
		PessimisticHours:     hours * 1.5,
		RequiredCapabilities: capabilities,
		Confidence:           0.6,
		Source:               models.EstimateSourceDecomposition,
	}
	if len(capabilities) == 0 {
		child.Estimate.RequiredCapabilities = d.estimator.DeriveCapabilities(title + " " + description)
	}
	return child, nil
}

// splitFunctional produces count siblings of equal estimated hours with no
// interdependencies
func (d *Decomposer) splitFunctional(parent *models.Task, count int) ([]*models.Task, error) {
	hours := parent.ExpectedHours() / float64(count)
	children := make([]*models.Task, 0, count)
	for i := 1; i <= count; i++ {
		child, err := d.newChild(parent,
			fmt.Sprintf("Implement part %d of %s", i, shortTitle(parent.Title)),
			fmt.Sprintf("Functional slice %d/%d of: %s", i, count, parent.Description),
			hours, nil)
		if err != nil {
			return nil, err
		}
		children = append(children, child)
	}
	return children, nil
}

// splitTemporal produces the phase sequence truncated to count, each phase
// depending FINISH_TO_START on the previous
func (d *Decomposer) splitTemporal(parent *models.Task, count int) ([]*models.Task, error) {
	phases := temporalPhases
	if count < len(phases) {
		phases = phases[:count]
	}
	hours := parent.ExpectedHours() / float64(len(phases))

	children := make([]*models.Task, 0, len(phases))
	for i, phase := range phases {
		child, err := d.newChild(parent,
			fmt.Sprintf(phase.title, shortTitle(parent.Title)),
			fmt.Sprintf("%s phase of: %s", phase.phase, parent.Description),
			hours, nil)
		if err != nil {
			return nil, err
		}
		if i > 0 {
			child.Dependencies = append(child.Dependencies, models.TaskDependency{
				TargetTaskID: children[i-1].ID,
				Kind:         models.DependencyFinishToStart,
				Required:     true,
			})
		}
		children = append(children, child)
	}
	return children, nil
}

// splitCapability produces one subtask per required capability, each
// tagged with that capability only
func (d *Decomposer) splitCapability(parent *models.Task) ([]*models.Task, error) {
	capabilities := parent.Estimate.RequiredCapabilities
	if len(capabilities) == 0 {
		capabilities = d.estimator.DeriveCapabilities(parent.Title + " " + parent.Description)
	}
	if len(capabilities) < 2 {
		return nil, nil
	}
	hours := parent.ExpectedHours() / float64(len(capabilities))

	children := make([]*models.Task, 0, len(capabilities))
	for _, capability := range capabilities {
		label := strings.ToLower(strings.ReplaceAll(string(capability), "_", " "))
		child, err := d.newChild(parent,
			fmt.Sprintf("Implement %s work for %s", label, shortTitle(parent.Title)),
			fmt.Sprintf("%s portion of: %s", label, parent.Description),
			hours, []models.Capability{capability})
		if err != nil {
			return nil, err
		}
		children = append(children, child)
	}
	return children, nil
}

// sharedComponentMap maps description keywords to shared microservice
// components
var sharedComponentMap = []struct {
	keyword   string
	component string
	caps      []models.Capability
}{
	{"auth", "auth", []models.Capability{models.CapSecurityAudit, models.CapCodeGeneration}},
	{"database", "database", []models.Capability{models.CapDatabaseDesign}},
	{"api", "api_gateway", []models.Capability{models.CapAPIDesign}},
}

// splitMicroservice produces N service tasks plus shared-component tasks;
// each service depends START_TO_START on every shared component.
func (d *Decomposer) splitMicroservice(parent *models.Task, params map[string]interface{}) ([]*models.Task, error) {
	serviceCount := intParam(params, "services", 3)

	text := strings.ToLower(parent.Title + " " + parent.Description)
	var shared []*models.Task
	for _, candidate := range sharedComponentMap {
		if !strings.Contains(text, candidate.keyword) {
			continue
		}
		hours := parent.ExpectedHours() / float64(serviceCount+2)
		child, err := d.newChild(parent,
			fmt.Sprintf("Build shared %s component", candidate.component),
			fmt.Sprintf("Shared %s component used by every service of: %s", candidate.component, parent.Description),
			hours, candidate.caps)
		if err != nil {
			return nil, err
		}
		shared = append(shared, child)
	}

	serviceHours := parent.ExpectedHours() / float64(serviceCount+1)
	services := make([]*models.Task, 0, serviceCount)
	for i := 1; i <= serviceCount; i++ {
		child, err := d.newChild(parent,
			fmt.Sprintf("Implement service %d of %s", i, shortTitle(parent.Title)),
			fmt.Sprintf("Service %d/%d of: %s", i, serviceCount, parent.Description),
			serviceHours, []models.Capability{models.CapCodeGeneration})
		if err != nil {
			return nil, err
		}
		for _, component := range shared {
			child.Dependencies = append(child.Dependencies, models.TaskDependency{
				TargetTaskID: component.ID,
				Kind:         models.DependencyStartToStart,
				Required:     true,
			})
		}
		services = append(services, child)
	}
	return append(shared, services...), nil
}

// splitCRUD produces one subtask per CRUD operation plus a test task
// depending on all four
func (d *Decomposer) splitCRUD(parent *models.Task, params map[string]interface{}) ([]*models.Task, error) {
	includeTests := boolParam(params, "include_tests", true)
	operations := []string{"create", "read", "update", "delete"}

	divisor := float64(len(operations))
	if includeTests {
		divisor++
	}
	hours := parent.ExpectedHours() / divisor

	children := make([]*models.Task, 0, len(operations)+1)
	for _, op := range operations {
		child, err := d.newChild(parent,
			fmt.Sprintf("Implement %s operation for %s", op, shortTitle(parent.Title)),
			fmt.Sprintf("The %s path of: %s", op, parent.Description),
			hours, []models.Capability{models.CapCodeGeneration})
		if err != nil {
			return nil, err
		}
		children = append(children, child)
	}

	if includeTests {
		test, err := d.newChild(parent,
			fmt.Sprintf("Test CRUD operations for %s", shortTitle(parent.Title)),
			"End-to-end tests over the create, read, update and delete paths",
			hours, []models.Capability{models.CapTestGeneration})
		if err != nil {
			return nil, err
		}
		for _, op := range children {
			test.Dependencies = append(test.Dependencies, models.TaskDependency{
				TargetTaskID: op.ID,
				Kind:         models.DependencyFinishToStart,
				Required:     true,
			})
		}
		children = append(children, test)
	}
	return children, nil
}

// splitUIComponents produces a layout task first; form, table and chart
// tasks depend START_TO_START on the layout
func (d *Decomposer) splitUIComponents(parent *models.Task) ([]*models.Task, error) {
	hours := parent.ExpectedHours() / 4

	layout, err := d.newChild(parent,
		fmt.Sprintf("Design layout for %s", shortTitle(parent.Title)),
		"Base layout and navigation shell",
		hours, []models.Capability{models.CapUIDevelopment})
	if err != nil {
		return nil, err
	}

	children := []*models.Task{layout}
	for _, component := range []string{"form", "table", "chart"} {
		child, err := d.newChild(parent,
			fmt.Sprintf("Build %s components for %s", component, shortTitle(parent.Title)),
			fmt.Sprintf("The %s components of: %s", component, parent.Description),
			hours, []models.Capability{models.CapUIDevelopment})
		if err != nil {
			return nil, err
		}
		child.Dependencies = append(child.Dependencies, models.TaskDependency{
			TargetTaskID: layout.ID,
			Kind:         models.DependencyStartToStart,
			Required:     true,
		})
		children = append(children, child)
	}
	return children, nil
}

// splitSecurity produces sequential design, implementation, testing and
// audit phases; hours scale with the security level parameter
func (d *Decomposer) splitSecurity(parent *models.Task, params map[string]interface{}) ([]*models.Task, error) {
	level := intParam(params, "security_level", 1)
	scale := 1.0 + 0.5*float64(level-1)

	phases := []struct {
		title string
		caps  []models.Capability
	}{
		{"Design security model for %s", []models.Capability{models.CapSystemDesign, models.CapSecurityAudit}},
		{"Implement security controls for %s", []models.Capability{models.CapCodeGeneration}},
		{"Test security controls for %s", []models.Capability{models.CapTestGeneration}},
		{"Audit security posture of %s", []models.Capability{models.CapSecurityAudit}},
	}
	hours := parent.ExpectedHours() / float64(len(phases)) * scale

	children := make([]*models.Task, 0, len(phases))
	for i, phase := range phases {
		child, err := d.newChild(parent,
			fmt.Sprintf(phase.title, shortTitle(parent.Title)),
			fmt.Sprintf("Security phase %d of: %s", i+1, parent.Description),
			hours, phase.caps)
		if err != nil {
			return nil, err
		}
		if i > 0 {
			child.Dependencies = append(child.Dependencies, models.TaskDependency{
				TargetTaskID: children[i-1].ID,
				Kind:         models.DependencyFinishToStart,
				Required:     true,
			})
		}
		children = append(children, child)
	}
	return children, nil
}

// applyTemplate instantiates a template's subtask skeletons. An FS chain
// is added when the template's strategy is temporal.
func (d *Decomposer) applyTemplate(parent *models.Task, template Template) ([]*models.Task, error) {
	children := make([]*models.Task, 0, len(template.Subtasks))
	for i, skeleton := range template.Subtasks {
		child, err := d.newChild(parent,
			fmt.Sprintf(skeleton.Title, shortTitle(parent.Title)),
			skeleton.Description,
			skeleton.EstimatedHours, skeleton.RequiredCapabilities)
		if err != nil {
			return nil, err
		}
		if template.Strategy == StrategyTemporal && i > 0 {
			child.Dependencies = append(child.Dependencies, models.TaskDependency{
				TargetTaskID: children[i-1].ID,
				Kind:         models.DependencyFinishToStart,
				Required:     true,
			})
		}
		children = append(children, child)
	}
	return children, nil
}

// builtinRules is the default rule table
func builtinRules() []Rule {
	return []Rule{
		{
			Name:       "microservice",
			TitleRegex: regexp.MustCompile(`(?i)\bmicroservices?\b`),
			DescRegex:  regexp.MustCompile(`(?i)\bmicroservices?\b`),
			Strategy:   StrategyMicroservice,
			Priority:   100,
		},
		{
			Name:       "crud",
			TitleRegex: regexp.MustCompile(`(?i)\bcrud\b`),
			DescRegex:  regexp.MustCompile(`(?i)\bcrud\b`),
			Strategy:   StrategyCRUD,
			Priority:   90,
		},
		{
			Name:       "security",
			TitleRegex: regexp.MustCompile(`(?i)\b(security|authentication|authorization)\b`),
			DescRegex:  regexp.MustCompile(`(?i)\bthreat model|security hardening\b`),
			Strategy:   StrategySecurity,
			Priority:   80,
		},
		{
			Name:       "ui_components",
			TitleRegex: regexp.MustCompile(`(?i)\b(ui|dashboard|frontend)\b`),
			DescRegex:  regexp.MustCompile(`(?i)\b(ui|dashboard|frontend)\b`),
			Strategy:   StrategyUIComponents,
			Priority:   70,
		},
	}
}

func shortTitle(title string) string {
	const maxLen = 40
	if len(title) <= maxLen {
		return title
	}
	return title[:maxLen]
}

func intParam(params map[string]interface{}, key string, fallback int) int {
	if params == nil {
		return fallback
	}
	switch v := params[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return fallback
}

func boolParam(params map[string]interface{}, key string, fallback bool) bool {
	if params == nil {
		return fallback
	}
	if v, ok := params[key].(bool); ok {
		return v
	}
	return fallback
}
