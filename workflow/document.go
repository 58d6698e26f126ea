package workflow

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"strconv"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Seconds is a duration that serializes as a bare number of seconds, the
// form workflow documents use. Duration strings ("90s", "2m") are also
// accepted on input.
type Seconds Duration

// Std returns the wrapped time.Duration.
func (s Seconds) Std() time.Duration {
	return time.Duration(s)
}

// MarshalJSON encodes the duration as a number of seconds.
func (s Seconds) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(s).Seconds())
}

// UnmarshalJSON accepts a number of seconds or a duration string.
func (s *Seconds) UnmarshalJSON(data []byte) error {
	var n float64
	if err := json.Unmarshal(data, &n); err == nil {
		*s = Seconds(time.Duration(n * float64(time.Second)))
		return nil
	}
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return fmt.Errorf("invalid duration %s", string(data))
	}
	return s.parse(str)
}

// MarshalYAML encodes the duration as a number of seconds.
func (s Seconds) MarshalYAML() (any, error) {
	return time.Duration(s).Seconds(), nil
}

// UnmarshalYAML accepts a number of seconds or a duration string.
func (s *Seconds) UnmarshalYAML(value *yaml.Node) error {
	var n float64
	if err := value.Decode(&n); err == nil {
		*s = Seconds(time.Duration(n * float64(time.Second)))
		return nil
	}
	var str string
	if err := value.Decode(&str); err != nil {
		return fmt.Errorf("invalid duration %q", value.Value)
	}
	return s.parse(str)
}

func (s *Seconds) parse(str string) error {
	if n, err := strconv.ParseFloat(str, 64); err == nil {
		*s = Seconds(time.Duration(n * float64(time.Second)))
		return nil
	}
	parsed, err := time.ParseDuration(str)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", str, err)
	}
	*s = Seconds(parsed)
	return nil
}

// RetryDoc is the retry policy object of a workflow document.
type RetryDoc struct {
	MaxAttempts int         `json:"max_attempts" yaml:"max_attempts"`
	Strategy    string      `json:"strategy,omitempty" yaml:"strategy,omitempty"`
	BaseDelay   Seconds     `json:"base_delay,omitempty" yaml:"base_delay,omitempty"`
	MaxDelay    Seconds     `json:"max_delay,omitempty" yaml:"max_delay,omitempty"`
	Jitter      *bool       `json:"jitter,omitempty" yaml:"jitter,omitempty"`
	RetryOn     []ErrorCode `json:"retry_on,omitempty" yaml:"retry_on,omitempty"`
}

// policy converts the document object into a normalized RetryPolicy,
// falling back to defaults for unset fields.
func (r *RetryDoc) policy(defaults RetryPolicy) RetryPolicy {
	p := defaults
	if r == nil {
		return p.Normalize()
	}
	if r.MaxAttempts > 0 {
		p.MaxAttempts = r.MaxAttempts
	}
	if r.Strategy != "" {
		p.Strategy = BackoffStrategy(r.Strategy)
	}
	if r.BaseDelay > 0 {
		p.BaseDelay = Duration(r.BaseDelay)
	}
	if r.MaxDelay > 0 {
		p.MaxDelay = Duration(r.MaxDelay)
	}
	if r.Jitter != nil {
		jitter := *r.Jitter
		p.Jitter = &jitter
	}
	if len(r.RetryOn) > 0 {
		p.RetryOn = append([]ErrorCode(nil), r.RetryOn...)
	}
	return p.Normalize()
}

// TaskDoc is one task object of a workflow document.
type TaskDoc struct {
	ID           string         `json:"id" yaml:"id"`
	Name         string         `json:"name,omitempty" yaml:"name,omitempty"`
	Protocol     string         `json:"protocol" yaml:"protocol"`
	Method       string         `json:"method" yaml:"method"`
	Params       map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
	Dependencies []string       `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	Priority     string         `json:"priority,omitempty" yaml:"priority,omitempty"`
	Timeout      Seconds        `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Retry        *RetryDoc      `json:"retry,omitempty" yaml:"retry,omitempty"`
}

// BatchDoc selects files for batch expansion.
type BatchDoc struct {
	// Directory is the root the pattern is matched under.
	Directory string `json:"directory" yaml:"directory"`

	// Pattern is a doublestar glob relative to Directory.
	Pattern string `json:"pattern" yaml:"pattern"`

	// ParamKey is the params slot each expanded task receives its file path
	// under. Defaults to "file".
	ParamKey string `json:"param_key,omitempty" yaml:"param_key,omitempty"`

	// MaxFiles caps the expansion. Zero means unlimited.
	MaxFiles int `json:"max_files,omitempty" yaml:"max_files,omitempty"`

	// AllowEmpty permits zero matches; the template then expands to nothing.
	AllowEmpty bool `json:"allow_empty,omitempty" yaml:"allow_empty,omitempty"`
}

// DocTypeBatch marks a document whose template task expands by file
// discovery.
const DocTypeBatch = "batch"

// Document is the abstract workflow document consumed by ingestion. The
// serialization (YAML or JSON) is an adapter concern; this tree is the
// contract.
type Document struct {
	// ID optionally fixes the workflow id; normally one is generated.
	ID string `json:"id,omitempty" yaml:"id,omitempty"`

	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// Priority is the default for tasks that do not set their own.
	Priority string `json:"priority,omitempty" yaml:"priority,omitempty"`

	// Strategy overrides the engine's failure strategy for this workflow.
	Strategy string `json:"strategy,omitempty" yaml:"strategy,omitempty"`

	// Type selects special expansion. Empty or "batch".
	Type string `json:"type,omitempty" yaml:"type,omitempty"`

	// Batch and Template drive batch expansion when Type is "batch".
	Batch    *BatchDoc `json:"batch,omitempty" yaml:"batch,omitempty"`
	Template *TaskDoc  `json:"template,omitempty" yaml:"template,omitempty"`

	Tasks []TaskDoc `json:"tasks,omitempty" yaml:"tasks,omitempty"`
}

// ParseDocument decodes a workflow document from YAML or JSON bytes.
func ParseDocument(data []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse workflow document: %w", err)
	}
	return &doc, nil
}

// BuildOptions supplies engine defaults to document ingestion.
type BuildOptions struct {
	// WorkflowID overrides id generation (used by recovery and tests).
	WorkflowID string

	// RetryDefaults seeds every task's retry policy.
	RetryDefaults RetryPolicy

	// DefaultStrategy applies when the document does not choose one.
	DefaultStrategy FailureStrategy

	// Source labels where the workflow came from.
	Source string

	// FS overrides the filesystem batch patterns are matched against.
	// Nil means os.DirFS of the batch directory.
	FS fs.FS

	// Now stamps created_at. Zero means time.Now().UTC().
	Now time.Time
}

// Build validates the document and produces the workflow and its tasks.
// Cycle detection is not done here; the engine runs it on the dependency
// graph it builds from the returned tasks, so the check exists in exactly
// one place.
func (d *Document) Build(opts BuildOptions) (*Workflow, []*Task, error) {
	now := opts.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	var errs ValidationErrors

	priority, err := ParsePriority(d.Priority)
	if err != nil {
		errs = append(errs, ValidationError{Field: "priority", Message: err.Error()})
		priority = PriorityNormal
	}

	strategy := opts.DefaultStrategy
	if strategy == "" {
		strategy = FailFast
	}
	if d.Strategy != "" {
		strategy = FailureStrategy(d.Strategy)
		if !strategy.IsValid() {
			errs = append(errs, ValidationError{Field: "strategy", Message: fmt.Sprintf("unknown strategy %q", d.Strategy)})
		}
	}

	docTasks := append([]TaskDoc(nil), d.Tasks...)
	switch d.Type {
	case "", DocTypeBatch:
		if d.Type == DocTypeBatch {
			expanded, rewrites, err := d.expandBatch(opts.FS)
			if err != nil {
				return nil, nil, err
			}
			docTasks = append(docTasks, expanded...)
			docTasks = rewriteDependencies(docTasks, rewrites)
		}
	default:
		errs = append(errs, ValidationError{Field: "type", Message: fmt.Sprintf("unknown document type %q", d.Type)})
	}

	if len(docTasks) == 0 {
		errs = append(errs, ValidationError{Field: "tasks", Message: "workflow must contain at least one task"})
		return nil, nil, NewError(CodeInvalidWorkflow, errs.Error())
	}

	workflowID := opts.WorkflowID
	if workflowID == "" {
		workflowID = d.ID
	}
	if workflowID == "" {
		workflowID = uuid.NewString()
	}

	seen := make(map[string]bool, len(docTasks))
	tasks := make([]*Task, 0, len(docTasks))
	taskIDs := make([]string, 0, len(docTasks))
	for i, td := range docTasks {
		field := func(name string) string { return fmt.Sprintf("tasks[%d].%s", i, name) }

		if td.ID == "" {
			errs = append(errs, ValidationError{Field: field("id"), Message: "must not be empty"})
			continue
		}
		if seen[td.ID] {
			errs = append(errs, ValidationError{Field: field("id"), Message: fmt.Sprintf("duplicate task id %q", td.ID)})
			continue
		}
		seen[td.ID] = true

		taskPriority := priority
		if td.Priority != "" {
			p, err := ParsePriority(td.Priority)
			if err != nil {
				errs = append(errs, ValidationError{Field: field("priority"), Message: err.Error()})
			} else {
				taskPriority = p
			}
		}

		task := &Task{
			ID:         td.ID,
			WorkflowID: workflowID,
			Name:       td.Name,
			Protocol:   td.Protocol,
			Method:     td.Method,
			Params:     Params(CloneMap(td.Params)),
			Priority:   taskPriority,
			Status:     TaskStatusCreated,
			DependsOn:  append([]string(nil), td.Dependencies...),
			Retry:      td.Retry.policy(opts.RetryDefaults),
			Timeout:    Duration(td.Timeout),
			CreatedAt:  now,
		}
		if err := task.Validate(); err != nil {
			var ve ValidationErrors
			if ok := asValidationErrors(err, &ve); ok {
				for _, e := range ve {
					errs = append(errs, ValidationError{Field: field(e.Field), Message: e.Message})
				}
			} else {
				errs = append(errs, ValidationError{Field: field(""), Message: err.Error()})
			}
			continue
		}
		if err := VisitStrings(task.Params, func(s string) error {
			if !HasTokens(s) {
				return nil
			}
			_, err := ScanTokens(s)
			return err
		}); err != nil {
			errs = append(errs, ValidationError{Field: field("params"), Message: err.Error()})
		}

		tasks = append(tasks, task)
		taskIDs = append(taskIDs, td.ID)
	}

	// Dependency references must resolve within the workflow.
	for i, task := range tasks {
		for _, dep := range task.DependsOn {
			if !seen[dep] {
				errs = append(errs, ValidationError{
					Field:   fmt.Sprintf("tasks[%d].dependencies", i),
					Message: fmt.Sprintf("unknown task %q", dep),
				})
			}
		}
	}

	if len(errs) > 0 {
		return nil, nil, NewError(CodeInvalidWorkflow, errs.Error())
	}

	wf := &Workflow{
		ID:          workflowID,
		Name:        d.Name,
		Description: d.Description,
		Status:      WorkflowStatusCreated,
		Priority:    priority,
		Strategy:    strategy,
		TaskIDs:     taskIDs,
		Counts:      Counts{Total: len(tasks)},
		Source:      opts.Source,
		CreatedAt:   now,
	}
	return wf, tasks, nil
}

func asValidationErrors(err error, target *ValidationErrors) bool {
	ve, ok := err.(ValidationErrors)
	if ok {
		*target = ve
	}
	return ok
}
