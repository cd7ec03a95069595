package domain

// Task statuses. Persisted values are append-only: new statuses may be
// introduced but existing ones are never removed.
const (
	TaskPending    = "pending"
	TaskInProgress = "in_progress"
	TaskValidating = "validating"
	TaskCompleted  = "completed"
	TaskFailed     = "failed"
)

// Work cycle statuses.
const (
	CyclePending    = "pending"
	CycleInProgress = "in_progress"
	CyclePassed     = "passed"
	CycleFailed     = "failed"
)

type Project struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	RepoPath    string `json:"repo_path,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Run struct {
	ID            string  `json:"id"`
	ProjectID     string  `json:"project_id"`
	Name          string  `json:"name"`
	State         string  `json:"state" enum:"PM,DEV,QA,SEC,SEC_FAILED,DOCS,DOCS_FAILED,TESTING,TESTING_FAILED,READY_FOR_DEPLOY,COMPLETE"`
	DocsResult    *string `json:"docs_result,omitempty"`
	TestingResult *string `json:"testing_result,omitempty"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
	UpdatedAt     string  `json:"updated_at" format:"date-time"`
}

type Task struct {
	ID                 string   `json:"id"`
	ProjectID          string   `json:"project_id"`
	RunID              *string  `json:"run_id,omitempty"`
	ParentTaskID       *string  `json:"parent_task_id,omitempty"`
	Title              string   `json:"title"`
	Description        string   `json:"description,omitempty"`
	AcceptanceCriteria []string `json:"acceptance_criteria,omitempty"`
	Status             string   `json:"status" enum:"pending,in_progress,validating,completed,failed"`
	// PipelineStage is the legacy linear stage field. It is kept as a
	// read-only mirror; claim counters are authoritative once claims exist.
	PipelineStage   string `json:"pipeline_stage"`
	ClaimsTotal     int    `json:"claims_total"`
	ClaimsValidated int    `json:"claims_validated"`
	ClaimsFailed    int    `json:"claims_failed"`
	CreatedAt       string `json:"created_at" format:"date-time"`
	UpdatedAt       string `json:"updated_at" format:"date-time"`
}

// WorkCycle is one immutable handoff record: who acted, at what stage,
// with what outcome.
type WorkCycle struct {
	ID        int64   `json:"id"`
	ProjectID string  `json:"project_id"`
	RunID     *string `json:"run_id,omitempty"`
	TaskID    *string `json:"task_id,omitempty"`
	Stage     string  `json:"stage"`
	Status    string  `json:"status" enum:"pending,in_progress,passed,failed"`
	ActorID   string  `json:"actor_id"`
	Summary   string  `json:"summary,omitempty"`
	Details   *string `json:"details,omitempty"`
	CreatedAt string  `json:"created_at" format:"date-time"`
	UpdatedAt string  `json:"updated_at" format:"date-time"`
}

// Report is the accepted result of a SubmitReport call.
type Report struct {
	WorkCycle WorkCycle `json:"work_cycle"`
	UnitKind  string    `json:"unit_kind" enum:"run,task"`
	UnitID    string    `json:"unit_id"`
	State     string    `json:"state"`
}

// DirectorSettings is the process-wide singleton configuration row.
type DirectorSettings struct {
	Enabled              bool    `json:"enabled"`
	PollIntervalSeconds  int     `json:"poll_interval_seconds"`
	EnforceTDD           bool    `json:"enforce_tdd"`
	EnforceNoDuplication bool    `json:"enforce_no_duplication"`
	EnforceSecurity      bool    `json:"enforce_security"`
	VisionModel          string  `json:"vision_model,omitempty"`
	DaemonStartedAt      *string `json:"daemon_started_at,omitempty" format:"date-time"`
	UpdatedAt            string  `json:"updated_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
