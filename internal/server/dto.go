package server

// Request payloads

type CreateProjectRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	RepoPath    string `json:"repo_path,omitempty"`
}

type CreateRunRequest struct {
	Name string `json:"name"`
}

type CreateTaskRequest struct {
	Title              string   `json:"title"`
	Description        string   `json:"description,omitempty"`
	RunID              string   `json:"run_id,omitempty"`
	ParentTaskID       string   `json:"parent_task_id,omitempty"`
	AcceptanceCriteria []string `json:"acceptance_criteria,omitempty"`
	Stage              string   `json:"stage,omitempty" enum:"PM,DEV,QA,SEC,DOCS,TESTING"`
}

type SubmitReportRequest struct {
	Role    string         `json:"role" enum:"product-manager,developer,qa,security,documentation,ci-cd,director"`
	Status  string         `json:"status" enum:"pass,fail"`
	Summary string         `json:"summary,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

type RetryRequest struct {
	Role string `json:"role" enum:"product-manager,developer,qa,security,documentation,ci-cd,director"`
}

type RegisterClaimRequest struct {
	ClaimTaskID string `json:"claim_task_id"`
}

// UpdateDirectorSettingsRequest is a partial update: absent fields keep
// their current value.
type UpdateDirectorSettingsRequest struct {
	Enabled              *bool   `json:"enabled,omitempty"`
	PollIntervalSeconds  *int    `json:"poll_interval_seconds,omitempty"`
	EnforceTDD           *bool   `json:"enforce_tdd,omitempty"`
	EnforceNoDuplication *bool   `json:"enforce_no_duplication,omitempty"`
	EnforceSecurity      *bool   `json:"enforce_security,omitempty"`
	VisionModel          *string `json:"vision_model,omitempty"`
}

type CreateAPIKeyRequest struct {
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
}

type DevLoginRequest struct {
	ActorID string `json:"actor_id"`
	Role    string `json:"role,omitempty"`
}

// Response payloads

type RegisterClaimResponse struct {
	ParentTaskID string `json:"parent_task_id"`
	ClaimTaskID  string `json:"claim_task_id"`
	Added        bool   `json:"added"`
}

// APIKeyCreatedResponse is the only place the plaintext key ever appears.
type APIKeyCreatedResponse struct {
	ID        string `json:"id"`
	Key       string `json:"key"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type TokenResponse struct {
	Token string `json:"token"`
}
