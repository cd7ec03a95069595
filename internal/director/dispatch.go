package director

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"stageline/internal/config"
	"stageline/internal/domain"
	"stageline/internal/engine"
	"stageline/internal/stage"
)

// ErrAgentUnavailable means no command is configured for the role the
// current stage needs. The director skips the unit and retries next tick.
var ErrAgentUnavailable = errors.New("no agent configured for role")

// DispatchRequest is the JSON document an agent subprocess reads on stdin.
type DispatchRequest struct {
	UnitKind string         `json:"unit_kind"`
	UnitID   string         `json:"unit_id"`
	Stage    string         `json:"stage"`
	Role     string         `json:"role"`
	Project  domain.Project `json:"project"`
	Run      *domain.Run    `json:"run,omitempty"`
	Task     *domain.Task   `json:"task,omitempty"`
}

// DispatchResult is the JSON document an agent writes on stdout. Status is
// pass or fail; anything the agent wants to hand to later stages goes in
// details.
type DispatchResult struct {
	Status  string         `json:"status"`
	Summary string         `json:"summary"`
	Details map[string]any `json:"details,omitempty"`
}

// Dispatcher runs one agent for one unit of work.
type Dispatcher interface {
	Dispatch(ctx context.Context, role stage.Role, req DispatchRequest) (DispatchResult, error)
}

const defaultAgentTimeout = 300 * time.Second

// ExecDispatcher executes agents as subprocesses from the config catalog.
// An agent that times out, exits non-zero or emits garbage produces a fail
// report rather than an error: the pipeline records the failure and the
// failed gate handles the rest.
type ExecDispatcher struct {
	Agents map[string]config.AgentConfig
	Logger *zap.Logger
}

func (d ExecDispatcher) Dispatch(ctx context.Context, role stage.Role, req DispatchRequest) (DispatchResult, error) {
	agent, ok := d.Agents[string(role)]
	if !ok {
		return DispatchResult{}, fmt.Errorf("%w: %s", ErrAgentUnavailable, role)
	}
	timeout := defaultAgentTimeout
	if agent.TimeoutSeconds > 0 {
		timeout = time.Duration(agent.TimeoutSeconds) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	input, err := json.Marshal(req)
	if err != nil {
		return DispatchResult{}, fmt.Errorf("marshal dispatch request: %w", err)
	}
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, agent.Command, agent.Args...)
	cmd.Stdin = bytes.NewReader(input)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)
	d.Logger.Debug("agent finished",
		zap.String("role", string(role)),
		zap.String("unit_id", req.UnitID),
		zap.Duration("elapsed", elapsed),
		zap.Error(runErr))

	if ctx.Err() == context.DeadlineExceeded {
		return DispatchResult{
			Status:  engine.ReportFail,
			Summary: fmt.Sprintf("agent %s timed out after %s", role, timeout),
		}, nil
	}
	if runErr != nil {
		return DispatchResult{
			Status:  engine.ReportFail,
			Summary: fmt.Sprintf("agent %s exited with error: %v", role, runErr),
			Details: map[string]any{"stderr": tail(stderr.String(), 2000)},
		}, nil
	}
	var res DispatchResult
	if err := json.Unmarshal(stdout.Bytes(), &res); err != nil {
		return DispatchResult{
			Status:  engine.ReportFail,
			Summary: fmt.Sprintf("agent %s produced unparsable output", role),
			Details: map[string]any{"stdout": tail(stdout.String(), 2000)},
		}, nil
	}
	if res.Status != engine.ReportPass && res.Status != engine.ReportFail {
		return DispatchResult{
			Status:  engine.ReportFail,
			Summary: fmt.Sprintf("agent %s reported unknown status %q", role, res.Status),
		}, nil
	}
	return res, nil
}

func tail(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return s[len(s)-max:]
}
