package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"stageline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// IsUniqueViolation reports whether err is a SQLite unique-constraint
// failure (duplicate project name, duplicate API key hash).
func IsUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// --- projects ---

func (r Repo) InsertProject(ctx context.Context, tx dbtx, p domain.Project) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO projects(id,name,description,repo_path,created_at) VALUES (?,?,?,?,?)`,
		p.ID, p.Name, nullable(p.Description), nullable(p.RepoPath), p.CreatedAt)
	return err
}

func scanProject(row *sql.Row) (domain.Project, error) {
	var p domain.Project
	var desc, repoPath sql.NullString
	err := row.Scan(&p.ID, &p.Name, &desc, &repoPath, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if desc.Valid {
		p.Description = desc.String
	}
	if repoPath.Valid {
		p.RepoPath = repoPath.String
	}
	return p, err
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	return scanProject(r.DB.QueryRowContext(ctx, `SELECT id,name,description,repo_path,created_at FROM projects WHERE id=?`, id))
}

func (r Repo) GetProjectByName(ctx context.Context, name string) (domain.Project, error) {
	return scanProject(r.DB.QueryRowContext(ctx, `SELECT id,name,description,repo_path,created_at FROM projects WHERE name=?`, name))
}

func (r Repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,COALESCE(description,''),COALESCE(repo_path,''),created_at FROM projects ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		var p domain.Project
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.RepoPath, &p.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// SingleProject returns the only project when exactly one exists; CLI entry
// points use it to avoid demanding --project in single-project workspaces.
func (r Repo) SingleProject(ctx context.Context) (domain.Project, error) {
	items, err := r.ListProjects(ctx)
	if err != nil {
		return domain.Project{}, err
	}
	if len(items) == 0 {
		return domain.Project{}, ErrNotFound
	}
	if len(items) > 1 {
		return domain.Project{}, fmt.Errorf("multiple projects exist; specify --project")
	}
	return items[0], nil
}

// --- runs ---

func (r Repo) InsertRun(ctx context.Context, tx dbtx, run domain.Run) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO runs(id,project_id,name,state,docs_result,testing_result,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?)`,
		run.ID, run.ProjectID, run.Name, run.State, nullableStringPtr(run.DocsResult), nullableStringPtr(run.TestingResult), run.CreatedAt, run.UpdatedAt)
	return err
}

const runColumns = `id,project_id,name,state,docs_result,testing_result,created_at,updated_at`

func scanRun(s interface{ Scan(...any) error }) (domain.Run, error) {
	var run domain.Run
	var docs, testing sql.NullString
	err := s.Scan(&run.ID, &run.ProjectID, &run.Name, &run.State, &docs, &testing, &run.CreatedAt, &run.UpdatedAt)
	if err != nil {
		return run, err
	}
	if docs.Valid {
		run.DocsResult = &docs.String
	}
	if testing.Valid {
		run.TestingResult = &testing.String
	}
	return run, nil
}

func (r Repo) GetRun(ctx context.Context, id string) (domain.Run, error) {
	return r.getRun(ctx, r.DB, id)
}

func (r Repo) GetRunTx(ctx context.Context, tx *sql.Tx, id string) (domain.Run, error) {
	return r.getRun(ctx, tx, id)
}

func (r Repo) getRun(ctx context.Context, tx dbtx, id string) (domain.Run, error) {
	run, err := scanRun(tx.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return run, ErrNotFound
	}
	return run, err
}

func (r Repo) ListRuns(ctx context.Context, projectID string) ([]domain.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs`
	var args []any
	if projectID != "" {
		query += ` WHERE project_id=?`
		args = append(args, projectID)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

// ListRunsInStates returns runs currently sitting in any of the given states.
func (r Repo) ListRunsInStates(ctx context.Context, states []string) ([]domain.Run, error) {
	if len(states) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimRight(strings.Repeat("?,", len(states)), ",")
	args := make([]any, len(states))
	for i, s := range states {
		args[i] = s
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+runColumns+` FROM runs WHERE state IN (`+placeholders+`) ORDER BY created_at ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

// SwapRunState writes the new state only if the run still holds the state
// observed at read time. Returns false when a concurrent writer won.
func (r Repo) SwapRunState(ctx context.Context, tx dbtx, id, from, to, updatedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE runs SET state=?, updated_at=? WHERE id=? AND state=?`, to, updatedAt, id, from)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r Repo) SetRunDocsResult(ctx context.Context, tx dbtx, id, payload, updatedAt string) error {
	_, err := tx.ExecContext(ctx, `UPDATE runs SET docs_result=?, updated_at=? WHERE id=?`, payload, updatedAt, id)
	return err
}

func (r Repo) SetRunTestingResult(ctx context.Context, tx dbtx, id, payload, updatedAt string) error {
	_, err := tx.ExecContext(ctx, `UPDATE runs SET testing_result=?, updated_at=? WHERE id=?`, payload, updatedAt, id)
	return err
}

func (r Repo) CountRunsByState(ctx context.Context, projectID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT state, count(*) FROM runs WHERE project_id=? GROUP BY state`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, err
		}
		res[state] = count
	}
	return res, rows.Err()
}

// --- tasks ---

const taskColumns = `id,project_id,run_id,parent_task_id,title,description,acceptance_criteria_json,status,pipeline_stage,claims_total,claims_validated,claims_failed,created_at,updated_at`

func (r Repo) InsertTask(ctx context.Context, tx dbtx, t domain.Task) error {
	criteria, err := marshalCriteria(t.AcceptanceCriteria)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO tasks(id,project_id,run_id,parent_task_id,title,description,acceptance_criteria_json,status,pipeline_stage,claims_total,claims_validated,claims_failed,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.ProjectID, nullableStringPtr(t.RunID), nullableStringPtr(t.ParentTaskID), t.Title, nullable(t.Description),
		criteria, t.Status, t.PipelineStage, t.ClaimsTotal, t.ClaimsValidated, t.ClaimsFailed, t.CreatedAt, t.UpdatedAt)
	return err
}

func scanTask(s interface{ Scan(...any) error }) (domain.Task, error) {
	var t domain.Task
	var runID, parentID, desc, criteria sql.NullString
	err := s.Scan(&t.ID, &t.ProjectID, &runID, &parentID, &t.Title, &desc, &criteria, &t.Status, &t.PipelineStage,
		&t.ClaimsTotal, &t.ClaimsValidated, &t.ClaimsFailed, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return t, err
	}
	if runID.Valid {
		t.RunID = &runID.String
	}
	if parentID.Valid {
		t.ParentTaskID = &parentID.String
	}
	if desc.Valid {
		t.Description = desc.String
	}
	if criteria.Valid && criteria.String != "" {
		_ = json.Unmarshal([]byte(criteria.String), &t.AcceptanceCriteria)
	}
	return t, nil
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return r.getTask(ctx, r.DB, id)
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	return r.getTask(ctx, tx, id)
}

func (r Repo) getTask(ctx context.Context, tx dbtx, id string) (domain.Task, error) {
	t, err := scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	return t, err
}

type TaskFilters struct {
	ProjectID string
	RunID     string
	Status    string
	Parent    string
	Limit     int
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.RunID != "" {
		clauses = append(clauses, "run_id=?")
		args = append(args, f.RunID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Parent != "" {
		clauses = append(clauses, "parent_task_id=?")
		args = append(args, f.Parent)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + taskColumns + ` FROM tasks ` + where + ` ORDER BY created_at ASC, id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) ListChildren(ctx context.Context, tx dbtx, taskID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id FROM tasks WHERE parent_task_id=?`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SwapTaskStatus writes the new status only if the task still holds the
// observed one. Returns false when a concurrent writer won.
func (r Repo) SwapTaskStatus(ctx context.Context, tx dbtx, id, from, to, updatedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET status=?, updated_at=? WHERE id=? AND status=?`, to, updatedAt, id, from)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// SwapTaskStage advances the legacy pipeline_stage mirror under the same
// observed-value condition.
func (r Repo) SwapTaskStage(ctx context.Context, tx dbtx, id, from, to, updatedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET pipeline_stage=?, updated_at=? WHERE id=? AND pipeline_stage=?`, to, updatedAt, id, from)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r Repo) CountTasksByStatus(ctx context.Context, projectID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM tasks WHERE project_id=? GROUP BY status`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

// --- director settings ---

func (r Repo) GetDirectorSettings(ctx context.Context) (domain.DirectorSettings, error) {
	return r.getDirectorSettings(ctx, r.DB)
}

func (r Repo) GetDirectorSettingsTx(ctx context.Context, tx *sql.Tx) (domain.DirectorSettings, error) {
	return r.getDirectorSettings(ctx, tx)
}

func (r Repo) getDirectorSettings(ctx context.Context, tx dbtx) (domain.DirectorSettings, error) {
	var s domain.DirectorSettings
	var enabled, tdd, dup, sec int
	var vision, startedAt sql.NullString
	err := tx.QueryRowContext(ctx, `SELECT enabled,poll_interval_seconds,enforce_tdd,enforce_no_duplication,enforce_security,vision_model,daemon_started_at,updated_at FROM director_settings WHERE id=1`).
		Scan(&enabled, &s.PollIntervalSeconds, &tdd, &dup, &sec, &vision, &startedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.Enabled = enabled != 0
	s.EnforceTDD = tdd != 0
	s.EnforceNoDuplication = dup != 0
	s.EnforceSecurity = sec != 0
	if vision.Valid {
		s.VisionModel = vision.String
	}
	if startedAt.Valid {
		s.DaemonStartedAt = &startedAt.String
	}
	return s, nil
}

// UpdateDirectorSettings is the single-writer configuration path. The
// liveness timestamp is managed separately by the daemon itself.
func (r Repo) UpdateDirectorSettings(ctx context.Context, tx dbtx, s domain.DirectorSettings, updatedAt string) error {
	_, err := tx.ExecContext(ctx, `UPDATE director_settings SET enabled=?, poll_interval_seconds=?, enforce_tdd=?, enforce_no_duplication=?, enforce_security=?, vision_model=?, updated_at=? WHERE id=1`,
		boolInt(s.Enabled), s.PollIntervalSeconds, boolInt(s.EnforceTDD), boolInt(s.EnforceNoDuplication), boolInt(s.EnforceSecurity), nullable(s.VisionModel), updatedAt)
	return err
}

// ClaimDaemonLiveness stamps daemon_started_at only when it is empty or
// older than staleBefore. Returns false when a live daemon already holds it.
func (r Repo) ClaimDaemonLiveness(ctx context.Context, now, staleBefore string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE director_settings SET daemon_started_at=?, updated_at=? WHERE id=1 AND (daemon_started_at IS NULL OR daemon_started_at < ?)`,
		now, now, staleBefore)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// TouchDaemonLiveness refreshes the heartbeat each poll tick.
func (r Repo) TouchDaemonLiveness(ctx context.Context, now string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE director_settings SET daemon_started_at=?, updated_at=? WHERE id=1`, now, now)
	return err
}

// ClearDaemonLiveness releases the advisory lock on clean shutdown.
func (r Repo) ClearDaemonLiveness(ctx context.Context, now string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE director_settings SET daemon_started_at=NULL, updated_at=? WHERE id=1`, now)
	return err
}

// --- events ---

func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, projectID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if projectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, projectID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,COALESCE(project_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, projectID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if projectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, projectID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,COALESCE(project_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events %s ORDER BY id ASC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

func (r Repo) LatestEventID(ctx context.Context, projectID string) (int64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events WHERE project_id=?`, projectID)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.ProjectID, &e.EntityKind, &e.EntityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// --- helpers ---

func marshalCriteria(in []string) (any, error) {
	if len(in) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}
