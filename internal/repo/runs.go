package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"linkline/internal/domain"
)

func (r Repo) InsertRunTx(ctx context.Context, tx *sql.Tx, run domain.Run) error {
	stages, err := json.Marshal(run.Stages)
	if err != nil {
		return fmt.Errorf("marshal stages: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO runs(id,project_id,threshold,notes,state,stages_json,time_added) VALUES (?,?,?,?,?,?,?)`,
		run.ID, run.ProjectID, run.Threshold, run.Notes, run.State, string(stages), run.TimeAdded)
	return err
}

func scanRun(scan func(dest ...any) error) (domain.Run, error) {
	var run domain.Run
	var stagesJSON string
	var started, completed, result sql.NullString
	err := scan(&run.ID, &run.ProjectID, &run.Threshold, &run.Notes, &run.State, &stagesJSON, &run.TimeAdded, &started, &completed, &run.ErrorMessage, &result)
	if err == sql.ErrNoRows {
		return run, ErrNotFound
	}
	if err != nil {
		return run, err
	}
	if err := json.Unmarshal([]byte(stagesJSON), &run.Stages); err != nil {
		return run, fmt.Errorf("unmarshal stages: %w", err)
	}
	if started.Valid {
		run.TimeStarted = &started.String
	}
	if completed.Valid {
		run.TimeCompleted = &completed.String
	}
	if result.Valid {
		run.ResultJSON = &result.String
	}
	return run, nil
}

const runColumns = `id,project_id,threshold,notes,state,stages_json,time_added,time_started,time_completed,error_message,result_json`

func (r Repo) GetRun(ctx context.Context, projectID, runID string) (domain.Run, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id=? AND project_id=?`, runID, projectID)
	return scanRun(row.Scan)
}

func (r Repo) ListRuns(ctx context.Context, projectID string) ([]domain.Run, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+runColumns+` FROM runs WHERE project_id=? ORDER BY time_added, id`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Run
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

// ListQueuedRuns returns queued runs of live projects, oldest first.
func (r Repo) ListQueuedRuns(ctx context.Context) ([]domain.Run, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT runs.id,runs.project_id,runs.threshold,runs.notes,runs.state,runs.stages_json,runs.time_added,runs.time_started,runs.time_completed,runs.error_message,runs.result_json FROM runs
JOIN projects ON projects.id = runs.project_id AND projects.marked_for_deletion=0
WHERE runs.state=? ORDER BY runs.time_added, runs.id`, domain.RunQueued)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Run
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

// MarkRunQueuedTx moves a freshly created run into the scheduler's queue
// within the creating transaction, so a committed run is always queued.
func (r Repo) MarkRunQueuedTx(ctx context.Context, tx *sql.Tx, runID string) error {
	res, err := tx.ExecContext(ctx, `UPDATE runs SET state=? WHERE id=? AND state=?`,
		domain.RunQueued, runID, domain.RunCreated)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s: invalid transition %s -> %s", runID, domain.RunCreated, domain.RunQueued)
	}
	return nil
}

// MarkRunRunning stamps time_started. Fails unless the run is still queued,
// which is what prevents double dispatch across admission cycles.
func (r Repo) MarkRunRunning(ctx context.Context, runID, startedAt string) error {
	return r.transitionRun(ctx, runID, domain.RunQueued, domain.RunRunning, `time_started=?`, startedAt)
}

func (r Repo) transitionRun(ctx context.Context, runID, from, to, extraSet string, extraArg string) error {
	query := `UPDATE runs SET state=?`
	args := []any{to}
	if extraSet != "" {
		query += `, ` + extraSet
		args = append(args, extraArg)
	}
	query += ` WHERE id=? AND state=?`
	args = append(args, runID, from)
	res, err := r.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s: invalid transition %s -> %s", runID, from, to)
	}
	return nil
}

// CompleteRun commits the result and terminal completed state. Terminal
// states are never overwritten.
func (r Repo) CompleteRun(ctx context.Context, runID, completedAt, resultJSON string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE runs SET state=?, time_completed=?, result_json=? WHERE id=? AND state=?`,
		domain.RunCompleted, completedAt, resultJSON, runID, domain.RunRunning)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s: not running", runID)
	}
	return nil
}

// FailRun records the terminal error state with diagnostic text. Permitted
// from any non-terminal state.
func (r Repo) FailRun(ctx context.Context, runID, message string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE runs SET state=?, error_message=? WHERE id=? AND state NOT IN (?,?)`,
		domain.RunError, message, runID, domain.RunCompleted, domain.RunError)
	return err
}
