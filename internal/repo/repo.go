package repo

import (
	"context"
	"database/sql"
	"errors"

	"linkline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const projectColumns = `id,name,notes,schema_json,result_type,number_parties,encoding_size,marked_for_deletion,time_added`

func scanProject(row *sql.Row) (domain.Project, error) {
	var p domain.Project
	var encodingSize sql.NullInt64
	var marked int
	err := row.Scan(&p.ID, &p.Name, &p.Notes, &p.SchemaJSON, &p.ResultType, &p.NumberParties, &encodingSize, &marked, &p.TimeAdded)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if encodingSize.Valid {
		size := int(encodingSize.Int64)
		p.EncodingSize = &size
	}
	p.Marked = marked != 0
	return p, nil
}

func (r Repo) InsertProjectTx(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO projects(id,name,notes,schema_json,result_type,number_parties,encoding_size,time_added) VALUES (?,?,?,?,?,?,?,?)`,
		p.ID, p.Name, p.Notes, p.SchemaJSON, p.ResultType, p.NumberParties, nullableInt(p.EncodingSize), p.TimeAdded)
	return err
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	return scanProject(r.DB.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id=?`, id))
}

func (r Repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE marked_for_deletion=0 ORDER BY time_added DESC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		var p domain.Project
		var encodingSize sql.NullInt64
		var marked int
		if err := rows.Scan(&p.ID, &p.Name, &p.Notes, &p.SchemaJSON, &p.ResultType, &p.NumberParties, &encodingSize, &marked, &p.TimeAdded); err != nil {
			return nil, err
		}
		if encodingSize.Valid {
			size := int(encodingSize.Int64)
			p.EncodingSize = &size
		}
		p.Marked = marked != 0
		res = append(res, p)
	}
	return res, rows.Err()
}

// SetEncodingSizeTx fixes the project encoding size if not already set and
// returns the size now in force. The first upload to commit wins; callers
// must treat a returned size different from the submitted one as a conflict.
func (r Repo) SetEncodingSizeTx(ctx context.Context, tx *sql.Tx, projectID string, size int) (int, error) {
	if _, err := tx.ExecContext(ctx, `UPDATE projects SET encoding_size=? WHERE id=? AND encoding_size IS NULL`, size, projectID); err != nil {
		return 0, err
	}
	var stored int
	err := tx.QueryRowContext(ctx, `SELECT encoding_size FROM projects WHERE id=?`, projectID).Scan(&stored)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return stored, nil
}

// MarkProjectForDeletion tombstones a project. Authorization against it
// fails from this point on; storage is reclaimed later by the reaper.
func (r Repo) MarkProjectForDeletionTx(ctx context.Context, tx *sql.Tx, id, markedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE projects SET marked_for_deletion=1, marked_at=? WHERE id=? AND marked_for_deletion=0`, markedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListProjectsMarkedBefore returns ids of tombstoned projects whose mark
// timestamp is at or before the cutoff.
func (r Repo) ListProjectsMarkedBefore(ctx context.Context, cutoff string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM projects WHERE marked_for_deletion=1 AND marked_at<=?`, cutoff)
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

// EraseProject removes a project row; contributions, runs and tokens cascade.
func (r Repo) EraseProject(ctx context.Context, id string) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM projects WHERE id=?`, id)
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}
