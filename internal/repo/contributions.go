package repo

import (
	"context"
	"database/sql"

	"linkline/internal/domain"
)

// UpsertContributionTx records a party's encoding batch. Re-uploading before
// a run consumes the slot replaces it rather than duplicating it.
func (r Repo) UpsertContributionTx(ctx context.Context, tx *sql.Tx, c domain.Contribution) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO contributions(project_id,party_index,encoding_count,encoding_size,encodings,receipt_token,uploaded_at)
VALUES (?,?,?,?,?,?,?)
ON CONFLICT(project_id,party_index) DO UPDATE SET
  encoding_count=excluded.encoding_count,
  encoding_size=excluded.encoding_size,
  encodings=excluded.encodings,
  receipt_token=excluded.receipt_token,
  uploaded_at=excluded.uploaded_at`,
		c.ProjectID, c.PartyIndex, c.EncodingCount, c.EncodingSize, c.Encodings, c.ReceiptToken, c.UploadedAt)
	return err
}

// CountContributions returns how many party slots have uploaded data.
func (r Repo) CountContributions(ctx context.Context, projectID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM contributions WHERE project_id=?`, projectID).Scan(&n)
	return n, err
}

// ListContributions returns all party contributions ordered by slot,
// including the raw encoding blobs.
func (r Repo) ListContributions(ctx context.Context, projectID string) ([]domain.Contribution, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT project_id,party_index,encoding_count,encoding_size,encodings,receipt_token,uploaded_at FROM contributions WHERE project_id=? ORDER BY party_index`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Contribution
	for rows.Next() {
		var c domain.Contribution
		if err := rows.Scan(&c.ProjectID, &c.PartyIndex, &c.EncodingCount, &c.EncodingSize, &c.Encodings, &c.ReceiptToken, &c.UploadedAt); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}
