package repo

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"strings"
	"time"
)

// Token scopes. An update token authorizes uploads to its bound party slot
// only; the result token authorizes everything else on its project.
const (
	ScopeUpdate = "update"
	ScopeResult = "result"
)

type ProjectToken struct {
	ProjectID  string
	Scope      string
	PartyIndex int
	TokenHash  string
	CreatedAt  string
}

// NewToken mints an opaque random token. Tokens are returned to the caller
// exactly once; only their hash is stored.
func NewToken() string {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		panic("token entropy unavailable: " + err.Error())
	}
	return hex.EncodeToString(buf)
}

// HashToken returns a stable SHA-256 hex digest for the provided token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(token)))
	return hex.EncodeToString(sum[:])
}

func (r Repo) InsertTokenTx(ctx context.Context, tx *sql.Tx, t ProjectToken) error {
	if t.CreatedAt == "" {
		t.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO project_tokens(project_id,scope,party_index,token_hash,created_at) VALUES (?,?,?,?,?)`,
		t.ProjectID, t.Scope, t.PartyIndex, t.TokenHash, t.CreatedAt)
	return err
}

// GetTokenByHash resolves a presented token against one project. A miss and
// a nonexistent project both return ErrNotFound.
func (r Repo) GetTokenByHash(ctx context.Context, projectID, hash string) (ProjectToken, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT project_id,scope,party_index,token_hash,created_at FROM project_tokens WHERE project_id=? AND token_hash=? LIMIT 1`,
		projectID, hash)
	var t ProjectToken
	err := row.Scan(&t.ProjectID, &t.Scope, &t.PartyIndex, &t.TokenHash, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return ProjectToken{}, ErrNotFound
	}
	return t, err
}

// InvalidateProjectTokensTx removes all of a project's token hashes. Used by
// delete so that re-presenting the original result token yields forbidden.
func (r Repo) InvalidateProjectTokensTx(ctx context.Context, tx *sql.Tx, projectID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM project_tokens WHERE project_id=?`, projectID)
	return err
}
