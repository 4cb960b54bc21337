package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"linkline/internal/config"
	"linkline/internal/domain"
	"linkline/internal/engine/auth"
	"linkline/internal/events"
	"linkline/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// ErrInvalid marks malformed input; the API layer maps it to 400.
var ErrInvalid = errors.New("invalid request")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// AuthorizeResult checks a result-scoped token against a project. A blank
// token is a missing-auth failure; anything else that does not match the
// project's live result token is forbidden, whether or not the project
// exists.
func (e Engine) AuthorizeResult(ctx context.Context, projectID, token string) error {
	if strings.TrimSpace(token) == "" {
		return auth.MissingAuthError{}
	}
	t, err := e.Repo.GetTokenByHash(ctx, projectID, repo.HashToken(token))
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return auth.ForbiddenError{Scope: auth.ScopeResult}
		}
		return err
	}
	if t.Scope != repo.ScopeResult {
		return auth.ForbiddenError{Scope: auth.ScopeResult}
	}
	return nil
}

// AuthorizeUpload checks an update-scoped token and returns the bound party
// slot.
func (e Engine) AuthorizeUpload(ctx context.Context, projectID, token string) (int, error) {
	if strings.TrimSpace(token) == "" {
		return 0, auth.MissingAuthError{}
	}
	t, err := e.Repo.GetTokenByHash(ctx, projectID, repo.HashToken(token))
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return 0, auth.ForbiddenError{Scope: auth.ScopeUpload}
		}
		return 0, err
	}
	if t.Scope != repo.ScopeUpdate {
		return 0, auth.ForbiddenError{Scope: auth.ScopeUpload}
	}
	return t.PartyIndex, nil
}

// ProjectCreateOptions are parameters for creating a project.
type ProjectCreateOptions struct {
	Schema        map[string]any
	ResultType    string
	NumberParties int
	Name          string
	Notes         string
}

// NewProject carries the freshly minted secrets back to the creator. This is
// the only time the tokens are visible.
type NewProject struct {
	ProjectID    string   `json:"project_id"`
	UpdateTokens []string `json:"update_tokens"`
	ResultToken  string   `json:"result_token"`
}

func (e Engine) CreateProject(ctx context.Context, opts ProjectCreateOptions) (NewProject, error) {
	if opts.NumberParties == 0 {
		opts.NumberParties = 2
	}
	if opts.NumberParties < 2 {
		return NewProject{}, invalid("number_parties must be at least 2")
	}
	switch opts.ResultType {
	case domain.ResultTypeMapping, domain.ResultTypeSimilarityScores, domain.ResultTypePermutations:
	default:
		return NewProject{}, invalid("unknown result_type %q", opts.ResultType)
	}
	if opts.Schema == nil {
		opts.Schema = map[string]any{}
	}
	schemaJSON, err := json.Marshal(opts.Schema)
	if err != nil {
		return NewProject{}, fmt.Errorf("marshal schema: %w", err)
	}

	p := domain.Project{
		ID:            uuid.New().String(),
		Name:          opts.Name,
		Notes:         opts.Notes,
		SchemaJSON:    string(schemaJSON),
		ResultType:    opts.ResultType,
		NumberParties: opts.NumberParties,
		TimeAdded:     e.now().UTC().Format(time.RFC3339),
	}
	out := NewProject{
		ProjectID:   p.ID,
		ResultToken: repo.NewToken(),
	}
	for i := 0; i < p.NumberParties; i++ {
		out.UpdateTokens = append(out.UpdateTokens, repo.NewToken())
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return NewProject{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertProjectTx(ctx, tx, p); err != nil {
		return NewProject{}, fmt.Errorf("insert project: %w", err)
	}
	created := p.TimeAdded
	if err := e.Repo.InsertTokenTx(ctx, tx, repo.ProjectToken{
		ProjectID: p.ID, Scope: repo.ScopeResult, PartyIndex: -1,
		TokenHash: repo.HashToken(out.ResultToken), CreatedAt: created,
	}); err != nil {
		return NewProject{}, fmt.Errorf("insert result token: %w", err)
	}
	for i, token := range out.UpdateTokens {
		if err := e.Repo.InsertTokenTx(ctx, tx, repo.ProjectToken{
			ProjectID: p.ID, Scope: repo.ScopeUpdate, PartyIndex: i,
			TokenHash: repo.HashToken(token), CreatedAt: created,
		}); err != nil {
			return NewProject{}, fmt.Errorf("insert update token: %w", err)
		}
	}
	if err := e.Events.Append(ctx, tx, "project.created", p.ID, "project", p.ID, events.EventPayload{
		"result_type":    p.ResultType,
		"number_parties": p.NumberParties,
	}); err != nil {
		return NewProject{}, err
	}
	if err := tx.Commit(); err != nil {
		return NewProject{}, err
	}
	return out, nil
}

// DescribeProject returns the public view of a project, gated on the result
// token. Token and key material never appear in the description.
func (e Engine) DescribeProject(ctx context.Context, projectID, token string) (domain.ProjectDescription, error) {
	if err := e.AuthorizeResult(ctx, projectID, token); err != nil {
		return domain.ProjectDescription{}, err
	}
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.ProjectDescription{}, auth.ForbiddenError{Scope: auth.ScopeResult}
		}
		return domain.ProjectDescription{}, err
	}
	contributed, err := e.Repo.CountContributions(ctx, projectID)
	if err != nil {
		return domain.ProjectDescription{}, err
	}
	schema := map[string]any{}
	broken := false
	if err := json.Unmarshal([]byte(p.SchemaJSON), &schema); err != nil {
		broken = true
	}
	return domain.ProjectDescription{
		ID:                 p.ID,
		Name:               p.Name,
		Notes:              p.Notes,
		Schema:             schema,
		ResultType:         p.ResultType,
		NumberParties:      p.NumberParties,
		PartiesContributed: contributed,
		Error:              broken,
	}, nil
}

func (e Engine) ListProjects(ctx context.Context) ([]domain.Project, error) {
	return e.Repo.ListProjects(ctx)
}

// DeleteProject tombstones the project and invalidates its tokens in one
// transaction. Underlying data is reclaimed later by the scheduler's reaper;
// a second delete with the original token fails forbidden because the token
// hashes are already gone.
func (e Engine) DeleteProject(ctx context.Context, projectID, token string) error {
	if err := e.AuthorizeResult(ctx, projectID, token); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.MarkProjectForDeletionTx(ctx, tx, projectID, now); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return auth.ForbiddenError{Scope: auth.ScopeResult}
		}
		return err
	}
	if err := e.Repo.InvalidateProjectTokensTx(ctx, tx, projectID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "project.deleted", projectID, "project", projectID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// UploadOptions are parameters for one party's encoding batch.
type UploadOptions struct {
	ProjectID     string
	Token         string
	EncodingCount int
	EncodingSize  int
	Encodings     []byte
}

// Upload validates and records a party contribution, fixing the project
// encoding size on the first accepted batch. Returns the signed receipt
// token.
func (e Engine) Upload(ctx context.Context, opts UploadOptions) (string, error) {
	partyIndex, err := e.AuthorizeUpload(ctx, opts.ProjectID, opts.Token)
	if err != nil {
		return "", err
	}
	p, err := e.Repo.GetProject(ctx, opts.ProjectID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return "", auth.ForbiddenError{Scope: auth.ScopeUpload}
		}
		return "", err
	}
	if opts.EncodingCount <= 0 {
		return "", invalid("upload contains no encodings")
	}
	if err := checkEncodingSize(p.EncodingSize, opts.EncodingSize, e.Config.Encodings.MinSize, e.Config.Encodings.MaxSize); err != nil {
		return "", err
	}
	if len(opts.Encodings) != opts.EncodingCount*opts.EncodingSize {
		return "", invalid("encoding payload is %d bytes, expected %d", len(opts.Encodings), opts.EncodingCount*opts.EncodingSize)
	}

	receipt, err := e.mintReceipt(opts.ProjectID, partyIndex, opts.EncodingCount)
	if err != nil {
		return "", err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	// The size in force is re-read inside the transaction; a concurrent
	// first upload may have fixed a different one since the pre-check.
	stored, err := e.Repo.SetEncodingSizeTx(ctx, tx, opts.ProjectID, opts.EncodingSize)
	if err != nil {
		return "", err
	}
	if stored != opts.EncodingSize {
		return "", invalid("invalid encoding size %d, project uses %d", opts.EncodingSize, stored)
	}
	if err := e.Repo.UpsertContributionTx(ctx, tx, domain.Contribution{
		ProjectID:     opts.ProjectID,
		PartyIndex:    partyIndex,
		EncodingCount: opts.EncodingCount,
		EncodingSize:  opts.EncodingSize,
		Encodings:     opts.Encodings,
		ReceiptToken:  receipt,
		UploadedAt:    e.now().UTC().Format(time.RFC3339),
	}); err != nil {
		return "", err
	}
	if err := e.Events.Append(ctx, tx, "clks.uploaded", opts.ProjectID, "contribution", fmt.Sprintf("party-%d", partyIndex), events.EventPayload{
		"party_index":    partyIndex,
		"encoding_count": opts.EncodingCount,
		"encoding_size":  opts.EncodingSize,
	}); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return receipt, nil
}

// mintReceipt signs a receipt acknowledging one party's upload.
func (e Engine) mintReceipt(projectID string, partyIndex, count int) (string, error) {
	claims := jwt.MapClaims{
		"sub":   projectID,
		"party": partyIndex,
		"count": count,
		"iat":   e.now().UTC().Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(e.Config.Receipts.Secret))
	if err != nil {
		return "", fmt.Errorf("sign receipt: %w", err)
	}
	return signed, nil
}

// ProjectReady reports whether every declared party slot has contributed.
// Level-triggered: readiness is re-evaluated against the committed
// contribution set every time it is asked.
func (e Engine) ProjectReady(ctx context.Context, projectID string) (bool, error) {
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return false, err
	}
	n, err := e.Repo.CountContributions(ctx, projectID)
	if err != nil {
		return false, err
	}
	return n >= p.NumberParties, nil
}

// RunCreateOptions are parameters for creating a run.
type RunCreateOptions struct {
	ProjectID string
	Token     string
	Threshold float64
	Notes     string
}

// CreateRun persists a new run and hands it to the scheduler queue. The run
// starts executing only once the project has its full complement of
// contributions.
func (e Engine) CreateRun(ctx context.Context, opts RunCreateOptions) (domain.Run, error) {
	if err := e.AuthorizeResult(ctx, opts.ProjectID, opts.Token); err != nil {
		return domain.Run{}, err
	}
	if opts.Threshold < 0 || opts.Threshold > 1 {
		return domain.Run{}, invalid("threshold %v outside [0, 1]", opts.Threshold)
	}
	p, err := e.Repo.GetProject(ctx, opts.ProjectID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Run{}, auth.ForbiddenError{Scope: auth.ScopeResult}
		}
		return domain.Run{}, err
	}

	run := domain.Run{
		ID:        uuid.New().String(),
		ProjectID: p.ID,
		Threshold: opts.Threshold,
		Notes:     opts.Notes,
		State:     domain.RunCreated,
		Stages:    domain.StagesFor(p.ResultType),
		TimeAdded: e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Run{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertRunTx(ctx, tx, run); err != nil {
		return domain.Run{}, fmt.Errorf("insert run: %w", err)
	}
	// The queued transition commits with the insert; a persisted run is
	// never stranded in created.
	if err := e.Repo.MarkRunQueuedTx(ctx, tx, run.ID); err != nil {
		return domain.Run{}, err
	}
	if err := e.Events.Append(ctx, tx, "run.created", p.ID, "run", run.ID, events.EventPayload{
		"threshold": run.Threshold,
	}); err != nil {
		return domain.Run{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Run{}, err
	}
	run.State = domain.RunQueued
	return run, nil
}

// GetRun returns a run gated on the result token. An unknown run id is
// forbidden, not missing, so run existence is never leaked.
func (e Engine) GetRun(ctx context.Context, projectID, runID, token string) (domain.Run, error) {
	if err := e.AuthorizeResult(ctx, projectID, token); err != nil {
		return domain.Run{}, err
	}
	run, err := e.Repo.GetRun(ctx, projectID, runID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Run{}, auth.ForbiddenError{Scope: auth.ScopeResult}
		}
		return domain.Run{}, err
	}
	return run, nil
}

func (e Engine) ListRuns(ctx context.Context, projectID, token string) ([]domain.Run, error) {
	if err := e.AuthorizeResult(ctx, projectID, token); err != nil {
		return nil, err
	}
	return e.Repo.ListRuns(ctx, projectID)
}
