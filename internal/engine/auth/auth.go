// Package auth carries the typed authorization failures of the token gate.
//
// Two outcomes are externally distinguishable: a missing Authorization header
// is a bad request, while a present-but-wrong token is forbidden. Nonexistent
// projects and runs also read forbidden, never not-found, so auth failures
// do not leak resource existence.
package auth

// Scope names the authority a token class grants.
type Scope string

const (
	// ScopeUpload authorizes writing encodings to one bound party slot.
	ScopeUpload Scope = "upload"
	// ScopeResult authorizes describe, list-runs, run-create, run-status,
	// run-result and delete on the bound project.
	ScopeResult Scope = "result"
)

// MissingAuthError reports an absent or blank Authorization header.
type MissingAuthError struct{}

func (MissingAuthError) Error() string {
	return "Authorization header required"
}

// ForbiddenError reports a presented token that is invalid, bound to a
// different project or party slot, or of the wrong scope. The message is
// identical whether or not the target resource exists.
type ForbiddenError struct {
	Scope Scope
}

func (e ForbiddenError) Error() string {
	return "token not valid for " + string(e.Scope)
}
