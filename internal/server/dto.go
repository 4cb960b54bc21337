package server

import (
	"linkline/internal/domain"
)

// Request payloads

type CreateProjectRequest struct {
	Schema        map[string]any `json:"schema,omitempty" jsonschema:"type=object,additionalProperties=true"`
	ResultType    string         `json:"result_type" enum:"mapping,similarity_scores,permutations"`
	NumberParties *int           `json:"number_parties,omitempty"`
	Name          *string        `json:"name,omitempty"`
	Notes         *string        `json:"notes,omitempty"`
}

type UploadEncodingsRequest struct {
	CLKs []string `json:"clks"`
}

type CreateRunRequest struct {
	Threshold *float64 `json:"threshold"`
	Notes     *string  `json:"notes,omitempty"`
}

// Response payloads

type NewProjectResponse struct {
	ProjectID    string   `json:"project_id"`
	UpdateTokens []string `json:"update_tokens"`
	ResultToken  string   `json:"result_token"`
}

type ProjectSummary struct {
	ProjectID string `json:"project_id"`
	TimeAdded string `json:"time_added" format:"date-time"`
}

type UploadResponse struct {
	ReceiptToken string `json:"receipt_token"`
}

type NewRunResponse struct {
	RunID string `json:"run_id"`
}

type RunSummary struct {
	RunID string `json:"run_id"`
}

type RunDescriptionResponse struct {
	RunID     string  `json:"run_id"`
	Notes     string  `json:"notes"`
	Threshold float64 `json:"threshold"`
	State     string  `json:"state" enum:"created,queued,running,completed,error"`
	TimeAdded string  `json:"time_added" format:"date-time"`
}

// Conversion helpers

func projectSummaries(projects []domain.Project) []ProjectSummary {
	res := make([]ProjectSummary, 0, len(projects))
	for _, p := range projects {
		res = append(res, ProjectSummary{ProjectID: p.ID, TimeAdded: p.TimeAdded})
	}
	return res
}

func runSummaries(runs []domain.Run) []RunSummary {
	res := make([]RunSummary, 0, len(runs))
	for _, r := range runs {
		res = append(res, RunSummary{RunID: r.ID})
	}
	return res
}

func runDescription(r domain.Run) RunDescriptionResponse {
	return RunDescriptionResponse{
		RunID:     r.ID,
		Notes:     r.Notes,
		Threshold: r.Threshold,
		State:     r.State,
		TimeAdded: r.TimeAdded,
	}
}
