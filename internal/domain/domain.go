package domain

// Run states. A run never leaves completed or error.
const (
	RunCreated   = "created"
	RunQueued    = "queued"
	RunRunning   = "running"
	RunCompleted = "completed"
	RunError     = "error"
)

// Result types a project can be created with.
const (
	ResultTypeMapping          = "mapping"
	ResultTypeSimilarityScores = "similarity_scores"
	ResultTypePermutations     = "permutations"
)

type Project struct {
	ID            string `json:"project_id"`
	Name          string `json:"name"`
	Notes         string `json:"notes"`
	SchemaJSON    string `json:"schema_json"`
	ResultType    string `json:"result_type" enum:"mapping,similarity_scores,permutations"`
	NumberParties int    `json:"number_parties"`
	// EncodingSize is fixed by the first accepted upload (or the schema) and
	// immutable afterwards. Nil until then.
	EncodingSize *int   `json:"encoding_size,omitempty"`
	Marked       bool   `json:"-"`
	TimeAdded    string `json:"time_added" format:"date-time"`
}

// ProjectDescription is the token-gated public view of a project. It never
// carries token or key material.
type ProjectDescription struct {
	ID                 string         `json:"project_id"`
	Name               string         `json:"name"`
	Notes              string         `json:"notes"`
	Schema             map[string]any `json:"schema"`
	ResultType         string         `json:"result_type" enum:"mapping,similarity_scores,permutations"`
	NumberParties      int            `json:"number_parties"`
	PartiesContributed int            `json:"parties_contributed"`
	Error              bool           `json:"error"`
}

// Contribution is one party slot's uploaded encoding batch. Re-uploading to
// the same slot replaces it.
type Contribution struct {
	ProjectID     string `json:"project_id"`
	PartyIndex    int    `json:"party_index"`
	EncodingCount int    `json:"encoding_count"`
	EncodingSize  int    `json:"encoding_size"`
	Encodings     []byte `json:"-"`
	ReceiptToken  string `json:"receipt_token"`
	UploadedAt    string `json:"uploaded_at" format:"date-time"`
}

type Run struct {
	ID            string   `json:"run_id"`
	ProjectID     string   `json:"project_id"`
	Threshold     float64  `json:"threshold"`
	Notes         string   `json:"notes"`
	State         string   `json:"state" enum:"created,queued,running,completed,error"`
	Stages        []string `json:"stages"`
	TimeAdded     string   `json:"time_added" format:"date-time"`
	TimeStarted   *string  `json:"time_started,omitempty" format:"date-time"`
	TimeCompleted *string  `json:"time_completed,omitempty" format:"date-time"`
	ErrorMessage  string   `json:"error_message,omitempty"`
	ResultJSON    *string  `json:"-"`
}

// Terminal reports whether the run can never transition again.
func (r Run) Terminal() bool {
	return r.State == RunCompleted || r.State == RunError
}

// StageProgress is the collaborator-reported progress within one stage.
type StageProgress struct {
	Absolute int64   `json:"absolute"`
	Relative float64 `json:"relative" minimum:"0" maximum:"1"`
}

type CurrentStage struct {
	Number      int            `json:"number"`
	Description string         `json:"description,omitempty"`
	Progress    *StageProgress `json:"progress,omitempty"`
}

// RunStatus is the polling view of a run. Successive reads never observe the
// stage number decrease, nor relative progress decrease within a stage.
type RunStatus struct {
	State         string       `json:"state" enum:"created,queued,running,completed,error"`
	Stages        []string     `json:"stages"`
	TimeAdded     string       `json:"time_added" format:"date-time"`
	TimeStarted   *string      `json:"time_started,omitempty" format:"date-time"`
	TimeCompleted *string      `json:"time_completed,omitempty" format:"date-time"`
	CurrentStage  CurrentStage `json:"current_stage"`
	Message       string       `json:"message,omitempty"`
}

// StagesFor returns the ordered stage list a run is created with. The list is
// a property of the project's result type and fixed for the run's lifetime.
func StagesFor(resultType string) []string {
	switch resultType {
	case ResultTypeMapping:
		return []string{"waiting for data", "compute similarity scores", "solve mapping"}
	default:
		return []string{"waiting for data", "compute similarity scores"}
	}
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	Payload    string `json:"payload_json"`
}
