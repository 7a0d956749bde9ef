package http

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// WorkspaceRequest names the workspace an operation acts on. GET requests
// carry it as a query parameter.
type WorkspaceRequest struct {
	Workspace string `json:"workspace" query:"workspace"`
}

// PrepareRequest is the request body for POST /api/v1/prepare.
type PrepareRequest struct {
	Workspace string `json:"workspace"`
	Change    string `json:"change"`
}

// FinalizeRequest is the request body for POST /api/v1/finalize. Exactly
// one of Outcome ("success", "failure") or Result (a build result such as
// "SUCCESS" or "UNSTABLE", judged by the success policy) must be set.
type FinalizeRequest struct {
	Workspace string `json:"workspace"`
	Outcome   string `json:"outcome,omitempty"`
	Result    string `json:"result,omitempty"`
}

// CursorRequest is the request body for PUT /api/v1/cursor.
type CursorRequest struct {
	Workspace string `json:"workspace"`
	Cursor    string `json:"cursor"`
}

// PendingResponse is the response body for POST /api/v1/pending.
type PendingResponse struct {
	Workspace string `json:"workspace"`
	Pending   bool   `json:"pending"`
}

// PopResponse is the response body for POST /api/v1/pop. Change is empty
// when Popped is false.
type PopResponse struct {
	Workspace string `json:"workspace"`
	Popped    bool   `json:"popped"`
	Change    string `json:"change,omitempty"`
}

// PrepareResponse is the response body for POST /api/v1/prepare.
type PrepareResponse struct {
	Workspace string `json:"workspace"`
	Change    string `json:"change"`
	State     string `json:"state"`
}

// FinalizeResponse is the response body for POST /api/v1/finalize.
type FinalizeResponse struct {
	Workspace string `json:"workspace"`
	State     string `json:"state"` // "succeeded" or "rolled_back"
}

// CycleResponse is the response body for POST /api/v1/cycle.
type CycleResponse struct {
	Workspace string `json:"workspace"`
	Result    string `json:"result"` // "pending", "no_work" or "failure"
	Change    string `json:"change,omitempty"`
	RunID     string `json:"run_id"`
	Kind      string `json:"kind,omitempty"`
	Error     string `json:"error,omitempty"`
}

// CursorResponse is the response body for the cursor endpoints.
type CursorResponse struct {
	Workspace string `json:"workspace"`
	Cursor    string `json:"cursor"`
	Path      string `json:"path"`
}

// StatusResponse is the response body for GET /api/v1/status.
type StatusResponse struct {
	Workspace string `json:"workspace"`
	VCS       string `json:"vcs"`
	Branch    string `json:"branch"`
	State     string `json:"state"`
	Cursor    string `json:"cursor"`
	// Candidates is the number of changes waiting beyond the cursor, or
	// -1 when the repository could not be queried.
	Candidates int `json:"candidates"`
}

// ErrorResponse is returned for failed workflow operations.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
	Op    string `json:"op,omitempty"`
}
