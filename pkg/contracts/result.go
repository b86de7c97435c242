package contracts

// Result is the outcome of one action. Success is tri-state: nil means the
// action has not finished. When Success is true only Result is meaningful,
// otherwise only Error is.
type Result struct {
	Type    string `json:"type,omitempty"`
	Success *bool  `json:"success,omitempty"`
	Result  string `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
}

// NewFailure returns a failed Result carrying msg.
func NewFailure(msg string) *Result {
	f := false
	return &Result{Success: &f, Error: msg}
}

// SetType stamps the action type and returns r for chaining.
func (r *Result) SetType(actionType string) *Result {
	r.Type = actionType
	return r
}

// SetSuccess records the terminal state.
func (r *Result) SetSuccess(ok bool) *Result {
	r.Success = &ok
	return r
}

// Succeeded reports whether the Result is terminal and successful.
func (r *Result) Succeeded() bool {
	return r != nil && r.Success != nil && *r.Success
}
