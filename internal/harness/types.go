package harness

// Trace operations.
const (
	OpEmit        = "emit"
	OpPromote     = "promote"
	OpAct         = "act"
	OpAdvance     = "advance"
	OpTick        = "tick"
	OpRevert      = "revert"
	OpLeaderSwap  = "leader_swap"
	OpStaleRevert = "stale_revert"
)

// TraceEvent is one observable effect of a scenario step.
// Only the fields relevant to Op are set.
type TraceEvent struct {
	Op         string `json:"op"`
	DID        string `json:"did,omitempty"`
	Subject    string `json:"subject,omitempty"`
	EventID    int64  `json:"event_id,omitempty"`
	Seq        int64  `json:"seq,omitempty"`
	Action     string `json:"action,omitempty"`
	CreatedBy  string `json:"created_by,omitempty"`
	At         string `json:"at,omitempty"`
	Due        int    `json:"due,omitempty"`
	Reverted   int    `json:"reverted,omitempty"`
	Generation int    `json:"generation,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true if every assertion held.
	Pass bool `json:"pass"`

	// Trace lists step effects in execution order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains assertion failures. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddTrace appends ev to the trace.
func (r *Result) AddTrace(ev TraceEvent) {
	r.Trace = append(r.Trace, ev)
}
