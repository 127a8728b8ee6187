// Package tasks defines the on-broker record formats for the distributed
// task queue: the task record written at enqueue time (spec §3 "Task
// record") and the execution record appended on failure (spec §3 "Execution
// record"). Both are stored as opaque JSON strings; the wire format is a
// public contract (spec §4.1), so field names and omitempty behavior here
// must not change without a compatibility story.
package tasks

// Task is a unit of work moving through queued/active/error sorted sets.
// Args and Kwargs are left as json.RawMessage-free interface{} because the
// core never interprets payload contents — only the registered handler
// does, in the executor's child process.
type Task struct {
	// ID is 64 hex characters: either random (spec §4.1) or, for unique
	// tasks, the SHA-256 of the canonical {func,args,kwargs} triple.
	ID string `json:"id"`

	// Func is the dotted identifier a worker's registry resolves to a
	// handler. The core never imports or calls arbitrary code directly.
	Func string `json:"func"`

	// Args and Kwargs are optional argument payloads, omitted entirely when
	// empty so the wire format matches the source's conditional inclusion.
	Args   []interface{}          `json:"args,omitempty"`
	Kwargs map[string]interface{} `json:"kwargs,omitempty"`

	// TimeLastQueued is seconds since epoch, floating point, refreshed on
	// every enqueue (including a unique task's collapsed re-enqueue).
	TimeLastQueued float64 `json:"time_last_queued"`

	// Unique is present (and true) only for unique tasks. Absent, never
	// false, to match the source's conditional field inclusion.
	Unique bool `json:"unique,omitempty"`

	// HardTimeout overrides the default/registered deadline in seconds. Zero
	// means "unset": fall back to the registry default, then the global
	// default.
	HardTimeout float64 `json:"hard_timeout,omitempty"`
}

// Execution is appended to task:<id>:executions on failure only; success
// leaves no execution record (spec §3).
type Execution struct {
	TimeStarted float64 `json:"time_started"`
	TimeFailed  float64 `json:"time_failed"`
	Traceback   string  `json:"traceback"`
	Success     bool    `json:"success"`
}
