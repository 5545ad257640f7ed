package events

import "time"

// ExecutionStartedEvent is published the moment an execution's status is
// persisted as RUNNING (spec §4.E step 3).
type ExecutionStartedEvent struct {
	EventID     string    `json:"event_id"`
	Timestamp   time.Time `json:"timestamp"`
	ExecutionID int64     `json:"execution_id"`
	ScriptID    int64     `json:"script_id"`
	ScheduleID  *int64    `json:"schedule_id,omitempty"`
}

// ExecutionSucceededEvent is published when an execution reaches SUCCESS.
type ExecutionSucceededEvent struct {
	EventID     string    `json:"event_id"`
	Timestamp   time.Time `json:"timestamp"`
	ExecutionID int64     `json:"execution_id"`
	ScriptID    int64     `json:"script_id"`
}

// ExecutionFailedEvent is published when an execution reaches FAILURE,
// regardless of cause (non-zero exit, timeout, cancellation, or
// provisioning failure).
type ExecutionFailedEvent struct {
	EventID      string    `json:"event_id"`
	Timestamp    time.Time `json:"timestamp"`
	ExecutionID  int64     `json:"execution_id"`
	ScriptID     int64     `json:"script_id"`
	ErrorMessage string    `json:"error_message"`
}

// InstallFinishedEvent is published when the Environment Provisioner
// finishes reconciling a script's dependencies, successfully or not.
type InstallFinishedEvent struct {
	EventID   string    `json:"event_id"`
	Timestamp time.Time `json:"timestamp"`
	ScriptID  int64     `json:"script_id"`
	Success   bool      `json:"success"`
	Detail    string    `json:"detail,omitempty"`
}
