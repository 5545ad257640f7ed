// Package models defines the data types the execution engine reads from and
// writes to the external script/dependency/schedule CRUD layer, and the
// Execution records the engine itself owns.
package models

import "time"

// Script is the external CRUD layer's record of a user-authored program.
// The engine treats everything but Dependency.InstalledVersion as read-only.
type Script struct {
	ID           int64
	Name         string
	Content      string
	IsActive     bool
	Dependencies []*Dependency
	Schedules    []*Schedule
}

// Dependency is a declared package requirement for a Script.
type Dependency struct {
	ID                int64
	ScriptID          int64
	PackageName       string
	VersionSpec       string
	InstalledVersion string
}

// recognizedVersionSpecPrefixes are the comparison operators the manifest
// serializer understands. Anything else is treated as unconstrained — see
// SPEC_FULL.md §6 (Open Questions) for why this is preserved rather than
// tightened.
var recognizedVersionSpecPrefixes = []string{"==", ">=", "<=", "~=", ">", "<"}

// ManifestLine returns the line this dependency contributes to
// requirements.manifest, per spec §4.A step 3.
func (d *Dependency) ManifestLine() string {
	spec := d.VersionSpec
	if spec == "" || spec == "*" {
		return d.PackageName
	}
	for _, prefix := range recognizedVersionSpecPrefixes {
		if len(spec) >= len(prefix) && spec[:len(prefix)] == prefix {
			return d.PackageName + spec
		}
	}
	return d.PackageName
}

// Schedule attaches a cron expression to a Script.
type Schedule struct {
	ID             int64
	ScriptID       int64
	CronExpression string
	Description    string
}

// ExecutionStatus is the status lifecycle of an Execution (spec §3).
type ExecutionStatus string

const (
	StatusPending ExecutionStatus = "PENDING"
	StatusRunning ExecutionStatus = "RUNNING"
	StatusSuccess ExecutionStatus = "SUCCESS"
	StatusFailure ExecutionStatus = "FAILURE"
)

// IsTerminal reports whether the status can no longer transition.
func (s ExecutionStatus) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailure
}

// Execution is one attempt to run a Script (spec §3).
type Execution struct {
	ID           int64
	ScriptID     int64
	ScheduleID   *int64
	StartedAt    time.Time
	CompletedAt  *time.Time
	Status       ExecutionStatus
	LogOutput    string
	ErrorMessage string
}
