// Package carebell is a recurring-event scheduling and reminder engine.
//
// Collaborators define schedule sources (medications, supplements,
// appointments, activities); the engine expands recurrence rules into dated
// occurrences, persists their lifecycle, arms platform triggers through a
// pluggable TriggerScheduler, and applies inbound user actions (take, skip,
// postpone) with one-shot terminal transitions. A process-wide escalation
// mode (standard or critical) selects the delivery profile for every armed
// trigger and can be switched at runtime, re-arming all outstanding
// reminders immediately.
//
// The Engine facade wires the packages together; embedders that need finer
// control can compose pkg/store, pkg/generate, pkg/dispatch, pkg/mode and
// pkg/sweep directly.
package carebell
