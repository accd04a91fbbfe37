// Package event defines the domain model shared by the store, the generator,
// and the dispatcher: occurrence records, their lifecycle states, and the
// inbound action messages that drive transitions.
package event

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"carebell/pkg/recurrence"
)

// Type is the closed set of occurrence kinds. Switches over Type must be
// exhaustive; adding a kind is a compile-surface change, not a string branch.
type Type string

const (
	TypeMedication  Type = "medication_due"
	TypeSupplement  Type = "supplement_due"
	TypeAppointment Type = "appointment"
	TypeActivity    Type = "activity"
)

// Valid reports whether t is a known event type.
func (t Type) Valid() bool {
	switch t {
	case TypeMedication, TypeSupplement, TypeAppointment, TypeActivity:
		return true
	}
	return false
}

// Recurring reports whether the type is expanded from a recurrence rule.
// Appointments and activities take the single-occurrence path.
func (t Type) Recurring() bool {
	switch t {
	case TypeMedication, TypeSupplement:
		return true
	case TypeAppointment, TypeActivity:
		return false
	}
	return false
}

// Consumable reports whether a "take" action decrements inventory.
func (t Type) Consumable() bool {
	switch t {
	case TypeMedication, TypeSupplement:
		return true
	case TypeAppointment, TypeActivity:
		return false
	}
	return false
}

// Status is the lifecycle state of an occurrence. Transitions are one-shot:
// pending moves to exactly one terminal state and never leaves it.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusMissed    Status = "missed"
	StatusSkipped   Status = "skipped"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusCompleted, StatusMissed, StatusSkipped:
		return true
	}
	return false
}

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool { return s != StatusPending && s != "" }

// EscalationMode is the process-wide reminder delivery policy, applied at
// dispatch time rather than stored per event.
type EscalationMode string

const (
	ModeStandard EscalationMode = "standard"
	ModeCritical EscalationMode = "critical"
)

func (m EscalationMode) Valid() bool {
	return m == ModeStandard || m == ModeCritical
}

// ScheduleSource is the read-only input entity a collaborator hands to the
// engine: a medication, supplement, appointment or activity definition.
type ScheduleSource struct {
	ID        string
	ProfileID string
	Type      Type
	Title     string
	IsActive  bool
	// TimesOfDay holds "HH:mm" strings, ordered.
	TimesOfDay []string
	Rule       *recurrence.Rule
	AnchorDate time.Time
	// QuantityOnHand is the remaining consumable count, when tracked.
	QuantityOnHand *int
}

// CalendarEvent is one concrete, dated occurrence owned by the engine.
type CalendarEvent struct {
	ID            string
	ProfileID     string
	SourceID      string
	Type          Type
	Title         string
	ScheduledTime time.Time
	EndTime       *time.Time
	Status        Status
	CompletedTime *time.Time
	Metadata      map[string]string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Action is an inbound user decision about a pending occurrence.
type Action string

const (
	ActionTake     Action = "take"
	ActionSkip     Action = "skip"
	ActionPostpone Action = "postpone"
)

func (a Action) Valid() bool {
	return a == ActionTake || a == ActionSkip || a == ActionPostpone
}

// ActionRequest is the message a headless context (widget, notification
// action) delivers to the engine. It carries no UI state.
type ActionRequest struct {
	Action  Action `json:"action"`
	EventID string `json:"eventId"`
}

// ParseTimeOfDay parses an "HH:mm" string into hour and minute.
func ParseTimeOfDay(s string) (hour, minute int, err error) {
	parts := strings.SplitN(strings.TrimSpace(s), ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("event: time of day %q is not HH:mm", s)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("event: invalid hour in %q", s)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("event: invalid minute in %q", s)
	}
	return hour, minute, nil
}

// Combine builds the concrete scheduled instant for a day and an "HH:mm"
// entry, in day's location.
func Combine(day time.Time, timeOfDay string) (time.Time, error) {
	h, m, err := ParseTimeOfDay(timeOfDay)
	if err != nil {
		return time.Time{}, err
	}
	return time.Date(day.Year(), day.Month(), day.Day(), h, m, 0, 0, day.Location()), nil
}
