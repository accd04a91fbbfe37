package dispatch

import (
	"context"
	"time"

	"carebell/pkg/event"
)

// Trigger is one OS-level timed reminder registration, keyed 1:1 by event id.
// Arming a trigger for an id that already has one replaces it.
type Trigger struct {
	EventID string
	FireAt  time.Time
	Title   string
	Body    string
	Profile Profile
}

// TriggerScheduler is the platform binding. Implementations translate a
// Trigger into whatever the host OS offers (alarm, local notification, timer)
// and must honor the replace-by-id contract. The engine never queries
// triggers back; reconciliation happens through idempotent re-arming.
type TriggerScheduler interface {
	Arm(ctx context.Context, t Trigger) error
	Cancel(ctx context.Context, eventID string) error
	CancelAll(ctx context.Context) error
}

// Inventory is the collaborator that tracks consumable stock for a source.
type Inventory interface {
	// Decrement reduces the on-hand count for a source by one. tracked is
	// false when the source has no inventory tracking; remaining is only
	// meaningful when tracked.
	Decrement(ctx context.Context, sourceID string) (remaining int, tracked bool, err error)
}

// Profile is the delivery behavior a trigger is armed with. Critical
// reminders must be able to wake a sleeping user.
type Profile struct {
	Mode    event.EscalationMode
	Channel string
	// BypassSilent delivers through mute/do-not-disturb.
	BypassSilent bool
	// FullScreenWake requests a full-screen presentation over the lock screen.
	FullScreenWake bool
	// Ongoing keeps the notification non-dismissable until acted on.
	Ongoing bool
	// Vibration is an off/on pattern, starting with the initial delay.
	Vibration []time.Duration
	// RepeatVibration loops the pattern until the user responds.
	RepeatVibration bool
}

// ProfileFor selects the delivery profile for a mode and event type. The
// type switch is exhaustive over event.Type.
func ProfileFor(mode event.EscalationMode, t event.Type) Profile {
	var channel string
	switch t {
	case event.TypeMedication:
		channel = "reminders.medication"
	case event.TypeSupplement:
		channel = "reminders.supplement"
	case event.TypeAppointment:
		channel = "reminders.appointment"
	case event.TypeActivity:
		channel = "reminders.activity"
	default:
		channel = "reminders"
	}

	if mode == event.ModeCritical {
		return Profile{
			Mode:            event.ModeCritical,
			Channel:         channel + ".critical",
			BypassSilent:    true,
			FullScreenWake:  true,
			Ongoing:         true,
			Vibration:       criticalVibration,
			RepeatVibration: true,
		}
	}
	return Profile{
		Mode:      event.ModeStandard,
		Channel:   channel,
		Vibration: standardVibration,
	}
}

var (
	standardVibration = []time.Duration{0, 250 * time.Millisecond, 250 * time.Millisecond, 250 * time.Millisecond}
	criticalVibration = []time.Duration{
		0,
		800 * time.Millisecond, 400 * time.Millisecond,
		800 * time.Millisecond, 400 * time.Millisecond,
		800 * time.Millisecond,
	}
)
