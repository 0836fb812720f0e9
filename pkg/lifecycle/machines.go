package lifecycle

// Session states.
const (
	SessionOpen      State = "OPEN"
	SessionActive    State = "ACTIVE"
	SessionSuspended State = "SUSPENDED"
	SessionClosed    State = "CLOSED"
)

// Voice enrollment states.
const (
	VoiceEnrollPending State = "ENROLL_PENDING"
	VoiceEnrolled      State = "ENROLLED"
	VoiceRevoked       State = "REVOKED"
)

// Reminder work-order states.
const (
	RemindScheduled    State = "SCHEDULED"
	RemindFired        State = "FIRED"
	RemindAcknowledged State = "ACKNOWLEDGED"
	RemindCancelled    State = "CANCELLED"
)

// Position states.
const (
	PositionOpen    State = "OPEN"
	PositionReduced State = "REDUCED"
	PositionClosed  State = "CLOSED"
)

// SessionMachine returns the conversational session state machine.
// Closed sessions stay closed.
func SessionMachine() *Machine {
	return NewMachine("SEL.SESSION", SessionOpen, [][2]State{
		{SessionOpen, SessionActive},
		{SessionOpen, SessionClosed},
		{SessionActive, SessionSuspended},
		{SessionActive, SessionClosed},
		{SessionSuspended, SessionActive},
		{SessionSuspended, SessionClosed},
	})
}

// VoiceMachine returns the voice enrollment state machine. Revocation
// is terminal; re-enrolling is a new entity.
func VoiceMachine() *Machine {
	return NewMachine("SEL.VOICE", VoiceEnrollPending, [][2]State{
		{VoiceEnrollPending, VoiceEnrolled},
		{VoiceEnrollPending, VoiceRevoked},
		{VoiceEnrolled, VoiceRevoked},
	})
}

// RemindMachine returns the reminder work-order state machine. A fired
// reminder can only be acknowledged; cancellation is only possible
// before it fires.
func RemindMachine() *Machine {
	return NewMachine("SEL.REMIND", RemindScheduled, [][2]State{
		{RemindScheduled, RemindFired},
		{RemindScheduled, RemindCancelled},
		{RemindFired, RemindAcknowledged},
	})
}

// PositionMachine returns the position lifecycle. REDUCED repeats for
// each partial reduction.
func PositionMachine() *Machine {
	return NewMachine("SEL.POSITION", PositionOpen, [][2]State{
		{PositionOpen, PositionReduced},
		{PositionOpen, PositionClosed},
		{PositionReduced, PositionReduced},
		{PositionReduced, PositionClosed},
	})
}

// Machines returns the machine for every lifecycle-owning engine,
// keyed by engine id.
func Machines() map[string]*Machine {
	return map[string]*Machine{
		"SEL.SESSION":  SessionMachine(),
		"SEL.VOICE":    VoiceMachine(),
		"SEL.REMIND":   RemindMachine(),
		"SEL.POSITION": PositionMachine(),
	}
}
