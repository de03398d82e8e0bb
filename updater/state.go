package updater

// State is where the update session currently is. Transitions are guarded:
// an entry operation only proceeds when the machine is in the state it
// expects, so two destructive operations can never overlap.
type State int

const (
	Idle State = iota
	Checking
	UpdateAvailable
	Downloading
	Verifying
	BackingUp
	Installing
	RecordingVersion
	Completed
	Failed
	RolledBack
)

var stateNames = map[State]string{
	Idle:             "idle",
	Checking:         "checking",
	UpdateAvailable:  "update_available",
	Downloading:      "downloading",
	Verifying:        "verifying",
	BackingUp:        "backing_up",
	Installing:       "installing",
	RecordingVersion: "recording_version",
	Completed:        "completed",
	Failed:           "failed",
	RolledBack:       "rolled_back",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// busy reports whether an operation is in flight. Entry calls made while
// busy are rejected immediately, never queued.
func (s State) busy() bool {
	switch s {
	case Checking, Downloading, Verifying, BackingUp, Installing, RecordingVersion:
		return true
	}
	return false
}
