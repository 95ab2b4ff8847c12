package volume

// State is the lifecycle state of a volume
type State int

const (
	StateInit       State = -1
	StateNoMedia    State = 0
	StateIdle       State = 1
	StatePending    State = 2
	StateChecking   State = 3
	StateMounted    State = 4
	StateUnmounting State = 5
	StateFormatting State = 6
	StateShared     State = 7
	StateSharedMnt  State = 8
	StateDeleting   State = 9
)

var stateNames = map[State]string{
	StateInit:       "Initializing",
	StateNoMedia:    "No-Media",
	StateIdle:       "Idle-Unmounted",
	StatePending:    "Pending",
	StateChecking:   "Checking",
	StateMounted:    "Mounted",
	StateUnmounting: "Unmounting",
	StateFormatting: "Formatting",
	StateShared:     "Shared-Unmounted",
	StateSharedMnt:  "Shared-Mounted",
	StateDeleting:   "Deleting",
}

// String returns the name clients see in state-change broadcasts
func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "Unknown-Error"
}

// Code returns the numeric state code carried in broadcasts
func (s State) Code() int {
	return int(s)
}

// Type is the kind of storage a volume represents
type Type int

const (
	TypeUnknown Type = iota
	TypeFlash
	TypeSDCard
	TypeUMS
	TypeSATA
)

func (t Type) String() string {
	switch t {
	case TypeFlash:
		return "flash"
	case TypeSDCard:
		return "sdcard"
	case TypeUMS:
		return "ums"
	case TypeSATA:
		return "sata"
	default:
		return "unknown"
	}
}

// mountsPerPartition reports whether each partition gets its own
// subdirectory under the volume mountpoint
func (t Type) mountsPerPartition() bool {
	return t == TypeUMS || t == TypeSATA
}

// ParseType maps a config name to a Type
func ParseType(name string) (Type, bool) {
	for _, t := range []Type{TypeUnknown, TypeFlash, TypeSDCard, TypeUMS, TypeSATA} {
		if t.String() == name {
			return t, true
		}
	}
	return TypeUnknown, false
}
