package host

import "fmt"

// State is the lifecycle state of a plugin instance
type State uint8

const (
	StateUnloaded State = iota
	StateInitialized
	StateStopped
	StateStarted
	StateReleased
)

var stateNames = [...]string{
	StateUnloaded:    "unloaded",
	StateInitialized: "initialized",
	StateStopped:     "stopped",
	StateStarted:     "started",
	StateReleased:    "released",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// MarshalText implements encoding.TextMarshaler
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// CanStart reports whether Start is allowed from s
func (s State) CanStart() bool {
	return s == StateInitialized || s == StateStopped
}

// Initialized reports whether the plugin's Init succeeded and it is not released
func (s State) Initialized() bool {
	return s != StateUnloaded && s != StateReleased
}
