package plugin

// State represents the lifecycle state of a plugin.
type State int

// Plugin states.
const (
	// StateLoading - manifest validation or module loading is in progress.
	StateLoading State = iota

	// StateReady - the module is loaded and exports at least one extension point.
	StateReady

	// StateFailed - loading failed or the plugin failed at runtime.
	StateFailed

	// StateUnloaded - the plugin was unloaded and holds no module.
	StateUnloaded
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	case StateUnloaded:
		return "unloaded"
	default:
		return "unknown"
	}
}

// IsUsable returns true if the plugin takes part in dispatch.
func (s State) IsUsable() bool {
	return s == StateReady
}

// IsSettled returns true once loading has finished, successfully or not.
func (s State) IsSettled() bool {
	return s != StateLoading
}
