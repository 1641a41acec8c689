package types

// Mode selects who owns a service's process lifecycle.
type Mode string

const (
	// ModeManaged means the orchestrator launches and owns the process or
	// container backing the service.
	ModeManaged Mode = "managed"
	// ModeExternal means the service runs outside orchestrator control and
	// only its URL and health are tracked.
	ModeExternal Mode = "external"
)

// ServiceState is the lifecycle state of a supervised service.
type ServiceState string

const (
	StateUnknown   ServiceState = "unknown"
	StateStarting  ServiceState = "starting"
	StateHealthy   ServiceState = "healthy"
	StateUnhealthy ServiceState = "unhealthy"
	// StateFailed is terminal for automatic recovery; a failed service keeps
	// being polled silently but is only restarted by explicit user action.
	StateFailed  ServiceState = "failed"
	StateStopped ServiceState = "stopped"
	// StateSkipped marks a service whose dependency failed before it started.
	StateSkipped ServiceState = "skipped"
	// StateUnavailable marks a service with no usable deployment mode on
	// this platform and no configured external URL.
	StateUnavailable ServiceState = "unavailable"
)

// Terminal reports whether the state ends automatic supervision transitions.
func (s ServiceState) Terminal() bool {
	switch s {
	case StateFailed, StateStopped, StateSkipped, StateUnavailable:
		return true
	}
	return false
}

// ServiceStatus is a read-only snapshot of one service, as returned by the
// control surface.
type ServiceStatus struct {
	// Service name (unique key).
	Name string `json:"name"`
	// Current lifecycle state.
	State ServiceState `json:"state"`
	// Deployment mode currently in effect.
	Mode Mode `json:"mode"`
	// Base URL the service is reached at (loopback for managed services).
	URL string `json:"url,omitempty"`
	// Consecutive health-check failures observed by the watchdog.
	FailureCount int `json:"failure_count"`
	// True while a watchdog-driven restart is in flight.
	Restarting bool `json:"restarting,omitempty"`
	// True for services whose failure aborts startup.
	Critical bool `json:"critical"`
}

// TestResult is returned when probing a candidate external service URL.
type TestResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}
