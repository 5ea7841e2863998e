package rabbitmq

// State is the lifecycle state of the broker connection.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateHealthy
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateHealthy:
		return "healthy"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Status is what the gateway reports about the connection.
type Status struct {
	State    State
	Healthy  bool
	Exchange string
}
