package syncer

// State is the lifecycle state a node reports to its peers.
type State uint8

const (
	WaitingForInit State = iota
	Connected
	Validated
	Rising
	Running
	Ready
	Chasing
	Failed
)

func (s State) String() string {
	switch s {
	case WaitingForInit:
		return "waiting-for-init"
	case Connected:
		return "connected"
	case Validated:
		return "validated"
	case Rising:
		return "rising"
	case Running:
		return "running"
	case Ready:
		return "ready"
	case Chasing:
		return "chasing"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}
