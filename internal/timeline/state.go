package timeline

// State tracks where a session is in its lifecycle. Transitions:
// Idle -> Seeking -> Playing, with Seeking re-entered on every scene cut or
// drift correction, then Draining -> Complete on the natural end, or
// Failed on a structural error or cancellation.
type State int32

const (
	Idle State = iota
	Seeking
	Playing
	Draining
	Complete
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Seeking:
		return "seeking"
	case Playing:
		return "playing"
	case Draining:
		return "draining"
	case Complete:
		return "complete"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}
