package supervisor

// State is the supervisor's position in the acquire/release cycle.
type State int32

const (
	StateUnacquired State = iota
	StateProbing
	StateReusing
	StateSpawning
	StateAnnounced
	StateRunning
	StateReleased
)

var stateNames = []string{"unacquired", "probing", "reusing", "spawning", "announced", "running", "released"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// StateNames lists every state name in order.
func StateNames() []string { return append([]string(nil), stateNames...) }
