// internal/matchmaking/state.go
package matchmaking

import "fmt"

// State is a step of the per-client matchmaking state machine.
type State int

const (
	StateInit State = iota
	StateSearching
	StateJoining
	StateHosting
	StateMatched
	StateAborted
)

var stateNames = map[State]string{
	StateInit:      "init",
	StateSearching: "searching",
	StateJoining:   "joining",
	StateHosting:   "hosting",
	StateMatched:   "matched",
	StateAborted:   "aborted",
}

// statusText is what the client shows while the engine sits in a state.
var statusText = map[State]string{
	StateInit:      "initializing",
	StateSearching: "searching",
	StateJoining:   "connecting",
	StateHosting:   "broadcasting",
	StateMatched:   "connection secure",
	StateAborted:   "disconnected",
}

// allowed lists legal transitions. JOINING falls back to SEARCHING after a lost race;
// HOSTING goes back to SEARCHING when a host yields to an older ticket.
var allowed = map[State][]State{
	StateInit:      {StateSearching, StateAborted},
	StateSearching: {StateJoining, StateHosting, StateAborted},
	StateJoining:   {StateSearching, StateMatched, StateAborted},
	StateHosting:   {StateSearching, StateJoining, StateMatched, StateAborted},
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Status returns the user-facing status string for the state.
func (s State) Status() string {
	return statusText[s]
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateMatched || s == StateAborted
}

func canTransition(from, to State) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}
