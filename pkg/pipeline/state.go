package pipeline

import (
	"github.com/malbeclabs/mongoagent/pkg/gateway"
	"github.com/malbeclabs/mongoagent/pkg/parser"
)

// maxRefinements is the number of times a failed query is sent back for
// correction before the run ends.
const maxRefinements = 1

// Route is the decision taken after each execution.
type Route int

const (
	RouteSuccess Route = iota
	RouteRefine
	RouteFatal
)

func (r Route) String() string {
	switch r {
	case RouteSuccess:
		return "success"
	case RouteRefine:
		return "refine"
	case RouteFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// State is the record threaded through one run. Each step documents the
// fields it reads and writes.
type State struct {
	// Set at ingress, never changed.
	Question string
	ModelID  string

	// Set by select.
	Target        gateway.Target
	Category      string
	Collections   []string
	ArrayFields   []string
	Schema        string
	Relationships string

	// Set by select and refine.
	Query      *parser.Result
	Collection string
	Database   string

	// Incremented by refine only.
	Iteration int

	// Set by execute; LastError is nil iff the latest execution succeeded.
	LastError      *gateway.Error
	LastErrorClass string
	Rows           []map[string]any

	// Set by execute, then overwritten by explain or the fatal path.
	Summary string
}

func newState(question, modelID string) *State {
	return &State{Question: question, ModelID: modelID}
}

// route decides where a run goes after execution. Unrecoverable kinds end the
// run at any iteration; every other failure gets maxRefinements attempts.
func route(s *State) Route {
	if s.LastError == nil {
		return RouteSuccess
	}
	if s.LastError.Kind.Terminal() {
		return RouteFatal
	}
	if s.Iteration >= maxRefinements {
		return RouteFatal
	}
	return RouteRefine
}

// clearSelectionContext drops the prompt material once it can no longer be
// used, keeping the state small.
func (s *State) clearSelectionContext() {
	s.Schema = ""
	s.Relationships = ""
}
