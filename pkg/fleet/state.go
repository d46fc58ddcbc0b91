package fleet

import "go.uber.org/zap"

// state is the lifecycle of one account within a run.
//
//	Pending -> Applying -> Applied | Skipped
//	Applying -> Pending        (retryable error, attempts remain)
//	Pending | Applying -> Failed | Skipped (target vanished)
type state int

const (
	pending state = iota
	applying
	applied
	skipped
	failed
)

func (s state) String() string {
	switch s {
	case pending:
		return "Pending"
	case applying:
		return "Applying"
	case applied:
		return "Applied"
	case skipped:
		return "Skipped"
	case failed:
		return "Failed"
	}
	return "Unknown"
}

var transitions = map[state][]state{
	pending:  {applying, skipped, failed},
	applying: {applied, skipped, pending, failed},
}

type tracker struct {
	state state
	log   *zap.SugaredLogger
}

func (t *tracker) to(next state) {
	allowed := false
	for _, s := range transitions[t.state] {
		if s == next {
			allowed = true
			break
		}
	}
	if !allowed {
		// a bug in the executor, not the target account
		t.log.DPanicw("invalid account state transition", "from", t.state, "to", next)
	}
	t.log.Debugw("account state", "from", t.state, "to", next)
	t.state = next
}
