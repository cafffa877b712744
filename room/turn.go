package room

import "github.com/Seednode/partyboard/bootstrap"

type phase int

const (
	phaseIdle phase = iota
	phaseRolling
	phaseMoving
	phaseQuestion
)

func (p phase) String() string {
	switch p {
	case phaseRolling:
		return "rolling"
	case phaseMoving:
		return "moving"
	case phaseQuestion:
		return "question"
	default:
		return "idle"
	}
}

// turn is the single in-progress roll of a room. Busy, in-flight and the
// outstanding challenge are all derived from one phase, so a question can
// never be pending while the turn is idle.
//
// token increases on every begin and every settle. Continuations carry the
// token they were armed under and are discarded once it moves on.
type turn struct {
	phase phase
	token uint64

	roller   string
	die      int
	origin   int
	target   int
	question bootstrap.Question

	next Timer
}

func (t *turn) busy() bool {
	return t.phase != phaseIdle
}

func (t *turn) pending() bool {
	return t.phase == phaseQuestion
}

func (t *turn) rolling(uid string) bool {
	return t.busy() && t.roller == uid
}

// at reports whether a continuation armed under token for phase p is
// still the live one.
func (t *turn) at(p phase, token uint64) bool {
	return t.phase == p && t.token == token
}

// awaiting reports whether (uid, qid) names the outstanding challenge.
func (t *turn) awaiting(uid, qid string) bool {
	return t.phase == phaseQuestion && t.roller == uid && t.question.ID == qid
}

func (t *turn) begin(uid string, die, origin, target int) uint64 {
	t.stop()
	t.token++
	t.phase = phaseRolling
	t.roller = uid
	t.die = die
	t.origin = origin
	t.target = target
	t.question = bootstrap.Question{}

	return t.token
}

func (t *turn) arm(next Timer) {
	t.stop()
	t.next = next
}

func (t *turn) commit(token uint64) bool {
	if !t.at(phaseRolling, token) {
		return false
	}
	t.phase = phaseMoving

	return true
}

func (t *turn) challenge(token uint64, q bootstrap.Question) bool {
	if !t.at(phaseMoving, token) {
		return false
	}
	t.phase = phaseQuestion
	t.question = q

	return true
}

// settle closes the turn and returns what it was.
func (t *turn) settle() turn {
	t.stop()
	done := *t

	t.token++
	t.phase = phaseIdle
	t.roller = ""
	t.question = bootstrap.Question{}

	return done
}

func (t *turn) stop() {
	if t.next != nil {
		t.next.Stop()
		t.next = nil
	}
}
