package room

import (
	"slices"
	"time"

	"github.com/Seednode/partyboard/bootstrap"
	"github.com/Seednode/partyboard/peer"
)

func (r *Room) handle(c *peer.Client, msg Inbound) {
	if int(msg.RoomID) != r.id {
		return
	}

	p, ok := r.players[c.UID()]
	if !ok || p.client != c {
		return
	}
	r.touch()

	switch msg.Type {
	case TypeRollRequest:
		r.requestRoll(p)
	case TypeTurnSkip:
		r.skip(p)
	case TypeAnswerSubmit:
		if msg.QID == "" || msg.ChoiceIndex == nil {
			return
		}
		r.answer(p.ID, msg.QID, *msg.ChoiceIndex)
	case TypeGameTimeup:
		r.timeUp()
	}
}

func (r *Room) reject(p *Player, code Code) {
	r.send(p, NewError(code))
}

// rollGuard returns the reason uid may not roll right now, or "".
func (r *Room) rollGuard(uid string) Code {
	switch {
	case r.gameOver:
		return CodeGameOver
	case r.turn.pending():
		return CodeQuestionPending
	case uid != r.turnUID:
		return CodeNotYourTurn
	case r.turn.busy():
		return CodeTurnBusy
	case r.turn.rolling(uid) || slices.Contains(r.deferred, uid):
		return CodeRollInFlight
	}

	return ""
}

func (r *Room) requestRoll(p *Player) {
	if code := r.rollGuard(p.ID); code != "" {
		r.reject(p, code)
		return
	}

	if !r.loaded {
		r.deferred = append(r.deferred, p.ID)
		r.startLoad()
		return
	}

	r.roll(p)
}

func (r *Room) retryRoll(uid string) {
	p, ok := r.players[uid]
	if !ok {
		return
	}

	if code := r.rollGuard(uid); code != "" {
		r.reject(p, code)
		return
	}

	r.roll(p)
}

// nextTile moves die tiles forward from pos, then past any tile whose
// question has already been answered. It never goes beyond the last tile,
// even if that tile is answered.
func nextTile(pos, die int, answered map[int]bool) int {
	target := min(bootstrap.LastTile, pos+die)
	for target < bootstrap.LastTile && answered[target] {
		target++
	}

	return target
}

func (r *Room) roll(p *Player) {
	die := r.opts.Die()
	target := nextTile(p.Position, die, r.answered)
	token := r.turn.begin(p.ID, die, p.Position, target)

	r.log.Debug().Str("uid", p.ID).Int("die", die).Int("from", p.Position).Int("to", target).Msg("roll accepted")

	r.after(r.opts.DiceDelay, stepEvent{kind: stepCommit, token: token})
	r.broadcast(RollResult{Type: "roll.result", UID: p.ID, Roll: die})
}

func (r *Room) after(d time.Duration, ev stepEvent) {
	r.turn.arm(r.opts.Scheduler.AfterFunc(d, func() {
		r.post(ev)
	}))
}

func (r *Room) step(ev stepEvent) {
	switch ev.kind {
	case stepCommit:
		r.commitMove(ev.token)
	case stepEvaluate:
		r.evaluateTile(ev.token)
	case stepTimeout:
		if !r.turn.at(phaseQuestion, ev.token) || !r.turn.awaiting(ev.uid, ev.qid) {
			return
		}
		r.log.Debug().Str("uid", ev.uid).Str("qid", ev.qid).Msg("question timed out")
		r.resolve(false)
	}
}

func (r *Room) commitMove(token uint64) {
	if !r.turn.commit(token) {
		return
	}

	p := r.players[r.turn.roller]
	p.Position = r.turn.target

	r.after(r.opts.MoveDelay, stepEvent{kind: stepEvaluate, token: token})
	r.broadcast(MoveCommit{Type: "move.commit", UID: p.ID, From: r.turn.origin, To: r.turn.target})
}

func (r *Room) evaluateTile(token uint64) {
	if !r.turn.at(phaseMoving, token) {
		return
	}

	q, ok := r.data.Questions[r.turn.target]
	if !ok || r.answered[r.turn.target] {
		done := r.turn.settle()
		r.rotate(done.roller)
		r.broadcast(TurnUpdate{Type: "turn.update", TurnUID: r.turnUID})
		return
	}

	uid := r.turn.roller
	limit := r.data.Config.PerQuestionSeconds
	if limit <= 0 {
		limit = bootstrap.DefaultPerQuestionSeconds
	}

	r.turn.challenge(token, q)
	r.after(time.Duration(limit)*time.Second, stepEvent{
		kind:  stepTimeout,
		token: token,
		uid:   uid,
		qid:   q.ID,
	})

	show := QuestionShow{
		Type:      "question.show",
		UID:       uid,
		TileIndex: q.Tile,
		QID:       q.ID,
		Q:         q.Text,
		Choices:   q.Choices,
		TimeSec:   limit,
	}
	for _, other := range r.order {
		view := show
		view.Passive = other != uid
		r.send(r.players[other], view)
	}
}

func (r *Room) answer(uid, qid string, choice int) {
	if !r.turn.awaiting(uid, qid) {
		return
	}

	r.resolve(choice == r.turn.question.Correct)
}

// resolve closes the outstanding question. A wrong answer and a timeout
// are the same thing: back to where the roll started.
func (r *Room) resolve(correct bool) {
	done := r.turn.settle()
	p := r.players[done.roller]

	if correct {
		p.Score++
		r.answered[done.target] = true
	} else {
		from := p.Position
		p.Position = done.origin
		r.broadcast(MoveCommit{Type: "move.commit", UID: p.ID, From: from, To: done.origin})
	}

	r.rotate(done.roller)

	r.log.Debug().Str("uid", p.ID).Bool("correct", correct).Int("tile", done.target).Msg("question resolved")

	r.broadcast(AnswerResult{
		Type:          "answer.result",
		UID:           p.ID,
		Correct:       correct,
		TileIndex:     done.target,
		Scores:        r.scores(),
		AnsweredTiles: r.answeredTiles(),
		TurnUID:       r.turnUID,
	})
}

func (r *Room) skip(p *Player) {
	if r.gameOver {
		r.reject(p, CodeGameOver)
		return
	}
	if p.ID != r.turnUID || r.turn.busy() {
		r.reject(p, CodeTurnBusy)
		return
	}

	r.deferred = slices.DeleteFunc(r.deferred, func(uid string) bool { return uid == p.ID })
	r.rotate(p.ID)
	r.broadcast(TurnUpdate{Type: "turn.update", TurnUID: r.turnUID})
}

// rotate hands the turn to whoever joined after actor, wrapping around.
func (r *Room) rotate(actor string) {
	if len(r.order) == 0 {
		r.turnUID = ""
		return
	}

	i := slices.Index(r.order, actor)
	r.turnUID = r.order[(i+1)%len(r.order)]
}

func (r *Room) timeUp() {
	if r.gameOver {
		return
	}

	r.gameOver = true
	if r.turn.busy() {
		r.turn.settle()
	}
	r.deferred = nil

	r.log.Info().Msg("game over")
	r.broadcast(GameOver{Type: "game.over"})
}
