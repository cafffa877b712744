package room

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Seednode/partyboard/bootstrap"
	"github.com/Seednode/partyboard/peer"
)

// fakeScheduler only fires timers when the test advances it.
type fakeScheduler struct {
	mu     sync.Mutex
	now    time.Duration
	timers []*fakeTimer
}

type fakeTimer struct {
	s       *fakeScheduler
	at      time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (s *fakeScheduler) AfterFunc(d time.Duration, f func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := &fakeTimer{s: s, at: s.now + d, f: f}
	s.timers = append(s.timers, t)

	return t
}

func (t *fakeTimer) Stop() bool {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	if t.fired || t.stopped {
		return false
	}
	t.stopped = true

	return true
}

func (s *fakeScheduler) Advance(d time.Duration) {
	s.mu.Lock()
	s.now += d

	var due []*fakeTimer
	live := s.timers[:0]
	for _, t := range s.timers {
		switch {
		case t.stopped:
		case t.at <= s.now:
			t.fired = true
			due = append(due, t)
		default:
			live = append(live, t)
		}
	}
	s.timers = live
	s.mu.Unlock()

	sort.SliceStable(due, func(i, j int) bool { return due[i].at < due[j].at })
	for _, t := range due {
		t.f()
	}
}

func (s *fakeScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, t := range s.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}

	return n
}

type staticLoader struct {
	data bootstrap.Data
}

func (l staticLoader) EnsureLoaded(context.Context, int) bootstrap.Data {
	return l.data
}

// blockingLoader never answers; tests deliver bootstrap data by hand.
type blockingLoader struct{}

func (blockingLoader) EnsureLoaded(ctx context.Context, _ int) bootstrap.Data {
	<-ctx.Done()
	return bootstrap.Data{}
}

const testRoom = 1

// harness drives a room without its goroutine: every event is dispatched
// on the test goroutine, so outcomes are fully deterministic.
type harness struct {
	t     *testing.T
	r     *Room
	clock *fakeScheduler
	dice  []int
}

func newHarness(t *testing.T, dice ...int) *harness {
	t.Helper()

	h := &harness{t: t, clock: &fakeScheduler{}, dice: dice}
	h.r = newRoom(testRoom, Options{
		Loader:    blockingLoader{},
		Scheduler: h.clock,
		Die:       h.nextDie,
		DiceDelay: time.Second,
		MoveDelay: time.Second,
		Logger:    zerolog.Nop(),
	})

	t.Cleanup(func() {
		close(h.r.quit)
		h.r.shutdown()
	})

	return h
}

// newLoadedHarness is a harness whose bootstrap data is already in place.
func newLoadedHarness(t *testing.T, questions map[int]bootstrap.Question, dice ...int) *harness {
	t.Helper()

	h := newHarness(t, dice...)
	h.load(questions)

	return h
}

func (h *harness) nextDie() int {
	if len(h.dice) == 0 {
		h.t.Fatal("ran out of scripted dice")
	}
	d := h.dice[0]
	h.dice = h.dice[1:]

	return d
}

func (h *harness) do(ev any) {
	h.t.Helper()

	h.r.dispatch(ev)
	h.drain()
}

// drain dispatches whatever fired timers have posted.
func (h *harness) drain() {
	for {
		select {
		case ev := <-h.r.events:
			h.r.dispatch(ev)
		default:
			return
		}
	}
}

func (h *harness) load(questions map[int]bootstrap.Question) {
	if questions == nil {
		questions = map[int]bootstrap.Question{}
	}
	h.do(loadedEvent{data: bootstrap.Data{Config: bootstrap.DefaultConfig(), Questions: questions}})
}

func (h *harness) advance(d time.Duration) {
	h.clock.Advance(d)
	h.drain()
}

func (h *harness) join(uid string) *peer.Client {
	h.t.Helper()

	c := peer.NewClient(uid, 64)
	h.do(joinEvent{client: c})
	next[StateSync](h.t, c)

	return c
}

func (h *harness) send(c *peer.Client, typ string) {
	h.do(messageEvent{client: c, msg: Inbound{Type: typ, RoomID: testRoom}})
}

func (h *harness) answer(c *peer.Client, qid string, choice int) {
	h.do(messageEvent{client: c, msg: Inbound{Type: TypeAnswerSubmit, RoomID: testRoom, QID: qid, ChoiceIndex: &choice}})
}

func (h *harness) player(uid string) *Player {
	h.t.Helper()

	p, ok := h.r.players[uid]
	if !ok {
		h.t.Fatalf("no player %q", uid)
	}

	return p
}

// next pops the client's next queued message, which must be a T.
func next[T any](t *testing.T, c *peer.Client) T {
	t.Helper()

	select {
	case msg, ok := <-c.Messages():
		if !ok {
			t.Fatalf("client %s closed", c.UID())
		}
		v, ok := msg.(T)
		if !ok {
			var want T
			t.Fatalf("client %s: expected %T, got %T %+v", c.UID(), want, msg, msg)
		}
		return v
	default:
		var want T
		t.Fatalf("client %s: expected %T, queue empty", c.UID(), want)
	}

	panic("unreachable")
}

// recv waits for the client's next message, for rooms running their loop.
func recv[T any](t *testing.T, c *peer.Client) T {
	t.Helper()

	select {
	case msg, ok := <-c.Messages():
		if !ok {
			t.Fatalf("client %s closed", c.UID())
		}
		v, ok := msg.(T)
		if !ok {
			var want T
			t.Fatalf("client %s: expected %T, got %T %+v", c.UID(), want, msg, msg)
		}
		return v
	case <-time.After(2 * time.Second):
		var want T
		t.Fatalf("client %s: timed out waiting for %T", c.UID(), want)
	}

	panic("unreachable")
}

func expectQuiet(t *testing.T, c *peer.Client) {
	t.Helper()

	select {
	case msg, ok := <-c.Messages():
		if ok {
			t.Fatalf("client %s: expected no message, got %T %+v", c.UID(), msg, msg)
		}
	default:
	}
}

func expectError(t *testing.T, c *peer.Client, code Code) {
	t.Helper()

	if got := next[ErrorMessage](t, c); got.Error != code {
		t.Fatalf("client %s: expected error %q, got %q", c.UID(), code, got.Error)
	}
}

func question(tile int, id string, correct int) bootstrap.Question {
	return bootstrap.Question{
		ID:      id,
		Tile:    tile,
		Text:    "question on " + id,
		Choices: [4]string{"a", "b", "c", "d"},
		Correct: correct,
	}
}
