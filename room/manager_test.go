package room

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Seednode/partyboard/bootstrap"
	"github.com/Seednode/partyboard/peer"
)

type forgetfulLoader struct {
	staticLoader

	mu     sync.Mutex
	forgot []int
}

func (l *forgetfulLoader) Forget(roomID int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.forgot = append(l.forgot, roomID)
}

func (l *forgetfulLoader) forgotten() []int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return append([]int(nil), l.forgot...)
}

func newTestManager(t *testing.T, loader Loader, clock Scheduler, dice ...int) *Manager {
	t.Helper()

	var mu sync.Mutex
	m := NewManager(Options{
		Loader:    loader,
		Scheduler: clock,
		Die: func() int {
			mu.Lock()
			defer mu.Unlock()
			d := dice[0]
			dice = dice[1:]
			return d
		},
		DiceDelay: time.Second,
		MoveDelay: time.Second,
		Logger:    zerolog.Nop(),
	}, time.Minute)
	t.Cleanup(m.Close)

	return m
}

// barrier waits until r has processed everything queued before it.
func barrier(t *testing.T, r *Room) Snapshot {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	s, err := r.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	return s
}

func TestManagerJoinReusesRoom(t *testing.T) {
	m := newTestManager(t, nil, &fakeScheduler{})

	a := peer.NewClient("a", 8)
	b := peer.NewClient("b", 8)

	r1, err := m.Join(3, a)
	if err != nil {
		t.Fatalf("join a: %v", err)
	}
	r2, err := m.Join(3, b)
	if err != nil {
		t.Fatalf("join b: %v", err)
	}
	if r1 != r2 {
		t.Fatal("expected both players in the same room")
	}

	recv[StateSync](t, a)
	if st := recv[StateSync](t, b); st.TurnUID != "a" || len(st.Players) != 2 {
		t.Fatalf("unexpected state.sync: %+v", st)
	}

	if ids := m.IDs(); len(ids) != 1 || ids[0] != 3 {
		t.Fatalf("expected rooms [3], got %v", ids)
	}
}

func TestManagerReapsIdleRooms(t *testing.T) {
	loader := &forgetfulLoader{}
	m := newTestManager(t, loader, &fakeScheduler{})

	c := peer.NewClient("a", 8)
	r, err := m.Join(8, c)
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	recv[StateSync](t, c)

	if n := m.Reap(time.Now().Add(time.Hour)); n != 0 {
		t.Fatalf("expected connected room to survive, reaped %d", n)
	}

	r.Leave(c)
	barrier(t, r)

	if n := m.Reap(time.Now().Add(30 * time.Second)); n != 0 {
		t.Fatalf("expected recently active room to survive, reaped %d", n)
	}
	if n := m.Reap(time.Now().Add(2 * time.Minute)); n != 1 {
		t.Fatalf("expected idle room to be reaped, reaped %d", n)
	}

	if _, ok := m.Lookup(8); ok {
		t.Fatal("expected room to be gone")
	}
	if got := loader.forgotten(); len(got) != 1 || got[0] != 8 {
		t.Fatalf("expected bootstrap data for room 8 to be forgotten, got %v", got)
	}
	if _, err := r.Snapshot(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected closed room, got %v", err)
	}

	// The id is free for a fresh room.
	c2 := peer.NewClient("a", 8)
	r2, err := m.Join(8, c2)
	if err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	if r2 == r {
		t.Fatal("expected a new room after eviction")
	}
	if st := recv[StateSync](t, c2); st.Players[0].Position != 0 {
		t.Fatalf("expected fresh state, got %+v", st)
	}
}

func TestManagerClose(t *testing.T) {
	m := NewManager(Options{Logger: zerolog.Nop()}, 0)

	c := peer.NewClient("a", 8)
	if _, err := m.Join(1, c); err != nil {
		t.Fatalf("join: %v", err)
	}
	recv[StateSync](t, c)

	m.Close()

	if _, ok := <-c.Messages(); ok {
		t.Fatal("expected client to be closed with its room")
	}
	if _, err := m.Join(1, peer.NewClient("b", 8)); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after Close, got %v", err)
	}
	if n := m.Reap(time.Now().Add(time.Hour)); n != 0 {
		t.Fatalf("expected nothing to reap, got %d", n)
	}
}

func TestRoomLoopPlaysFullTurn(t *testing.T) {
	clock := &fakeScheduler{}
	loader := staticLoader{data: bootstrap.Data{
		Config:    bootstrap.Config{GameDurationSeconds: 600, PerQuestionSeconds: 5},
		Questions: map[int]bootstrap.Question{3: question(3, "q3", 2)},
	}}
	m := newTestManager(t, loader, clock, 3)

	a := peer.NewClient("a", 16)
	b := peer.NewClient("b", 16)
	r, _ := m.Join(2, a)
	m.Join(2, b)
	recv[StateSync](t, a)
	recv[StateSync](t, b)

	r.Handle(a, Inbound{Type: TypeRollRequest, RoomID: 2})
	recv[RollResult](t, a)

	clock.Advance(time.Second)
	if got := recv[MoveCommit](t, a); got.To != 3 {
		t.Fatalf("expected move to 3, got %+v", got)
	}

	clock.Advance(time.Second)
	show := recv[QuestionShow](t, a)
	if show.TimeSec != 5 || show.Passive {
		t.Fatalf("unexpected question.show: %+v", show)
	}

	choice := 2
	r.Handle(a, Inbound{Type: TypeAnswerSubmit, RoomID: 2, QID: show.QID, ChoiceIndex: &choice})
	res := recv[AnswerResult](t, a)
	if !res.Correct || res.Scores["a"] != 1 || res.TurnUID != "b" {
		t.Fatalf("unexpected answer.result: %+v", res)
	}

	s := barrier(t, r)
	if s.Phase != "idle" || !s.Loaded || s.Questions != 1 || s.Config.PerQuestionSeconds != 5 {
		t.Fatalf("unexpected snapshot: %+v", s)
	}
}
