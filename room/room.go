// Package room runs the authoritative state of each game room: who is in
// it, whose turn it is, where everybody stands, and the roll/question cycle.
//
// Every room owns a goroutine. Joins, leaves, player messages, bootstrap
// completion and timer continuations are events on that goroutine, handled
// one at a time, so room state is never touched concurrently.
package room

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/Seednode/partyboard/bootstrap"
	"github.com/Seednode/partyboard/peer"
)

const (
	dieSides = 6

	DefaultDiceDelay   = 1200 * time.Millisecond
	DefaultMoveDelay   = 600 * time.Millisecond
	DefaultLoadTimeout = 15 * time.Second

	eventBuffer = 64
)

var ErrClosed = errors.New("room closed")

type Loader interface {
	EnsureLoaded(ctx context.Context, roomID int) bootstrap.Data
}

type Options struct {
	// Loader supplies config and questions. Nil means every room runs on
	// the default config with no questions.
	Loader    Loader
	Scheduler Scheduler

	// Die returns a value in [1,6]. Defaults to a uniform roll.
	Die func() int

	DiceDelay   time.Duration
	MoveDelay   time.Duration
	LoadTimeout time.Duration

	Logger zerolog.Logger
}

func (o Options) withDefaults() Options {
	if o.Scheduler == nil {
		o.Scheduler = wallClock{}
	}
	if o.Die == nil {
		o.Die = rollDie
	}
	if o.DiceDelay < 0 {
		o.DiceDelay = 0
	}
	if o.MoveDelay < 0 {
		o.MoveDelay = 0
	}
	if o.LoadTimeout <= 0 {
		o.LoadTimeout = DefaultLoadTimeout
	}

	return o
}

func rollDie() int {
	return rand.IntN(dieSides) + 1
}

type Player struct {
	ID       string
	Position int
	Score    int

	client *peer.Client
}

type Room struct {
	id   int
	opts Options
	log  zerolog.Logger

	events    chan any
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	ctx    context.Context
	cancel context.CancelFunc

	connected  atomic.Int32
	lastActive atomic.Int64

	// Owned by the loop goroutine.
	players  map[string]*Player
	order    []string
	turnUID  string
	data     bootstrap.Data
	loaded   bool
	loading  bool
	deferred []string
	answered map[int]bool
	gameOver bool
	turn     turn
}

type (
	joinEvent     struct{ client *peer.Client }
	leaveEvent    struct{ client *peer.Client }
	loadedEvent   struct{ data bootstrap.Data }
	snapshotEvent struct{ reply chan Snapshot }
)

type messageEvent struct {
	client *peer.Client
	msg    Inbound
}

type stepKind int

const (
	stepCommit stepKind = iota
	stepEvaluate
	stepTimeout
)

type stepEvent struct {
	kind  stepKind
	token uint64
	uid   string
	qid   string
}

// New creates a room and starts its loop.
func New(id int, opts Options) *Room {
	r := newRoom(id, opts)
	go r.run()

	return r
}

func newRoom(id int, opts Options) *Room {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	r := &Room{
		id:       id,
		opts:     opts,
		log:      opts.Logger.With().Int("room_id", id).Logger(),
		events:   make(chan any, eventBuffer),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
		players:  make(map[string]*Player),
		answered: make(map[int]bool),
		data: bootstrap.Data{
			Config:    bootstrap.DefaultConfig(),
			Questions: map[int]bootstrap.Question{},
		},
	}
	r.touch()

	return r
}

func (r *Room) ID() int { return r.id }

// Join registers a connection for its player. It reports false if the room
// has been closed.
func (r *Room) Join(c *peer.Client) bool {
	r.touch()
	return r.post(joinEvent{client: c})
}

func (r *Room) Leave(c *peer.Client) {
	r.post(leaveEvent{client: c})
}

// Handle queues a player message. Messages from connections that are no
// longer their player's current one are ignored.
func (r *Room) Handle(c *peer.Client, msg Inbound) {
	r.post(messageEvent{client: c, msg: msg})
}

// Close stops the loop and closes every client still attached.
func (r *Room) Close() {
	r.closeOnce.Do(func() {
		close(r.quit)
	})
	<-r.done
}

// idle reports whether nobody is connected and nothing happened since cutoff.
func (r *Room) idle(cutoff time.Time) bool {
	return r.connected.Load() == 0 && r.lastActive.Load() < cutoff.UnixNano()
}

func (r *Room) touch() {
	r.lastActive.Store(time.Now().UnixNano())
}

func (r *Room) post(ev any) bool {
	select {
	case <-r.quit:
		return false
	default:
	}

	select {
	case r.events <- ev:
		return true
	case <-r.quit:
		return false
	}
}

func (r *Room) run() {
	defer close(r.done)
	defer r.shutdown()

	for {
		select {
		case <-r.quit:
			return
		case ev := <-r.events:
			r.dispatch(ev)
		}
	}
}

func (r *Room) dispatch(ev any) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error().Str("event", fmt.Sprintf("%T", ev)).Interface("panic", p).Msg("room event failed")
		}
	}()

	switch ev := ev.(type) {
	case joinEvent:
		r.join(ev.client)
	case leaveEvent:
		r.leave(ev.client)
	case messageEvent:
		r.handle(ev.client, ev.msg)
	case loadedEvent:
		r.loadDone(ev.data)
	case stepEvent:
		r.step(ev)
	case snapshotEvent:
		ev.reply <- r.snapshot()
	}
}

func (r *Room) shutdown() {
	r.cancel()
	r.turn.stop()

	for _, uid := range r.order {
		if p := r.players[uid]; p.client != nil {
			p.client.Close()
			p.client = nil
		}
	}
	r.connected.Store(0)

	// Joins that raced with shutdown never got a state.sync; release them
	// so their transport can hang up.
	for {
		select {
		case ev := <-r.events:
			if j, ok := ev.(joinEvent); ok {
				j.client.Close()
			}
		default:
			return
		}
	}
}

func (r *Room) join(c *peer.Client) {
	uid := c.UID()

	p, ok := r.players[uid]
	if !ok {
		p = &Player{ID: uid}
		r.players[uid] = p
		r.order = append(r.order, uid)
		if r.turnUID == "" {
			r.turnUID = uid
		}
		r.log.Info().Str("uid", uid).Msg("player joined")
	} else {
		r.log.Info().Str("uid", uid).Int("position", p.Position).Msg("player reconnected")
	}

	switch {
	case p.client == nil:
		r.connected.Add(1)
	case p.client != c:
		p.client.Close()
	}
	p.client = c
	r.touch()

	r.send(p, r.stateSync())
	r.startLoad()
}

func (r *Room) leave(c *peer.Client) {
	p, ok := r.players[c.UID()]
	if !ok || p.client != c {
		return
	}

	r.disconnect(p)
	r.log.Info().Str("uid", p.ID).Msg("player disconnected")
}

func (r *Room) disconnect(p *Player) {
	if p.client == nil {
		return
	}

	p.client.Close()
	p.client = nil
	r.connected.Add(-1)
	r.touch()
}

func (r *Room) startLoad() {
	if r.loaded || r.loading {
		return
	}

	if r.opts.Loader == nil {
		r.loaded = true
		return
	}

	r.loading = true
	go func() {
		ctx, cancel := context.WithTimeout(r.ctx, r.opts.LoadTimeout)
		defer cancel()

		r.post(loadedEvent{data: r.opts.Loader.EnsureLoaded(ctx, r.id)})
	}()
}

func (r *Room) loadDone(data bootstrap.Data) {
	if r.loaded {
		return
	}

	if data.Questions == nil {
		data.Questions = map[int]bootstrap.Question{}
	}
	r.data = data
	r.loaded = true
	r.loading = false

	waiting := r.deferred
	r.deferred = nil
	for _, uid := range waiting {
		r.retryRoll(uid)
	}
}

// send delivers to one player. A player whose queue is full or closed is
// treated as disconnected; they resync on reconnect.
func (r *Room) send(p *Player, msg any) {
	if p.client == nil {
		return
	}

	if !p.client.Send(msg) {
		r.log.Debug().Str("uid", p.ID).Msg("dropping unresponsive client")
		r.disconnect(p)
	}
}

func (r *Room) sendTo(uid string, msg any) {
	if p, ok := r.players[uid]; ok {
		r.send(p, msg)
	}
}

func (r *Room) broadcast(msg any) {
	for _, uid := range r.order {
		r.send(r.players[uid], msg)
	}
}

func (r *Room) answeredTiles() []int {
	tiles := make([]int, 0, len(r.answered))
	for tile := range r.answered {
		tiles = append(tiles, tile)
	}
	slices.Sort(tiles)

	return tiles
}

func (r *Room) scores() map[string]int {
	scores := make(map[string]int, len(r.players))
	for uid, p := range r.players {
		scores[uid] = p.Score
	}

	return scores
}

func (r *Room) playerViews() []PlayerView {
	views := make([]PlayerView, 0, len(r.order))
	for _, uid := range r.order {
		p := r.players[uid]
		views = append(views, PlayerView{
			UID:       p.ID,
			Position:  p.Position,
			Score:     p.Score,
			Connected: p.client != nil,
		})
	}

	return views
}

func (r *Room) stateSync() StateSync {
	return StateSync{
		Type:          "state.sync",
		RoomID:        r.id,
		Players:       r.playerViews(),
		TurnUID:       r.turnUID,
		Config:        r.data.Config,
		AnsweredTiles: r.answeredTiles(),
		GameOver:      r.gameOver,
	}
}

// Snapshot is a read-only view of a room for operators.
type Snapshot struct {
	RoomID        int              `json:"room_id"`
	Players       []PlayerView     `json:"players"`
	TurnUID       string           `json:"turn_uid"`
	Phase         string           `json:"phase"`
	Config        bootstrap.Config `json:"config"`
	Loaded        bool             `json:"loaded"`
	Degraded      bool             `json:"degraded"`
	Questions     int              `json:"questions"`
	AnsweredTiles []int            `json:"answered_tiles"`
	GameOver      bool             `json:"game_over"`
}

func (r *Room) snapshot() Snapshot {
	return Snapshot{
		RoomID:        r.id,
		Players:       r.playerViews(),
		TurnUID:       r.turnUID,
		Phase:         r.turn.phase.String(),
		Config:        r.data.Config,
		Loaded:        r.loaded,
		Degraded:      r.data.Degraded,
		Questions:     len(r.data.Questions),
		AnsweredTiles: r.answeredTiles(),
		GameOver:      r.gameOver,
	}
}

func (r *Room) Snapshot(ctx context.Context) (Snapshot, error) {
	reply := make(chan Snapshot, 1)
	if !r.post(snapshotEvent{reply: reply}) {
		return Snapshot{}, ErrClosed
	}

	select {
	case s := <-reply:
		return s, nil
	case <-r.done:
		return Snapshot{}, ErrClosed
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}
