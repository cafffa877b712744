// Package bootstrap fetches the per-room timing configuration and question
// bank from the external bootstrap provider, once per room.
//
// Loading never fails from the caller's point of view. Any problem reaching
// or parsing the provider yields the default configuration with an empty
// question bank, marked Degraded, so a room never waits on external data.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultGameDurationSeconds = 1200
	DefaultPerQuestionSeconds  = 10

	// Tiles are numbered 0 through LastTile.
	LastTile = 99

	maxPayloadBytes = 4 << 20
	instrumentation = "github.com/Seednode/partyboard/bootstrap"
)

var (
	ErrStatus    = errors.New("unexpected status")
	ErrNotOK     = errors.New("provider reported ok=false")
	ErrMalformed = errors.New("malformed payload")
)

type Config struct {
	GameDurationSeconds int `json:"game_time_sec"`
	PerQuestionSeconds  int `json:"time_per_question_sec"`
}

func DefaultConfig() Config {
	return Config{
		GameDurationSeconds: DefaultGameDurationSeconds,
		PerQuestionSeconds:  DefaultPerQuestionSeconds,
	}
}

// Question is immutable once loaded.
type Question struct {
	ID      string
	Tile    int
	Text    string
	Choices [4]string
	Correct int
}

// Data is what a room runs on. Questions is keyed by tile and must be
// treated as read-only; it is shared between callers.
type Data struct {
	Config    Config
	Questions map[int]Question
	Degraded  bool
}

func emptyData(degraded bool) Data {
	return Data{
		Config:    DefaultConfig(),
		Questions: map[int]Question{},
		Degraded:  degraded,
	}
}

type Options struct {
	// Endpoint is the provider URL; room_id is added as a query parameter.
	// Empty disables fetching entirely.
	Endpoint string
	Timeout  time.Duration
	Client   *http.Client
	Cache    Cache
	Logger   zerolog.Logger
}

type Loader struct {
	endpoint *url.URL
	client   *http.Client
	timeout  time.Duration
	cache    Cache
	log      zerolog.Logger

	tracer   trace.Tracer
	degraded metric.Int64Counter

	group singleflight.Group

	mu    sync.Mutex
	rooms map[int]Data
}

func New(opts Options) (*Loader, error) {
	l := &Loader{
		client:  opts.Client,
		timeout: opts.Timeout,
		cache:   opts.Cache,
		log:     opts.Logger,
		tracer:  otel.Tracer(instrumentation),
		rooms:   make(map[int]Data),
	}

	if opts.Endpoint != "" {
		u, err := url.Parse(opts.Endpoint)
		if err != nil {
			return nil, fmt.Errorf("parse bootstrap endpoint: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return nil, fmt.Errorf("parse bootstrap endpoint: unsupported scheme %q", u.Scheme)
		}
		l.endpoint = u
	}

	if l.client == nil {
		l.client = http.DefaultClient
	}

	counter, err := otel.Meter(instrumentation).Int64Counter("bootstrap.degraded",
		metric.WithDescription("Rooms that fell back to the default configuration"),
	)
	if err != nil {
		counter = noop.Int64Counter{}
	}
	l.degraded = counter

	return l, nil
}

// EnsureLoaded returns the room's bootstrap data, fetching it on the first
// call. Concurrent first calls for the same room share one fetch.
func (l *Loader) EnsureLoaded(ctx context.Context, roomID int) Data {
	if d, ok := l.cached(roomID); ok {
		return d
	}

	v, _, _ := l.group.Do(strconv.Itoa(roomID), func() (any, error) {
		if d, ok := l.cached(roomID); ok {
			return d, nil
		}

		d := l.load(ctx, roomID)

		// Cancelled loads are not cached; the room may already be forgotten.
		if ctx.Err() != nil {
			return d, nil
		}

		l.mu.Lock()
		l.rooms[roomID] = d
		l.mu.Unlock()

		return d, nil
	})

	return v.(Data)
}

// Forget drops the cached data for a room that no longer exists.
func (l *Loader) Forget(roomID int) {
	l.mu.Lock()
	delete(l.rooms, roomID)
	l.mu.Unlock()
}

func (l *Loader) cached(roomID int) (Data, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	d, ok := l.rooms[roomID]
	return d, ok
}

func (l *Loader) load(ctx context.Context, roomID int) Data {
	if l.endpoint == nil {
		return emptyData(false)
	}

	ctx, span := l.tracer.Start(ctx, "bootstrap.fetch",
		trace.WithAttributes(attribute.Int("room.id", roomID)),
	)
	defer span.End()

	d, err := l.fromCache(ctx, roomID)
	if err != nil {
		var body []byte
		body, err = l.fetch(ctx, roomID)
		if err == nil {
			d, err = Parse(body)
		}
		if err == nil && l.cache != nil {
			if cerr := l.cache.Set(ctx, roomID, body); cerr != nil {
				l.log.Warn().Err(cerr).Int("room_id", roomID).Msg("bootstrap cache write failed")
			}
		}
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		l.degraded.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason(err))))
		l.log.Warn().Err(err).Int("room_id", roomID).Str("reason", reason(err)).
			Msg("bootstrap degraded, using defaults")

		return emptyData(true)
	}

	span.SetAttributes(attribute.Int("questions", len(d.Questions)))
	l.log.Info().Int("room_id", roomID).Int("questions", len(d.Questions)).
		Int("question_sec", d.Config.PerQuestionSeconds).
		Msg("bootstrap loaded")

	return d
}

func (l *Loader) fromCache(ctx context.Context, roomID int) (Data, error) {
	if l.cache == nil {
		return Data{}, ErrCacheMiss
	}

	body, err := l.cache.Get(ctx, roomID)
	if err != nil {
		if !errors.Is(err, ErrCacheMiss) {
			l.log.Warn().Err(err).Int("room_id", roomID).Msg("bootstrap cache read failed")
		}
		return Data{}, err
	}

	return Parse(body)
}

func (l *Loader) fetch(ctx context.Context, roomID int) ([]byte, error) {
	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	u := *l.endpoint
	q := u.Query()
	q.Set("room_id", strconv.Itoa(roomID))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxPayloadBytes))
		return nil, fmt.Errorf("%w: %d", ErrStatus, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPayloadBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	return body, nil
}

func reason(err error) string {
	switch {
	case errors.Is(err, ErrStatus):
		return "status"
	case errors.Is(err, ErrNotOK):
		return "not_ok"
	case errors.Is(err, ErrMalformed):
		return "malformed"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "transport"
	}
}
