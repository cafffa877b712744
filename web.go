package main

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/rs/zerolog"

	"github.com/Seednode/partyboard/bootstrap"
	"github.com/Seednode/partyboard/invite"
	"github.com/Seednode/partyboard/room"
)

const (
	timeout time.Duration = 10 * time.Second
)

func securityHeaders(cfg *Config, w http.ResponseWriter) {
	w.Header().Set("Cross-Origin-Resource-Policy", "same-site")
	w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Content-Security-Policy", "default-src 'none'")

	if cfg.scheme() == "https" {
		w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains; preload")
	}
}

func realIP(r *http.Request) string {
	host, port, _ := net.SplitHostPort(r.RemoteAddr)
	if ip := r.Header.Get("CF-Connecting-IP"); ip != "" {
		if net.ParseIP(ip) != nil {
			host = ip
		}
	} else if ip := r.Header.Get("X-Real-IP"); ip != "" {
		if net.ParseIP(ip) != nil {
			host = ip
		}
	}
	if net.ParseIP(host) != nil && strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if port != "" {
		return host + ":" + port
	}
	return host
}

// server owns everything a running instance shares between requests.
type server struct {
	cfg     *Config
	log     zerolog.Logger
	games   *room.Manager
	invites *invite.Relay
	cache   *bootstrap.RedisCache
}

func newServer(cfg *Config, log zerolog.Logger) (*server, error) {
	s := &server{
		cfg:     cfg,
		log:     log,
		invites: invite.NewRelay(log.With().Str("component", "invite").Logger()),
	}

	opts := bootstrap.Options{
		Endpoint: cfg.bootstrapURL,
		Timeout:  cfg.bootstrapTimeout,
		Logger:   log.With().Str("component", "bootstrap").Logger(),
	}

	if cfg.redisAddr != "" {
		s.cache = bootstrap.NewRedisCache(bootstrap.RedisOptions{
			Addr:     cfg.redisAddr,
			Password: cfg.redisPassword,
			DB:       cfg.redisDB,
			TTL:      cfg.redisTTL,
		})

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		if err := s.cache.Ping(ctx); err != nil {
			log.Warn().Err(err).Str("addr", cfg.redisAddr).Msg("redis unreachable, bootstrap payloads will be fetched live until it recovers")
		}
		cancel()

		opts.Cache = s.cache
	}

	loader, err := bootstrap.New(opts)
	if err != nil {
		s.closeCache()
		return nil, err
	}

	s.games = room.NewManager(room.Options{
		Loader:      loader,
		DiceDelay:   cfg.diceDelay,
		MoveDelay:   cfg.moveDelay,
		LoadTimeout: cfg.bootstrapTimeout,
		Logger:      log.With().Str("component", "room").Logger(),
	}, cfg.roomTimeout)

	return s, nil
}

func (s *server) closeCache() {
	if s.cache == nil {
		return
	}
	if err := s.cache.Close(); err != nil {
		s.log.Warn().Err(err).Msg("closing redis")
	}
}

func (s *server) Close() {
	s.games.Close()
	s.closeCache()
}

func (s *server) routes() *httprouter.Router {
	cfg := s.cfg

	mux := httprouter.New()

	mux.PanicHandler = func(w http.ResponseWriter, r *http.Request, i any) {
		s.log.Error().Interface("panic", i).Str("path", r.URL.Path).Str("client", realIP(r)).Msg("handler panicked")

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		securityHeaders(cfg, w)
		w.WriteHeader(http.StatusInternalServerError)

		_, _ = w.Write([]byte("An error has occurred. Please try again.\n"))
	}

	cfg.prefix = strings.TrimSuffix(cfg.prefix, "/")

	mux.GET(cfg.prefix+"/healthz", s.serveHealthCheck())

	mux.GET(cfg.prefix+"/version", s.serveVersion())

	mux.GET(cfg.prefix+"/ws", s.serveGame())

	mux.GET(cfg.prefix+"/invites", s.serveInvites())

	mux.GET(cfg.prefix+"/rooms/:room_id", s.serveRoom())

	mux.GET(cfg.prefix+"/rooms/:room_id/qr", s.serveQR())

	if cfg.profile {
		registerProfileHandlers(cfg, mux)
	}

	return mux
}

func (s *server) writeText(w http.ResponseWriter, r *http.Request, what, body string) {
	startTime := time.Now()

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	securityHeaders(s.cfg, w)
	w.WriteHeader(http.StatusOK)

	written, err := w.Write([]byte(body))
	if err != nil {
		s.log.Debug().Err(err).Str("page", what).Msg("write failed")

		return
	}

	s.log.Info().
		Str("page", what).
		Int("bytes", written).
		Str("client", realIP(r)).
		Dur("took", time.Since(startTime).Round(time.Microsecond)).
		Msg("served")
}

func (s *server) serveHealthCheck() httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		s.writeText(w, r, "healthz", "Ok\n")
	}
}

func (s *server) serveVersion() httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		s.writeText(w, r, "version", "partyboard v"+releaseVersion+"\n")
	}
}

func (s *server) serveRoom() httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		securityHeaders(s.cfg, w)

		id, err := strconv.Atoi(ps.ByName("room_id"))
		if err != nil || id <= 0 {
			http.Error(w, "invalid room id", http.StatusBadRequest)
			return
		}

		rm, ok := s.games.Lookup(id)
		if !ok {
			http.Error(w, "room not found", http.StatusNotFound)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()

		snap, err := rm.Snapshot(ctx)
		if errors.Is(err, room.ErrClosed) {
			http.Error(w, "room not found", http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, "room unavailable", http.StatusServiceUnavailable)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		if err := json.NewEncoder(w).Encode(snap); err != nil {
			s.log.Debug().Err(err).Int("room", id).Msg("writing snapshot")
		}
	}
}

func ServePage(ctx context.Context, cfg *Config) error {
	var err error

	timeZone := os.Getenv("TZ")
	if timeZone != "" {
		time.Local, err = time.LoadLocation(timeZone)
		if err != nil {
			return err
		}
	}

	log := newLogger(cfg)

	log.Info().Str("version", releaseVersion).Msg("starting partyboard")

	shutdownTracing, err := setupTracing(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := shutdownTracing(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("flushing traces")
		}
	}()

	s, err := newServer(cfg, log)
	if err != nil {
		return err
	}
	defer s.Close()

	go s.games.Run(ctx)

	srv := &http.Server{
		Addr:              net.JoinHostPort(cfg.bind, strconv.Itoa(cfg.port)),
		Handler:           s.routes(),
		IdleTimeout:       10 * time.Minute,
		ReadTimeout:       timeout,
		ReadHeaderTimeout: timeout,
		WriteTimeout:      timeout,
	}

	errs := make(chan error, 1)

	go func() {
		log.Info().Msgf("listening on %s://%s%s/", cfg.scheme(), srv.Addr, cfg.prefix)

		var err error
		if cfg.tlsKey != "" && cfg.tlsCert != "" {
			err = srv.ListenAndServeTLS(cfg.tlsCert, cfg.tlsKey)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	return nil
}
