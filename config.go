package main

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/Seednode/partyboard/room"
)

type Config struct {
	bind        string
	port        int
	prefix      string
	profile     bool
	roomTimeout time.Duration
	tlsCert     string
	tlsKey      string
	verbose     bool
	version     bool

	bootstrapURL     string
	bootstrapTimeout time.Duration
	diceDelay        time.Duration
	moveDelay        time.Duration
	joinURL          string

	redisAddr     string
	redisPassword string
	redisDB       int
	redisTTL      time.Duration

	otelEndpoint string
}

func (c *Config) validate() error {
	if (c.tlsCert == "") != (c.tlsKey == "") {
		return errors.New("both --tls-cert and --tls-key must be provided together")
	}
	if c.port < 1 || c.port > 65535 {
		return fmt.Errorf("invalid port (must be between 1-65535 inclusive): %d", c.port)
	}

	for name, d := range map[string]time.Duration{
		"room-timeout":      c.roomTimeout,
		"bootstrap-timeout": c.bootstrapTimeout,
		"dice-delay":        c.diceDelay,
		"move-delay":        c.moveDelay,
		"redis-ttl":         c.redisTTL,
	} {
		if d < 0 {
			return fmt.Errorf("invalid --%s (must not be negative): %s", name, d)
		}
	}

	if c.bootstrapURL != "" {
		u, err := url.Parse(c.bootstrapURL)
		if err != nil {
			return fmt.Errorf("invalid --bootstrap-url: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("invalid --bootstrap-url (scheme must be http or https): %s", c.bootstrapURL)
		}
	}

	if c.redisDB < 0 {
		return fmt.Errorf("invalid --redis-db (must not be negative): %d", c.redisDB)
	}

	return nil
}

func (c *Config) scheme() string {
	if c.tlsCert != "" && c.tlsKey != "" {
		return "https"
	}
	return "http"
}

func newCmd(cfg *Config) *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("PARTYBOARD")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:           "partyboard",
		Short:         "A real-time multiplayer trivia board game server.",
		Args:          cobra.ExactArgs(0),
		SilenceErrors: true,
		Version:       releaseVersion,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.validate(); err != nil {
				return err
			}
			return ServePage(cmd.Context(), cfg)
		},
	}

	fs := cmd.Flags()

	fs.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	fs.StringVarP(&cfg.bind, "bind", "b", "0.0.0.0", "address to bind to (env: PARTYBOARD_BIND)")
	fs.StringVar(&cfg.bootstrapURL, "bootstrap-url", "", "endpoint serving per-room config and questions (env: PARTYBOARD_BOOTSTRAP_URL)")
	fs.DurationVar(&cfg.bootstrapTimeout, "bootstrap-timeout", room.DefaultLoadTimeout, "time allowed for a bootstrap fetch (env: PARTYBOARD_BOOTSTRAP_TIMEOUT)")
	fs.DurationVar(&cfg.diceDelay, "dice-delay", room.DefaultDiceDelay, "time between a roll and the move it causes (env: PARTYBOARD_DICE_DELAY)")
	fs.StringVar(&cfg.joinURL, "join-url", "", "base URL encoded in room QR codes (env: PARTYBOARD_JOIN_URL)")
	fs.DurationVar(&cfg.moveDelay, "move-delay", room.DefaultMoveDelay, "time between a move and its tile being evaluated (env: PARTYBOARD_MOVE_DELAY)")
	fs.StringVar(&cfg.otelEndpoint, "otel-endpoint", "", "OTLP/HTTP endpoint to export traces to (env: PARTYBOARD_OTEL_ENDPOINT)")
	fs.IntVarP(&cfg.port, "port", "p", 8080, "port to listen on (env: PARTYBOARD_PORT)")
	fs.StringVar(&cfg.prefix, "prefix", "", "path to prepend to all URLs, for use behind reverse proxy (env: PARTYBOARD_PREFIX)")
	fs.BoolVar(&cfg.profile, "profile", false, "register net/http/pprof handlers (env: PARTYBOARD_PROFILE)")
	fs.StringVar(&cfg.redisAddr, "redis-addr", "", "redis address for caching bootstrap payloads (env: PARTYBOARD_REDIS_ADDR)")
	fs.IntVar(&cfg.redisDB, "redis-db", 0, "redis database number (env: PARTYBOARD_REDIS_DB)")
	fs.StringVar(&cfg.redisPassword, "redis-password", "", "redis password (env: PARTYBOARD_REDIS_PASSWORD)")
	fs.DurationVar(&cfg.redisTTL, "redis-ttl", 10*time.Minute, "expiry of cached bootstrap payloads (env: PARTYBOARD_REDIS_TTL)")
	fs.DurationVar(&cfg.roomTimeout, "room-timeout", 30*time.Minute, "time before empty rooms are evicted (env: PARTYBOARD_ROOM_TIMEOUT)")
	fs.StringVar(&cfg.tlsCert, "tls-cert", "", "path to tls certificate (env: PARTYBOARD_TLS_CERT)")
	fs.StringVar(&cfg.tlsKey, "tls-key", "", "path to tls keyfile (env: PARTYBOARD_TLS_KEY)")
	fs.BoolVarP(&cfg.verbose, "verbose", "v", false, "display additional output (env: PARTYBOARD_VERBOSE)")
	fs.BoolVarP(&cfg.version, "version", "V", false, "display version and exit (env: PARTYBOARD_VERSION)")

	fs.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
		_ = v.BindEnv(f.Name)
		if !f.Changed && v.IsSet(f.Name) {
			_ = fs.Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name)))
		}
	})

	cmd.CompletionOptions.HiddenDefaultCmd = true
	cmd.SetHelpCommand(&cobra.Command{Hidden: true})
	cmd.SetVersionTemplate("partyboard v{{.Version}}\n")

	cmd.SilenceErrors = true
	cmd.SilenceUsage = true

	return cmd
}
