// Package config defines the server's command-line/env-configurable
// settings (spec §6), grounded on Seednode-partybox's cobra+pflag+viper
// wiring: every flag is also settable via a MEMECAPTION_-prefixed
// environment variable.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"memecaption/domain"
	"memecaption/rounds"
)

// Config holds the server's tunables (spec §6). The join-code alphabet is
// fixed in package rooms, and there is no setting for an AI generator
// endpoint.
type Config struct {
	Bind string
	Port int

	DatabaseURL string
	RedisURL    string

	JWTSecret string

	SelectionSecondsRound1 int
	SelectionSecondsRound2 int
	SelectionSecondsRound3 int
	SelectionSecondsRound4 int
	SelectionSecondsRound5 int
	SelectionSecondsRound6 int
	SelectionSecondsRound7 int
	VotingSeconds          int
	ResultsDisplaySeconds  int

	PresenceTimeout           time.Duration
	PresenceMaxDisconnects    int
	PresenceMaxMissedActions int

	RoomMinCapacity int
	RoomMaxCapacity int
	JoinCodeLength  int

	CardURLTemplate string

	AIGeneratorLanguage string

	Verbose bool
}

func (c *Config) validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port (must be between 1-65535 inclusive): %d", c.Port)
	}
	if c.DatabaseURL == "" {
		return errors.New("--database-url is required")
	}
	if c.RoomMinCapacity < 3 {
		return fmt.Errorf("--room-min-capacity must be at least 3: %d", c.RoomMinCapacity)
	}
	if c.RoomMaxCapacity < c.RoomMinCapacity {
		return errors.New("--room-max-capacity must be >= --room-min-capacity")
	}
	if c.JoinCodeLength < 4 {
		return fmt.Errorf("--join-code-length is too short to avoid collisions: %d", c.JoinCodeLength)
	}
	return nil
}

// Schedule derives the round controller's timing configuration from the
// flattened per-round flags.
func (c *Config) Schedule() rounds.Schedule {
	s := rounds.DefaultSchedule()
	s.SelectionSeconds = [domain.MaxRounds + 1]int{
		0,
		c.SelectionSecondsRound1,
		c.SelectionSecondsRound2,
		c.SelectionSecondsRound3,
		c.SelectionSecondsRound4,
		c.SelectionSecondsRound5,
		c.SelectionSecondsRound6,
		c.SelectionSecondsRound7,
	}
	s.VotingDuration = time.Duration(c.VotingSeconds) * time.Second
	s.ResultsDisplayTime = time.Duration(c.ResultsDisplaySeconds) * time.Second
	return s
}

// NewCommand builds the root cobra command. run is invoked once flags are
// bound and validated; it receives the populated Config.
func NewCommand(run func(cfg *Config) error) *cobra.Command {
	cfg := &Config{}

	v := viper.New()
	v.SetEnvPrefix("MEMECAPTION")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:           "memecaption-server",
		Short:         "Serves the real-time meme-caption party game backend.",
		Args:          cobra.ExactArgs(0),
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.validate(); err != nil {
				return err
			}
			return run(cfg)
		},
	}

	fs := cmd.Flags()
	fs.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	fs.StringVarP(&cfg.Bind, "bind", "b", "0.0.0.0", "address to bind to (env: MEMECAPTION_BIND)")
	fs.IntVarP(&cfg.Port, "port", "p", 8080, "port to listen on (env: MEMECAPTION_PORT)")

	fs.StringVar(&cfg.DatabaseURL, "database-url", "", "postgres connection string (env: MEMECAPTION_DATABASE_URL)")
	fs.StringVar(&cfg.RedisURL, "redis-url", "redis://127.0.0.1:6379/0", "redis connection string, used for the event bus and situation queue (env: MEMECAPTION_REDIS_URL)")

	fs.StringVar(&cfg.JWTSecret, "jwt-secret", "", "HMAC secret used to validate session tokens (env: MEMECAPTION_JWT_SECRET)")

	fs.IntVar(&cfg.SelectionSecondsRound1, "selection-seconds-round-1", 50, "card selection duration for round 1 (env: MEMECAPTION_SELECTION_SECONDS_ROUND_1)")
	fs.IntVar(&cfg.SelectionSecondsRound2, "selection-seconds-round-2", 45, "card selection duration for round 2 (env: MEMECAPTION_SELECTION_SECONDS_ROUND_2)")
	fs.IntVar(&cfg.SelectionSecondsRound3, "selection-seconds-round-3", 40, "card selection duration for round 3 (env: MEMECAPTION_SELECTION_SECONDS_ROUND_3)")
	fs.IntVar(&cfg.SelectionSecondsRound4, "selection-seconds-round-4", 35, "card selection duration for round 4 (env: MEMECAPTION_SELECTION_SECONDS_ROUND_4)")
	fs.IntVar(&cfg.SelectionSecondsRound5, "selection-seconds-round-5", 30, "card selection duration for round 5 (env: MEMECAPTION_SELECTION_SECONDS_ROUND_5)")
	fs.IntVar(&cfg.SelectionSecondsRound6, "selection-seconds-round-6", 30, "card selection duration for round 6 (env: MEMECAPTION_SELECTION_SECONDS_ROUND_6)")
	fs.IntVar(&cfg.SelectionSecondsRound7, "selection-seconds-round-7", 30, "card selection duration for round 7 (env: MEMECAPTION_SELECTION_SECONDS_ROUND_7)")
	fs.IntVar(&cfg.VotingSeconds, "voting-seconds", 180, "voting phase duration (env: MEMECAPTION_VOTING_SECONDS)")
	fs.IntVar(&cfg.ResultsDisplaySeconds, "results-display-seconds", 5, "time round results are shown before the next round starts (env: MEMECAPTION_RESULTS_DISPLAY_SECONDS)")

	fs.DurationVar(&cfg.PresenceTimeout, "presence-timeout", 30*time.Second, "time without a ping before a connected participant is marked timed out (env: MEMECAPTION_PRESENCE_TIMEOUT)")
	fs.IntVar(&cfg.PresenceMaxDisconnects, "presence-max-disconnects", 3, "disconnect count at which a participant is excluded (env: MEMECAPTION_PRESENCE_MAX_DISCONNECTS)")
	fs.IntVar(&cfg.PresenceMaxMissedActions, "presence-max-missed-actions", 2, "missed-action count at which a participant is excluded (env: MEMECAPTION_PRESENCE_MAX_MISSED_ACTIONS)")

	fs.IntVar(&cfg.RoomMinCapacity, "room-min-capacity", 3, "minimum room capacity (env: MEMECAPTION_ROOM_MIN_CAPACITY)")
	fs.IntVar(&cfg.RoomMaxCapacity, "room-max-capacity", 8, "maximum room capacity (env: MEMECAPTION_ROOM_MAX_CAPACITY)")
	fs.IntVar(&cfg.JoinCodeLength, "join-code-length", 6, "length of generated room join codes (env: MEMECAPTION_JOIN_CODE_LENGTH)")

	fs.StringVar(&cfg.CardURLTemplate, "card-url-template", "https://cdn.memecaption.example/cards/%s/%d.png", "printf template (type, number) for card image URLs (env: MEMECAPTION_CARD_URL_TEMPLATE)")

	fs.StringVar(&cfg.AIGeneratorLanguage, "ai-generator-language", "en", "language for the situation generator; parsed only, no component reads it and queued jobs carry an empty language (env: MEMECAPTION_AI_GENERATOR_LANGUAGE)")

	fs.BoolVarP(&cfg.Verbose, "verbose", "v", false, "display additional output (env: MEMECAPTION_VERBOSE)")

	fs.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
		_ = v.BindEnv(f.Name)
		if !f.Changed && v.IsSet(f.Name) {
			_ = fs.Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name)))
		}
	})

	cmd.CompletionOptions.HiddenDefaultCmd = true
	cmd.SetHelpCommand(&cobra.Command{Hidden: true})
	cmd.SilenceUsage = true

	return cmd
}
