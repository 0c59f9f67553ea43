package config

import (
	stderrors "errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"

	"github.com/breznaiandras2006-collab/exammentor/internal/leitner"
	"github.com/breznaiandras2006-collab/exammentor/internal/session"
)

// EnvPrefix prefixes every environment override. A double underscore
// separates nested keys: EXAMMENTOR_STUDY__WEAK_LIMIT sets study.weak_limit.
const EnvPrefix = "EXAMMENTOR_"

// DefaultFile is read when --config is not given. It may be absent.
const DefaultFile = "exammentor.yaml"

// Config is the application configuration.
type Config struct {
	DB         string `koanf:"db" validate:"required"`
	Repos      string `koanf:"repos" validate:"required"`
	Listen     string `koanf:"listen" validate:"required"`
	Log        string `koanf:"log" validate:"oneof=dev prod"`
	DBMaxConns int    `koanf:"db_max_conns" validate:"gte=0"`
	Study      Study  `koanf:"study"`
}

// Study holds the scheduling and session settings.
type Study struct {
	Intervals      []int  `koanf:"intervals" validate:"len=5,dive,gte=0"`
	Demotion       string `koanf:"demotion" validate:"oneof=reset step"`
	Order          string `koanf:"order" validate:"oneof=box weighted"`
	AccuracyWindow int    `koanf:"accuracy_window" validate:"gte=1"`
	WeakLimit      int    `koanf:"weak_limit" validate:"gte=1"`
	QuizChoices    int    `koanf:"quiz_choices" validate:"gte=2,lte=10"`
	SyncWorkers    int    `koanf:"sync_workers" validate:"gte=1,lte=64"`

	SessionIdle time.Duration `koanf:"session_idle" validate:"gte=1m"`
	MaxSessions int           `koanf:"max_sessions" validate:"gte=1"`
}

// Default returns the built-in configuration.
func Default() Config {
	intervals := leitner.DefaultIntervals
	return Config{
		DB:     "exammentor.db",
		Repos:  "repos",
		Listen: ":8080",
		Log:    "dev",
		Study: Study{
			Intervals:      intervals[:],
			Demotion:       leitner.DefaultDemotion.String(),
			Order:          session.OrderByBox.String(),
			AccuracyWindow: session.DefaultAccuracyWindow,
			WeakLimit:      session.DefaultWeakLimit,
			QuizChoices:    session.DefaultQuizChoices,
			SyncWorkers:    4,
			SessionIdle:    session.DefaultIdleTTL,
			MaxSessions:    session.DefaultMaxSessions,
		},
	}
}

func (c Config) defaults() map[string]any {
	return map[string]any{
		"db":                    c.DB,
		"repos":                 c.Repos,
		"listen":                c.Listen,
		"log":                   c.Log,
		"db_max_conns":          c.DBMaxConns,
		"study.intervals":       c.Study.Intervals,
		"study.demotion":        c.Study.Demotion,
		"study.order":           c.Study.Order,
		"study.accuracy_window": c.Study.AccuracyWindow,
		"study.weak_limit":      c.Study.WeakLimit,
		"study.quiz_choices":    c.Study.QuizChoices,
		"study.sync_workers":    c.Study.SyncWorkers,
		"study.session_idle":    c.Study.SessionIdle,
		"study.max_sessions":    c.Study.MaxSessions,
	}
}

// flagKeys maps command-line flags to configuration keys.
var flagKeys = map[string]string{
	"db":           "db",
	"repos":        "repos",
	"listen":       "listen",
	"log":          "log",
	"db-max-conns": "db_max_conns",
	"demotion":     "study.demotion",
	"order":        "study.order",
	"workers":      "study.sync_workers",
}

// RegisterFlags adds the global configuration flags to flags.
func RegisterFlags(flags *pflag.FlagSet) {
	d := Default()
	flags.String("config", DefaultFile, "Path to the YAML configuration file")
	flags.String("db", d.DB, "Path to the SQLite database file")
	flags.String("repos", d.Repos, "Directory for cloned git sources")
	flags.String("listen", d.Listen, "HTTP listen address for serve")
	flags.String("log", d.Log, "Log mode: dev or prod")
	flags.Int("db-max-conns", d.DBMaxConns, "Maximum open database connections (0 = driver default)")
	flags.String("demotion", d.Study.Demotion, "Incorrect answers: reset to box 1 or step down one box")
	flags.String("order", d.Study.Order, "Session ordering: box or weighted")
	flags.Int("workers", d.Study.SyncWorkers, "Sources synced concurrently")
}

// Load builds the configuration from, in increasing precedence: defaults,
// the YAML file, EXAMMENTOR_* environment variables and flags that were set
// explicitly. A .env file in the working directory is loaded first.
func Load(flags *pflag.FlagSet) (Config, error) {
	if err := godotenv.Load(); err != nil && !stderrors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	k := koanf.New(".")
	for key, val := range Default().defaults() {
		if err := k.Set(key, val); err != nil {
			return Config{}, fmt.Errorf("set default %s: %w", key, err)
		}
	}

	path := DefaultFile
	explicit := false
	if flags != nil {
		if f := flags.Lookup("config"); f != nil {
			path, explicit = f.Value.String(), f.Changed
		}
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if explicit || !stderrors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.ProviderWithValue(EnvPrefix, ".", envKey), nil); err != nil {
		return Config{}, fmt.Errorf("load environment: %w", err)
	}

	if flags != nil {
		fp := posflag.ProviderWithFlag(flags, ".", k, func(f *pflag.Flag) (string, interface{}) {
			key, ok := flagKeys[f.Name]
			if !ok {
				return "", nil
			}
			return key, posflag.FlagVal(flags, f)
		})
		if err := k.Load(fp, nil); err != nil {
			return Config{}, fmt.Errorf("load flags: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// envKey turns EXAMMENTOR_STUDY__WEAK_LIMIT into study.weak_limit. Interval
// lists are comma separated.
func envKey(key, value string) (string, interface{}) {
	k := strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	k = strings.ReplaceAll(k, "__", ".")
	if k == "study.intervals" {
		parts := strings.Split(value, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return k, parts
	}
	return k, value
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and that the study settings build a
// usable policy.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, err := c.Study.Policy(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Policy builds the Leitner policy from the study settings.
func (s Study) Policy() (leitner.Policy, error) {
	if len(s.Intervals) != len(leitner.IntervalTable{}) {
		return leitner.Policy{}, fmt.Errorf("study.intervals needs %d values, got %d", len(leitner.IntervalTable{}), len(s.Intervals))
	}
	var table leitner.IntervalTable
	copy(table[:], s.Intervals)
	demotion, err := leitner.ParseDemotion(s.Demotion)
	if err != nil {
		return leitner.Policy{}, err
	}
	return leitner.NewPolicy(table, demotion)
}

// SessionOptions builds runner options from the study settings.
func (s Study) SessionOptions() (session.Options, error) {
	order, err := session.ParseOrder(s.Order)
	if err != nil {
		return session.Options{}, err
	}
	return session.Options{
		Order:          order,
		QuizChoices:    s.QuizChoices,
		AccuracyWindow: s.AccuracyWindow,
		WeakLimit:      s.WeakLimit,
		IdleTTL:        s.SessionIdle,
		MaxSessions:    s.MaxSessions,
	}, nil
}
