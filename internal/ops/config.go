package ops

import (
	"encoding/json"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"main/internal/breaker"
	"main/internal/engine"
	"main/internal/risk"
	"main/pkg/exception"
)

// Duration is a time.Duration that unmarshals from strings like "30s".
type Duration time.Duration

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// FileConfig mirrors the JSON config layout. Secrets never live here; they
// come from the environment.
type FileConfig struct {
	Server    ServerConfig               `json:"server"`
	Database  DatabaseConfig             `json:"database"`
	Broker    BrokerConfig               `json:"broker"`
	Risk      risk.Config                `json:"risk"`
	Breaker   BreakerConfig              `json:"breaker"`
	Execution ExecutionConfig            `json:"execution"`
	Quotes    map[string]decimal.Decimal `json:"quotes,omitempty"`
	Profiling ProfilingConfig            `json:"profiling"`
}

// ServerConfig describes the HTTP listener.
type ServerConfig struct {
	Addr string `json:"addr"`
}

// DatabaseConfig selects the storage backend.
type DatabaseConfig struct {
	// Driver is "postgres" or "sqlite".
	Driver string `json:"driver"`

	Host     string `json:"host,omitempty"`
	Port     int    `json:"port,omitempty"`
	User     string `json:"user,omitempty"`
	Database string `json:"database,omitempty"`
	SSLMode  string `json:"sslMode,omitempty"`

	// Path is the SQLite file, ":memory:" for ephemeral runs.
	Path string `json:"path,omitempty"`
}

// BrokerConfig describes the broker connection. Mode "paper" runs against
// the in-memory broker.
type BrokerConfig struct {
	Mode    string `json:"mode"`
	BaseURL string `json:"baseUrl,omitempty"`

	// PaperLatency delays each paper placement, simulating a round trip.
	PaperLatency Duration `json:"paperLatency,omitempty"`
}

// BreakerConfig mirrors breaker.Config with JSON-friendly durations.
type BreakerConfig struct {
	ErrorRateThreshold float64         `json:"errorRateThreshold"`
	ErrorWindow        Duration        `json:"errorWindow"`
	MinSamples         int             `json:"minSamples"`
	MaxDrawdown        decimal.Decimal `json:"maxDrawdown"`
	StalenessBound     Duration        `json:"stalenessBound"`
}

// ExecutionConfig tunes the engine, reservations and the slice scheduler.
type ExecutionConfig struct {
	MaxRetries     int      `json:"maxRetries"`
	RetryBaseDelay Duration `json:"retryBaseDelay"`
	RetryMaxDelay  Duration `json:"retryMaxDelay"`
	ReservationTTL Duration `json:"reservationTtl"`
	SweepInterval  Duration `json:"sweepInterval"`
	SchedulerTick  Duration `json:"schedulerTick"`
}

// ProfilingConfig enables continuous profiling.
type ProfilingConfig struct {
	Enable        bool   `json:"enable"`
	ServerAddress string `json:"serverAddress,omitempty"`
}

// Secrets are pulled from the environment (or a .env file), never from the
// config file.
type Secrets struct {
	BrokerAPIKey     string
	BrokerAPISecret  string
	WebhookSecret    string
	DatabasePassword string
	DatabaseURL      string
}

// Loaded is the resolved configuration ready for use.
type Loaded struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Broker    BrokerConfig
	Risk      risk.Config
	Breaker   breaker.Config
	Engine    engine.Config
	Execution ExecutionConfig
	Quotes    map[string]decimal.Decimal
	Profiling ProfilingConfig
	Secrets   Secrets
}

// Load reads a JSON config file, overlays environment secrets and
// validates the result.
func Load(path string) (Loaded, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Loaded{}, err
	}
	var cfg FileConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Loaded{}, err
	}
	return resolve(cfg)
}

func resolve(cfg FileConfig) (Loaded, error) {
	// Best effort: a missing .env file is fine in deployed environments.
	_ = godotenv.Load()

	loaded := Loaded{
		Server:   cfg.Server,
		Database: cfg.Database,
		Broker:   cfg.Broker,
		Risk:     cfg.Risk,
		Breaker: breaker.Config{
			ErrorRateThreshold: cfg.Breaker.ErrorRateThreshold,
			ErrorWindow:        cfg.Breaker.ErrorWindow.Std(),
			MinSamples:         cfg.Breaker.MinSamples,
			MaxDrawdown:        cfg.Breaker.MaxDrawdown,
			StalenessBound:     cfg.Breaker.StalenessBound.Std(),
		},
		Engine: engine.Config{
			MaxRetries: cfg.Execution.MaxRetries,
			BaseDelay:  cfg.Execution.RetryBaseDelay.Std(),
			MaxDelay:   cfg.Execution.RetryMaxDelay.Std(),
		},
		Execution: cfg.Execution,
		Quotes:    cfg.Quotes,
		Profiling: cfg.Profiling,
		Secrets: Secrets{
			BrokerAPIKey:     os.Getenv("BROKER_API_KEY"),
			BrokerAPISecret:  os.Getenv("BROKER_API_SECRET"),
			WebhookSecret:    os.Getenv("WEBHOOK_SECRET"),
			DatabasePassword: os.Getenv("DATABASE_PASSWORD"),
			DatabaseURL:      os.Getenv("DATABASE_URL"),
		},
	}

	if loaded.Server.Addr == "" {
		loaded.Server.Addr = ":8080"
	}
	if loaded.Database.Driver == "" {
		loaded.Database.Driver = "sqlite"
		if loaded.Database.Path == "" {
			loaded.Database.Path = ":memory:"
		}
	}
	if loaded.Broker.Mode == "" {
		loaded.Broker.Mode = "paper"
	}

	if err := validate(&loaded); err != nil {
		return Loaded{}, err
	}
	return loaded, nil
}

func validate(loaded *Loaded) error {
	switch loaded.Database.Driver {
	case "sqlite":
		if loaded.Database.Path == "" {
			return exception.ErrInvalidArgument
		}
	case "postgres":
		if loaded.Database.Database == "" && loaded.Secrets.DatabaseURL == "" {
			return exception.ErrInvalidArgument
		}
	default:
		return exception.ErrInvalidArgument
	}

	switch loaded.Broker.Mode {
	case "paper":
	case "rest":
		if loaded.Broker.BaseURL == "" || loaded.Secrets.BrokerAPIKey == "" || loaded.Secrets.BrokerAPISecret == "" {
			return exception.ErrInvalidArgument
		}
	default:
		return exception.ErrInvalidArgument
	}

	if loaded.Secrets.WebhookSecret == "" {
		return exception.ErrInvalidArgument
	}
	return nil
}
