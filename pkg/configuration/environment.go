package configuration

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/iota-uz/xrpcd/pkg/logging"
)

var DefaultEnvFiles = []string{".env", ".env.local"}

// LoadEnv loads the env files that exist, looking in the working directory
// first and then in the nearest parent holding a go.mod. Variables already
// set in the environment win.
func LoadEnv(envFiles []string) (int, error) {
	existing := make([]string, 0, len(envFiles))
	root := moduleRoot()
	for _, file := range envFiles {
		switch {
		case fileExists(file):
			existing = append(existing, file)
		case root != "" && !filepath.IsAbs(file) && fileExists(filepath.Join(root, file)):
			existing = append(existing, filepath.Join(root, file))
		}
	}
	if len(existing) == 0 {
		return 0, nil
	}
	return len(existing), godotenv.Load(existing...)
}

func moduleRoot() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		if fileExists(filepath.Join(dir, "go.mod")) {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// DatabaseOptions locate the source database holding the queue. DSN wins
// over the discrete fields when set.
type DatabaseOptions struct {
	DSN      string `env:"XRPC_SOURCE_DSN"`
	Name     string `env:"DB_NAME" envDefault:"postgres"`
	Host     string `env:"DB_HOST" envDefault:"localhost"`
	Port     string `env:"DB_PORT" envDefault:"5432"`
	User     string `env:"DB_USER" envDefault:"postgres"`
	Password string `env:"DB_PASSWORD" envDefault:"postgres"`
}

func (d *DatabaseOptions) ConnectionString() string {
	if d.DSN != "" {
		return d.DSN
	}
	return fmt.Sprintf(
		"host=%s port=%s user=%s dbname=%s password=%s sslmode=disable",
		d.Host, d.Port, d.User, d.Name, d.Password,
	)
}

type XRPCOptions struct {
	Queue    string `env:"XRPC_QUEUE"`
	Consumer string `env:"XRPC_CONSUMER" envDefault:"xrpcd" validate:"required"`
	// Source names this database in destination batch markers.
	Source string `env:"XRPC_SOURCE"`
	// DSNTemplate is the destination connection string with a
	// {destination} placeholder.
	DSNTemplate    string `env:"XRPC_DSN_TEMPLATE"`
	ProviderDBName string `env:"XRPC_PROVIDER_DB_NAME"`
	Schema         string `env:"XRPC_SCHEMA" envDefault:"xrpc" validate:"required"`

	Debug  bool `env:"XRPC_LOG_DEBUG" envDefault:"false"`
	Daemon bool `env:"XRPC_DAEMON" envDefault:"false"`

	LoopDelay       time.Duration `env:"XRPC_LOOP_DELAY" envDefault:"1s" validate:"gt=0"`
	MaxBackoff      time.Duration `env:"XRPC_MAX_BACKOFF" envDefault:"60s" validate:"gtefield=LoopDelay"`
	ConsistencyMode string        `env:"XRPC_CONSISTENCY_MODE" envDefault:"split"`
	SortFields      []string      `env:"XRPC_SORT_FIELDS" envDefault:"user_id,item_id" envSeparator:","`
	ChunkBytes      int           `env:"XRPC_CHUNK_BYTES" envDefault:"16384" validate:"gt=0"`
	SingleActive    bool          `env:"XRPC_SINGLE_ACTIVE" envDefault:"true"`
	ConnectTimeout  time.Duration `env:"XRPC_CONNECT_TIMEOUT" envDefault:"10s" validate:"gt=0"`

	DestinationDriver  string `env:"XRPC_DESTINATION_DRIVER" envDefault:"pgx"`
	DestinationMaxIdle int    `env:"XRPC_DESTINATION_MAX_IDLE" envDefault:"2" validate:"gte=0"`
}

type OpenTelemetryOptions struct {
	Enabled     bool   `env:"OTEL_ENABLED" envDefault:"false"`
	TempoURL    string `env:"OTEL_TEMPO_URL" envDefault:"localhost:4318"`
	ServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"xrpcd"`
}

type PrometheusOptions struct {
	Enabled bool   `env:"PROMETHEUS_METRICS_ENABLED" envDefault:"false"`
	Addr    string `env:"PROMETHEUS_METRICS_ADDR" envDefault:"localhost:9187"`
	Path    string `env:"PROMETHEUS_METRICS_PATH" envDefault:"/debug/prometheus"`
}

type Configuration struct {
	Database      DatabaseOptions
	XRPC          XRPCOptions
	OpenTelemetry OpenTelemetryOptions
	Prometheus    PrometheusOptions

	LogLevel     string `env:"LOG_LEVEL" envDefault:"info"`
	LogPath      string `env:"LOG_PATH"`
	ErrorLogPath string `env:"LOG_ERROR_PATH"`
}

type LoadOptions struct {
	EnvFiles []string
	// ConfigFile is an optional .toml, .yaml or .yml file whose keys are
	// environment variable names. The real environment overrides it.
	ConfigFile string
}

func Load(opts LoadOptions) (*Configuration, error) {
	if opts.EnvFiles == nil {
		opts.EnvFiles = DefaultEnvFiles
	}
	if _, err := LoadEnv(opts.EnvFiles); err != nil {
		return nil, fmt.Errorf("load env files: %w", err)
	}

	environment := map[string]string{}
	if opts.ConfigFile != "" {
		fromFile, err := ReadConfigFile(opts.ConfigFile)
		if err != nil {
			return nil, err
		}
		environment = fromFile
	}
	for k, v := range env.ToMap(os.Environ()) {
		environment[k] = v
	}

	c := &Configuration{}
	if err := env.ParseWithOptions(c, env.Options{Environment: environment}); err != nil {
		return nil, fmt.Errorf("parse configuration: %w", err)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func (c *Configuration) validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	mode := strings.ToLower(strings.TrimSpace(c.XRPC.ConsistencyMode))
	if mode == "" {
		mode = "split"
	}
	switch mode {
	case "split", "atomic":
	default:
		return fmt.Errorf("invalid XRPC_CONSISTENCY_MODE=%q (expected split|atomic)", c.XRPC.ConsistencyMode)
	}
	c.XRPC.ConsistencyMode = mode

	driver := strings.ToLower(strings.TrimSpace(c.XRPC.DestinationDriver))
	switch driver {
	case "pgx", "postgres":
	default:
		return fmt.Errorf("invalid XRPC_DESTINATION_DRIVER=%q (expected pgx|postgres)", c.XRPC.DestinationDriver)
	}
	c.XRPC.DestinationDriver = driver

	fields := make([]string, 0, len(c.XRPC.SortFields))
	for _, f := range c.XRPC.SortFields {
		if f = strings.TrimSpace(f); f != "" {
			fields = append(fields, f)
		}
	}
	c.XRPC.SortFields = fields

	if c.XRPC.Source == "" {
		c.XRPC.Source = c.XRPC.ProviderDBName
	}
	if c.XRPC.Source == "" {
		c.XRPC.Source = c.Database.Name
	}
	return nil
}

// ValidateQueue checks that a source queue is configured. Commands that
// talk to pgq need it; installing into a destination does not.
func (c *Configuration) ValidateQueue() error {
	if strings.TrimSpace(c.XRPC.Queue) == "" {
		return fmt.Errorf("XRPC_QUEUE is required")
	}
	return nil
}

// ValidatePlay checks the options only the play loop needs.
func (c *Configuration) ValidatePlay() error {
	if err := c.ValidateQueue(); err != nil {
		return err
	}
	if strings.TrimSpace(c.XRPC.DSNTemplate) == "" {
		return fmt.Errorf("XRPC_DSN_TEMPLATE is required to play")
	}
	if c.XRPC.Source == "" {
		return fmt.Errorf("XRPC_SOURCE or XRPC_PROVIDER_DB_NAME is required to play")
	}
	return nil
}

// ValidateInstall checks install options. The source database also gets the
// queue objects, so a blank destination requires XRPC_QUEUE.
func (c *Configuration) ValidateInstall(destination string) error {
	if strings.TrimSpace(c.XRPC.ProviderDBName) == "" {
		return fmt.Errorf("XRPC_PROVIDER_DB_NAME is required to install")
	}
	if destination == "" {
		return c.ValidateQueue()
	}
	return nil
}

func (c *Configuration) LogrusLogLevel() logrus.Level {
	if c.XRPC.Debug {
		return logrus.DebugLevel
	}
	return logging.ParseLevel(c.LogLevel)
}
