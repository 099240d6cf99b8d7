package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. MT_MAX_JOBS=5.
const EnvPrefix = "MT"

// Config is the flat application document. Groups are squashed so every
// key lives at the top level of the JSON file.
type Config struct {
	Cobot    CobotConfig    `mapstructure:",squash"`
	Printer  PrinterConfig  `mapstructure:",squash"`
	Cycle    CycleConfig    `mapstructure:",squash"`
	Server   ServerConfig   `mapstructure:",squash"`
	Auth     AuthConfig     `mapstructure:",squash"`
	LockFile string         `mapstructure:"lock_file"`
}

type CobotConfig struct {
	Address          string        `mapstructure:"cobot_ip_address"`
	Port             int           `mapstructure:"cobot_port"`
	WatchdogInterval time.Duration `mapstructure:"watchdog_interval"`
	LinkTimeout      time.Duration `mapstructure:"link_timeout"`
}

type PrinterConfig struct {
	URL           string        `mapstructure:"octoprint_url"`
	APIKey        string        `mapstructure:"octoprint_api_key"`
	BedPickTemp   float64       `mapstructure:"printer_bed_pick_temp"`
	PrimeJob      string        `mapstructure:"gcode_filename"`
	NoPrimeJob    string        `mapstructure:"gcode_no_prime_filename"`
	RetryAttempts uint          `mapstructure:"printer_retry_attempts"`
	Timeout       time.Duration `mapstructure:"printer_timeout"`
}

type CycleConfig struct {
	MaxJobs          int           `mapstructure:"max_jobs"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	PrintStartGrace  time.Duration `mapstructure:"print_start_grace"`
	SelectSettle     time.Duration `mapstructure:"select_settle"`
	PrintTimeout     time.Duration `mapstructure:"print_timeout"`
	CoolTimeout      time.Duration `mapstructure:"cool_timeout"`
	PickTimeout      time.Duration `mapstructure:"pick_timeout"`
	BootstrapTimeout time.Duration `mapstructure:"bootstrap_timeout"`
}

type ServerConfig struct {
	StatusAPIAddress  string        `mapstructure:"status_api_address"`
	GRPCHealthAddress string        `mapstructure:"grpc_health_address"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
}

// Auth Configuration
type AuthConfig struct {
	JWTSecretEnv         string        `mapstructure:"jwt_secret_env"`
	AccessTokenTTL       time.Duration `mapstructure:"access_token_ttl"`
	OperatorUsername     string        `mapstructure:"operator_username"`
	OperatorPasswordHash string        `mapstructure:"operator_password_hash"`
	MachineTokenHashes   []string      `mapstructure:"machine_token_hashes"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("cobot_ip_address", "192.168.0.30")
	v.SetDefault("cobot_port", 30004)
	v.SetDefault("watchdog_interval", "500ms")
	v.SetDefault("link_timeout", "5s")

	v.SetDefault("octoprint_url", "http://127.0.0.1:5000")
	v.SetDefault("octoprint_api_key", "")
	v.SetDefault("printer_bed_pick_temp", 40)
	v.SetDefault("gcode_filename", "MT_prime_line.gcode")
	v.SetDefault("gcode_no_prime_filename", "MT_no_prime_line.gcode")
	v.SetDefault("printer_retry_attempts", 3)
	v.SetDefault("printer_timeout", "5s")

	v.SetDefault("max_jobs", 1)
	v.SetDefault("poll_interval", "1s")
	v.SetDefault("print_start_grace", "5s")
	v.SetDefault("select_settle", "1s")
	v.SetDefault("print_timeout", "24h")
	v.SetDefault("cool_timeout", "2h")
	v.SetDefault("pick_timeout", "30m")
	v.SetDefault("bootstrap_timeout", "5m")

	v.SetDefault("status_api_address", "")
	v.SetDefault("grpc_health_address", "")
	v.SetDefault("shutdown_timeout", "10s")

	v.SetDefault("jwt_secret_env", "MT_JWT_SECRET")
	v.SetDefault("access_token_ttl", "60m")
	v.SetDefault("operator_username", "operator")
	v.SetDefault("operator_password_hash", "")
	v.SetDefault("machine_token_hashes", []string{})

	v.SetDefault("lock_file", filepath.Join(os.TempDir(), "machine-tending.lock"))
}

// Load reads and validates the application config at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	validator, err := NewValidator()
	if err != nil {
		return nil, err
	}
	if err := validator.ValidateAppConfig(data); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	v := viper.New()
	v.SetConfigType("json")
	setDefaults(v)

	// Environment Variables automatisch binden
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	if err := v.ReadConfig(strings.NewReader(string(data))); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		secondsToDurationHook(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return &cfg, nil
}

// Validate checks cross-field constraints the schema cannot express.
func (c *Config) Validate() error {
	if c.Printer.PrimeJob == c.Printer.NoPrimeJob {
		return fmt.Errorf("gcode_filename and gcode_no_prime_filename must differ")
	}
	if c.Cobot.WatchdogInterval <= 0 {
		return fmt.Errorf("watchdog_interval must be positive")
	}
	if c.Cycle.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive")
	}
	if c.Cobot.LinkTimeout < c.Cobot.WatchdogInterval {
		return fmt.Errorf("link_timeout (%s) shorter than watchdog_interval (%s)",
			c.Cobot.LinkTimeout, c.Cobot.WatchdogInterval)
	}
	return nil
}

// CobotAddress returns host:port of the RTDE endpoint.
func (c *CobotConfig) CobotAddress() string {
	return fmt.Sprintf("%s:%d", c.Address, c.Port)
}

// secondsToDurationHook accepts Go duration strings ("500ms") as well as
// plain numbers of seconds (0.5), which is what older configs carry.
func secondsToDurationHook() mapstructure.DecodeHookFuncType {
	return func(_ reflect.Type, to reflect.Type, data any) (any, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if d, err := time.ParseDuration(v); err == nil {
				return d, nil
			}
			secs, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid duration %q", v)
			}
			return time.Duration(secs * float64(time.Second)), nil
		case float64:
			return time.Duration(v * float64(time.Second)), nil
		case int:
			return time.Duration(v) * time.Second, nil
		case int64:
			return time.Duration(v) * time.Second, nil
		}
		return data, nil
	}
}

// MinJWTSecretLength is the shortest HS256 secret accepted.
const MinJWTSecretLength = 32

// SecretEnv names the environment variable holding the JWT secret.
func (a *AuthConfig) SecretEnv() string {
	if a.JWTSecretEnv == "" {
		return "MT_JWT_SECRET"
	}
	return a.JWTSecretEnv
}

// JWT Secret aus Environment Variable laden, kein Fallback
func (a *AuthConfig) GetJWTSecret() string {
	return os.Getenv(a.SecretEnv())
}

func (a *AuthConfig) IsProductionReady() bool {
	return len(a.GetJWTSecret()) >= MinJWTSecretLength
}
