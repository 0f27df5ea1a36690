package config

import (
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
	"meow.tf/websubsub"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "WEBSUBSUB_"

// App is the configuration of the websubsub binary.
// Lifecycle policy is embedded, so WEBSUBSUB_VERIFY_WAIT_TIME sets VerifyWaitTime.
type App struct {
	websubsub.Config `mapstructure:",squash"`

	Mode    string `mapstructure:"mode" validate:"oneof=development production"`
	Listen  string `mapstructure:"listen" validate:"required"`
	SiteURL string `mapstructure:"site_url" validate:"required,url"`

	// Store selects the record store backend; StoreDSN is its file path or connection string.
	Store    string `mapstructure:"store" validate:"oneof=memory bolt sqlite postgres"`
	StoreDSN string `mapstructure:"store_dsn" validate:"required_unless=Store memory"`

	// RedisURL enables redis locks. Without it, locks are process-local.
	RedisURL string `mapstructure:"redis_url"`

	// Queue selects the work queue; asynq requires RedisURL.
	Queue   string `mapstructure:"queue" validate:"oneof=go asynq"`
	Workers int    `mapstructure:"workers" validate:"gt=0"`

	// Cron specs for the periodic triggers.
	RefreshSchedule string `mapstructure:"refresh_schedule" validate:"required"`
	RetrySchedule   string `mapstructure:"retry_schedule" validate:"required"`

	// AdminToken guards the admin API. The API is disabled when empty.
	AdminToken string `mapstructure:"admin_token"`

	// StaticFile is a YAML file with callback routes and static subscriptions.
	StaticFile string `mapstructure:"static_file"`
}

// Static is the content of the static file.
type Static struct {
	// Routes maps callback identities to path templates containing {id}.
	Routes        map[string]string              `yaml:"routes"`
	Subscriptions []websubsub.StaticSubscription `yaml:"subscriptions"`
}

var (
	v = validator.New()
)

// Default returns the configuration used when nothing is set.
func Default() App {
	return App{
		Config:          websubsub.DefaultConfig(),
		Mode:            "production",
		Listen:          ":8080",
		Store:           "bolt",
		StoreDSN:        "websubsub.db",
		Queue:           "go",
		Workers:         4,
		RefreshSchedule: "@every 1h",
		RetrySchedule:   "@every 1m",
	}
}

// Load reads a .env file if present, then the process environment.
func Load() (*App, error) {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	return FromEnv(os.Environ())
}

// FromEnv decodes WEBSUBSUB_* variables from environ over the defaults and validates the result.
func FromEnv(environ []string) (*App, error) {
	values := make(map[string]interface{})

	for _, kv := range environ {
		key, value, ok := strings.Cut(kv, "=")

		if !ok || !strings.HasPrefix(key, EnvPrefix) {
			continue
		}

		values[strings.ToLower(strings.TrimPrefix(key, EnvPrefix))] = value
	}

	app := Default()

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
		Result:           &app,
	})

	if err != nil {
		return nil, err
	}

	if err := decoder.Decode(values); err != nil {
		return nil, errors.Wrap(err, "decode environment")
	}

	if app.Queue == "asynq" && app.RedisURL == "" {
		return nil, errors.New("asynq queue requires " + EnvPrefix + "REDIS_URL")
	}

	if err := v.Struct(app); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}

	return &app, nil
}

// LoadStatic reads the static file at path.
func LoadStatic(path string) (*Static, error) {
	data, err := os.ReadFile(path)

	if err != nil {
		return nil, errors.Wrap(err, "read static file")
	}

	var static Static

	if err := yaml.Unmarshal(data, &static); err != nil {
		return nil, errors.Wrap(err, "parse static file")
	}

	for _, sub := range static.Subscriptions {
		if _, ok := static.Routes[sub.CallbackIdentity]; !ok {
			return nil, errors.Errorf("static subscription %q uses unknown callback %q", sub.Topic, sub.CallbackIdentity)
		}
	}

	return &static, nil
}
