// Package config loads server configuration from flags, environment variables
// and an optional config file.
//
// Every flag can also be set through an environment variable named after it
// with the LLDRULES_ prefix, for example -database-url and
// LLDRULES_DATABASE_URL. A plain "name value" file can be passed with
// -config.
//
// Required settings:
//   - database-url: PostgreSQL connection string.
//
// Optional settings:
//   - http-addr, grpc-addr: listen addresses (":8080", ":9090").
//   - log-level: debug, info, warn or error ("info").
//   - log-format: json or text ("json").
//   - auth-rate-limit: failed auth attempts allowed per IP per minute (10).
//   - max-json-body-size: HTTP JSON request body limit in bytes (1 MiB).
//   - stream-poll-interval: event stream polling interval ("1s").
//   - cache-resync-interval: ruleset cache safety-net refresh ("1m").
//   - nats-url, nats-subject: publish rule events to NATS when nats-url is set.
//   - strict-templated-preprocessing: reject preprocessing updates on
//     inherited rules (true).
//   - migrate-on-start: apply pending migrations at startup (true).
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/peterbourgon/ff/v3"
)

// EnvPrefix is prepended to every flag name to form its environment variable.
const EnvPrefix = "LLDRULES"

const (
	defaultHTTPAddr                  = ":8080"
	defaultGRPCAddr                  = ":9090"
	defaultLogLevel                  = "info"
	defaultLogFormat                 = "json"
	defaultStreamPollInterval        = time.Second
	defaultAuthRateLimit             = 10
	defaultMaxJSONBodySize     int64 = 1 << 20
	defaultCacheResyncInterval       = time.Minute
	defaultNATSSubject               = "lldrules.events"
)

// Config holds the runtime configuration for the lldrules server.
type Config struct {
	DatabaseURL                  string        `flag:"database-url" validate:"required"`
	HTTPAddr                     string        `flag:"http-addr" validate:"required"`
	GRPCAddr                     string        `flag:"grpc-addr" validate:"required"`
	LogLevel                     string        `flag:"log-level" validate:"oneof=debug info warn error"`
	LogFormat                    string        `flag:"log-format" validate:"oneof=json text"`
	AuthRateLimit                int           `flag:"auth-rate-limit" validate:"gt=0"`
	MaxJSONBodySize              int64         `flag:"max-json-body-size" validate:"gt=0"`
	StreamPollInterval           time.Duration `flag:"stream-poll-interval" validate:"gt=0"`
	CacheResyncInterval          time.Duration `flag:"cache-resync-interval" validate:"gt=0"`
	NATSURL                      string        `flag:"nats-url" validate:"omitempty,url"`
	NATSSubject                  string        `flag:"nats-subject" validate:"required"`
	StrictTemplatedPreprocessing bool          `flag:"strict-templated-preprocessing"`
	MigrateOnStart               bool          `flag:"migrate-on-start"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		return field.Tag.Get("flag")
	})
	return v
}

// Load parses args, then LLDRULES_* environment variables, then the -config
// file, and validates the result.
func Load(args []string) (Config, error) {
	fs := flag.NewFlagSet("lldrules", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var cfg Config
	fs.StringVar(&cfg.DatabaseURL, "database-url", "", "PostgreSQL connection string")
	fs.StringVar(&cfg.HTTPAddr, "http-addr", defaultHTTPAddr, "HTTP listen address")
	fs.StringVar(&cfg.GRPCAddr, "grpc-addr", defaultGRPCAddr, "gRPC listen address")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level: debug, info, warn or error")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log format: json or text")
	fs.IntVar(&cfg.AuthRateLimit, "auth-rate-limit", defaultAuthRateLimit, "failed auth attempts allowed per IP per minute")
	fs.Int64Var(&cfg.MaxJSONBodySize, "max-json-body-size", defaultMaxJSONBodySize, "maximum JSON request body in bytes")
	fs.DurationVar(&cfg.StreamPollInterval, "stream-poll-interval", defaultStreamPollInterval, "event stream polling interval")
	fs.DurationVar(&cfg.CacheResyncInterval, "cache-resync-interval", defaultCacheResyncInterval, "ruleset cache refresh interval")
	fs.StringVar(&cfg.NATSURL, "nats-url", "", "NATS server URL for rule events (disabled when empty)")
	fs.StringVar(&cfg.NATSSubject, "nats-subject", defaultNATSSubject, "NATS subject rule events are published on")
	fs.BoolVar(&cfg.StrictTemplatedPreprocessing, "strict-templated-preprocessing", true, "reject preprocessing updates on inherited rules")
	fs.BoolVar(&cfg.MigrateOnStart, "migrate-on-start", true, "apply pending database migrations at startup")
	fs.String("config", "", "config file path")

	err := ff.Parse(fs, args,
		ff.WithEnvVarPrefix(EnvPrefix),
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ff.PlainParser),
	)
	if err != nil {
		return Config{}, fmt.Errorf("parse configuration: %w", err)
	}

	cfg.DatabaseURL = strings.TrimSpace(cfg.DatabaseURL)
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	cfg.LogFormat = strings.ToLower(strings.TrimSpace(cfg.LogFormat))

	if err := validate.Struct(cfg); err != nil {
		return Config{}, describe(err)
	}
	return cfg, nil
}

func describe(err error) error {
	var invalid validator.ValidationErrors
	if !errors.As(err, &invalid) {
		return fmt.Errorf("validate configuration: %w", err)
	}

	problems := make([]string, 0, len(invalid))
	for _, fieldErr := range invalid {
		switch fieldErr.Tag() {
		case "required":
			problems = append(problems, fieldErr.Field()+" is required")
		case "gt":
			problems = append(problems, fieldErr.Field()+" must be > "+fieldErr.Param())
		case "oneof":
			problems = append(problems, fieldErr.Field()+" must be one of "+fieldErr.Param())
		case "url":
			problems = append(problems, fieldErr.Field()+" must be a URL")
		default:
			problems = append(problems, fmt.Sprintf("%s failed %s", fieldErr.Field(), fieldErr.Tag()))
		}
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
}
