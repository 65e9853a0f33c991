package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/openkcm/common-sdk/pkg/logger"
	"github.com/spf13/pflag"

	"github.com/openkcm/distributor"
)

const (
	defPort             = 31000
	defInterface        = "0.0.0.0"
	defLogLevel         = "info"
	defProgressInterval = time.Minute
	defShutdownTimeout  = 10 * time.Second
	defMessageCodec     = "json"
	defResponderWorkers = 1
)

var errUsage = errors.New("usage: distributor [flags] TASK_FILE DIR")

type setupConfig struct {
	taskFile string
	stateDir string

	iface string
	port  int

	maxValueSize   datasize.ByteSize
	workerStats    bool
	countExhausted bool

	logLevel         slog.Level
	progressInterval time.Duration
	shutdownTimeout  time.Duration

	messageCodec     string
	responderWorkers int

	amqp   amqpConfig
	solace solaceConfig
}

type amqpConfig struct {
	url      string
	source   string
	target   string
	username string
	password string
}

type solaceConfig struct {
	host     string
	vpn      string
	source   string
	target   string
	username string
	password string
	caDir    string
}

// envFlags maps flag names to the environment variables providing their defaults.
var envFlags = map[string]string{
	"port":              "DISTRIBUTOR_PORT",
	"interface":         "DISTRIBUTOR_INTERFACE",
	"max-value-size":    "DISTRIBUTOR_MAX_VALUE_SIZE",
	"worker-stats":      "DISTRIBUTOR_WORKER_STATS",
	"count-exhausted":   "DISTRIBUTOR_COUNT_EXHAUSTED",
	"log-level":         "DISTRIBUTOR_LOG_LEVEL",
	"progress-interval": "DISTRIBUTOR_PROGRESS_INTERVAL",
	"shutdown-timeout":  "DISTRIBUTOR_SHUTDOWN_TIMEOUT",
	"message-codec":     "DISTRIBUTOR_MESSAGE_CODEC",
	"responder-workers": "DISTRIBUTOR_RESPONDER_WORKERS",
	"amqp-url":          "DISTRIBUTOR_AMQP_URL",
	"amqp-source":       "DISTRIBUTOR_AMQP_SOURCE",
	"amqp-target":       "DISTRIBUTOR_AMQP_TARGET",
	"amqp-username":     "DISTRIBUTOR_AMQP_USERNAME",
	"amqp-password":     "DISTRIBUTOR_AMQP_PASSWORD",
	"solace-host":       "DISTRIBUTOR_SOLACE_HOST",
	"solace-vpn":        "DISTRIBUTOR_SOLACE_VPN",
	"solace-source":     "DISTRIBUTOR_SOLACE_SOURCE",
	"solace-target":     "DISTRIBUTOR_SOLACE_TARGET",
	"solace-username":   "DISTRIBUTOR_SOLACE_USERNAME",
	"solace-password":   "DISTRIBUTOR_SOLACE_PASSWORD",
	"solace-ca-dir":     "DISTRIBUTOR_SOLACE_CA_DIR",
}

func parseConfig(args []string, getenv func(string) string) (setupConfig, error) {
	cfg := setupConfig{maxValueSize: datasize.ByteSize(distributor.DefaultMaxValueSize)}
	logLevel := defLogLevel

	fs := pflag.NewFlagSet("distributor", pflag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, errUsage)
		fs.PrintDefaults()
	}
	fs.IntVar(&cfg.port, "port", defPort, "Listen on PORT.")
	fs.StringVar(&cfg.iface, "interface", defInterface, "Listen on INTERFACE.")
	fs.Var(&byteSizeValue{&cfg.maxValueSize}, "max-value-size", "Maximum encoded size of a state file, e.g. 4KB.")
	fs.BoolVar(&cfg.workerStats, "worker-stats", true, "Count the lines handed to each worker.")
	fs.BoolVar(&cfg.countExhausted, "count-exhausted", true, "Also count responses sent after the tasks ran out.")
	fs.StringVar(&logLevel, "log-level", defLogLevel, "Log level: trace, debug, info, warn or error.")
	fs.DurationVar(&cfg.progressInterval, "progress-interval", defProgressInterval, "Interval of progress logs, 0 disables them.")
	fs.DurationVar(&cfg.shutdownTimeout, "shutdown-timeout", defShutdownTimeout, "Time allowed for a graceful shutdown.")
	fs.StringVar(&cfg.messageCodec, "message-codec", defMessageCodec, "Encoding of broker messages: json or proto.")
	fs.IntVar(&cfg.responderWorkers, "responder-workers", defResponderWorkers, "Goroutines answering broker requests per broker.")
	fs.StringVar(&cfg.amqp.url, "amqp-url", "", "Also answer assign requests from this AMQP broker.")
	fs.StringVar(&cfg.amqp.source, "amqp-source", "distributor.requests", "AMQP address receiving assign requests.")
	fs.StringVar(&cfg.amqp.target, "amqp-target", "distributor.responses", "AMQP address for responses without reply address.")
	fs.StringVar(&cfg.amqp.username, "amqp-username", "", "AMQP SASL PLAIN username, anonymous when empty.")
	fs.StringVar(&cfg.amqp.password, "amqp-password", "", "AMQP SASL PLAIN password.")
	fs.StringVar(&cfg.solace.host, "solace-host", "", "Also answer assign requests from this Solace broker.")
	fs.StringVar(&cfg.solace.vpn, "solace-vpn", "default", "Solace message VPN.")
	fs.StringVar(&cfg.solace.source, "solace-source", "distributor.requests", "Solace queue receiving assign requests.")
	fs.StringVar(&cfg.solace.target, "solace-target", "distributor/responses", "Solace topic for responses without reply address.")
	fs.StringVar(&cfg.solace.username, "solace-username", "", "Solace basic auth username.")
	fs.StringVar(&cfg.solace.password, "solace-password", "", "Solace basic auth password.")
	fs.StringVar(&cfg.solace.caDir, "solace-ca-dir", "", "Directory of CA certificates trusted for the Solace connection.")

	for name, key := range envFlags {
		value := getenv(key)
		if value == "" {
			continue
		}
		if err := fs.Set(name, value); err != nil {
			return setupConfig{}, fmt.Errorf("invalid value for %s: %w", key, err)
		}
	}

	if err := fs.Parse(args); err != nil {
		return setupConfig{}, err
	}
	if fs.NArg() != 2 {
		return setupConfig{}, errUsage
	}
	cfg.taskFile = fs.Arg(0)
	cfg.stateDir = fs.Arg(1)

	level, err := parseLogLevel(logLevel)
	if err != nil {
		return setupConfig{}, err
	}
	cfg.logLevel = level

	if cfg.port <= 0 || cfg.port > 65535 {
		return setupConfig{}, fmt.Errorf("invalid port %d", cfg.port)
	}
	if cfg.messageCodec != "json" && cfg.messageCodec != "proto" {
		return setupConfig{}, fmt.Errorf("invalid message codec %q", cfg.messageCodec)
	}
	if cfg.solace.host != "" && cfg.solace.username == "" {
		return setupConfig{}, errors.New("solace-username is required with solace-host")
	}
	return cfg, nil
}

func parseLogLevel(s string) (slog.Level, error) {
	if strings.EqualFold(s, "trace") {
		return logger.LevelTrace, nil
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return level, nil
}

// byteSizeValue adapts datasize.ByteSize to pflag.Value.
type byteSizeValue struct {
	size *datasize.ByteSize
}

func (v *byteSizeValue) String() string {
	if v.size == nil {
		return ""
	}
	return v.size.String()
}

func (v *byteSizeValue) Set(s string) error {
	return v.size.UnmarshalText([]byte(s))
}

func (v *byteSizeValue) Type() string {
	return "bytesize"
}
