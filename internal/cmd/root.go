// Package cmd wires the eventrelay processes behind a cobra command tree.
package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	configpkg "github.com/drblury/eventrelay/internal/runtime/config"
	loggingpkg "github.com/drblury/eventrelay/internal/runtime/logging"

	_ "github.com/drblury/eventrelay/sink/sinks"
	_ "github.com/drblury/eventrelay/transport/transports"
)

// overrides holds flag values that take precedence over the environment.
type overrides struct {
	brokerSystem string
	topic        string
	sinkSystem   string
	httpAddr     string
	logLevel     string
	logFormat    string
}

func (o *overrides) apply(conf *configpkg.Config) {
	if o.brokerSystem != "" {
		conf.BrokerSystem = o.brokerSystem
	}
	if o.topic != "" {
		conf.KafkaTopic = o.topic
	}
	if o.sinkSystem != "" {
		conf.SinkSystem = o.sinkSystem
	}
	if o.httpAddr != "" {
		conf.HTTPAddr = o.httpAddr
	}
	if o.logLevel != "" {
		conf.LogLevel = o.logLevel
	}
	if o.logFormat != "" {
		conf.LogFormat = o.logFormat
	}
}

// loadConfig reads the environment and applies flag overrides.
var loadConfig = configpkg.Load

func NewRootCommand() *cobra.Command {
	flags := &overrides{}

	root := &cobra.Command{
		Use:   "eventrelay",
		Short: "Relay sporting events from an HTTP edge through a broker into a document store",
		Long: `eventrelay accepts game events over HTTP, publishes them to a message broker
keyed by play, and consumes them into a document store.

Processes:
- api:     authenticated POST /event, publishes to the broker
- consume: polls the broker and persists every event
- all:     both in one process

backfill loads an NDJSON export straight into the document store.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&flags.brokerSystem, "broker", "", "broker system (kafka, channel, nats, rabbitmq, http)")
	pf.StringVar(&flags.topic, "topic", "", "topic events are published to")
	pf.StringVar(&flags.sinkSystem, "sink", "", "document store (memory, postgres, sqlite, pebble)")
	pf.StringVar(&flags.httpAddr, "http-addr", "", "HTTP listen address")
	pf.StringVar(&flags.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	pf.StringVar(&flags.logFormat, "log-format", "", "log format (json, text)")

	root.AddCommand(
		newServeCommand(flags, modeAPI),
		newServeCommand(flags, modeConsume),
		newServeCommand(flags, modeAll),
		newTokenCommand(flags),
		newBackfillCommand(flags),
		newVersionCommand(),
	)
	return root
}

// Execute runs the command tree and exits non-zero on failure.
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func setup(flags *overrides, logOut io.Writer) (*configpkg.Config, loggingpkg.ServiceLogger, error) {
	conf, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	flags.apply(conf)

	log, err := loggingpkg.New(logOut, conf.LogLevel, conf.LogFormat)
	if err != nil {
		return nil, nil, err
	}
	return conf, log, nil
}
