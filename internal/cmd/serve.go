package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/drblury/eventrelay/internal/api"
	"github.com/drblury/eventrelay/internal/runtime"
	configpkg "github.com/drblury/eventrelay/internal/runtime/config"
)

type mode int

const (
	modeAPI mode = iota
	modeConsume
	modeAll
)

var errJWTSecretRequired = errors.New("JWT_SECRET is required to accept events")

func (m mode) command() (use, short string) {
	switch m {
	case modeConsume:
		return "consume", "Consume events from the broker into the document store"
	case modeAll:
		return "all", "Run the API and the consumer in one process"
	default:
		return "api", "Accept events over HTTP and publish them to the broker"
	}
}

func (m mode) consumes() bool { return m != modeAPI }
func (m mode) accepts() bool  { return m != modeConsume }

func (m mode) validate(conf *configpkg.Config) error {
	var err error
	if m.consumes() {
		err = conf.Validate()
	} else {
		err = conf.ValidateProducer()
	}
	if m.accepts() && conf.JWTSecret == "" {
		err = errors.Join(err, errJWTSecretRequired)
	}
	return err
}

func newServeCommand(flags *overrides, m mode) *cobra.Command {
	use, short := m.command()
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, log, err := setup(flags, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if err := m.validate(conf); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			var metrics *runtime.Metrics
			if conf.MetricsEnabled {
				metrics = runtime.NewMetrics(nil)
				if err := metrics.Register(); err != nil {
					return fmt.Errorf("register metrics: %w", err)
				}
			}

			relay, err := runtime.NewCoordinator(conf, log, runtime.CoordinatorDependencies{
				Consume: m.consumes(),
				Metrics: metrics,
			})
			if err != nil {
				return err
			}

			opts := api.Options{
				Mode:      api.ModeConsumer,
				Logger:    log,
				Health:    relay,
				Status:    relay,
				RateLimit: conf.SubmitRateLimit,
				RateBurst: conf.SubmitRateBurst,
			}
			if m.accepts() {
				opts.Mode = api.ModeAPI
				opts.Publisher = relay.Publisher()
				opts.Auth = api.NewJWTManager(conf.JWTSecret, time.Duration(conf.JWTExpireMinutes)*time.Minute, conf.JWTIssuer)
			}
			if metrics != nil {
				opts.Metrics = metrics.Handler()
			}

			server, err := api.NewServer(opts)
			if err != nil {
				return err
			}
			defer server.Close()
			relay.SetHTTPHandler(server)

			return relay.Run(cmd.Context())
		},
	}
}
