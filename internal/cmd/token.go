package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/drblury/eventrelay/internal/api"
)

func newTokenCommand(flags *overrides) *cobra.Command {
	var (
		submitterID string
		expiry      time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for an event submitter",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, _, err := setup(flags, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if conf.JWTSecret == "" {
				return errJWTSecretRequired
			}
			if submitterID == "" {
				return errors.New("--id is required")
			}
			if expiry <= 0 {
				expiry = time.Duration(conf.JWTExpireMinutes) * time.Minute
			}

			token, err := api.NewJWTManager(conf.JWTSecret, expiry, conf.JWTIssuer).Generate(submitterID)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}

	cmd.Flags().StringVar(&submitterID, "id", "", "submitter id carried in the token")
	cmd.Flags().DurationVar(&expiry, "expiry", 0, "token lifetime (default JWT_EXPIRE_MINUTES)")
	return cmd
}
