// File: cmd/settings.go
package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/taskpilot/internal/config"
	"github.com/xkilldash9x/taskpilot/internal/observability"
	"github.com/xkilldash9x/taskpilot/internal/store"
)

func newSettingsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Read and write stored settings such as the reasoning-service credential",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "get <key>",
			Short: "Print a stored setting",
			Args:  cobra.ExactArgs(1),
			RunE: withStore(func(cmd *cobra.Command, cfg *config.Config, s store.Backend, args []string) error {
				value, err := s.Get(cmd.Context(), args[0])
				if errors.Is(err, store.ErrNotFound) {
					return fmt.Errorf("%s is not set", args[0])
				}
				if err != nil {
					return err
				}
				if args[0] == cfg.Session.CredentialKey {
					value = mask(value)
				}
				fmt.Fprintln(cmd.OutOrStdout(), value)
				return nil
			}),
		},
		&cobra.Command{
			Use:   "set <key> <value>",
			Short: "Store a setting",
			Args:  cobra.ExactArgs(2),
			RunE: withStore(func(cmd *cobra.Command, _ *config.Config, s store.Backend, args []string) error {
				return s.Set(cmd.Context(), args[0], args[1])
			}),
		},
		&cobra.Command{
			Use:   "delete <key>",
			Short: "Remove a setting",
			Args:  cobra.ExactArgs(1),
			RunE: withStore(func(cmd *cobra.Command, _ *config.Config, s store.Backend, args []string) error {
				return s.Delete(cmd.Context(), args[0])
			}),
		},
	)
	return cmd
}

type storeCommand func(cmd *cobra.Command, cfg *config.Config, s store.Backend, args []string) error

// withStore opens the configured store around fn.
func withStore(fn storeCommand) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := configFrom(cmd)
		if err != nil {
			return err
		}
		s, err := openStore(cmd.Context(), cfg.Store, observability.GetLogger())
		if err != nil {
			return err
		}
		defer s.Close()
		return fn(cmd, cfg, s, args)
	}
}

// openStore is swapped in tests.
var openStore = store.Open

func mask(secret string) string {
	if len(secret) <= 4 {
		return "****"
	}
	return secret[:2] + "****" + secret[len(secret)-2:]
}
