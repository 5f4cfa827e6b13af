package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/jarvis-dash/jarvis-core/internal/app"
	"github.com/jarvis-dash/jarvis-core/internal/secrets"
	"github.com/spf13/cobra"
)

var (
	secretScope string
	clearForce  bool
)

var secretsCmd = &cobra.Command{
	Use:   "secrets",
	Short: "Manage the secure key store",
	Long: `Read and write values in the secure key store using the configured backend
(JARVIS_SECRETS_BACKEND). Keys are sanitized to [A-Za-z0-9._-].

Examples:
  # Store the backend token read from stdin
  echo -n "$TOKEN" | jarvisd secrets set auth_token -

  # Mark onboarding as done
  jarvisd secrets set --scope app onboarding_complete true

  # Remove a lock left behind by a crashed process
  jarvisd secrets unlock`,
}

var secretsSetCmd = &cobra.Command{
	Use:   "set <key> <value|->",
	Short: "Store a value; '-' reads it from stdin",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		value := args[1]
		if value == "-" {
			data, err := io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return fmt.Errorf("read value: %w", err)
			}
			value = strings.TrimRight(string(data), "\r\n")
		}
		return withStore(cmd, func(ctx context.Context, store *secrets.Store) error {
			return store.Save(ctx, secretScope, args[0], value)
		})
	},
}

var secretsGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print a value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(ctx context.Context, store *secrets.Store) error {
			value, found, err := store.Get(ctx, secretScope, args[0])
			if err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("%s: not found", keyLabel(secretScope, args[0]))
			}
			fmt.Fprintln(cmd.OutOrStdout(), value)
			return nil
		})
	},
}

var secretsDeleteCmd = &cobra.Command{
	Use:   "delete <key>",
	Short: "Delete a value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(ctx context.Context, store *secrets.Store) error {
			return store.Delete(ctx, secretScope, args[0])
		})
	},
}

var secretsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the keys registered in a scope",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(ctx context.Context, store *secrets.Store) error {
			keys, err := store.Keys(ctx, secretScope)
			if err != nil {
				return err
			}
			for _, key := range keys {
				fmt.Fprintln(cmd.OutOrStdout(), key)
			}
			return nil
		})
	},
}

var secretsClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete every key registered in a scope",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !clearForce {
			return errors.New("refusing to clear without --force")
		}
		return withStore(cmd, func(ctx context.Context, store *secrets.Store) error {
			return store.ClearAll(ctx, secretScope)
		})
	},
}

var secretsSelfTestCmd = &cobra.Command{
	Use:   "selftest",
	Short: "Write, read back and delete a probe value",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(ctx context.Context, store *secrets.Store) error {
			if !store.SelfTest(ctx) {
				return fmt.Errorf("self-test failed (tier %s)", store.Tier())
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok (tier %s)\n", store.Tier())
			return nil
		})
	},
}

var secretsUnlockCmd = &cobra.Command{
	Use:   "unlock",
	Short: "Remove the secrets file lock left by a dead process",
	Long: `Remove the lock marker guarding the secrets file. Lock holders are never
evicted automatically; run this only when no other jarvisd process is running.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(_ context.Context, store *secrets.Store) error {
			return store.BreakLock()
		})
	},
}

func init() {
	secretsCmd.PersistentFlags().StringVar(&secretScope, "scope", secrets.SecretScope, "key scope")
	secretsClearCmd.Flags().BoolVar(&clearForce, "force", false, "confirm deleting every key in the scope")

	secretsCmd.AddCommand(secretsSetCmd)
	secretsCmd.AddCommand(secretsGetCmd)
	secretsCmd.AddCommand(secretsDeleteCmd)
	secretsCmd.AddCommand(secretsListCmd)
	secretsCmd.AddCommand(secretsClearCmd)
	secretsCmd.AddCommand(secretsSelfTestCmd)
	secretsCmd.AddCommand(secretsUnlockCmd)
}

func withStore(cmd *cobra.Command, fn func(ctx context.Context, store *secrets.Store) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store := app.OpenSecrets(cfg, cliLogger(cfg), nil, secrets.OSKeychain())
	if store.Tier() == secrets.TierMemory && cfg.SecretsBackend != secrets.BackendMemory {
		fmt.Fprintln(cmd.ErrOrStderr(), "warning: no persistent secret storage available; changes will be lost")
	}
	return fn(cmd.Context(), store)
}

// keyLabel names a key the way the store qualifies it.
func keyLabel(scope, key string) string {
	key = secrets.Sanitize(key)
	if scope = secrets.Sanitize(scope); scope == "" {
		return key
	}
	return scope + "/" + key
}
