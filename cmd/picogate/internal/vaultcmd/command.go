package vaultcmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/mdp/qrterminal/v3"
	"github.com/spf13/cobra"

	"github.com/sipeed/picogate/cmd/picogate/internal"
	"github.com/sipeed/picogate/pkg/config"
	"github.com/sipeed/picogate/pkg/gateway"
	"github.com/sipeed/picogate/pkg/vault"
)

// deps are the side effects of the vault commands.
type deps struct {
	prompt    func(label string) (string, error)
	keychain  vault.PasswordStore
	openVault func(cfg *config.Config) *vault.FileVault
	out       io.Writer
}

func defaultDeps() deps {
	return deps{
		prompt:    internal.PromptSecret,
		keychain:  vault.OSKeychain{},
		openVault: internal.OpenVault,
		out:       os.Stdout,
	}
}

func NewVaultCommand() *cobra.Command {
	return newVaultCommand(defaultDeps())
}

func newVaultCommand(d deps) *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "vault",
		Short: "Manage the secrets vault",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to the config file")

	cmd.AddCommand(
		newUnlockCommand(d, &configPath),
		newForgetCommand(d),
		newListCommand(d, &configPath),
		newSetCommand(d, &configPath),
		newDeleteCommand(d, &configPath),
		newTOTPCommand(d, &configPath),
	)
	return cmd
}

func newUnlockCommand(d deps, configPath *string) *cobra.Command {
	var remember bool

	cmd := &cobra.Command{
		Use:   "unlock",
		Short: "Verify the vault password",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := internal.LoadConfig(*configPath)
			if err != nil {
				return err
			}
			v := d.openVault(cfg)
			pw, err := d.prompt("Vault password")
			if err != nil {
				return err
			}
			if err := vault.Unlock(v, pw); err != nil {
				return fmt.Errorf("unlock failed: %w", err)
			}
			fmt.Fprintln(d.out, "✓ Vault password verified")

			if remember {
				if err := d.keychain.Save(pw); err != nil {
					return err
				}
				fmt.Fprintln(d.out, "✓ Password saved to the OS keychain")
				if !cfg.Vault.UseKeychain {
					fmt.Fprintln(d.out, "  Set vault.use_keychain = true to unlock at gateway start")
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&remember, "remember", false, "Store the password in the OS keychain")
	return cmd
}

func newForgetCommand(d deps) *cobra.Command {
	return &cobra.Command{
		Use:   "forget",
		Short: "Remove the remembered vault password from the OS keychain",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			if err := d.keychain.Forget(); err != nil {
				return err
			}
			fmt.Fprintln(d.out, "✓ Keychain entry removed")
			return nil
		},
	}
}

func newListCommand(d deps, configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List stored credentials",
		Args:    cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			v, err := d.unlocked(*configPath)
			if err != nil {
				return err
			}
			entries, err := v.ListEntries()
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Fprintln(d.out, "No credentials stored.")
				return nil
			}
			w := tabwriter.NewWriter(d.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tKIND\tPOLICY\tLABEL")
			for _, e := range entries {
				name := e.Name
				if e.Disabled {
					name += " (disabled)"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", name, e.Kind, e.Policy, e.Label)
			}
			return w.Flush()
		},
	}
}

func newSetCommand(d deps, configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "set <name>",
		Short: "Store a secret, such as a provider API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			v, err := d.unlocked(*configPath)
			if err != nil {
				return err
			}
			value, err := d.prompt("Value for " + args[0])
			if err != nil {
				return err
			}
			if value == "" {
				return errors.New("empty value; nothing stored")
			}
			if err := v.StoreSecret(args[0], value); err != nil {
				return err
			}
			fmt.Fprintf(d.out, "✓ Stored %s\n", args[0])
			return nil
		},
	}
}

func newDeleteCommand(d deps, configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:     "delete <name>",
		Aliases: []string{"rm"},
		Short:   "Delete a stored secret",
		Args:    cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			v, err := d.unlocked(*configPath)
			if err != nil {
				return err
			}
			if err := v.DeleteSecret(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(d.out, "✓ Deleted %s\n", args[0])
			return nil
		},
	}
}

func newTOTPCommand(d deps, configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "totp",
		Short: "Manage the TOTP secret used to authenticate clients",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	setup := &cobra.Command{
		Use:   "setup",
		Short: "Generate a TOTP secret and show its QR code",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			v, err := d.unlocked(*configPath)
			if err != nil {
				return err
			}
			uri, err := v.SetupTOTP(gateway.TOTPIssuer)
			if err != nil {
				return err
			}
			fmt.Fprintln(d.out, "Scan this code with your authenticator app:")
			qrterminal.GenerateHalfBlock(uri, qrterminal.L, d.out)
			fmt.Fprintf(d.out, "\nOr enter the URI manually:\n  %s\n\n", uri)

			code, err := d.prompt("Enter the 6-digit code to confirm")
			if err != nil {
				v.RemoveTOTP()
				return err
			}
			ok, err := v.VerifyTOTP(code)
			if err != nil || !ok {
				v.RemoveTOTP()
				return errors.New("code did not match; TOTP was not enabled")
			}
			fmt.Fprintln(d.out, "✓ TOTP configured. Set auth.totp_enabled = true to require it.")
			return nil
		},
	}

	remove := &cobra.Command{
		Use:   "remove",
		Short: "Delete the TOTP secret",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			v, err := d.unlocked(*configPath)
			if err != nil {
				return err
			}
			if err := v.RemoveTOTP(); err != nil {
				return err
			}
			fmt.Fprintln(d.out, "✓ TOTP removed")
			return nil
		},
	}

	cmd.AddCommand(setup, remove)
	return cmd
}

// unlocked opens the vault with the configured password, the remembered
// one, or a prompt, in that order.
func (d deps) unlocked(configPath string) (*vault.FileVault, error) {
	cfg, err := internal.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	v := d.openVault(cfg)

	pw := cfg.Vault.Password
	if pw == "" && d.keychain != nil {
		if stored, err := d.keychain.Load(); err == nil {
			pw = stored
		}
	}
	if pw == "" {
		if pw, err = d.prompt("Vault password"); err != nil {
			return nil, err
		}
	}
	if err := vault.Unlock(v, pw); err != nil {
		return nil, fmt.Errorf("unlock failed: %w", err)
	}
	return v, nil
}
