package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/hearth/internal/config"
)

func vaultCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vault",
		Short: "Manage the credential-vault passphrase",
	}
	cmd.AddCommand(vaultSetKeyCmd())
	return cmd
}

func vaultSetKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-key",
		Short: "Store the vault passphrase in the OS keyring",
		Long:  "Reads a passphrase from stdin and stores it in the OS keyring. The daemon falls back to the keyring when " + config.EnvVaultKey + " is unset.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprint(os.Stderr, "Passphrase: ")
			line, err := bufio.NewReader(os.Stdin).ReadString('\n')
			if err != nil {
				fatalf("reading passphrase: %s", err)
			}
			passphrase := strings.TrimRight(line, "\r\n")
			if passphrase == "" {
				fatalf("passphrase is empty")
			}
			if err := config.StoreVaultPassphrase(passphrase); err != nil {
				fatalf("storing passphrase: %s", err)
			}
			fmt.Println("vault passphrase stored")
		},
	}
}
