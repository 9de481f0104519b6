package cli

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pipali/pipali/internal/credential"
	"github.com/pipali/pipali/internal/keyring"
)

// LoginCmd stores the refresh token used to mint access tokens
func LoginCmd() *cobra.Command {
	var token string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Store the refresh token for your AI provider account",
		Long: `Save the OAuth refresh token pipali uses to mint access tokens.

The token goes into the OS keychain when one is available, otherwise
into the PIPALI_REFRESH_TOKEN environment variable for this process.

Examples:
  pipali login --token <refresh-token>
  pipali login                          # prompts on stdin`,
		Run: func(cmd *cobra.Command, args []string) {
			runLogin(token)
		},
	}

	cmd.Flags().StringVar(&token, "token", "", "refresh token (prompts when omitted)")

	return cmd
}

func runLogin(token string) {
	if token == "" {
		fmt.Print("Refresh token: ")
		reader := bufio.NewReader(os.Stdin)
		line, err := reader.ReadString('\n')
		if err != nil {
			fmt.Printf("\033[31mError: failed to read token: %v\033[0m\n", err)
			os.Exit(1)
		}
		token = strings.TrimSpace(line)
	}
	if token == "" {
		fmt.Println("\033[31mError: empty token\033[0m")
		os.Exit(1)
	}

	if err := credential.StoreRefreshToken(token); err != nil {
		fmt.Printf("\033[31mError: failed to store token: %v\033[0m\n", err)
		os.Exit(1)
	}

	if keyring.Available() {
		fmt.Println("\033[32mRefresh token saved to the OS keychain.\033[0m")
	} else {
		fmt.Println("\033[33mKeychain unavailable; token kept in PIPALI_REFRESH_TOKEN for this process only.\033[0m")
		fmt.Println("Add it to your environment to persist across restarts.")
	}
}
