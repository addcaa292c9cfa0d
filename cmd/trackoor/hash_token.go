package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
)

var hashTokenCmd = &cobra.Command{
	Use:   "hash-token",
	Short: "Hash an admin API token for the config file",
	Long: `Read a token from stdin and print its bcrypt hash. The hash goes
into server.admin_token_hash; API callers send the plain token as a
bearer token.`,
	RunE: runHashToken,
}

func init() {
	rootCmd.AddCommand(hashTokenCmd)
}

func runHashToken(cmd *cobra.Command, args []string) error {
	fmt.Print("Token: ")

	reader := bufio.NewReader(os.Stdin)

	token, err := reader.ReadString('\n')
	if err != nil {
		return fmt.Errorf("reading token: %w", err)
	}

	token = strings.TrimSpace(token)
	if token == "" {
		return fmt.Errorf("token must not be empty")
	}

	hash, err := bcrypt.GenerateFromPassword(
		[]byte(token), bcrypt.DefaultCost,
	)
	if err != nil {
		return fmt.Errorf("hashing token: %w", err)
	}

	fmt.Println(string(hash))

	return nil
}
