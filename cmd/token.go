package cmd

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"fluxpredict/server"
)

func newHashTokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-token [token]",
		Short: "Print the bcrypt hash of an API token for API_TOKEN_HASH",
		Long: `Hashes an API token with bcrypt. Put the output in API_TOKEN_HASH to require
"Authorization: Bearer <token>" on the HTTP API. The token is read from
standard input when not given as an argument.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var token string
			if len(args) == 1 {
				token = args[0]
			} else {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return fmt.Errorf("read token: %w", err)
				}
				token = strings.TrimSpace(line)
			}
			hash, err := server.HashToken(token)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}
