package cli

import (
	"flag"
	"fmt"

	"github.com/perimetra/idpsync/pkg/auth"
)

func newTokenCommand() *Command {
	cmd := &Command{
		Name:        "token",
		Description: "Mint an admin token for the management API",
		Flags:       flag.NewFlagSet("token", flag.ExitOnError),
		Run:         runToken,
	}

	cmd.Flags.String("account", "", "Account the token authorizes")
	cmd.Flags.String("name", "", "Label for the token in logs and audit events")

	return cmd
}

// runToken mints a fresh admin credential. The server only ever sees
// the hash; the token itself is printed once and never stored.
func runToken(args []string) error {
	cmd := newTokenCommand()
	if err := cmd.Flags.Parse(args); err != nil {
		return err
	}

	account := cmd.Flags.Lookup("account").Value.String()
	name := cmd.Flags.Lookup("name").Value.String()

	if account == "" {
		return fmt.Errorf("account is required")
	}

	token, hash, prefix, err := auth.NewTokenGenerator().GenerateToken()
	if err != nil {
		return fmt.Errorf("failed to generate token: %w", err)
	}

	entry := fmt.Sprintf("%s:%s", account, hash)
	if name != "" {
		entry += ":" + name
	}

	fmt.Printf("Token: %s\n", token)
	fmt.Printf("Prefix: %s\n", prefix)
	fmt.Printf("\nAdd this entry to IDPSYNC_ADMIN_TOKENS on the server:\n\n  %s\n", entry)
	fmt.Printf("\nThe token is shown once and cannot be recovered; store it now.\n")

	return nil
}
