package cli

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/perimetra/idpsync/pkg/api"
)

func newProvidersCommand() *Command {
	cmd := &Command{
		Name:        "providers",
		Description: "Identity provider management commands",
		Subcommands: make(map[string]*Command),
		Run:         runProviders,
	}
	cmd.Subcommands["list"] = newProvidersListCommand()
	cmd.Subcommands["show"] = newProvidersShowCommand()
	return cmd
}

func runProviders(args []string) error {
	// Handle subcommands
	if len(args) == 0 {
		return runProvidersHelp(args)
	}

	provCmd := newProvidersCommand()
	if subcmd, ok := provCmd.Subcommands[args[0]]; ok {
		return subcmd.Run(args[1:])
	}

	return fmt.Errorf("unknown providers subcommand: %s", args[0])
}

func runProvidersHelp(args []string) error {
	fmt.Println("Usage: idpsync providers <command> [args]")
	fmt.Println("\nAvailable commands:")
	fmt.Println("  list    List the account's identity providers")
	fmt.Println("  show    Show details for a specific provider")
	fmt.Println("\nExamples:")
	fmt.Println("  idpsync providers list")
	fmt.Println("  idpsync providers show 4f6b82de-8a3c-4e62-9a6c-0f6f0c61c1f2")
	return nil
}

func newProvidersListCommand() *Command {
	cmd := &Command{
		Name:        "list",
		Description: "List the account's identity providers",
		Flags:       flag.NewFlagSet("providers list", flag.ExitOnError),
		Run:         runProvidersList,
	}

	cmd.Flags.String("server", "", "API server URL (defaults to IDPSYNC_SERVER or the profile)")
	cmd.Flags.String("token", "", "Admin token (defaults to IDPSYNC_TOKEN or the profile)")
	cmd.Flags.String("config", "", "Profile path (defaults to ~/.idpsync/config.yaml)")
	cmd.Flags.Bool("json", false, "Output in JSON format")
	cmd.Flags.Bool("verbose", false, "Log request details")

	return cmd
}

func newProvidersShowCommand() *Command {
	cmd := &Command{
		Name:        "show",
		Description: "Show details for a specific provider",
		Flags:       flag.NewFlagSet("providers show", flag.ExitOnError),
		Run:         runProvidersShow,
	}

	cmd.Flags.String("server", "", "API server URL (defaults to IDPSYNC_SERVER or the profile)")
	cmd.Flags.String("token", "", "Admin token (defaults to IDPSYNC_TOKEN or the profile)")
	cmd.Flags.String("config", "", "Profile path (defaults to ~/.idpsync/config.yaml)")
	cmd.Flags.Bool("json", false, "Output in JSON format")
	cmd.Flags.Bool("verbose", false, "Log request details")

	return cmd
}

// providerList mirrors the list response body.
type providerList struct {
	Providers []api.ProviderResponse `json:"providers"`
	Count     int                    `json:"count"`
}

func runProvidersList(args []string) error {
	cmd := newProvidersListCommand()
	if err := cmd.Flags.Parse(args); err != nil {
		return err
	}

	outputJSON := cmd.Flags.Lookup("json").Value.String() == "true"
	logger := newLogger(cmd.Flags.Lookup("verbose").Value.String() == "true")

	conn, err := resolveConnection(
		cmd.Flags.Lookup("server").Value.String(),
		cmd.Flags.Lookup("token").Value.String(),
		cmd.Flags.Lookup("config").Value.String(),
	)
	if err != nil {
		return err
	}

	var list providerList
	if err := apiGet(logger, conn, "/v1/providers", &list); err != nil {
		return err
	}

	// Output
	if outputJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(list.Providers)
	}

	// Pretty table output
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tADAPTER\tPROVISIONER\tCONNECTED\tLAST SYNC\tSTATE")
	fmt.Fprintln(w, "──\t────\t───────\t───────────\t─────────\t─────────\t─────")

	for _, p := range list.Providers {
		connected := "✓"
		if !p.Connected {
			connected = "✗"
		}

		lastSync := "never"
		if p.LastSyncedAt != nil {
			lastSync = p.LastSyncedAt.Format(time.RFC3339)
		}

		state := "active"
		if p.DisabledAt != nil {
			state = "disabled"
		} else if p.SyncDisabledAt != nil {
			state = "sync off"
		}

		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			p.ID,
			p.Name,
			p.Adapter,
			p.Provisioner,
			connected,
			lastSync,
			state,
		)
	}

	w.Flush()

	fmt.Printf("\nTotal: %d providers\n", list.Count)
	fmt.Println("\nUse 'idpsync providers show <id>' for more details")

	return nil
}

func runProvidersShow(args []string) error {
	cmd := newProvidersShowCommand()
	if err := cmd.Flags.Parse(args); err != nil {
		return err
	}

	outputJSON := cmd.Flags.Lookup("json").Value.String() == "true"
	logger := newLogger(cmd.Flags.Lookup("verbose").Value.String() == "true")

	// Get remaining args (provider ID)
	remainingArgs := cmd.Flags.Args()
	if len(remainingArgs) == 0 {
		return fmt.Errorf("provider ID required. Usage: idpsync providers show <id>")
	}
	providerID := remainingArgs[0]

	conn, err := resolveConnection(
		cmd.Flags.Lookup("server").Value.String(),
		cmd.Flags.Lookup("token").Value.String(),
		cmd.Flags.Lookup("config").Value.String(),
	)
	if err != nil {
		return err
	}

	var provider api.ProviderResponse
	if err := apiGet(logger, conn, "/v1/providers/"+providerID, &provider); err != nil {
		return err
	}

	// Output
	if outputJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(provider)
	}

	// Pretty output
	fmt.Printf("Provider: %s\n", provider.Name)
	fmt.Printf("ID: %s\n", provider.ID)
	fmt.Printf("Account: %s\n", provider.AccountID)
	fmt.Printf("Adapter: %s\n", provider.Adapter)
	fmt.Printf("Provisioner: %s\n", provider.Provisioner)
	fmt.Printf("Connected: %v\n", provider.Connected)

	if provider.AdapterConfig.IssuerURL != "" {
		fmt.Printf("Issuer: %s\n", provider.AdapterConfig.IssuerURL)
	}
	if provider.AdapterConfig.ClientID != "" {
		fmt.Printf("Client ID: %s\n", provider.AdapterConfig.ClientID)
	}
	fmt.Printf("Client Secret Set: %v\n", provider.ClientSecretSet)
	if provider.APIKeySet {
		fmt.Printf("API Key Set: true\n")
	}

	fmt.Printf("\nSync:\n")
	if provider.LastSyncedAt != nil {
		fmt.Printf("  Last synced: %s\n", provider.LastSyncedAt.Format(time.RFC3339))
	} else {
		fmt.Printf("  Last synced: never\n")
	}
	fmt.Printf("  Failure streak: %d\n", provider.LastSyncsFailed)
	if provider.LastSyncError != "" {
		fmt.Printf("  Last error: %s\n", provider.LastSyncError)
	}
	if provider.SyncDisabledAt != nil {
		fmt.Printf("  Sync disabled since: %s\n", provider.SyncDisabledAt.Format(time.RFC3339))
	}
	if provider.DisabledAt != nil {
		fmt.Printf("  Provider disabled since: %s\n", provider.DisabledAt.Format(time.RFC3339))
	}

	if len(provider.IncludedGroupIDs) > 0 {
		fmt.Printf("\nIncluded Groups:\n")
		for _, id := range provider.IncludedGroupIDs {
			fmt.Printf("  - %s\n", id)
		}
	}
	if len(provider.ExcludedGroupIDs) > 0 {
		fmt.Printf("\nExcluded Groups:\n")
		for _, id := range provider.ExcludedGroupIDs {
			fmt.Printf("  - %s\n", id)
		}
	}

	fmt.Printf("\nCreated: %s\n", provider.CreatedAt.Format(time.RFC3339))
	fmt.Printf("Updated: %s\n", provider.UpdatedAt.Format(time.RFC3339))

	return nil
}
