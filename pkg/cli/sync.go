package cli

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/perimetra/idpsync/pkg/dirsync"
	"github.com/perimetra/idpsync/pkg/storage"
)

func newSyncCommand() *Command {
	cmd := &Command{
		Name:        "sync",
		Description: "Directory sync control commands",
		Subcommands: make(map[string]*Command),
		Run:         runSync,
	}
	cmd.Subcommands["run"] = newSyncRunCommand()
	cmd.Subcommands["status"] = newSyncStatusCommand()
	cmd.Subcommands["reset"] = newSyncResetCommand()
	return cmd
}

func runSync(args []string) error {
	// Handle subcommands
	if len(args) == 0 {
		return runSyncHelp(args)
	}

	syncCmd := newSyncCommand()
	if subcmd, ok := syncCmd.Subcommands[args[0]]; ok {
		return subcmd.Run(args[1:])
	}

	return fmt.Errorf("unknown sync subcommand: %s", args[0])
}

func runSyncHelp(args []string) error {
	fmt.Println("Usage: idpsync sync <command> [args]")
	fmt.Println("\nAvailable commands:")
	fmt.Println("  run       Queue an immediate sync run for a provider")
	fmt.Println("  status    Show sync bookkeeping and recent runs for a provider")
	fmt.Println("  reset     Clear the failure streak and re-enable sync")
	fmt.Println("\nExamples:")
	fmt.Println("  idpsync sync run 4f6b82de-8a3c-4e62-9a6c-0f6f0c61c1f2")
	fmt.Println("  idpsync sync status 4f6b82de-8a3c-4e62-9a6c-0f6f0c61c1f2")
	return nil
}

func newSyncRunCommand() *Command {
	cmd := &Command{
		Name:        "run",
		Description: "Queue an immediate sync run for a provider",
		Flags:       flag.NewFlagSet("sync run", flag.ExitOnError),
		Run:         runSyncRun,
	}

	cmd.Flags.String("server", "", "API server URL (defaults to IDPSYNC_SERVER or the profile)")
	cmd.Flags.String("token", "", "Admin token (defaults to IDPSYNC_TOKEN or the profile)")
	cmd.Flags.String("config", "", "Profile path (defaults to ~/.idpsync/config.yaml)")
	cmd.Flags.Bool("verbose", false, "Log request details")

	return cmd
}

func newSyncStatusCommand() *Command {
	cmd := &Command{
		Name:        "status",
		Description: "Show sync bookkeeping and recent runs for a provider",
		Flags:       flag.NewFlagSet("sync status", flag.ExitOnError),
		Run:         runSyncStatus,
	}

	cmd.Flags.String("server", "", "API server URL (defaults to IDPSYNC_SERVER or the profile)")
	cmd.Flags.String("token", "", "Admin token (defaults to IDPSYNC_TOKEN or the profile)")
	cmd.Flags.String("config", "", "Profile path (defaults to ~/.idpsync/config.yaml)")
	cmd.Flags.Bool("json", false, "Output in JSON format")
	cmd.Flags.Int("limit", 20, "Number of recent runs to show")
	cmd.Flags.Bool("verbose", false, "Log request details")

	return cmd
}

func newSyncResetCommand() *Command {
	cmd := &Command{
		Name:        "reset",
		Description: "Clear the failure streak and re-enable sync",
		Flags:       flag.NewFlagSet("sync reset", flag.ExitOnError),
		Run:         runSyncReset,
	}

	cmd.Flags.String("server", "", "API server URL (defaults to IDPSYNC_SERVER or the profile)")
	cmd.Flags.String("token", "", "Admin token (defaults to IDPSYNC_TOKEN or the profile)")
	cmd.Flags.String("config", "", "Profile path (defaults to ~/.idpsync/config.yaml)")
	cmd.Flags.Bool("verbose", false, "Log request details")

	return cmd
}

// syncStatus mirrors the sync status response body.
type syncStatus struct {
	ProviderID      string              `json:"provider_id"`
	SyncEnabled     bool                `json:"sync_enabled"`
	LastSyncedAt    *time.Time          `json:"last_synced_at"`
	LastSyncsFailed int                 `json:"last_syncs_failed"`
	LastSyncError   string              `json:"last_sync_error"`
	SyncDisabledAt  *time.Time          `json:"sync_disabled_at"`
	Checkpoints     storage.Checkpoints `json:"checkpoints"`
	RecentRuns      []dirsync.Attempt   `json:"recent_runs"`
}

func runSyncRun(args []string) error {
	cmd := newSyncRunCommand()
	if err := cmd.Flags.Parse(args); err != nil {
		return err
	}

	logger := newLogger(cmd.Flags.Lookup("verbose").Value.String() == "true")

	// Get remaining args (provider ID)
	remainingArgs := cmd.Flags.Args()
	if len(remainingArgs) == 0 {
		return fmt.Errorf("provider ID required. Usage: idpsync sync run <id>")
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

	var queued struct {
		Status     string `json:"status"`
		ProviderID string `json:"provider_id"`
	}
	if err := apiPost(logger, conn, "/v1/providers/"+providerID+"/sync", &queued); err != nil {
		return err
	}

	fmt.Printf("Successfully queued sync for provider %s\n", queued.ProviderID)
	fmt.Println("The run executes on the daemon's worker pool; check progress with 'idpsync sync status'")
	return nil
}

func runSyncStatus(args []string) error {
	cmd := newSyncStatusCommand()
	if err := cmd.Flags.Parse(args); err != nil {
		return err
	}

	outputJSON := cmd.Flags.Lookup("json").Value.String() == "true"
	limit := cmd.Flags.Lookup("limit").Value.String()
	logger := newLogger(cmd.Flags.Lookup("verbose").Value.String() == "true")

	// Get remaining args (provider ID)
	remainingArgs := cmd.Flags.Args()
	if len(remainingArgs) == 0 {
		return fmt.Errorf("provider ID required. Usage: idpsync sync status <id>")
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

	var status syncStatus
	path := "/v1/providers/" + providerID + "/sync/status?limit=" + limit
	if err := apiGet(logger, conn, path, &status); err != nil {
		return err
	}

	// Output
	if outputJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(status)
	}

	// Pretty output
	fmt.Printf("Provider: %s\n", status.ProviderID)
	fmt.Printf("Sync Enabled: %v\n", status.SyncEnabled)
	if status.LastSyncedAt != nil {
		fmt.Printf("Last Synced: %s\n", status.LastSyncedAt.Format(time.RFC3339))
	} else {
		fmt.Printf("Last Synced: never\n")
	}
	fmt.Printf("Failure Streak: %d\n", status.LastSyncsFailed)
	if status.LastSyncError != "" {
		fmt.Printf("Last Error: %s\n", status.LastSyncError)
	}
	if status.SyncDisabledAt != nil {
		fmt.Printf("Sync Disabled Since: %s\n", status.SyncDisabledAt.Format(time.RFC3339))
	}

	if len(status.Checkpoints) > 0 {
		fmt.Printf("\nCheckpoints:\n")
		for kind, cp := range status.Checkpoints {
			finished := "in progress"
			if cp.FinishedAt != nil {
				finished = cp.FinishedAt.Format(time.RFC3339)
			}
			fmt.Printf("  %s: %s\n", kind, finished)
		}
	}

	if len(status.RecentRuns) > 0 {
		fmt.Printf("\nRecent Runs:\n")
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "STARTED\tJOB\tOUTCOME\tDURATION\tIDENTITIES\tGROUPS\tERROR")

		for _, run := range status.RecentRuns {
			identities := "-"
			groups := "-"
			if run.Result != nil {
				identities = fmt.Sprintf("+%d -%d", run.Result.IdentitiesUpserted, run.Result.IdentitiesDeleted)
				groups = fmt.Sprintf("+%d -%d", run.Result.GroupsUpserted, run.Result.GroupsDeleted)
			}

			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				run.StartedAt.Format(time.RFC3339),
				run.Job,
				run.Outcome,
				run.FinishedAt.Sub(run.StartedAt).Round(time.Millisecond),
				identities,
				groups,
				run.Error,
			)
		}

		w.Flush()
	}

	return nil
}

func runSyncReset(args []string) error {
	cmd := newSyncResetCommand()
	if err := cmd.Flags.Parse(args); err != nil {
		return err
	}

	logger := newLogger(cmd.Flags.Lookup("verbose").Value.String() == "true")

	// Get remaining args (provider ID)
	remainingArgs := cmd.Flags.Args()
	if len(remainingArgs) == 0 {
		return fmt.Errorf("provider ID required. Usage: idpsync sync reset <id>")
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

	if err := apiPost(logger, conn, "/v1/providers/"+providerID+"/sync/reset", nil); err != nil {
		return err
	}

	fmt.Printf("Successfully reset sync failures for provider %s\n", providerID)
	return nil
}
