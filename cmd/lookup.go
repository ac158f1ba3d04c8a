package main

import (
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/skiptrace-cli/internal/engine"
	"github.com/sells-group/skiptrace-cli/internal/model"
)

var lookupCmd = &cobra.Command{
	Use:   "lookup",
	Short: "Skip-trace a single subject",
	Long:  "Resolves one property/owner record to contacts, going through the same cache, budget, and retry path as batch runs.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		e, err := initEnv(ctx, "trace")
		if err != nil {
			return err
		}
		defer e.Close()

		address, _ := cmd.Flags().GetString("address")
		owner, _ := cmd.Flags().GetString("owner")
		id, _ := cmd.Flags().GetString("id")
		force, _ := cmd.Flags().GetBool("force")

		if id == "" {
			id = "adhoc"
		}

		result, err := e.orch.Resolve(ctx, model.Subject{
			ID:      id,
			Address: address,
			Owner:   owner,
		}, engine.LookupOptions{Force: force})
		if err != nil {
			return eris.Wrap(err, "lookup")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	},
}

func init() {
	lookupCmd.Flags().String("address", "", "property address (street, city, state, zip)")
	lookupCmd.Flags().String("owner", "", "owner name")
	lookupCmd.Flags().String("id", "", "subject ID to record against (defaults to 'adhoc')")
	lookupCmd.Flags().Bool("force", false, "bypass the response cache and bill a fresh call")
	rootCmd.AddCommand(lookupCmd)
}
