package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/skiptrace-cli/internal/ingest"
	"github.com/sells-group/skiptrace-cli/internal/report"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Create and control skip-trace runs",
}

// -- run start --

var runStartCmd = &cobra.Command{
	Use:   "start <subjects.csv|subjects.xlsx>",
	Short: "Create a run from a subject file and process it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		e, err := initEnv(ctx, "trace")
		if err != nil {
			return err
		}
		defer e.Close()

		idCol, _ := cmd.Flags().GetString("id-column")
		addrCol, _ := cmd.Flags().GetString("address-column")
		ownerCol, _ := cmd.Flags().GetString("owner-column")
		sheet, _ := cmd.Flags().GetString("sheet")

		subjects, err := ingest.ReadSubjects(args[0], ingest.Options{
			IDColumn:      idCol,
			AddressColumn: addrCol,
			OwnerColumn:   ownerCol,
			SheetName:     sheet,
		})
		if err != nil {
			return err
		}

		run, err := e.coord.CreateRun(ctx, filepath.Base(args[0]), subjects)
		if err != nil {
			return err
		}
		fmt.Printf("Run %s created with %d items.\n", run.ID, run.Total)

		if noProcess, _ := cmd.Flags().GetBool("no-process"); noProcess {
			return nil
		}
		if err := e.coord.Process(ctx, run.ID); err != nil {
			return eris.Wrap(err, "run start")
		}
		return printRunReport(ctx, e, run.ID, "")
	},
}

// -- run resume --

var runResumeCmd = &cobra.Command{
	Use:   "resume <run-id>",
	Short: "Unpause a run and continue processing it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		e, err := initEnv(ctx, "trace")
		if err != nil {
			return err
		}
		defer e.Close()

		if err := e.coord.Resume(ctx, args[0]); err != nil {
			return err
		}
		if err := e.coord.Process(ctx, args[0]); err != nil {
			return eris.Wrap(err, "run resume")
		}
		return printRunReport(ctx, e, args[0], "")
	},
}

// -- run pause --

var runPauseCmd = &cobra.Command{
	Use:   "pause <run-id>",
	Short: "Soft-pause a run (in-flight items finish, nothing new starts)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		e, err := initEnv(ctx, "inspect")
		if err != nil {
			return err
		}
		defer e.Close()

		reason, _ := cmd.Flags().GetString("reason")
		if err := e.coord.Pause(ctx, args[0], reason); err != nil {
			return err
		}
		fmt.Printf("Run %s paused.\n", args[0])
		return nil
	},
}

// -- run status --

var runStatusCmd = &cobra.Command{
	Use:   "status <run-id>",
	Short: "Show run progress counters",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		e, err := initEnv(ctx, "inspect")
		if err != nil {
			return err
		}
		defer e.Close()

		return printRunReport(ctx, e, args[0], "")
	},
}

// -- run report --

var runReportCmd = &cobra.Command{
	Use:   "report <run-id>",
	Short: "Summarize a run's spend, cache hits, and failures",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		e, err := initEnv(ctx, "inspect")
		if err != nil {
			return err
		}
		defer e.Close()

		xlsxPath, _ := cmd.Flags().GetString("xlsx")
		return printRunReport(ctx, e, args[0], xlsxPath)
	},
}

// -- run retry --

var runRetryCmd = &cobra.Command{
	Use:   "retry <run-id>",
	Short: "Requeue failed items and process them again",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		e, err := initEnv(ctx, "trace")
		if err != nil {
			return err
		}
		defer e.Close()

		filter, _ := cmd.Flags().GetString("filter")
		n, err := e.coord.RetryFailed(ctx, args[0], filter)
		if err != nil {
			return err
		}
		if n == 0 {
			fmt.Fprintln(os.Stderr, "No failed items matched.")
			return nil
		}
		fmt.Printf("Requeued %d items.\n", n)

		if err := e.coord.Process(ctx, args[0]); err != nil {
			return eris.Wrap(err, "run retry")
		}
		return printRunReport(ctx, e, args[0], "")
	},
}

func printRunReport(ctx context.Context, e *env, runID, xlsxPath string) error {
	rep, err := report.NewBuilder(e.store).Build(ctx, runID)
	if err != nil {
		return err
	}
	if err := rep.WriteText(os.Stdout); err != nil {
		return err
	}
	if xlsxPath != "" {
		if err := rep.WriteXLSX(xlsxPath); err != nil {
			return err
		}
		fmt.Printf("\nReport written to %s\n", xlsxPath)
	}
	return nil
}

func init() {
	runStartCmd.Flags().String("id-column", "", "subject ID column header")
	runStartCmd.Flags().String("address-column", "", "property address column header")
	runStartCmd.Flags().String("owner-column", "", "owner name column header")
	runStartCmd.Flags().String("sheet", "", "XLSX sheet name (first sheet if empty)")
	runStartCmd.Flags().Bool("no-process", false, "create the run without processing it")

	runPauseCmd.Flags().String("reason", "", "pause reason recorded on the run")
	runReportCmd.Flags().String("xlsx", "", "also export the report to this .xlsx path")
	runRetryCmd.Flags().String("filter", "", "only retry items whose last error contains this text (e.g. a category like 'transient')")

	runCmd.AddCommand(runStartCmd)
	runCmd.AddCommand(runResumeCmd)
	runCmd.AddCommand(runPauseCmd)
	runCmd.AddCommand(runStatusCmd)
	runCmd.AddCommand(runReportCmd)
	runCmd.AddCommand(runRetryCmd)
	rootCmd.AddCommand(runCmd)
}
