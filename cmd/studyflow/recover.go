package main

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pavelanni/studyflow/internal/config"
	"github.com/pavelanni/studyflow/internal/emergency"
)

func recoverCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Inspect and replay emergency submission backups",
		Long: "Every subcommand needs the operator secret via --secret or STUDYFLOW_SECRET.\n" +
			"Entries are replayed through the same validation and sinks as live submissions.",
	}

	scan := &cobra.Command{
		Use:   "scan",
		Short: "List emergency backups and their recovery state",
		Args:  cobra.NoArgs,
		RunE: withRecovery(func(cmd *cobra.Command, svc *services, _ []string) (any, error) {
			return svc.recovery.Scan()
		}),
	}
	one := &cobra.Command{
		Use:   "one <key>",
		Short: "Replay a single backup",
		Args:  cobra.ExactArgs(1),
		RunE: withRecovery(func(cmd *cobra.Command, svc *services, args []string) (any, error) {
			return svc.recovery.RecoverOne(cmd.Context(), entryKey(args[0]))
		}),
	}
	all := &cobra.Command{
		Use:   "all",
		Short: "Replay every backup that is not yet recovered",
		Args:  cobra.NoArgs,
		RunE: withRecovery(func(cmd *cobra.Command, svc *services, _ []string) (any, error) {
			summary, err := svc.recovery.RecoverAll(cmd.Context())
			if err != nil && summary != nil {
				// Partial results still matter to the operator.
				_ = writeOutput("-", summary)
			}
			return summary, err
		}),
	}
	clearOne := &cobra.Command{
		Use:   "clear <key>",
		Short: "Delete a single backup",
		Args:  cobra.ExactArgs(1),
		RunE: withRecovery(func(cmd *cobra.Command, svc *services, args []string) (any, error) {
			return svc.recovery.Clear(entryKey(args[0]))
		}),
	}
	clearAll := &cobra.Command{
		Use:   "clear-all",
		Short: "Delete every backup",
		Args:  cobra.NoArgs,
		RunE: withRecovery(func(cmd *cobra.Command, svc *services, _ []string) (any, error) {
			return svc.recovery.ClearAll()
		}),
	}

	for _, sub := range []*cobra.Command{scan, one, all, clearOne, clearAll} {
		f := sub.Flags()
		pipelineFlags(f)
		f.String("secret", "", "Operator secret")
		logFlags(f)
		cmd.AddCommand(sub)
	}
	return cmd
}

// entryKey accepts both "emergency/<id>" and the bare id printed by the admin API.
func entryKey(arg string) string {
	if strings.HasPrefix(arg, emergency.Prefix) {
		return arg
	}
	return emergency.Prefix + arg
}

type recoveryFunc func(cmd *cobra.Command, svc *services, args []string) (any, error)

// withRecovery checks the operator secret, builds the pipeline and prints the result as JSON.
func withRecovery(fn recoveryFunc) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		setupLogging(cmd)
		v := viperForCmd(cmd)

		cfg, err := config.Load(v)
		if err != nil {
			return err
		}
		if !cfg.RecoveryEnabled() {
			return fmt.Errorf("recovery is disabled: set --recovery-secret or --recovery-secret-hash")
		}
		gate, err := newGate(cfg)
		if err != nil {
			return fmt.Errorf("recovery gate: %w", err)
		}
		if err := gate.Check(v.GetString("secret")); err != nil {
			return err
		}

		svc, err := buildServices(cfg, slog.Default())
		if err != nil {
			return err
		}
		defer svc.Close()

		out, err := fn(cmd, svc, args)
		if err != nil {
			return err
		}
		return writeOutput("-", out)
	}
}
