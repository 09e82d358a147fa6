package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xela07ax/agenshield/internal/domain"
	"github.com/xela07ax/agenshield/internal/infra"
	"github.com/xela07ax/agenshield/internal/policy"
	"github.com/xela07ax/agenshield/internal/protocol"
)

func (c *cli) policyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "policy", Short: "Policy rules"}

	reload := &cobra.Command{
		Use:   "reload",
		Short: "Tell every daemon and broker to reload rules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rdb, err := c.redis()
			if err != nil {
				return err
			}
			defer rdb.Close()
			n, err := rdb.Publish(cmd.Context(), infra.RedisChanPolicyUpdate, "reload").Result()
			if err != nil {
				return fmt.Errorf("publish policy update: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reload signal delivered to %d subscribers\n", n)
			return nil
		},
	}

	lint := &cobra.Command{
		Use:   "lint <rules.yaml>",
		Short: "Validate a rules file",
		Long: `Parse a rules file and compile every rule the way the enforcer does.

Exits non-zero if any rule is rejected.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := lintRules(args[0])
			if err != nil {
				return err
			}
			if err := c.print(cmd.OutOrStdout(), report, func(w io.Writer) {
				fmt.Fprintf(w, "%s: %d rules, %d skipped\n", args[0], report.Total, report.Skipped)
			}); err != nil {
				return err
			}
			if report.Skipped > 0 {
				return fmt.Errorf("%d rules rejected (see log above)", report.Skipped)
			}
			return nil
		},
	}

	cmd.AddCommand(reload, lint)
	return cmd
}

type lintReport struct {
	Total   int `json:"total"`
	Skipped int `json:"skipped"`
}

// lintRules прогоняет файл через энфорсер: битые правила он пропускает с предупреждением в лог
func lintRules(path string) (lintReport, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return lintReport{}, err
	}
	rules, err := policy.ParseRules(data)
	if err != nil {
		return lintReport{}, err
	}
	logger, err := zap.NewDevelopment()
	if err != nil {
		return lintReport{}, err
	}
	defer logger.Sync()

	e := policy.NewEnforcer(domain.ActionDeny, nil, logger, nil)
	return lintReport{Total: len(rules), Skipped: e.Load(rules)}, nil
}

func (c *cli) lifecycleCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "lifecycle", Short: "Session and process lifecycle"}

	var p protocol.LifecycleEndParams
	end := &cobra.Command{
		Use:   "end",
		Short: "Expire graph activations of a finished session or process",
		Long: `Expire graph activations bound to a session or a process.

Examples:
  shieldctl lifecycle end --session s-42
  shieldctl lifecycle end --pid 4242`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if p.SessionID == "" && p.PID <= 0 {
				return fmt.Errorf("--session or --pid is required")
			}
			client, err := c.client()
			if err != nil {
				return err
			}
			n, err := client.LifecycleEnd(cmd.Context(), p)
			if err != nil {
				return fmt.Errorf("lifecycle_end: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d activations expired\n", n)
			return nil
		},
	}
	end.Flags().StringVar(&p.SessionID, "session", "", "session id")
	end.Flags().IntVar(&p.PID, "pid", 0, "process id")

	cmd.AddCommand(end)
	return cmd
}
