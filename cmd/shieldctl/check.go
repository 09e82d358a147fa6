package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/xela07ax/agenshield/internal/domain"
	"github.com/xela07ax/agenshield/internal/protocol"
)

type checkFlags struct {
	agent   string
	skill   string
	session string
	user    string
	pid     int
}

func (c *cli) checkCmd() *cobra.Command {
	var f checkFlags
	cmd := &cobra.Command{
		Use:   "check <operation> <target>",
		Short: "Ask the daemon for a decision",
		Long: `Ask the daemon to decide on one operation.

Operations: exec, file_read, file_write, file_list, http_request, open_url,
skill_install, skill_invoke. The target is a path, a url or a command line.

Examples:
  shieldctl check file_read /workspace/.env --agent a1
  shieldctl check exec "git push origin main" --session s1 --pid 4242`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := checkParams(args[0], args[1], f)
			if err != nil {
				return err
			}
			client, err := c.client()
			if err != nil {
				return err
			}
			res, err := client.PolicyCheck(cmd.Context(), params)
			if err != nil {
				return fmt.Errorf("policy_check: %w", err)
			}
			return c.print(cmd.OutOrStdout(), res, func(w io.Writer) { printDecision(w, res) })
		},
	}
	cmd.Flags().StringVar(&f.agent, "agent", "", "agent id")
	cmd.Flags().StringVar(&f.skill, "skill", "", "skill slug (caller becomes the skill)")
	cmd.Flags().StringVar(&f.session, "session", "", "session id")
	cmd.Flags().StringVar(&f.user, "user", "", "os user")
	cmd.Flags().IntVar(&f.pid, "pid", 0, "process id")
	return cmd
}

// checkParams собирает запрос и отсекает битую пару (operation, target) до сети
func checkParams(operation, target string, f checkFlags) (protocol.PolicyCheckParams, error) {
	p := protocol.PolicyCheckParams{Operation: domain.OperationKind(operation), Target: target}
	if _, err := p.Op(); err != nil {
		return protocol.PolicyCheckParams{}, err
	}
	if f == (checkFlags{}) {
		return p, nil
	}
	ectx := &domain.ExecutionContext{
		CallerType: domain.CallerAgent,
		AgentID:    f.agent,
		SkillSlug:  f.skill,
		SessionID:  f.session,
		User:       f.user,
		PID:        f.pid,
	}
	if f.skill != "" {
		ectx.CallerType = domain.CallerSkill
	}
	p.Context = ectx
	return p, nil
}

func printDecision(w io.Writer, res *protocol.PolicyCheckResult) {
	verdict := "DENY"
	if res.Allowed {
		verdict = "ALLOW"
	}
	fmt.Fprintf(w, "%s", verdict)
	if res.PolicyID != "" {
		fmt.Fprintf(w, "  policy=%s", res.PolicyID)
	}
	if res.Reason != "" {
		fmt.Fprintf(w, "  reason=%q", res.Reason)
	}
	fmt.Fprintln(w)
	if res.Sandbox != nil && res.Sandbox.ProfilePath != "" {
		fmt.Fprintf(w, "sandbox profile: %s\n", res.Sandbox.ProfilePath)
	}
}
