package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/xela07ax/agenshield/internal/domain"
	"github.com/xela07ax/agenshield/internal/sandbox"
)

func (c *cli) profileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Compile sandbox profiles",
	}

	var file string
	compile := &cobra.Command{
		Use:   "compile",
		Short: "Render a sandbox config into a Seatbelt profile",
		Long: `Render a sandbox config (YAML, same keys as a rule's sandbox block) into a profile.

Without --file the config is read from stdin.

Examples:
  shieldctl profile compile -f sandbox.yaml
  shieldctl profile compile --format json < sandbox.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sb, err := readSandboxConfig(cmd.InOrStdin(), file)
			if err != nil {
				return err
			}
			p, err := sandbox.Compile(sb)
			if err != nil {
				return fmt.Errorf("compile: %w", err)
			}
			return c.print(cmd.OutOrStdout(), map[string]string{"fingerprint": p.Fingerprint, "profile": p.Text},
				func(w io.Writer) {
					fmt.Fprintf(w, ";; fingerprint %s\n%s\n", p.Fingerprint, p.Text)
				})
		},
	}
	compile.Flags().StringVarP(&file, "file", "f", "", "sandbox config file (default stdin)")

	cmd.AddCommand(compile)
	return cmd
}

func readSandboxConfig(stdin io.Reader, file string) (domain.SandboxConfig, error) {
	var (
		data []byte
		err  error
	)
	if file != "" {
		data, err = os.ReadFile(file)
	} else {
		data, err = io.ReadAll(stdin)
	}
	if err != nil {
		return domain.SandboxConfig{}, fmt.Errorf("read sandbox config: %w", err)
	}
	var sb domain.SandboxConfig
	if err := yaml.Unmarshal(data, &sb); err != nil {
		return domain.SandboxConfig{}, fmt.Errorf("parse sandbox config: %w", err)
	}
	return sb, nil
}
