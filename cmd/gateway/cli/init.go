package cli

import (
	"fmt"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

type initAnswers struct {
	WorkspaceRoot    string `yaml:"workspace_root"`
	EphemeralRoot    string `yaml:"ephemeral_root"`
	HTTPAddr         string `yaml:"http_addr"`
	AnthropicAPIKey  string `yaml:"anthropic_api_key,omitempty"`
	GitHubToken      string `yaml:"github_token,omitempty"`
	ForceHTTPAPI     bool   `yaml:"force_http_api"`
	TelemetryEnabled bool   `yaml:"telemetry_enabled"`
}

func newInitCmd() *cobra.Command {
	var outPath string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Interactively generate a gateway.yaml config file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			answers := initAnswers{
				EphemeralRoot: "/tmp/gateway-workspaces",
				HTTPAddr:      ":8080",
			}

			form := huh.NewForm(
				huh.NewGroup(
					huh.NewInput().
						Title("Persistent workspace root (blank for ephemeral-only)").
						Value(&answers.WorkspaceRoot),
					huh.NewInput().
						Title("Ephemeral workspace root").
						Value(&answers.EphemeralRoot),
					huh.NewInput().
						Title("HTTP listen address").
						Value(&answers.HTTPAddr),
				),
				huh.NewGroup(
					huh.NewInput().
						Title("Anthropic API key (blank to rely on the streaming SDK's own credential discovery)").
						Password(true).
						Value(&answers.AnthropicAPIKey),
					huh.NewInput().
						Title("GitHub token for branch/PR automation (blank disables git automation)").
						Password(true).
						Value(&answers.GitHubToken),
				),
				huh.NewGroup(
					huh.NewConfirm().
						Title("Always use the direct HTTP adapter instead of the local streaming SDK?").
						Value(&answers.ForceHTTPAPI),
					huh.NewConfirm().
						Title("Enable anonymous usage telemetry?").
						Value(&answers.TelemetryEnabled),
				),
			)

			if err := form.Run(); err != nil {
				return fmt.Errorf("setup cancelled: %w", err)
			}

			data, err := yaml.Marshal(&answers)
			if err != nil {
				return fmt.Errorf("encoding config: %w", err)
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("writing %s: %w", outPath, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", outPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "gateway.yaml", "path to write the generated config file")

	return cmd
}
