package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.yaml.in/yaml/v3"

	"github.com/ShayCichocki/foresight/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect configuration",
	Long: `Inspect the merged configuration.

Configuration is read from ~/.config/foresight/config.yaml, then from
.foresight.yaml in the current directory or a parent, then from
FORESIGHT_* environment variables.`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the merged configuration with secrets masked",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		out, err := yaml.Marshal(cfg.Masked())
		if err != nil {
			return fmt.Errorf("encode config: %w", err)
		}
		fmt.Print(string(out))

		fmt.Println()
		fmt.Println("# api keys")
		for _, p := range []config.Provider{config.ProviderAnthropic, config.ProviderOpenAI, config.ProviderResearch} {
			src := config.GetAPIKeySource(cfg, p)
			line := fmt.Sprintf("#   %-9s %s", p, src)
			if src == config.KeySourceNone {
				line = color.YellowString(line)
			}
			fmt.Println(line)
		}
		if err := cfg.Validate(); err != nil {
			color.Red("# invalid: %v", err)
		}
		return nil
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the config file locations",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("user:    %s\n", config.GetUserConfigPath())
		project := config.GetProjectConfigPath()
		if project == "" {
			project = "(none)"
		}
		fmt.Printf("project: %s\n", project)
		fmt.Printf("store:   %s\n", config.DefaultStorePath())
	},
}

func init() {
	configCmd.AddCommand(configShowCmd, configPathCmd)
}
