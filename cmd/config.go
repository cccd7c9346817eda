package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Long:  `Print the merged configuration after the file, local overlay, and environment layers.`,
	RunE:  runConfig,
}

func init() {
	rootCmd.AddCommand(configCmd)
}

func runConfig(cmd *cobra.Command, args []string) error {
	manager, err := loadConfig()
	if err != nil {
		return err
	}

	data, err := yaml.Marshal(manager.Get())
	if err != nil {
		return fmt.Errorf("render config: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "# config: %s\n", resolveConfigPath())
	fmt.Fprint(cmd.OutOrStdout(), string(data))
	return nil
}
