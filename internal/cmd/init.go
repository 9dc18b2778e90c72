package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/muxtun/muxtun/internal/config"
)

func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Generate a config file with fresh secrets",
		RunE: func(cmd *cobra.Command, args []string) error {
			output, _ := cmd.Flags().GetString("output")
			if output == "" {
				output = "muxtun.json"
			}
			force, _ := cmd.Flags().GetBool("force")

			if _, err := os.Stat(output); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", output)
			}

			cfg := config.Default()
			cfg.Auth.Secret = uuid.New().String()
			cfg.Auth.ChannelSecret = uuid.New().String()
			cfg.Backend.Command = "backend"

			data, err := json.MarshalIndent(cfg, "", "  ")
			if err != nil {
				return err
			}
			// Contains secrets; owner-only.
			if err := os.WriteFile(output, append(data, '\n'), 0600); err != nil {
				return fmt.Errorf("write config: %w", err)
			}

			fmt.Println("wrote", output)
			fmt.Println("edit backend.command to point at your backend binary")
			return nil
		},
	}
	cmd.Flags().StringP("output", "o", "", "output config file path (default: ./muxtun.json)")
	cmd.Flags().Bool("force", false, "overwrite an existing config file")
	return cmd
}
