// cmd/server/main.go
package main

import (
	"github.com/jason-s-yu/anonchat/internal/config"
	_ "github.com/joho/godotenv/autoload"
	"github.com/spf13/cobra"
)

const releaseVersion = "0.1.0"

func main() {
	cfg := &config.Config{}
	cobra.CheckErr(newCmd(cfg).Execute())
}

func newCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "anonchat",
		Short:   "Anonymous one-to-one chat matchmaking server.",
		Args:    cobra.NoArgs,
		Version: releaseVersion,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.Validate(); err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}

	cfg.BindFlags(cmd.Flags())
	config.Apply(cmd.Flags())

	cmd.CompletionOptions.HiddenDefaultCmd = true
	cmd.SetHelpCommand(&cobra.Command{Hidden: true})
	cmd.SetVersionTemplate("anonchat v{{.Version}}\n")

	cmd.SilenceErrors = true
	cmd.SilenceUsage = true

	return cmd
}
