package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"kerne-operator/internal/app"
)

var (
	showLimit  int
	showSource string
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recent attestations",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}
		if showSource != "files" && showSource != "db" {
			return fmt.Errorf("--source must be files or db")
		}

		opts := app.ShowOptions{
			Limit:  showLimit,
			Source: showSource,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of attestations to display")
	showCmd.Flags().StringVar(&showSource, "source", "files", "Where to read from: files or db")
}
