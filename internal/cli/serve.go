package cli

import (
	"github.com/spf13/cobra"

	"github.com/tenderflow/backend/internal/app"
)

var accessLog bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withServices(cmd.Context(), func(s *app.Services) error {
			return s.Serve(accessLog)
		})
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().BoolVar(&accessLog, "access-log", false, "log every request")
}
