package cmd

import (
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mwarren/bugtrack/internal/api"
	"github.com/mwarren/bugtrack/internal/auth"
	"github.com/mwarren/bugtrack/internal/llm"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	Long: `Start the bugtrack HTTP API server.
By default it listens on port 8080. Use --port to change it.

Triage suggestions require an Anthropic API key (anthropic.api_key in
the config file or BUGTRACK_ANTHROPIC_API_KEY); without one the triage
endpoint returns an error and everything else works normally.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := getStore()
		if err != nil {
			return err
		}

		ttl, err := time.ParseDuration(viper.GetString("session_ttl"))
		if err != nil {
			return fmt.Errorf("invalid session_ttl: %w", err)
		}
		sessions := auth.NewSessions(ttl)

		var llmClient *llm.Client
		if apiKey := viper.GetString("anthropic.api_key"); apiKey != "" {
			llmClient = llm.NewClient(apiKey, viper.GetString("anthropic.model"))
		}

		srv := api.NewServer(s, sessions, llmClient)

		addr := fmt.Sprintf(":%d", viper.GetInt("port"))
		ui.Info("Serving API at http://localhost%s", addr)
		return http.ListenAndServe(addr, srv.Router())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().IntP("port", "p", 8080, "port to listen on")
	_ = viper.BindPFlag("port", serveCmd.Flags().Lookup("port"))
}
