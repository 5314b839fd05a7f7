package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	configDir        string
	classifyLanguage string
)

var rootCmd = &cobra.Command{
	Use:           "civicaid",
	Short:         "Community assistance request service",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE:  runServe,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	RunE:  runMigrate,
}

var classifyCmd = &cobra.Command{
	Use:   "classify [text...]",
	Short: "Normalize and classify an utterance, printing the result as JSON",
	Long: `Runs the intake pipeline up to classification without creating a request.

Uses the configured AI responder when GEMINI_API_KEY is set and the keyword
rules otherwise.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runClassify,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config", "", "Directory containing config.yaml (default: . and ./configs)")
	classifyCmd.Flags().StringVar(&classifyLanguage, "lang", "en", "BCP 47 language tag of the utterance")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(classifyCmd)
}

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "warning: .env not loaded: %v\n", err)
	}

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
