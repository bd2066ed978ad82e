package cmd

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var envFile string

var rootCmd = &cobra.Command{
	Use:   "smart-attendance",
	Short: "Face-recognition attendance for classrooms",
	Long: `Smart Attendance marks students present by matching camera frames
against an enrolled gallery of reference face embeddings. Each student
is recorded at most once per session in an append-only attendance ledger.`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "Load environment variables from this file instead of .env")
}

func initConfig() {
	if envFile == "" {
		// .env file is optional, don't fail if not found
		_ = godotenv.Load()
		return
	}
	if err := godotenv.Load(envFile); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not load %s: %v\n", envFile, err)
	}
}
