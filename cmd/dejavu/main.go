package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var (
	noColor bool
	owner   string
)

var rootCmd = &cobra.Command{
	Use:   "dejavu",
	Short: "Answers personal questions with anonymized experiences from others",
	Long: `dejavu answers your messages and, when you describe something you are
going through, may share an anonymized account from someone who went through
something similar. Helpful answers feed decoy variants of your own story back
into the shared pool; your original words never leave your private store.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	Version:       version,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", os.Getenv("NO_COLOR") != "", "disable colored output")
	rootCmd.PersistentFlags().StringVar(&owner, "owner", os.Getenv("DEJAVU_OWNER"), "identity to act as (defaults to the server's local owner)")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(askCmd)
	rootCmd.AddCommand(feedbackCmd)
	rootCmd.AddCommand(conversationsCmd)
	rootCmd.AddCommand(poolCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}

func versionLine() string {
	return fmt.Sprintf("dejavu version %s", version)
}
