// Package cmd provides the command-line interface of rendezvous.
package cmd

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/tebeka/atexit"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "rendezvous",
	Short: "Run and inspect rendezvous peers.",
	Long: `rendezvous runs a connector described by a configuration file, ` +
		`checks protocol catalogs and reads recorded rounds back.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags
// appropriately.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		atexit.Exit(1)
	}

	atexit.Exit(0)
}

func printInfo(format string, args ...any) {
	fmt.Printf("%s %s\n", color.CyanString("[rendezvous]"),
		fmt.Sprintf(format, args...))
}

func printError(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "%s %s\n", color.RedString("[rendezvous]"),
		fmt.Sprintf(format, args...))
}

func outcomeString(outcome string) string {
	switch outcome {
	case "committed":
		return color.GreenString(outcome)
	case "no match", "rolled back":
		return color.YellowString(outcome)
	default:
		return color.RedString(outcome)
	}
}
