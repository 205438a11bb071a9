package cmd

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sarchlab/rendezvous/datarecording"
)

var (
	inspectLimit     int
	inspectConnector string
	inspectMessages  int
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <recording.sqlite3>",
	Short: "Show the rounds stored in a recording.",
	Long: `inspect lists the recorded rounds, newest last. With --messages ` +
		`and --connector it lists the messages of one round instead.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reader, err := datarecording.NewReader(args[0])
		if err != nil {
			return err
		}
		defer reader.Close()

		datarecording.MapTables(reader)

		if inspectMessages >= 0 {
			if inspectConnector == "" {
				return fmt.Errorf("--messages needs --connector")
			}

			return printMessages(cmd.Context(), cmd.OutOrStdout(), reader,
				inspectConnector, uint64(inspectMessages))
		}

		return printRounds(cmd.Context(), cmd.OutOrStdout(), reader,
			inspectConnector, inspectLimit)
	},
}

func init() {
	rootCmd.AddCommand(inspectCmd)

	inspectCmd.Flags().IntVar(&inspectLimit, "limit", 0,
		"Show only the last n rounds, 0 for all")
	inspectCmd.Flags().StringVar(&inspectConnector, "connector", "",
		"Only show this connector")
	inspectCmd.Flags().IntVar(&inspectMessages, "messages", -1,
		"Show the messages of this round")
}

func printRounds(
	ctx context.Context,
	w io.Writer,
	reader datarecording.DataReader,
	connector string,
	limit int,
) error {
	rows, err := datarecording.Rounds(ctx, reader, connector, limit)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CONNECTOR\tROUND\tOUTCOME\tBATCH\tRECEIVED\tSECONDS\tERROR")

	for _, r := range rows {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%d\t%d\t%.3f\t%s\n",
			r.Connector, r.Round, outcomeString(r.Outcome), r.Batch,
			r.Received, r.Duration, r.Error)
	}

	return tw.Flush()
}

func printMessages(
	ctx context.Context,
	w io.Writer,
	reader datarecording.DataReader,
	connector string,
	roundIndex uint64,
) error {
	rows, err := datarecording.Messages(ctx, reader, connector, roundIndex)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "DIR\tPORT\tKIND\tMESSAGE")

	for _, m := range rows {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", m.Direction, m.Port, m.Kind,
			m.Content)
	}

	return tw.Flush()
}
