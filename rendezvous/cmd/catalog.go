package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/sarchlab/rendezvous/protocol"
)

var catalogCmd = &cobra.Command{
	Use:   "catalog <file>",
	Short: "Check a protocol catalog and list its entry points.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		catalog, err := protocol.LoadCatalog(args[0])
		if err != nil {
			return err
		}

		return printCatalog(cmd.OutOrStdout(), catalog)
	},
}

func init() {
	rootCmd.AddCommand(catalogCmd)
}

func printCatalog(w io.Writer, catalog *protocol.Catalog) error {
	for _, name := range catalog.EntryPoints() {
		iface, err := catalog.Interface(name)
		if err != nil {
			return err
		}

		fmt.Fprintf(w, "%s\n", name)

		for i, polarity := range iface.Ports {
			fmt.Fprintf(w, "  port %d: %s", i, polarity)

			if peer, ok := iface.PeerOf(i); ok {
				fmt.Fprintf(w, " (local channel with port %d)", peer)
			}

			fmt.Fprintln(w)
		}

		for _, group := range iface.Exclusive {
			fmt.Fprintf(w, "  exclusive: %v\n", group)
		}
	}

	return nil
}
