// Command leech is the CLI front end for the goleech BitTorrent
// leeching engine: it maps each subcommand onto the core operations
// of metainfo parsing, magnet parsing, tracker announce, peer
// handshake, and piece/file download.
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	log      = logrus.New()
	logLevel string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "leech",
		Short:         "A BitTorrent leeching client",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level, err := logrus.ParseLevel(logLevel)
			if err != nil {
				level = logrus.InfoLevel
			}
			log.SetLevel(level)
		},
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level (debug, info, warn, error)")

	root.AddCommand(
		newDecodeCmd(),
		newInfoCmd(),
		newPeersCmd(),
		newHandshakeCmd(),
		newDownloadPieceCmd(),
		newDownloadCmd(),
		newMagnetParseCmd(),
		newMagnetHandshakeCmd(),
		newMagnetInfoCmd(),
		newMagnetDownloadPieceCmd(),
		newMagnetDownloadCmd(),
	)
	return root
}
