package main

import (
	"encoding/hex"
	"fmt"

	"github.com/hallvar-eide/goleech/peer"
	"github.com/spf13/cobra"
)

func newHandshakeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "handshake <torrent> <ip:port>",
		Short: "Perform a peer handshake and print the peer's id",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			mi, err := loadMetainfo(args[0])
			if err != nil {
				return err
			}
			ourID, err := newPeerID()
			if err != nil {
				return err
			}
			sess, err := peer.Dial(args[1], mi.Info.InfoHash(), ourID, int(mi.Info.PieceCount()), log)
			if err != nil {
				return err
			}
			defer sess.Close()
			fmt.Printf("Peer ID: %s\n", hex.EncodeToString(sess.PeerID[:]))
			return nil
		},
	}
}
