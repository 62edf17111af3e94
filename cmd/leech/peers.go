package main

import (
	"fmt"

	"github.com/hallvar-eide/goleech/tracker"
	"github.com/spf13/cobra"
)

func newPeersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "peers <torrent>",
		Short: "Announce to the tracker and print peer addresses",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mi, err := loadMetainfo(args[0])
			if err != nil {
				return err
			}
			peerID, err := newPeerID()
			if err != nil {
				return err
			}
			client := tracker.NewClient(peerID, log)
			resp, err := client.Announce(mi.Announce, mi.Info.InfoHash(), mi.Info.Length)
			if err != nil {
				return err
			}
			for _, p := range resp.Peers {
				fmt.Println(p.String())
			}
			return nil
		},
	}
}
