package main

import (
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"
)

func newInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info <torrent>",
		Short: "Print a metainfo file's tracker URL, length, info hash and piece digests",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mi, err := loadMetainfo(args[0])
			if err != nil {
				return err
			}
			hash := mi.Info.InfoHash()
			fmt.Printf("Tracker URL: %s\n", mi.Announce.String())
			fmt.Printf("Length: %d\n", mi.Info.Length)
			fmt.Printf("Info Hash: %s\n", hex.EncodeToString(hash[:]))
			fmt.Printf("Piece Length: %d\n", mi.Info.PieceLength)
			fmt.Println("Piece Hashes:")
			for i := int64(0); i < mi.Info.PieceCount(); i++ {
				h, err := mi.Info.PieceHash(i)
				if err != nil {
					return err
				}
				fmt.Println(hex.EncodeToString(h[:]))
			}
			return nil
		},
	}
}
