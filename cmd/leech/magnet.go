package main

import (
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/hallvar-eide/goleech/extension"
	"github.com/hallvar-eide/goleech/magnet"
	"github.com/hallvar-eide/goleech/metainfo"
	"github.com/hallvar-eide/goleech/peer"
	"github.com/hallvar-eide/goleech/tracker"
	"github.com/spf13/cobra"
)

func newMagnetParseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "magnet_parse <uri>",
		Short: "Parse a magnet URI and print its info hash and tracker URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			link, err := magnet.Parse(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Info Hash: %s\n", link.InfoHashHex())
			if link.TrackerURL != "" {
				fmt.Printf("Tracker URL: %s\n", link.TrackerURL)
			}
			return nil
		},
	}
}

func newMagnetHandshakeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "magnet_handshake <uri>",
		Short: "Announce to the magnet's tracker, handshake with the first peer, and negotiate extensions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			link, err := magnet.Parse(args[0])
			if err != nil {
				return err
			}
			sess, _, err := dialFirstMagnetPeer(link)
			if err != nil {
				return err
			}
			defer sess.Close()
			fmt.Printf("Peer ID: %s\n", hex.EncodeToString(sess.PeerID[:]))
			if sess.SupportsExtensions() {
				peerUtID, err := extension.Handshake(sess)
				if err != nil {
					return err
				}
				fmt.Printf("Peer Metadata Extension ID: %d\n", peerUtID)
			}
			return nil
		},
	}
}

func newMagnetInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "magnet_info <uri>",
		Short: "Fetch an Info over the wire from a magnet URI and print it like info",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			link, err := magnet.Parse(args[0])
			if err != nil {
				return err
			}
			info, err := fetchMagnetInfo(link)
			if err != nil {
				return err
			}
			hash := info.InfoHash()
			fmt.Printf("Tracker URL: %s\n", link.TrackerURL)
			fmt.Printf("Length: %d\n", info.Length)
			fmt.Printf("Info Hash: %s\n", hex.EncodeToString(hash[:]))
			fmt.Printf("Piece Length: %d\n", info.PieceLength)
			fmt.Println("Piece Hashes:")
			for i := int64(0); i < info.PieceCount(); i++ {
				h, err := info.PieceHash(i)
				if err != nil {
					return err
				}
				fmt.Println(hex.EncodeToString(h[:]))
			}
			return nil
		},
	}
}

func newMagnetDownloadPieceCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "magnet_download_piece <uri> <i>",
		Short: "Fetch metadata from a magnet URI, then download one piece",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			index, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("piece index must be an integer: %w", err)
			}
			link, err := magnet.Parse(args[0])
			if err != nil {
				return err
			}
			info, err := fetchMagnetInfo(link)
			if err != nil {
				return err
			}
			data, err := downloadPieceFromInfo(info, link.TrackerURL, index, nil)
			if err != nil {
				return err
			}
			return writeFileAtomic(out, data)
		},
	}
	cmd.Flags().StringVarP(&out, "output", "o", "", "output file path")
	cmd.MarkFlagRequired("output")
	return cmd
}

func newMagnetDownloadCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "magnet_download <uri>",
		Short: "Fetch metadata from a magnet URI, then download the full file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			link, err := magnet.Parse(args[0])
			if err != nil {
				return err
			}
			info, err := fetchMagnetInfo(link)
			if err != nil {
				return err
			}
			data, err := downloadFullFromInfo(info, link.TrackerURL)
			if err != nil {
				return err
			}
			return writeFileAtomic(out, data)
		},
	}
	cmd.Flags().StringVarP(&out, "output", "o", "", "output file path")
	cmd.MarkFlagRequired("output")
	return cmd
}

// dialFirstMagnetPeer announces to the magnet's tracker with a
// placeholder "left" (the real length is unknown before metadata
// fetch) and connects to the first reachable peer.
func dialFirstMagnetPeer(link *magnet.Link) (*peer.Session, tracker.PeerEndpoint, error) {
	ourID, err := newPeerID()
	if err != nil {
		return nil, tracker.PeerEndpoint{}, err
	}
	announce, err := parseAnnounceURL(link.TrackerURL)
	if err != nil {
		return nil, tracker.PeerEndpoint{}, err
	}
	client := tracker.NewClient(ourID, log)
	resp, err := client.Announce(announce, link.InfoHash, 1)
	if err != nil {
		return nil, tracker.PeerEndpoint{}, err
	}
	if len(resp.Peers) == 0 {
		return nil, tracker.PeerEndpoint{}, fmt.Errorf("tracker returned no peers for %s", link.InfoHashHex())
	}
	for _, ep := range resp.Peers {
		sess, err := peer.Dial(ep.String(), link.InfoHash, ourID, 0, log)
		if err != nil {
			continue
		}
		return sess, ep, nil
	}
	return nil, tracker.PeerEndpoint{}, fmt.Errorf("could not handshake with any peer for %s", link.InfoHashHex())
}

func fetchMagnetInfo(link *magnet.Link) (*metainfo.Info, error) {
	sess, _, err := dialFirstMagnetPeer(link)
	if err != nil {
		return nil, err
	}
	defer sess.Close()

	if !sess.SupportsExtensions() {
		return nil, fmt.Errorf("peer does not support the extension protocol required for magnet metadata fetch")
	}
	peerUtID, err := extension.Handshake(sess)
	if err != nil {
		return nil, err
	}
	return extension.FetchInfo(sess, peerUtID, link.InfoHash, log)
}
