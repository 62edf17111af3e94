package main

import (
	"encoding/json"
	"fmt"

	"github.com/hallvar-eide/goleech/bencode"
	"github.com/spf13/cobra"
)

func newDecodeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "decode <bencoded_str>",
		Short: "Decode a bencoded value and print it as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, _, err := bencode.Decode([]byte(args[0]))
			if err != nil {
				return err
			}
			out, err := json.Marshal(bencode.ToAny(v))
			if err != nil {
				return fmt.Errorf("rendering decoded value: %w", err)
			}
			fmt.Println(string(out))
			return nil
		},
	}
}
