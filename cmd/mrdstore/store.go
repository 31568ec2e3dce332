package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/ismrmrd/mrd_storage_sdk_go/pkg/mrdstore"
)

func StoreCommand(factory ClientFactory) *cobra.Command {
	var (
		name string
		ttl  string
		tags []string
		raw  bool
	)

	cmd := &cobra.Command{
		Use:   "store [file]",
		Short: "Store a blob read from a file or stdin",
		Long: "Store a blob read from a file, or from stdin when no file or '-' is given. " +
			"JSON arrays of numbers are stored as numeric arrays, other JSON documents as JSON, " +
			"and anything with --raw as bytes.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			input, err := readInput(cmd.InOrStdin(), args)
			if err != nil {
				return err
			}
			data, err := decodeInput(input, raw)
			if err != nil {
				return err
			}
			customTags, err := parseTags(tags)
			if err != nil {
				return err
			}

			client, err := factory.NewClient()
			if err != nil {
				return err
			}
			info, err := client.Store(cmd.Context(), data, &mrdstore.StoreOptions{
				Name:       name,
				TTL:        ttl,
				CustomTags: customTags,
			})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if info == nil {
				fmt.Fprintf(out, "stored %s\n", humanize.Bytes(uint64(len(input))))
				return nil
			}
			fmt.Fprintf(out, "stored %s (%s, %s)\n", info.Location, info.ContentType, humanize.Bytes(uint64(len(input))))
			if info.ExpiresAt != nil {
				fmt.Fprintf(out, "expires %s\n", humanize.Time(*info.ExpiresAt))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Name of the blob")
	cmd.Flags().StringVar(&ttl, "ttl", "", "Time to live, e.g. 10m or 2h")
	cmd.Flags().StringArrayVar(&tags, "tag", nil, "Custom tag as key=value; repeat for more tags or values")
	cmd.Flags().BoolVar(&raw, "raw", false, "Store the input as bytes")

	return cmd
}

func readInput(stdin io.Reader, args []string) ([]byte, error) {
	if len(args) == 0 || args[0] == "-" {
		data, err := io.ReadAll(stdin)
		return data, errors.Wrap(err, "reading stdin")
	}
	data, err := os.ReadFile(args[0])
	return data, errors.Wrapf(err, "reading %s", args[0])
}

// decodeInput picks what to store for the given input.
func decodeInput(input []byte, raw bool) (any, error) {
	if raw {
		return input, nil
	}
	trimmed := bytes.TrimSpace(input)
	if !json.Valid(trimmed) {
		return nil, errors.New("input is not valid JSON; use --raw to store bytes")
	}
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var arr []float64
		if err := json.Unmarshal(trimmed, &arr); err == nil {
			return arr, nil
		}
	}
	return json.RawMessage(trimmed), nil
}
