package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/ismrmrd/mrd_storage_sdk_go/pkg/mrdstore"
)

func LatestCommand(factory ClientFactory) *cobra.Command {
	var (
		filters queryFlags
		output  string
		meta    bool
	)

	cmd := &cobra.Command{
		Use:   "latest",
		Short: "Print the most recently stored blob matching the filters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := filters.query()
			if err != nil {
				return err
			}
			client, err := factory.NewClient()
			if err != nil {
				return err
			}
			payload, err := client.FetchLatest(cmd.Context(), q)
			if err != nil {
				return err
			}

			if meta {
				printInfo(cmd.OutOrStdout(), &payload.BlobInfo, len(payload.Raw))
				return nil
			}
			if output != "" {
				return errors.Wrap(os.WriteFile(output, payload.Raw, 0o644), "writing output")
			}
			return printPayload(cmd.OutOrStdout(), payload)
		},
	}

	cmd.Flags().StringVar(&filters.name, "name", "", "Only blobs with this name")
	cmd.Flags().StringArrayVar(&filters.tags, "tag", nil, "Only blobs with this tag, as key=value; repeatable")
	cmd.Flags().StringVar(&filters.at, "at", "", "Fetch as of this RFC 3339 time")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Write the raw data to this file")
	cmd.Flags().BoolVar(&meta, "meta", false, "Print the blob's metadata instead of its data")

	return cmd
}

// printPayload writes JSON documents indented, numeric arrays as JSON, and
// anything else as is.
func printPayload(out io.Writer, payload *mrdstore.Payload) error {
	value, err := payload.Value()
	if err != nil {
		return err
	}
	if raw, ok := value.([]byte); ok {
		_, err := out.Write(raw)
		return err
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(value); err != nil {
		return errors.Wrap(err, "formatting payload")
	}
	_, err = out.Write(buf.Bytes())
	return err
}

func printInfo(out io.Writer, info *mrdstore.BlobInfo, size int) {
	fmt.Fprintf(out, "subject:       %s\n", info.Subject)
	if info.Name != "" {
		fmt.Fprintf(out, "name:          %s\n", info.Name)
	}
	if info.Device != "" {
		fmt.Fprintf(out, "device:        %s\n", info.Device)
	}
	if info.Session != "" {
		fmt.Fprintf(out, "session:       %s\n", info.Session)
	}
	fmt.Fprintf(out, "content type:  %s\n", info.ContentType)
	fmt.Fprintf(out, "size:          %s\n", humanize.Bytes(uint64(size)))
	if !info.LastModified.IsZero() {
		fmt.Fprintf(out, "last modified: %s\n", humanize.Time(info.LastModified))
	}
	if info.ExpiresAt != nil {
		fmt.Fprintf(out, "expires:       %s\n", humanize.Time(*info.ExpiresAt))
	}
	if tags := formatTags(info.CustomTags); tags != "" {
		fmt.Fprintf(out, "tags:          %s\n", tags)
	}
}

func formatTags(tags mrdstore.Tags) string {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		for _, v := range tags[k] {
			parts = append(parts, k+"="+v)
		}
	}
	return strings.Join(parts, ",")
}
