package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func BlobsCommand(factory ClientFactory) *cobra.Command {
	var (
		filters  queryFlags
		limit    int
		pageSize int
	)

	cmd := &cobra.Command{
		Use:   "blobs",
		Short: "List stored blobs matching the filters, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := filters.query()
			if err != nil {
				return err
			}
			q.PageSize = pageSize
			client, err := factory.NewClient()
			if err != nil {
				return err
			}
			it, err := client.FetchBlobs(q)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tCONTENT TYPE\tMODIFIED\tEXPIRES\tTAGS")
			n := 0
			for (limit <= 0 || n < limit) && it.Next(cmd.Context()) {
				blob := it.Blob()
				expires := "-"
				if blob.ExpiresAt != nil {
					expires = humanize.Time(*blob.ExpiresAt)
				}
				name := blob.Name
				if name == "" {
					name = "-"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", name, blob.ContentType, humanize.Time(blob.LastModified), expires, formatTags(blob.CustomTags))
				n++
			}
			if err := it.Err(); err != nil {
				return err
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&filters.name, "name", "", "Only blobs with this name")
	cmd.Flags().StringArrayVar(&filters.tags, "tag", nil, "Only blobs with this tag, as key=value; repeatable")
	cmd.Flags().StringVar(&filters.at, "at", "", "List as of this RFC 3339 time")
	cmd.Flags().IntVar(&limit, "limit", 0, "Stop after this many blobs; 0 lists all")
	cmd.Flags().IntVar(&pageSize, "page-size", 0, "Blobs requested per page")

	return cmd
}
