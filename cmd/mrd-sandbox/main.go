package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ismrmrd/mrd_storage_sdk_go/internal/cmdutil"
	"github.com/ismrmrd/mrd_storage_sdk_go/internal/logr"
	"github.com/ismrmrd/mrd_storage_sdk_go/internal/sandbox"
)

const (
	// DefaultAddress matches the default port of the MRD storage server.
	DefaultAddress = ":3333"

	envPrefix = "MRD_SANDBOX_"
)

func main() {
	// Configure ^C to terminate program
	ctx, cancel := context.WithCancel(context.Background())
	cmdutil.CatchCtrlC(cancel)

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		cmdutil.PrintError(err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	var (
		addr      string
		serverCfg sandbox.Config
		loggerCfg logr.Config
	)

	cmd := &cobra.Command{
		Use:           "mrd-sandbox",
		Short:         "In-memory MRD storage server",
		Long:          "mrd-sandbox serves an in-memory MRD storage server for local development, with optional latency and failure injection.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := logr.New(loggerCfg)
			if err != nil {
				return err
			}
			server, err := sandbox.New(logger, serverCfg)
			if err != nil {
				return err
			}
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("listening on %s: %w", addr, err)
			}

			host := ln.Addr().String()
			if strings.HasPrefix(addr, ":") {
				host = "localhost" + addr
			}
			fmt.Fprintln(cmd.OutOrStdout())
			fmt.Fprintln(cmd.OutOrStdout(), "export MRD_STORAGE_MODE=http")
			fmt.Fprintf(cmd.OutOrStdout(), "export MRD_STORAGE_URL=http://%s\n", host)
			fmt.Fprintln(cmd.OutOrStdout())

			return server.Start(cmd.Context(), ln)
		},
	}
	cmd.SetOut(out)
	cmd.SetArgs(args)

	flags := cmd.Flags()
	flags.StringVar(&addr, "address", DefaultAddress, "Listening address")
	flags.StringVar(&serverCfg.SeedPath, "seed", "", "Path to a JSON seed of blobs to preload")
	flags.DurationVar(&serverCfg.Latency, "latency", 0, "Artificial latency to inject per request")
	flags.Var(&serverCfg.Fail, "fail", "Failure injection (rate=<float>,code=<httpStatus>)")
	flags.IntVar(&serverCfg.PageSize, "page-size", 0, "Default number of blobs per search page")
	flags.BoolVar(&serverCfg.EnableRequestLogging, "log-http-requests", false, "Log HTTP requests")
	logr.LoadConfigFromFlags(flags, &loggerCfg)

	if err := cmdutil.SetFlagsFromEnvVariables(flags, envPrefix); err != nil {
		return err
	}

	return cmd.ExecuteContext(ctx)
}
