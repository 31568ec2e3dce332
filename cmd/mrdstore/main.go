package main

import (
	"context"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/ismrmrd/mrd_storage_sdk_go/internal/cmdutil"
	"github.com/ismrmrd/mrd_storage_sdk_go/internal/logr"
	"github.com/ismrmrd/mrd_storage_sdk_go/pkg/mrdstore"
)

func main() {
	// Configure ^C to terminate program
	ctx, cancel := context.WithCancel(context.Background())
	cmdutil.CatchCtrlC(cancel)

	if err := Run(ctx, os.Args[1:], os.Stdin, os.Stdout); err != nil {
		cmdutil.PrintError(err)
		os.Exit(1)
	}
}

// ClientConfig holds the connection flags shared by every command.
type ClientConfig struct {
	mrdstore.Config
	LogConfig logr.Config
}

// NewClient constructs a storage client from the flags.
func (c *ClientConfig) NewClient() (*mrdstore.Client, error) {
	logger, err := logr.New(c.LogConfig)
	if err != nil {
		return nil, err
	}
	cfg := c.Config
	cfg.Logger = logger
	return mrdstore.New(cfg)
}

// Run executes the command line given by args.
func Run(ctx context.Context, args []string, in io.Reader, out io.Writer) error {
	cfg := &ClientConfig{}

	cmd := &cobra.Command{
		Use:           "mrdstore",
		Short:         "MRD storage server client",
		SilenceUsage:  true,
		SilenceErrors: true,
		// Define run func in order to enable cobra's default help functionality
		Run: func(cmd *cobra.Command, args []string) {},
	}
	cmd.SetIn(in)
	cmd.SetOut(out)
	cmd.SetArgs(args)

	flags := cmd.PersistentFlags()
	flags.StringVar(&cfg.URL, "url", "", "Base URL of the storage server; overrides --host and --port")
	flags.StringVar(&cfg.Host, "host", mrdstore.DefaultHost, "Storage server host")
	flags.IntVar(&cfg.Port, "port", mrdstore.DefaultPort, "Storage server port")
	flags.StringVar(&cfg.Subject, "subject", mrdstore.DefaultSubject, "Subject blobs are stored under")
	flags.StringVar(&cfg.Device, "device", "", "Device blobs are stored under")
	flags.StringVar(&cfg.Session, "session", "", "Session blobs are stored under")
	flags.DurationVar(&cfg.Timeout, "timeout", mrdstore.DefaultTimeout, "Timeout of each request")
	flags.IntVar(&cfg.MaxRetries, "retries", 0, "Retries of failed fetches; 0 for the default, -1 for none")
	logr.LoadConfigFromFlags(flags, &cfg.LogConfig)

	cmd.AddCommand(HealthcheckCommand(cfg))
	cmd.AddCommand(StoreCommand(cfg))
	cmd.AddCommand(LatestCommand(cfg))
	cmd.AddCommand(BlobsCommand(cfg))

	if err := cmdutil.SetFlagsFromEnvVariables(flags, mrdstore.EnvPrefix); err != nil {
		return err
	}

	return cmd.ExecuteContext(ctx)
}

// ClientFactory constructs a Client once flags are parsed.
type ClientFactory interface {
	NewClient() (*mrdstore.Client, error)
}
