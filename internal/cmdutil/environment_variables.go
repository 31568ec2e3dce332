package cmdutil

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/pflag"
)

// SetFlagsFromEnvVariables sets each flag from an env variable named after
// it: the prefix followed by the upper-cased flag name with dashes replaced
// by underscores. Flags given on the command line still win.
func SetFlagsFromEnvVariables(fs *pflag.FlagSet, prefix string) error {
	var err error
	fs.VisitAll(func(f *pflag.Flag) {
		if err != nil {
			return
		}
		envVar := FlagToEnvVarName(prefix, f.Name)
		if val, present := os.LookupEnv(envVar); present {
			if setErr := fs.Set(f.Name, val); setErr != nil {
				err = fmt.Errorf("invalid value for %s: %w", envVar, setErr)
			}
		}
	})
	return err
}

// FlagToEnvVarName returns the env variable that sets the named flag.
func FlagToEnvVarName(prefix, name string) string {
	return prefix + strings.ReplaceAll(strings.ToUpper(name), "-", "_")
}
