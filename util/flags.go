package util

import (
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

const envPrefix = "CLICKSTART_"

// SetFlagsFromEnvVars reads and updates flag values from environment variables with
// prefix CLICKSTART_. Flags set on the command line win over the environment.
func SetFlagsFromEnvVars(cmd *cobra.Command) {
	for _, flags := range []*pflag.FlagSet{cmd.PersistentFlags(), cmd.Flags()} {
		flags.VisitAll(func(f *pflag.Flag) {
			if f.Changed {
				return
			}

			// E.g. log-level -> CLICKSTART_LOG_LEVEL
			envName := envPrefix + flagNameToUpper(f.Name)
			if value, present := os.LookupEnv(envName); present {
				if err := flags.Set(f.Name, value); err != nil {
					log.Infof("unable to configure flag %s using variable %s, err: %v", f.Name, envName, err)
				}
			}
		})
	}
}

// flagNameToUpper converts a flag name to its corresponding base env name
// replacing dashes by underscores and making the result uppercase
// E.g. break-stale-lock -> BREAK_STALE_LOCK
func flagNameToUpper(cmdFlag string) string {
	return strings.ToUpper(strings.ReplaceAll(cmdFlag, "-", "_"))
}
