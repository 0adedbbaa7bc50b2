package util

import (
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetFlagsFromEnvVars(t *testing.T) {
	var logLevel, home string
	var breakStale bool
	cmd := &cobra.Command{Use: "test"}
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "")
	cmd.Flags().StringVar(&home, "home", "", "")
	cmd.Flags().BoolVar(&breakStale, "break-stale-lock", false, "")

	require.NoError(t, cmd.Flags().Set("home", "/from/cli"))
	t.Setenv("CLICKSTART_LOG_LEVEL", "debug")
	t.Setenv("CLICKSTART_HOME", "/from/env")
	t.Setenv("CLICKSTART_BREAK_STALE_LOCK", "true")

	SetFlagsFromEnvVars(cmd)

	assert.Equal(t, "debug", logLevel)
	assert.Equal(t, "/from/cli", home, "command line wins")
	assert.True(t, breakStale)
}

func TestFlagNameToUpper(t *testing.T) {
	assert.Equal(t, "SHOW_EMBEDDED_CONFIG", flagNameToUpper("show-embedded-config"))
}
