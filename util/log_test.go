package util

import (
	"bytes"
	"context"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCustomFormatter_ContextFields(t *testing.T) {
	logger := log.New()
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	logger.SetFormatter(&CustomFormatter{&log.TextFormatter{DisableTimestamp: true}})

	ctx := WithApp(WithSource(context.Background(), LauncherSource), "crm")
	logger.WithContext(ctx).Info("starting")

	out := buf.String()
	assert.Contains(t, out, "source=LAUNCHER")
	assert.Contains(t, out, "app=crm")
	assert.Contains(t, out, "msg=starting")
}

func TestCustomFormatter_NoContext(t *testing.T) {
	logger := log.New()
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	logger.SetFormatter(&CustomFormatter{&log.TextFormatter{DisableTimestamp: true}})

	logger.Info("plain")
	assert.NotContains(t, buf.String(), "source=")
}

func TestInitLog_InvalidLevel(t *testing.T) {
	require.Error(t, InitLog("loud", "console"))
}
