package util

import (
	"context"
	"io"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/clickstart/clickstart/formatter"
)

type LogSource string

const (
	InstallerSource LogSource = "INSTALLER"
	LauncherSource  LogSource = "LAUNCHER"
)

type contextKey string

const (
	sourceKey contextKey = "source"
	appKey    contextKey = "app"
)

// WithSource returns a context tagging log entries with the process that wrote them.
func WithSource(ctx context.Context, source LogSource) context.Context {
	return context.WithValue(ctx, sourceKey, source)
}

// WithApp returns a context tagging log entries with an application uid.
func WithApp(ctx context.Context, appUID string) context.Context {
	if appUID == "" {
		return ctx
	}
	return context.WithValue(ctx, appKey, appUID)
}

// InitLog parses and sets log-level input
func InitLog(logLevel string, logPath string) error {
	level, err := log.ParseLevel(logLevel)
	if err != nil {
		log.Errorf("Failed parsing log-level %s: %s", logLevel, err)
		return err
	}

	if logPath != "" && logPath != "console" {
		if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
			log.Errorf("Failed creating log directory for %s: %s", logPath, err)
			return err
		}
		lumberjackLogger := &lumberjack.Logger{
			// Log file absolute path, os agnostic
			Filename:   filepath.ToSlash(logPath),
			MaxSize:    5, // MB
			MaxBackups: 10,
			MaxAge:     30, // days
			Compress:   true,
		}
		log.SetOutput(io.Writer(lumberjackLogger))
	}

	formatter.SetTextFormatter(log.StandardLogger(), func(next log.Formatter) log.Formatter {
		return &CustomFormatter{next}
	})
	log.SetLevel(level)
	return nil
}

// CustomFormatter adds the source and app fields carried by the entry context
type CustomFormatter struct {
	log.Formatter
}

func (f *CustomFormatter) Format(entry *log.Entry) ([]byte, error) {
	if entry.Context == nil {
		return f.Formatter.Format(entry)
	}

	if source, ok := entry.Context.Value(sourceKey).(LogSource); ok {
		entry.Data["source"] = string(source)
	}
	if app, ok := entry.Context.Value(appKey).(string); ok {
		entry.Data["app"] = app
	}

	return f.Formatter.Format(entry)
}
