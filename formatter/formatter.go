package formatter

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
)

const callerKey = "caller"

var levelDesc = []string{"PANC", "FATL", "ERRO", "WARN", "INFO", "DEBG", "TRAC"}

// TextFormatter formats logs into text with included source code's path
type TextFormatter struct {
	timestampFormat string
	levelDesc       []string
}

// NewTextFormatter create new TextFormatter instance
func NewTextFormatter() *TextFormatter {
	return &TextFormatter{
		levelDesc:       levelDesc,
		timestampFormat: "2006-01-02T15:04:05.000Z07:00",
	}
}

// Format renders a single log entry
func (f *TextFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	var fields string
	keys := make([]string, 0, len(entry.Data))
	for k, v := range entry.Data {
		if k == callerKey {
			continue
		}
		keys = append(keys, fmt.Sprintf("%s: %v", k, v))
	}
	sort.Strings(keys)

	if len(keys) > 0 {
		fields = fmt.Sprintf("[%s] ", strings.Join(keys, ", "))
	}

	var caller string
	if c, ok := entry.Data[callerKey]; ok {
		caller = fmt.Sprintf("%v: ", c)
	}

	level := f.parseLevel(entry.Level)

	return []byte(fmt.Sprintf("%s %s %s%s%s\n", entry.Time.Format(f.timestampFormat), level, fields, caller, entry.Message)), nil
}

func (f *TextFormatter) parseLevel(level logrus.Level) string {
	if int(level) >= len(f.levelDesc) {
		return ""
	}

	return f.levelDesc[level]
}
