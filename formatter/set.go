package formatter

import "github.com/sirupsen/logrus"

// SetTextFormatter set the formatter for given logger. wrap decorates the text formatter,
// it may be nil.
func SetTextFormatter(logger *logrus.Logger, wrap func(logrus.Formatter) logrus.Formatter) {
	var f logrus.Formatter = NewTextFormatter()
	if wrap != nil {
		f = wrap(f)
	}
	logger.Formatter = f
	logger.ReportCaller = true
	logger.AddHook(NewContextHook())
}
