package utils

import "github.com/sirupsen/logrus"

// NewDefaultTextFormatter returns the text formatter used by every daemon
// and CLI tool in this module, colored when writing to a terminal.
func NewDefaultTextFormatter(colors bool) logrus.Formatter {
	return &logrus.TextFormatter{
		ForceColors:     colors,
		DisableColors:   !colors,
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
	}
}

// NewTestJSONFormatter returns the formatter used by InitLoggerForTests,
// so log assertions in tests can parse structured fields.
func NewTestJSONFormatter() logrus.Formatter {
	return &logrus.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05.000Z07:00"}
}
