// Package common provides small cross-cutting utilities shared by
// every package in the runtime: logging setup, an environment-variable
// helper, and a secret-masking helper.
//
// Logging is built on logrus with an output splitter that routes
// error-level entries to stderr and everything else to stdout, so
// container log collectors can treat the two streams differently.
package common

import (
	"bytes"
	"os"

	"github.com/sirupsen/logrus"
)

// OutputSplitter routes logrus output to stderr for error-level entries
// and stdout for everything else, based on simple content matching
// against the standard logrus text/JSON formatter output.
type OutputSplitter struct{}

func (splitter *OutputSplitter) Write(p []byte) (n int, err error) {
	if bytes.Contains(p, []byte("level=error")) || bytes.Contains(p, []byte(`"level":"error"`)) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// Logger is the process-wide logger. Individual components should call
// Logger.WithField("component", ...) rather than constructing their own
// logrus instance, so that output routing and formatting stay uniform.
var Logger = logrus.New()

func init() {
	Logger.SetOutput(&OutputSplitter{})
}

// ConfigureLevel sets the minimum level the global logger emits at,
// accepting the same strings as logrus.ParseLevel ("debug", "info",
// "warn", "error"). Unrecognized levels fall back to info.
func ConfigureLevel(level string) {
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	Logger.SetLevel(parsed)
}

// ConfigureFormat switches the global logger between "json" and human
// readable "text" output. Any other value keeps the current formatter.
func ConfigureFormat(format string) {
	switch format {
	case "json":
		Logger.SetFormatter(&logrus.JSONFormatter{})
	case "text":
		Logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}
