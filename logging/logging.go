// Package logging provides the structured logging infrastructure for the
// graph mutation engine. It implements output routing that automatically
// directs error-level messages to stderr while sending everything else to
// stdout, which keeps stdout/stderr separation sane in containerized
// deployments and lets operators pipe each stream differently.
//
// The logger is built on logrus. A single package-level Logger instance is
// shared by the worker and cli packages, the only packages in this module
// that log, so that both emit the same structured shape.
package logging

import (
	"bytes"
	"os"

	"github.com/sirupsen/logrus"
)

// OutputSplitter routes formatted log lines to stdout or stderr based on
// the rendered level field. It implements io.Writer and is installed as
// the global Logger's output.
//
// Error-level lines (containing "level=error") go to stderr; everything
// else goes to stdout.
type OutputSplitter struct{}

// Write implements io.Writer. It inspects the formatted line for the
// logrus "level=error" marker and routes accordingly.
func (splitter *OutputSplitter) Write(p []byte) (n int, err error) {
	if bytes.Contains(p, []byte("level=error")) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// Logger is the process-wide logger used by the worker and cli packages.
// Callers that want request/operation scoping should wrap it with
// NewContextLogger rather than constructing a second logrus.Logger.
var Logger = logrus.New()

func init() {
	Logger.SetOutput(&OutputSplitter{})
}
