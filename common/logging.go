// Package common provides the logging infrastructure shared by all weave
// components. Log output is routed by severity: error-level lines go to
// stderr, everything else to stdout, so containerized deployments can treat
// the two streams differently.
//
// The package exposes a global Logger plus constructors for configured and
// context-scoped loggers. All services and workers are expected to log
// through these so that field names and formatting stay uniform across the
// ingestion pipeline, the query side, and the HTTP surface.
package common

import (
	"bytes"
	"os"

	"github.com/sirupsen/logrus"
)

// OutputSplitter routes formatted log lines to stdout or stderr based on
// their level marker. It matches the literal "level=error" token logrus
// emits, which holds for both the text and JSON formatters.
type OutputSplitter struct{}

// Write sends error-level lines to stderr and everything else to stdout.
func (splitter *OutputSplitter) Write(p []byte) (n int, err error) {
	if bytes.Contains(p, []byte("level=error")) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// Logger is the process-wide default logger. It is ready to use on import;
// services that need different formatting or levels should build their own
// instance with NewLogger instead of mutating this one.
var Logger = logrus.New()

func init() {
	Logger.SetOutput(&OutputSplitter{})
}
