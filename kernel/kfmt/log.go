// Package kfmt provides the kernel's logging facilities. All kernel modules
// log through a shared logrus logger; each entry carries the name of the
// module that produced it.
package kfmt

import (
	"io"

	"github.com/sirupsen/logrus"
)

var base = logrus.New()

func init() {
	base.SetLevel(logrus.InfoLevel)
	base.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
}

// Logger returns a log entry tagged with the supplied module name.
func Logger(module string) *logrus.Entry {
	return base.WithField("module", module)
}

// SetOutputSink redirects all kernel log output to w.
func SetOutputSink(w io.Writer) {
	base.SetOutput(w)
}

// SetLevel changes the minimum level of messages that reach the output sink.
func SetLevel(level logrus.Level) {
	base.SetLevel(level)
}
