package logging

import (
	"io"

	"github.com/sirupsen/logrus"
)

type prefixFormatter struct {
	prefix    string
	formatter logrus.Formatter
}

// Options configures the package-level application log. Access logging is
// out of scope for this module: the host owns request/response logging of
// its own choosing, this package only gives the data-plane components a
// place to log.
type Options struct {

	// Prefix for application log entries. Useful for multiplexing several
	// components' logs on one output.
	ApplicationLogPrefix string

	// Output for the application log entries, when nil, os.Stderr is used.
	ApplicationLogOutput io.Writer
}

func (f *prefixFormatter) Format(e *logrus.Entry) ([]byte, error) {
	b, err := f.formatter.Format(e)
	if err != nil {
		return nil, err
	}

	return append([]byte(f.prefix), b...), nil
}

// Init configures logrus's package-level standard logger. A DefaultLog
// built by New has its own logrus.Logger and is not affected.
func Init(o Options) {
	if o.ApplicationLogPrefix != "" {
		logrus.SetFormatter(&prefixFormatter{
			o.ApplicationLogPrefix, logrus.StandardLogger().Formatter})
	}

	if o.ApplicationLogOutput != nil {
		logrus.SetOutput(o.ApplicationLogOutput)
	}
}
