// Package klog is the kernel's leveled logging facade. Every subsystem logs
// through here rather than through fmt or the bare standard log package, so
// that manager and worker output can be told apart under concurrent load.
package klog

import (
	"fmt"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	once   sync.Once
	logger *logrus.Logger
)

func root() *logrus.Logger {
	once.Do(func() {
		logger = logrus.New()
		logger.SetOutput(os.Stderr)
		logger.SetLevel(logrus.InfoLevel)
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	})
	return logger
}

// SetDebug raises the log level so Debugf calls are emitted. Kernel boot
// wires this to the "debug" config/flag.
func SetDebug(enabled bool) {
	if enabled {
		root().SetLevel(logrus.DebugLevel)
	} else {
		root().SetLevel(logrus.InfoLevel)
	}
}

// ForCPU returns a logger pre-tagged with the calling CPU's id, so
// interleaved manager/worker log lines stay attributable to their source.
func ForCPU(cpu int) *logrus.Entry {
	return root().WithField("cpu", cpu)
}

// Infof logs at info level with no CPU tag. Prefer ForCPU(cpu).Infof from
// per-CPU code paths.
func Infof(format string, args ...any) {
	root().Infof(format, args...)
}

// Warningf logs at warn level.
func Warningf(format string, args ...any) {
	root().Warnf(format, args...)
}

// Debugf logs at debug level.
func Debugf(format string, args ...any) {
	root().Debugf(format, args...)
}

// Panicf logs at error level and then panics. Reserved for invariant
// violations (spec error category 3): a destroyed mutex reused, a thread
// blocking itself twice, the idle thread attempting to block, and similar
// conditions that indicate a kernel bug rather than an environmental
// failure.
func Panicf(format string, args ...any) {
	root().Errorf(format, args...)
	panic(fmt.Sprintf(format, args...))
}
