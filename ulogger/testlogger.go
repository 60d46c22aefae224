package ulogger

import (
	"fmt"

	"github.com/ordishs/gocore"
)

// TestLogger writes everything to stdout and never exits the process. It is
// only meant to be used in tests.
type TestLogger struct{}

func (l TestLogger) LogLevel() int { return int(gocore.DEBUG) }

func (l TestLogger) Debugf(format string, args ...interface{}) {
	fmt.Printf("DEBUG: "+format+"\n", args...)
}

func (l TestLogger) Infof(format string, args ...interface{}) {
	fmt.Printf("INFO: "+format+"\n", args...)
}

func (l TestLogger) Warnf(format string, args ...interface{}) {
	fmt.Printf("WARN: "+format+"\n", args...)
}

func (l TestLogger) Errorf(format string, args ...interface{}) {
	fmt.Printf("ERROR: "+format+"\n", args...)
}

func (l TestLogger) Fatalf(format string, args ...interface{}) {
	fmt.Printf("FATAL: "+format+"\n", args...)
}
