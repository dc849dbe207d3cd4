package wgengine

import (
	"github.com/sirupsen/logrus"
	"golang.zx2c4.com/wireguard/device"
)

// newLogger routes wireguard-go's logging into log. Verbose output goes to
// debug level.
func newLogger(log logrus.FieldLogger, level int) *device.Logger {
	l := &device.Logger{Verbosef: device.DiscardLogf, Errorf: device.DiscardLogf}
	if level >= device.LogLevelVerbose {
		l.Verbosef = func(format string, args ...any) {
			log.Debugf(format, args...)
		}
	}
	if level >= device.LogLevelError {
		l.Errorf = func(format string, args ...any) {
			log.Errorf(format, args...)
		}
	}
	return l
}
