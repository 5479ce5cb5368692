package recordstore

import (
	"bytes"
	"io"

	"go.uber.org/zap"
)

// zapRestyLogger adapts a *zap.Logger to resty's minimal logging
// interface (Errorf/Warnf/Debugf), the same adaptation pattern used for
// GORM's logger in internal/kvtable.
type zapRestyLogger struct {
	log *zap.Logger
}

func (l zapRestyLogger) Errorf(format string, v ...interface{}) {
	l.log.Sugar().Errorf(format, v...)
}

func (l zapRestyLogger) Warnf(format string, v ...interface{}) {
	l.log.Sugar().Warnf(format, v...)
}

func (l zapRestyLogger) Debugf(format string, v ...interface{}) {
	l.log.Sugar().Debugf(format, v...)
}

func newByteReader(b []byte) io.Reader {
	return bytes.NewReader(b)
}
