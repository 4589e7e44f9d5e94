package zk

import "go.uber.org/zap"

// Logger is the minimal capability interface the engine logs diagnostics
// through. It matches the teacher package's stdLogger shape so existing
// callers of that style of API need no changes. The package's own
// implementation, NewZapLogger, is backed by zap instead of a bare printf
// sink; when no logger is configured, NopLogger is used.
type Logger interface {
	Printf(format string, v ...interface{})
}

// NopLogger discards everything; it is the zero-value default when no
// Logger option is supplied, replacing the teacher's unexported nullLogger.
type NopLogger struct{}

func (NopLogger) Printf(string, ...interface{}) {}

// zapLogger adapts a *zap.SugaredLogger to the Logger interface.
type zapLogger struct {
	s *zap.SugaredLogger
}

func (z zapLogger) Printf(format string, v ...interface{}) {
	z.s.Infof(format, v...)
}

// NewZapLogger wraps base (or zap.NewProduction() if nil) as a Logger.
func NewZapLogger(base *zap.Logger) (Logger, error) {
	if base == nil {
		var err error
		base, err = zap.NewProduction()
		if err != nil {
			return nil, err
		}
	}
	return zapLogger{s: base.Sugar()}, nil
}
