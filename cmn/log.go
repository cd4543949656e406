package cmn

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	logOnce sync.Once
	logger  *zap.SugaredLogger
)

// InitLogging builds the process-wide structured logger. level follows
// zap's convention ("debug", "info", "warn", "error").
func InitLogging(level string) {
	logOnce.Do(func() {
		var lvl zapcore.Level
		if err := lvl.UnmarshalText([]byte(level)); err != nil {
			lvl = zapcore.InfoLevel
		}
		cfg := zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(lvl)
		cfg.EncoderConfig.TimeKey = "ts"
		l, err := cfg.Build()
		if err != nil {
			// last resort: never leave logger nil
			l = zap.NewNop()
		}
		logger = l.Sugar()
	})
}

// L returns the process-wide logger, defaulting to an info-level
// logger if InitLogging was never called (tests, short-lived CLI runs).
func L() *zap.SugaredLogger {
	if logger == nil {
		InitLogging("info")
	}
	return logger
}

// WithFields returns a child logger carrying the §7 correlation fields
// project slug, message id and source study UID. It adds no error-kind
// field.
func WithFields(project, messageID, studyUID string) *zap.SugaredLogger {
	return L().With("project", project, "message_id", messageID, "source_study_uid", studyUID)
}

// Fatalf logs at error level and exits the process with status 2, the
// §7 "fatal" exit code for unrecoverable runtime conditions.
func Fatalf(template string, args ...interface{}) {
	L().Errorf(template, args...)
	os.Exit(2)
}
