package debug

import (
	"os"
	"strconv"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	Debug bool

	level = zap.NewAtomicLevelAt(zapcore.InfoLevel)

	once   sync.Once
	logger *zap.Logger
)

func init() {
	debugEnv, exists := os.LookupEnv("RELAY_DEBUG")
	if exists {
		if val, err := strconv.ParseBool(debugEnv); err == nil && val {
			Enable()
		}
	}
}

// Logger returns the process-wide logger. Its level follows Enable/Disable.
func Logger() *zap.Logger {
	once.Do(func() {
		config := zap.NewProductionConfig()
		config.Level = level
		config.Encoding = "console"
		config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

		l, err := config.Build()
		if err != nil {
			l = zap.NewNop()
		}
		logger = l
	})
	return logger
}

func Named(name string) *zap.Logger {
	return Logger().Named(name)
}

func Enable() {
	Debug = true
	level.SetLevel(zapcore.DebugLevel)
}

func Disable() {
	Debug = false
	level.SetLevel(zapcore.InfoLevel)
}

func Enabled() bool {
	return level.Enabled(zapcore.DebugLevel)
}
