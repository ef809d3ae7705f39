package logger

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Logger is the process-wide logger. It discards everything until Initialize runs.
	Logger = zap.NewNop().Sugar()
	// JSONOutput records whether Initialize chose the JSON encoder
	JSONOutput bool
)

// Initialize sets up the global logger.
// verbosity is the CLI flag count (-v, -vv, ...), see VerbosityToLevel.
// Logs always go to stderr; stdout is reserved for command results.
func Initialize(jsonOutput bool, verbosity int) error {
	zapLogger, err := build(jsonOutput, VerbosityToLevel(verbosity))
	if err != nil {
		return err
	}
	JSONOutput = jsonOutput
	Logger = zapLogger.Sugar()
	return nil
}

func build(jsonOutput bool, level zapcore.Level) (*zap.Logger, error) {
	if jsonOutput {
		config := zap.NewProductionConfig()
		config.Level = zap.NewAtomicLevelAt(level)
		config.OutputPaths = []string{"stderr"}
		config.ErrorOutputPaths = []string{"stderr"}
		return config.Build()
	}

	encoderCfg := zap.NewDevelopmentEncoderConfig()
	encoderCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	encoderCfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encoderCfg), zapcore.Lock(os.Stderr), level)
	return zap.New(core), nil
}

// InitializeFromEnv sets up the logger for the relay server.
// EVALPULSE_ENV=production (or LOG_LEVEL=WARN/ERROR) forces JSON at warn level.
func InitializeFromEnv(verbosity int) error {
	production := isProductionEnvironment()
	if production {
		verbosity = VerbosityUser
	}
	if err := Initialize(production, verbosity); err != nil {
		return err
	}

	Logger.Infow("Logger initialized",
		"environment", getEnvironmentType(),
		"verbosity", LevelName(verbosity),
		"json", JSONOutput)
	return nil
}

func isProductionEnvironment() bool {
	switch strings.ToLower(os.Getenv("EVALPULSE_ENV")) {
	case "production", "prod":
		return true
	}
	switch strings.ToUpper(os.Getenv("LOG_LEVEL")) {
	case "WARN", "ERROR":
		return true
	}
	return false
}

func getEnvironmentType() string {
	if isProductionEnvironment() {
		return "production"
	}
	return "development"
}

// Cleanup flushes buffered entries. Sync errors on stderr are ignored.
func Cleanup() {
	_ = Logger.Sync()
}
