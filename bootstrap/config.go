package bootstrap

import (
	"fmt"
	"os"

	"argus/config"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// InitLogger initializes the zap logger with colored console output.
func InitLogger() (*zap.Logger, *zap.SugaredLogger, error) {
	encoderConfig := zap.NewDevelopmentEncoderConfig()
	encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeCaller = zapcore.ShortCallerEncoder

	consoleEncoder := zapcore.NewConsoleEncoder(encoderConfig)
	core := zapcore.NewCore(
		consoleEncoder,
		zapcore.AddSync(os.Stdout),
		zapcore.DebugLevel,
	)

	logger := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	return logger, logger.Sugar(), nil
}

// InitConfig loads the application configuration.
func InitConfig(sugar *zap.SugaredLogger) (*config.Config, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to load config: %v\n", err)
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if viper.ConfigFileUsed() == "" {
		sugar.Info("No config file found, using defaults and env vars")
	}
	return cfg, nil
}

// EnsureDataDirectories creates the data and seed directories when missing.
func EnsureDataDirectories(cfg *config.Config, sugar *zap.SugaredLogger) error {
	for _, dir := range []string{cfg.DataPaths.DataDir, cfg.DataPaths.SeedDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	sugar.Infow("Data directories ready",
		"data_dir", cfg.DataPaths.DataDir,
		"seed_dir", cfg.DataPaths.SeedDir)
	return nil
}
