package main

import (
	"errors"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// config holds defaults read from the environment and an optional .env file.
type config struct {
	ScratchDir string
	LogLevel   string
	FFmpeg     string
	FFprobe    string
}

func loadConfig(paths ...string) (config, error) {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	if err := godotenv.Load(paths...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return config{}, err
	}
	return config{
		ScratchDir: getEnv("LIVEPHOTO_SCRATCH_DIR", ""),
		LogLevel:   getEnv("LIVEPHOTO_LOG_LEVEL", "info"),
		FFmpeg:     getEnv("LIVEPHOTO_FFMPEG", "ffmpeg"),
		FFprobe:    getEnv("LIVEPHOTO_FFPROBE", "ffprobe"),
	}, nil
}

func getEnv(key, fallback string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return fallback
}

// newLogger builds a console logger for verbose runs and a JSON logger otherwise.
func newLogger(level string, verbose bool) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}

	cfg := zap.NewProductionConfig()
	if verbose {
		cfg = zap.NewDevelopmentConfig()
		lvl = zapcore.DebugLevel
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.OutputPaths = []string{"stderr"}
	return cfg.Build()
}
