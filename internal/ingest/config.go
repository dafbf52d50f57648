// Package ingest runs the gateway ingest daemon: it consumes raw SBD frames
// from NATS, decodes them and feeds the analytics and state stores.
package ingest

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/rifflock/lfshook"
	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
	"gopkg.in/yaml.v3"

	"sbd_decoder/internal/sbd"
	"sbd_decoder/internal/storage"
)

// NATSSettings selects the subscription the daemon consumes from.
type NATSSettings struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
	Queue   string `yaml:"queue"`
}

// CoordSettings selects the coordinate interpretation applied to every frame.
type CoordSettings struct {
	Mode  string  `yaml:"mode"`
	Scale float64 `yaml:"scale"`
}

// Settings is the daemon configuration, read from a YAML file.
type Settings struct {
	NATS    NATSSettings   `yaml:"nats"`
	Coord   CoordSettings  `yaml:"coord"`
	Storage storage.Config `yaml:"storage"`

	Workers      int `yaml:"workers"`
	BatchSize    int `yaml:"batch_size"`
	FlushSeconds int `yaml:"flush_seconds"`

	LogLevel      string `yaml:"log_level"`
	LogFilePath   string `yaml:"log_file_path"`
	LogMaxSizeMB  int    `yaml:"log_max_size_mb"`
	LogMaxBackups int    `yaml:"log_max_backups"`
	LogMaxAgeDays int    `yaml:"log_max_age_days"`
}

// New reads settings from the given YAML file and applies defaults.
func New(confPath string) (Settings, error) {
	s := Settings{}
	data, err := os.ReadFile(confPath)
	if err != nil {
		return s, err
	}
	if err := yaml.Unmarshal(data, &s); err != nil {
		return s, err
	}

	if s.NATS.URL == "" {
		s.NATS.URL = "nats://127.0.0.1:4222"
	}
	if s.NATS.Subject == "" {
		s.NATS.Subject = "sbd.frames.>"
	}
	if s.NATS.Queue == "" {
		s.NATS.Queue = "sbd-decoders"
	}
	if s.Coord.Mode == "" {
		s.Coord.Mode = "ddmm"
	}
	if s.Workers <= 0 {
		s.Workers = runtime.NumCPU()
	}
	if s.BatchSize <= 0 {
		s.BatchSize = 64
	}
	if s.FlushSeconds <= 0 {
		s.FlushSeconds = 5
	}
	if s.Storage.ClickHouse.Host == "" && s.Storage.Postgres.Host == "" {
		s.Storage = storage.DefaultConfig()
	}

	return s, nil
}

// GetLogLevel maps the configured level name onto a logrus level.
func (s *Settings) GetLogLevel() log.Level {
	switch s.LogLevel {
	case "DEBUG", "debug":
		return log.DebugLevel
	case "INFO", "info":
		return log.InfoLevel
	case "WARN", "warn":
		return log.WarnLevel
	case "ERROR", "error":
		return log.ErrorLevel
	default:
		return log.InfoLevel
	}
}

// CodecConfig builds the coordinate codec the daemon decodes with.
func (s *Settings) CodecConfig() (sbd.CodecConfig, error) {
	codec, err := sbd.CodecFor(s.Coord.Mode, s.Coord.Scale)
	if err != nil {
		return sbd.CodecConfig{}, fmt.Errorf("coord mode: %w", err)
	}
	return codec, nil
}

// ConfigureLogging sets up logrus for the daemon: colored console output
// plus an optional rotating log file.
func ConfigureLogging(s Settings) error {
	log.SetLevel(s.GetLogLevel())

	consoleFmt := &log.TextFormatter{ForceColors: true, FullTimestamp: false}
	log.SetFormatter(consoleFmt)
	log.SetOutput(os.Stdout)

	if s.LogFilePath == "" {
		return nil
	}

	logDir := filepath.Dir(s.LogFilePath)
	if _, err := os.Stat(logDir); os.IsNotExist(err) {
		if err := os.MkdirAll(logDir, os.ModePerm); err != nil {
			return fmt.Errorf("create log directory: %w", err)
		}
	}

	maxSize := s.LogMaxSizeMB
	if maxSize <= 0 {
		maxSize = 100
	}
	maxBackups := s.LogMaxBackups
	if maxBackups <= 0 {
		maxBackups = 10
	}

	lumberjackLogger := &lumberjack.Logger{
		Filename:   s.LogFilePath,
		MaxSize:    maxSize,
		MaxBackups: maxBackups,
		MaxAge:     s.LogMaxAgeDays,
		Compress:   true,
	}

	fileFmt := &log.TextFormatter{DisableColors: true, FullTimestamp: true}
	hook := lfshook.NewHook(lfshook.WriterMap{
		log.PanicLevel: lumberjackLogger,
		log.FatalLevel: lumberjackLogger,
		log.ErrorLevel: lumberjackLogger,
		log.WarnLevel:  lumberjackLogger,
		log.InfoLevel:  lumberjackLogger,
		log.DebugLevel: lumberjackLogger,
		log.TraceLevel: lumberjackLogger,
	}, fileFmt)

	log.AddHook(hook)
	return nil
}
