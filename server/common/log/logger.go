package log

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	FormatText = "text"
	FormatJSON = "json"

	defaultMaxSizeBytes = 20 * 1024 * 1024
)

// Options selects level, encoding and the optional rotated log file.
type Options struct {
	Level     string
	Format    string
	FilePath  string
	MaxSizeMB int
}

var (
	mu        sync.RWMutex
	global, _ = build(Options{})
	closeFile func() error
)

// Configure replaces the process logger. Safe to call more than once.
func Configure(opts Options) error {
	logger, closer := build(opts)
	mu.Lock()
	previous := closeFile
	global = logger
	closeFile = closer
	mu.Unlock()
	if previous != nil {
		return previous()
	}
	return nil
}

func Sync() error {
	return current().Sync()
}

// Zap exposes the underlying logger for libraries that take a *zap.Logger.
func Zap() *zap.Logger {
	return current().Desugar().WithOptions(zap.AddCallerSkip(-1))
}

func Debugf(format string, args ...any) {
	current().Debugf(format, args...)
}

func Infof(format string, args ...any) {
	current().Infof(format, args...)
}

func Warnf(format string, args ...any) {
	current().Warnf(format, args...)
}

func Errorf(format string, args ...any) {
	current().Errorf(format, args...)
}

// Exceptionf logs at error level with the caller's stack attached.
func Exceptionf(format string, args ...any) {
	current().Desugar().Error(fmt.Sprintf(format, args...), zap.Stack("stack"))
}

func current() *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	return global
}

func build(opts Options) (*zap.SugaredLogger, func() error) {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "timestamp"
	encoderCfg.EncodeTime = zapcore.RFC3339NanoTimeEncoder

	var encoder zapcore.Encoder
	if strings.EqualFold(strings.TrimSpace(opts.Format), FormatJSON) {
		encoder = zapcore.NewJSONEncoder(encoderCfg)
	} else {
		encoderCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderCfg)
	}

	sinks := []zapcore.WriteSyncer{zapcore.Lock(os.Stdout)}
	var closer func() error
	if path := strings.TrimSpace(opts.FilePath); path != "" {
		maxSize := int64(defaultMaxSizeBytes)
		if opts.MaxSizeMB > 0 {
			maxSize = int64(opts.MaxSizeMB) * 1024 * 1024
		}
		file := &rotatingFile{filePath: path, maxSizeBytes: maxSize}
		sinks = append(sinks, file)
		closer = file.Close
	}

	core := zapcore.NewCore(encoder, zapcore.NewMultiWriteSyncer(sinks...), parseLevel(opts.Level))
	return zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1)).Sugar(), closer
}

func parseLevel(level string) zap.AtomicLevel {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zap.NewAtomicLevelAt(zapcore.DebugLevel)
	case "warn", "warning":
		return zap.NewAtomicLevelAt(zapcore.WarnLevel)
	case "error":
		return zap.NewAtomicLevelAt(zapcore.ErrorLevel)
	default:
		return zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}
}

// rotatingFile is a zapcore.WriteSyncer that renames the active file once it
// would grow past maxSizeBytes.
type rotatingFile struct {
	mu           sync.Mutex
	filePath     string
	maxSizeBytes int64
	file         *os.File
}

func (l *rotatingFile) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.ensureOpen(); err != nil {
		return 0, err
	}
	if err := l.rotateIfNeeded(int64(len(p))); err != nil {
		return 0, err
	}
	return l.file.Write(p)
}

func (l *rotatingFile) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	return l.file.Sync()
}

func (l *rotatingFile) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

func (l *rotatingFile) ensureOpen() error {
	if l.file != nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(l.filePath), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(l.filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	l.file = f
	return nil
}

func (l *rotatingFile) rotateIfNeeded(incomingSize int64) error {
	stat, err := l.file.Stat()
	if err != nil {
		return err
	}
	if stat.Size()+incomingSize <= l.maxSizeBytes {
		return nil
	}

	if err := l.file.Sync(); err != nil {
		return err
	}
	if err := l.file.Close(); err != nil {
		return err
	}

	rotatedPath, err := nextRotatedPath(l.filePath)
	if err != nil {
		return err
	}
	if err := os.Rename(l.filePath, rotatedPath); err != nil {
		return err
	}

	f, err := os.OpenFile(l.filePath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	l.file = f
	return nil
}

func nextRotatedPath(currentPath string) (string, error) {
	dir := filepath.Dir(currentPath)
	ext := filepath.Ext(currentPath)
	base := strings.TrimSuffix(filepath.Base(currentPath), ext)
	ts := time.Now().Format("20060102_150405")

	for index := 1; ; index++ {
		candidate := filepath.Join(dir, fmt.Sprintf("%s_%s_%d%s", base, ts, index, ext))
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate, nil
		} else if err != nil {
			return "", err
		}
	}
}
