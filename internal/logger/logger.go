// Package logger даёт единый вывод логов tc-ntpd: общий Info/Error с учётом Quiet
// и именованные логгеры компонентов (ntp-server, gpsd, reconciler...). Бэкенд: zap.
package logger

import (
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Quiet при true отключает информационные сообщения (Info, Debug); Warn и Error выводятся всегда.
var Quiet bool

var (
	level = zap.NewAtomicLevelAt(zap.InfoLevel)

	mu   sync.Mutex
	base *zap.Logger

	// loggers: name → *Logger, как в beater/logging.
	loggers sync.Map
)

func root() *zap.Logger {
	mu.Lock()
	defer mu.Unlock()
	if base == nil {
		base = build(zapcore.Lock(os.Stderr))
	}
	return base
}

func build(out zapcore.WriteSyncer) *zap.Logger {
	enc := zap.NewDevelopmentEncoderConfig()
	enc.EncodeLevel = zapcore.CapitalLevelEncoder
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(enc), out, level)
	return zap.New(core).Named("tc-ntpd")
}

// SetOutput перенаправляет вывод (тесты). Уже созданные именованные логгеры пересоздаются.
func SetOutput(out zapcore.WriteSyncer) {
	mu.Lock()
	base = build(out)
	mu.Unlock()
	loggers.Range(func(k, _ any) bool {
		loggers.Delete(k)
		return true
	})
}

// SetLevel задаёт уровень по имени: debug, info, warn, error. Неизвестное имя: info.
// Возвращает false, если имя не распознано.
func SetLevel(name string) bool {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(name)))); err != nil || name == "" {
		level.SetLevel(zap.InfoLevel)
		return false
	}
	level.SetLevel(l)
	return true
}

// Sync сбрасывает буферы (вызывается при завершении).
func Sync() {
	_ = root().Sync()
}

// Logger: логгер компонента.
type Logger struct {
	name  string
	sugar *zap.SugaredLogger
}

// New возвращает логгер компонента name; повторный вызов с тем же именем отдаёт тот же логгер.
func New(name string) *Logger {
	if l, ok := loggers.Load(name); ok {
		return l.(*Logger)
	}
	l := &Logger{name: name, sugar: root().Named(name).Sugar()}
	actual, _ := loggers.LoadOrStore(name, l)
	return actual.(*Logger)
}

// Name: имя компонента.
func (l *Logger) Name() string { return l.name }

// Debug: отладочное сообщение, скрыто при Quiet.
func (l *Logger) Debug(format string, args ...interface{}) {
	if Quiet {
		return
	}
	l.sugar.Debugf(format, args...)
}

// Info: информационное сообщение, скрыто при Quiet.
func (l *Logger) Info(format string, args ...interface{}) {
	if Quiet {
		return
	}
	l.sugar.Infof(format, args...)
}

// Warn выводится всегда.
func (l *Logger) Warn(format string, args ...interface{}) {
	l.sugar.Warnf(format, args...)
}

// Error выводится всегда.
func (l *Logger) Error(format string, args ...interface{}) {
	l.sugar.Errorf(format, args...)
}

// Info выводит сообщение общего логгера, если Quiet == false.
func Info(format string, args ...interface{}) {
	if Quiet {
		return
	}
	root().Sugar().Infof(format, args...)
}

// Error выводит сообщение об ошибке всегда.
func Error(format string, args ...interface{}) {
	root().Sugar().Errorf(format, args...)
}
