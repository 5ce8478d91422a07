// Package logger настраивает logrus для всех компонентов медиа шлюза.
//
// Компоненты получают *logrus.Entry с полем component и дополняют его
// контекстом (channel_id, task, error) через WithField/WithFields.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
)

const timestampFormat = "2006-01-02 15:04:05.000"

// Options параметры логирования
type Options struct {
	Level  string    // "debug", "info", "warn", "error"
	JSON   bool      // JSON формат вместо текстового
	Colors bool      // Принудительные цвета в текстовом формате
	Output io.Writer // nil = os.Stderr
}

// New создает настроенный logrus.Logger
func New(opts Options) (*logrus.Logger, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}

	l := logrus.New()
	l.SetLevel(level)

	if opts.Output != nil {
		l.SetOutput(opts.Output)
	} else {
		l.SetOutput(os.Stderr)
	}

	if opts.JSON {
		l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: timestampFormat})
	} else {
		l.SetFormatter(&prefixed.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: timestampFormat,
			ForceColors:     opts.Colors,
			ForceFormatting: true,
		})
	}

	return l, nil
}

// Setup настраивает стандартный logger logrus, который используют компоненты по умолчанию
func Setup(opts Options) error {
	l, err := New(opts)
	if err != nil {
		return err
	}

	std := logrus.StandardLogger()
	std.SetLevel(l.GetLevel())
	std.SetOutput(l.Out)
	std.SetFormatter(l.Formatter)
	return nil
}

// ParseLevel разбирает уровень логирования. Пустая строка означает info.
func ParseLevel(level string) (logrus.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "":
		return logrus.InfoLevel, nil
	case "warning":
		return logrus.WarnLevel, nil
	}

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return logrus.InfoLevel, fmt.Errorf("неизвестный уровень логирования %q: %w", level, err)
	}
	return lvl, nil
}

// Component возвращает entry стандартного logger'а с полем component
func Component(name string) *logrus.Entry {
	return logrus.WithField("component", name)
}

// Discard возвращает entry, который ничего не пишет. Используется в тестах.
func Discard() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}
