/******************************************************************************
 * Copyright (c) 2025-2026 Tenebris Technologies Inc.                         *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/PivotLLM/Conduit/global"
)

// Logger provides structured logging with the required format.
// A nil *Logger discards everything.
type Logger struct {
	logger  *log.Logger
	level   *levelHolder
	logFile *os.File
	prefix  string
}

// levelHolder is shared between a logger and the children created by With
type levelHolder struct {
	mu    sync.RWMutex
	level string
}

// New creates a new logger instance that writes to the specified file.
// An empty path or "-" logs to stderr.
func New(logPath string) (*Logger, error) {
	if logPath == "" || logPath == "-" {
		return NewWriter(os.Stderr), nil
	}

	logPath = global.ExpandHomePath(logPath)

	// Ensure log directory exists
	if err := global.EnsureDir(filepath.Dir(logPath)); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	// Open log file (append mode)
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", logPath, err)
	}

	l := NewWriter(logFile)
	l.logFile = logFile
	return l, nil
}

// NewWriter creates a logger writing to w
func NewWriter(w io.Writer) *Logger {
	return &Logger{
		logger: log.New(w, "", 0), // No default prefix/flags since we format ourselves
		level:  &levelHolder{level: global.LogLevelInfo},
	}
}

// With returns a child logger that prefixes every message with key=value pairs.
// Pairs with an empty value are skipped.
func (l *Logger) With(keyvals ...string) *Logger {
	if l == nil {
		return nil
	}

	var parts []string
	for i := 0; i+1 < len(keyvals); i += 2 {
		if keyvals[i+1] == "" {
			continue
		}
		parts = append(parts, keyvals[i]+"="+keyvals[i+1])
	}
	if len(parts) == 0 {
		return l
	}

	child := *l
	child.logFile = nil // only the root closes the file
	child.prefix = l.prefix + "[" + strings.Join(parts, " ") + "] "
	return &child
}

// Sync flushes any buffered log data to disk
func (l *Logger) Sync() error {
	if l != nil && l.logFile != nil {
		return l.logFile.Sync()
	}
	return nil
}

// Close closes the log file
func (l *Logger) Close() error {
	if l != nil && l.logFile != nil {
		// Flush before closing
		_ = l.logFile.Sync()
		return l.logFile.Close()
	}
	return nil
}

// SetLevel sets the minimum log level
func (l *Logger) SetLevel(level string) {
	if l == nil {
		return
	}
	l.level.mu.Lock()
	l.level.level = strings.ToUpper(level)
	l.level.mu.Unlock()
}

// Level returns the current minimum log level
func (l *Logger) Level() string {
	if l == nil {
		return ""
	}
	l.level.mu.RLock()
	defer l.level.mu.RUnlock()
	return l.level.level
}

// shouldLog determines if a message should be logged based on the current level
func (l *Logger) shouldLog(level string) bool {
	levels := map[string]int{
		global.LogLevelDebug: 0,
		global.LogLevelInfo:  1,
		global.LogLevelWarn:  2,
		global.LogLevelError: 3,
		global.LogLevelFatal: 4,
	}

	currentLevel, exists := levels[l.Level()]
	if !exists {
		currentLevel = levels[global.LogLevelInfo]
	}

	messageLevel, exists := levels[level]
	if !exists {
		messageLevel = levels[global.LogLevelInfo]
	}

	return messageLevel >= currentLevel
}

// formatMessage formats a log message with the required format
func (l *Logger) formatMessage(level, message string) string {
	timestamp := time.Now().Format("2006-01-02 15:04:05")
	pid := os.Getpid()
	return fmt.Sprintf("%s [%s] [%d] %s%s", timestamp, level, pid, l.prefix, message)
}

// log performs the actual logging
func (l *Logger) log(level, message string) {
	if l == nil {
		return
	}
	if l.shouldLog(level) {
		formatted := l.formatMessage(level, message)
		l.logger.Println(formatted)
	}
}

// Debug logs a debug message
func (l *Logger) Debug(message string) {
	l.log(global.LogLevelDebug, message)
}

// Debugf logs a formatted debug message
func (l *Logger) Debugf(format string, args ...interface{}) {
	l.Debug(fmt.Sprintf(format, args...))
}

// Info logs an info message
func (l *Logger) Info(message string) {
	l.log(global.LogLevelInfo, message)
}

// Infof logs a formatted info message
func (l *Logger) Infof(format string, args ...interface{}) {
	l.Info(fmt.Sprintf(format, args...))
}

// Warn logs a warning message
func (l *Logger) Warn(message string) {
	l.log(global.LogLevelWarn, message)
}

// Warnf logs a formatted warning message
func (l *Logger) Warnf(format string, args ...interface{}) {
	l.Warn(fmt.Sprintf(format, args...))
}

// Error logs an error message
func (l *Logger) Error(message string) {
	l.log(global.LogLevelError, message)
}

// Errorf logs a formatted error message
func (l *Logger) Errorf(format string, args ...interface{}) {
	l.Error(fmt.Sprintf(format, args...))
}

// Fatal logs a fatal message and exits
func (l *Logger) Fatal(message string) {
	l.log(global.LogLevelFatal, message)
	_ = l.Close() // Ensure log is flushed before exit
	os.Exit(1)
}

// Fatalf logs a formatted fatal message and exits
func (l *Logger) Fatalf(format string, args ...interface{}) {
	l.Fatal(fmt.Sprintf(format, args...))
}
