// Copyright 2021 Popcorn Linux. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package log

import "fmt"

// Helper is a logger helper providing sugared leveled printing on top of a
// Logger.
type Helper struct {
	logger Logger
	msgKey string
}

// Option is a Helper option.
type Option func(*Helper)

// WithMessageKey customizes the message key, defaults to DefaultMessageKey.
func WithMessageKey(k string) Option {
	return func(h *Helper) {
		h.msgKey = k
	}
}

// NewHelper returns a new Helper wrapping logger.
func NewHelper(logger Logger, opts ...Option) *Helper {
	options := &Helper{
		msgKey: DefaultMessageKey,
		logger: logger,
	}
	for _, o := range opts {
		o(options)
	}
	return options
}

// Log prints the keyvals at the given level.
func (h *Helper) Log(level Level, keyvals ...interface{}) {
	h.logger.Log(level, keyvals...) //nolint:errcheck
}

// Debug logs a message at debug level.
func (h *Helper) Debug(a ...interface{}) {
	h.logger.Log(LevelDebug, h.msgKey, fmt.Sprint(a...)) //nolint:errcheck
}

// Debugf logs a formatted message at debug level.
func (h *Helper) Debugf(format string, a ...interface{}) {
	h.logger.Log(LevelDebug, h.msgKey, fmt.Sprintf(format, a...)) //nolint:errcheck
}

// Info logs a message at info level.
func (h *Helper) Info(a ...interface{}) {
	h.logger.Log(LevelInfo, h.msgKey, fmt.Sprint(a...)) //nolint:errcheck
}

// Infof logs a formatted message at info level.
func (h *Helper) Infof(format string, a ...interface{}) {
	h.logger.Log(LevelInfo, h.msgKey, fmt.Sprintf(format, a...)) //nolint:errcheck
}

// Warn logs a message at warn level.
func (h *Helper) Warn(a ...interface{}) {
	h.logger.Log(LevelWarn, h.msgKey, fmt.Sprint(a...)) //nolint:errcheck
}

// Warnf logs a formatted message at warn level.
func (h *Helper) Warnf(format string, a ...interface{}) {
	h.logger.Log(LevelWarn, h.msgKey, fmt.Sprintf(format, a...)) //nolint:errcheck
}

// Error logs a message at error level.
func (h *Helper) Error(a ...interface{}) {
	h.logger.Log(LevelError, h.msgKey, fmt.Sprint(a...)) //nolint:errcheck
}

// Errorf logs a formatted message at error level.
func (h *Helper) Errorf(format string, a ...interface{}) {
	h.logger.Log(LevelError, h.msgKey, fmt.Sprintf(format, a...)) //nolint:errcheck
}
