package models

import (
	"fmt"
	"log/slog"
	"sync"
)

// Trail is an append-only list of human-readable steps persisted with an
// investigation or page analysis. Every step is also logged.
type Trail struct {
	mu     sync.Mutex
	steps  []string
	logger *slog.Logger
	parent *Trail
}

func NewTrail(logger *slog.Logger, existing []string) *Trail {
	if logger == nil {
		logger = slog.Default()
	}
	return &Trail{steps: append([]string(nil), existing...), logger: logger}
}

// Child returns a trail whose steps are also copied into t.
func (t *Trail) Child(existing []string, attrs ...any) *Trail {
	return &Trail{
		steps:  append([]string(nil), existing...),
		logger: t.logger.With(attrs...),
		parent: t,
	}
}

// Addf records a step. A nil trail only logs.
func (t *Trail) Addf(format string, args ...any) {
	if t == nil {
		slog.Info(fmt.Sprintf(format, args...))
		return
	}
	msg := fmt.Sprintf(format, args...)
	t.logger.Info(msg)
	t.append(msg)
}

func (t *Trail) append(msg string) {
	t.mu.Lock()
	t.steps = append(t.steps, msg)
	t.mu.Unlock()
	if t.parent != nil {
		t.parent.append(msg)
	}
}

func (t *Trail) Steps() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.steps...)
}

func (t *Trail) Logger() *slog.Logger {
	return t.logger
}
