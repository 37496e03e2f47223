package common

import (
	"fmt"
	"strings"

	coreerrors "peerlend/core/errors"
)

var ErrModulePaused = fmt.Errorf("%w: module paused", coreerrors.ErrWrongLifecycleState)

// PauseView reports whether a module has been halted by the operator.
type PauseView interface {
	IsPaused(module string) bool
}

// Guard returns ErrModulePaused when module is paused. A nil view never pauses.
func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return fmt.Errorf("%s: %w", module, ErrModulePaused)
	}
	return nil
}

// StaticPauses is a fixed PauseView built from configuration.
type StaticPauses map[string]bool

// NewStaticPauses builds a pause view from a list of module names.
func NewStaticPauses(modules []string) StaticPauses {
	out := make(StaticPauses, len(modules))
	for _, m := range modules {
		if trimmed := strings.ToLower(strings.TrimSpace(m)); trimmed != "" {
			out[trimmed] = true
		}
	}
	return out
}

// IsPaused implements PauseView.
func (s StaticPauses) IsPaused(module string) bool {
	return s[strings.ToLower(module)]
}
