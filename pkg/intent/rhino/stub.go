//go:build !rhino || !cgo

package rhino

import (
	"fmt"

	"github.com/MrWong99/voxintent/pkg/intent"
)

// New always fails: this binary was built without the native engine.
func New(libraryPath string, opts ...Option) (intent.Engine, error) {
	return nil, fmt.Errorf("rhino: load %q: %w", libraryPath, ErrUnavailable)
}
