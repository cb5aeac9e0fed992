// Package rhino adapts the Picovoice Rhino speech-to-intent library to
// [intent.Engine].
//
// The native engine is loaded at runtime with dlopen and is only compiled
// with the "rhino" build tag and CGO enabled:
//
//	go build -tags rhino ./...
//
// Without the tag [New] returns an error wrapping [ErrUnavailable], so the
// service can list "rhino" in its registry on every platform.
package rhino

import (
	"errors"
	"fmt"

	"github.com/MrWong99/voxintent/pkg/intent"
)

// ErrUnavailable is returned by New when the binary was built without the
// native engine.
var ErrUnavailable = errors.New("rhino: native engine not compiled in (build with -tags rhino and CGO_ENABLED=1)")

type options struct {
	modelPath string
	tempDir   string
}

// Option is a functional option for configuring the native engine.
type Option func(*options)

// WithModelPath sets the model file used when intent.Config.Model is empty.
func WithModelPath(path string) Option {
	return func(o *options) { o.modelPath = path }
}

// WithTempDir sets where context and model blobs are staged before the
// library reads them. Defaults to os.TempDir().
func WithTempDir(dir string) Option {
	return func(o *options) { o.tempDir = dir }
}

// statusError converts a native status code into an [*intent.Error] of kind.
// Out-of-memory and runtime failures leave the native object in an unknown
// state and are marked fatal.
func statusError(kind intent.Kind, code int32, op string) *intent.Error {
	st := intent.Status(code)
	if code < 0 || code > int32(intent.StatusActivationRefused) {
		st = intent.StatusRuntimeError
	}
	e := intent.Errorf(kind, st, "%s failed with %s", op, st)
	if st == intent.StatusOutOfMemory || (kind == intent.KindProcess && st == intent.StatusRuntimeError) {
		e.Fatal = true
	}
	return e
}

// initKind picks the error kind for a failed pv_rhino_init. IO_ERROR means
// the staged files were unreadable, which is an asset problem.
func initKind(code int32) intent.Kind {
	if intent.Status(code) == intent.StatusIOError {
		return intent.KindIO
	}
	return intent.KindInit
}

func stagingError(what string, err error) *intent.Error {
	return intent.Wrap(intent.KindIO, intent.StatusIOError, fmt.Sprintf("stage %s", what), err)
}
