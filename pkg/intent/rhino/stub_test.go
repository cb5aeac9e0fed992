//go:build !rhino || !cgo

package rhino_test

import (
	"errors"
	"testing"

	"github.com/MrWong99/voxintent/pkg/intent/rhino"
)

func TestNew_Unavailable(t *testing.T) {
	t.Parallel()
	_, err := rhino.New("/usr/lib/libpv_rhino.so")
	if !errors.Is(err, rhino.ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
}
