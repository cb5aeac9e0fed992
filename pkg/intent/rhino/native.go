//go:build rhino && cgo

package rhino

/*
#cgo linux LDFLAGS: -ldl
#cgo darwin LDFLAGS: -ldl
#include <dlfcn.h>
#include <stdbool.h>
#include <stdint.h>
#include <stdlib.h>

typedef int32_t (*init_fn)(const char *, const char *, const char *, float, float, bool, void **);
typedef void (*delete_fn)(void *);
typedef int32_t (*process_fn)(void *, const int16_t *, bool *);
typedef int32_t (*is_understood_fn)(const void *, bool *);
typedef int32_t (*get_intent_fn)(const void *, const char **, int32_t *, const char ***, const char ***);
typedef int32_t (*free_slots_fn)(const void *, const char **, const char **);
typedef int32_t (*reset_fn)(void *);
typedef int32_t (*context_info_fn)(const void *, const char **);
typedef const char *(*version_fn)(void);
typedef int32_t (*int_fn)(void);

static int32_t call_init(void *f, const char *key, const char *model, const char *ctx,
                         float sensitivity, float endpoint_sec, bool endpoint_required, void **obj) {
	return ((init_fn) f)(key, model, ctx, sensitivity, endpoint_sec, endpoint_required, obj);
}
static void call_delete(void *f, void *obj) { ((delete_fn) f)(obj); }
static int32_t call_process(void *f, void *obj, const int16_t *pcm, bool *finalized) {
	return ((process_fn) f)(obj, pcm, finalized);
}
static int32_t call_is_understood(void *f, void *obj, bool *understood) {
	return ((is_understood_fn) f)(obj, understood);
}
static int32_t call_get_intent(void *f, void *obj, const char **intent, int32_t *n,
                               const char ***slots, const char ***values) {
	return ((get_intent_fn) f)(obj, intent, n, slots, values);
}
static int32_t call_free_slots(void *f, void *obj, const char **slots, const char **values) {
	return ((free_slots_fn) f)(obj, slots, values);
}
static int32_t call_reset(void *f, void *obj) { return ((reset_fn) f)(obj); }
static int32_t call_context_info(void *f, void *obj, const char **info) {
	return ((context_info_fn) f)(obj, info);
}
static const char *call_version(void *f) { return ((version_fn) f)(); }
static int32_t call_int(void *f) { return ((int_fn) f)(); }

static const char *slot_at(const char **arr, int32_t i) { return arr[i]; }
*/
import "C"

import (
	"context"
	"fmt"
	"os"
	"sync"
	"unsafe"

	"github.com/MrWong99/voxintent/pkg/intent"
)

var _ intent.Engine = (*Engine)(nil)

type symbols struct {
	init, del, process, isUnderstood, getIntent, freeSlots, reset, contextInfo,
	version, frameLength, sampleRate unsafe.Pointer
}

// Engine is the dlopen-backed Rhino engine. The library is loaded once; every
// handle shares its symbol table.
type Engine struct {
	opts options
	sym  symbols

	version     string
	frameLength int
	sampleRate  int
}

// New loads the Rhino shared library at libraryPath.
func New(libraryPath string, opts ...Option) (intent.Engine, error) {
	o := options{tempDir: os.TempDir()}
	for _, opt := range opts {
		opt(&o)
	}
	if libraryPath == "" {
		return nil, fmt.Errorf("rhino: library path must not be empty")
	}

	cpath := C.CString(libraryPath)
	defer C.free(unsafe.Pointer(cpath))
	lib := C.dlopen(cpath, C.RTLD_NOW)
	if lib == nil {
		return nil, fmt.Errorf("rhino: dlopen %q: %s", libraryPath, C.GoString(C.dlerror()))
	}

	e := &Engine{opts: o}
	load := func(name string) (unsafe.Pointer, error) {
		cname := C.CString(name)
		defer C.free(unsafe.Pointer(cname))
		p := C.dlsym(lib, cname)
		if p == nil {
			return nil, fmt.Errorf("rhino: symbol %s not found in %q", name, libraryPath)
		}
		return p, nil
	}
	for name, dst := range map[string]*unsafe.Pointer{
		"pv_rhino_init":                  &e.sym.init,
		"pv_rhino_delete":                &e.sym.del,
		"pv_rhino_process":               &e.sym.process,
		"pv_rhino_is_understood":         &e.sym.isUnderstood,
		"pv_rhino_get_intent":            &e.sym.getIntent,
		"pv_rhino_free_slots_and_values": &e.sym.freeSlots,
		"pv_rhino_reset":                 &e.sym.reset,
		"pv_rhino_context_info":          &e.sym.contextInfo,
		"pv_rhino_version":               &e.sym.version,
		"pv_rhino_frame_length":          &e.sym.frameLength,
		"pv_sample_rate":                 &e.sym.sampleRate,
	} {
		p, err := load(name)
		if err != nil {
			C.dlclose(lib)
			return nil, err
		}
		*dst = p
	}

	e.version = C.GoString(C.call_version(e.sym.version))
	e.frameLength = int(C.call_int(e.sym.frameLength))
	e.sampleRate = int(C.call_int(e.sym.sampleRate))
	return e, nil
}

// Version implements [intent.Engine].
func (e *Engine) Version() string { return e.version }

// FrameLength implements [intent.Engine].
func (e *Engine) FrameLength() int { return e.frameLength }

// SampleRate implements [intent.Engine].
func (e *Engine) SampleRate() int { return e.sampleRate }

// Create stages the context (and model, if supplied) as temporary files,
// initialises a native object and removes the files again.
func (e *Engine) Create(ctx context.Context, cfg intent.Config) (intent.Handle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, intent.Wrap(intent.KindInit, intent.StatusRuntimeError, "create cancelled", err)
	}

	contextPath, err := e.stage("context-*.rhn", cfg.Context)
	if err != nil {
		return nil, stagingError("context", err)
	}
	defer os.Remove(contextPath)

	modelPath := e.opts.modelPath
	if len(cfg.Model) > 0 {
		modelPath, err = e.stage("model-*.pv", cfg.Model)
		if err != nil {
			return nil, stagingError("model", err)
		}
		defer os.Remove(modelPath)
	}
	if modelPath == "" {
		return nil, intent.Errorf(intent.KindInit, intent.StatusInvalidArgument, "no model provided")
	}

	ckey := C.CString(cfg.AccessKey)
	cmodel := C.CString(modelPath)
	cctx := C.CString(contextPath)
	defer C.free(unsafe.Pointer(ckey))
	defer C.free(unsafe.Pointer(cmodel))
	defer C.free(unsafe.Pointer(cctx))

	var obj unsafe.Pointer
	code := int32(C.call_init(e.sym.init, ckey, cmodel, cctx,
		C.float(cfg.Sensitivity), C.float(cfg.Endpoint.DurationSec), C.bool(cfg.Endpoint.Required), &obj))
	if code != 0 {
		return nil, statusError(initKind(code), code, "pv_rhino_init")
	}

	h := &handle{engine: e, obj: obj}
	var info *C.char
	if code := int32(C.call_context_info(e.sym.contextInfo, obj, &info)); code == 0 {
		h.info = C.GoString(info)
	}
	return h, nil
}

func (e *Engine) stage(pattern string, data []byte) (string, error) {
	f, err := os.CreateTemp(e.opts.tempDir, pattern)
	if err != nil {
		return "", err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

type handle struct {
	engine *Engine
	info   string

	mu  sync.Mutex
	obj unsafe.Pointer
	pcm *C.int16_t
}

func (h *handle) Process(frame []int16) (intent.Inference, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.obj == nil {
		return intent.Inference{}, intent.Errorf(intent.KindProcess, intent.StatusInvalidState, "handle released")
	}
	if err := intent.CheckFrame(frame, h.engine.frameLength); err != nil {
		return intent.Inference{}, err
	}
	sym := &h.engine.sym

	if h.pcm == nil {
		h.pcm = (*C.int16_t)(C.malloc(C.size_t(h.engine.frameLength) * C.size_t(unsafe.Sizeof(C.int16_t(0)))))
	}
	copy(unsafe.Slice((*int16)(unsafe.Pointer(h.pcm)), h.engine.frameLength), frame)

	var finalized C.bool
	if code := int32(C.call_process(sym.process, h.obj, h.pcm, &finalized)); code != 0 {
		return intent.Inference{}, statusError(intent.KindProcess, code, "pv_rhino_process")
	}
	if !finalized {
		return intent.Pending(), nil
	}

	var understood C.bool
	if code := int32(C.call_is_understood(sym.isUnderstood, h.obj, &understood)); code != 0 {
		return intent.Inference{}, statusError(intent.KindProcess, code, "pv_rhino_is_understood")
	}
	inf := intent.NotUnderstood()
	if understood {
		var (
			name   *C.char
			n      C.int32_t
			slots  **C.char
			values **C.char
		)
		if code := int32(C.call_get_intent(sym.getIntent, h.obj, &name, &n, &slots, &values)); code != 0 {
			return intent.Inference{}, statusError(intent.KindProcess, code, "pv_rhino_get_intent")
		}
		m := make(map[string]string, int(n))
		for i := range int32(n) {
			m[C.GoString(C.slot_at(slots, C.int32_t(i)))] = C.GoString(C.slot_at(values, C.int32_t(i)))
		}
		inf = intent.Understood(C.GoString(name), m)
		if code := int32(C.call_free_slots(sym.freeSlots, h.obj, slots, values)); code != 0 {
			return intent.Inference{}, statusError(intent.KindProcess, code, "pv_rhino_free_slots_and_values")
		}
	}
	if code := int32(C.call_reset(sym.reset, h.obj)); code != 0 {
		return intent.Inference{}, statusError(intent.KindProcess, code, "pv_rhino_reset")
	}
	return inf, nil
}

func (h *handle) Reset() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.obj == nil {
		return intent.Errorf(intent.KindInvalidState, intent.StatusInvalidState, "handle released")
	}
	if code := int32(C.call_reset(h.engine.sym.reset, h.obj)); code != 0 {
		return statusError(intent.KindProcess, code, "pv_rhino_reset")
	}
	return nil
}

func (h *handle) ContextInfo() string { return h.info }

func (h *handle) Release() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.obj == nil {
		return intent.Errorf(intent.KindInvalidState, intent.StatusInvalidState, "handle already released")
	}
	C.call_delete(h.engine.sym.del, h.obj)
	h.obj = nil
	if h.pcm != nil {
		C.free(unsafe.Pointer(h.pcm))
		h.pcm = nil
	}
	return nil
}
