// Package session hosts the streaming speech-to-intent session boundary.
//
// A [Worker] owns exactly one engine handle on a dedicated goroutine. It
// consumes [Command] values strictly in arrival order and emits one ordered
// stream of [Envelope] values tagged with the sequence number of the command
// that produced them. A [Controller] is the per-caller façade on top: it
// translates host calls into commands, subscribes to an audio.Source while
// listening and keeps the observable lifecycle state.
//
// Command/response mapping:
//
//	Init    -> Ready | Error
//	Process -> Inference | (nothing, per EmitPolicy) | Error
//	Pause   -> Ack
//	Resume  -> Ack
//	Reset   -> Ready
//	Release -> Ack (terminal)
//	Info    -> Info
package session

import (
	"fmt"

	"github.com/MrWong99/voxintent/pkg/intent"
)

// Op identifies a command on the wire and in logs.
type Op int

const (
	OpInit Op = iota
	OpProcess
	OpPause
	OpResume
	OpReset
	OpRelease
	OpInfo
)

var opNames = [...]string{
	OpInit:    "init",
	OpProcess: "process",
	OpPause:   "pause",
	OpResume:  "resume",
	OpReset:   "reset",
	OpRelease: "release",
	OpInfo:    "info",
}

// String returns the lower-case command name.
func (o Op) String() string {
	if o >= 0 && int(o) < len(opNames) {
		return opNames[o]
	}
	return fmt.Sprintf("op(%d)", int(o))
}

// Command is one request to a [Worker]. The set of implementations is closed.
type Command interface {
	Op() Op
	command()
}

// Init creates the engine handle from Config.
type Init struct {
	Config intent.Config
}

// Process submits one frame. The slice must not be modified after it has been
// submitted; the worker copies it into its own buffer.
type Process struct {
	Frame []int16
}

// Pause gates frame forwarding without touching engine state.
type Pause struct{}

// Resume lifts a previous Pause.
type Resume struct{}

// Reset discards any partially accumulated utterance.
type Reset struct{}

// Release frees the engine handle. The worker is terminal afterwards.
type Release struct{}

// Info asks for the loaded context description.
type Info struct{}

func (Init) Op() Op    { return OpInit }
func (Process) Op() Op { return OpProcess }
func (Pause) Op() Op   { return OpPause }
func (Resume) Op() Op  { return OpResume }
func (Reset) Op() Op   { return OpReset }
func (Release) Op() Op { return OpRelease }
func (Info) Op() Op    { return OpInfo }

func (Init) command()    {}
func (Process) command() {}
func (Pause) command()   {}
func (Resume) command()  {}
func (Reset) command()   {}
func (Release) command() {}
func (Info) command()    {}

// Response is one reply from a [Worker]. The set of implementations is
// closed: [Ready], [InferenceResult], [Error], [ContextInfo] and [Ack].
type Response interface {
	response()
}

// Ready reports a live handle and its metadata. It answers Init and Reset.
type Ready struct {
	ContextInfo string
	FrameLength int
	SampleRate  int
	Version     string
}

// InferenceResult carries the engine output for one Process command.
type InferenceResult struct {
	Inference intent.Inference
}

// Error reports a failed command.
type Error struct {
	Err *intent.Error
}

// ContextInfo answers Info.
type ContextInfo struct {
	Info string
}

// Ack acknowledges Pause, Resume and Release.
type Ack struct {
	Op Op
}

func (Ready) response()           {}
func (InferenceResult) response() {}
func (Error) response()           {}
func (ContextInfo) response()     {}
func (Ack) response()             {}

// Envelope wraps a response with the sequence number and op of the command
// that produced it.
//
// Sequence numbers are unique per worker and rejected submissions give theirs
// back, so a single submitter sees consecutive numbers. A rejection racing a
// concurrent submission leaves a gap.
type Envelope struct {
	Seq      uint64
	Op       Op
	Response Response
}
