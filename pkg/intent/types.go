package intent

import "maps"

// Inference is the result of processing one frame.
//
// While an utterance is still pending only IsFinalized (false) is meaningful.
// Once finalized, IsUnderstood tells whether the utterance matched the
// context; Intent and Slots are populated only when it did. Slots is never nil
// for a finalized inference.
type Inference struct {
	IsFinalized  bool
	IsUnderstood bool
	Intent       string
	Slots        map[string]string
}

// Pending returns the inference reported for frames that did not complete an
// utterance.
func Pending() Inference {
	return Inference{}
}

// NotUnderstood returns a finalized inference for an utterance that did not
// match the context.
func NotUnderstood() Inference {
	return Inference{IsFinalized: true, Slots: map[string]string{}}
}

// Understood returns a finalized inference for intent with a copy of slots.
func Understood(intent string, slots map[string]string) Inference {
	s := make(map[string]string, len(slots))
	maps.Copy(s, slots)
	return Inference{IsFinalized: true, IsUnderstood: true, Intent: intent, Slots: s}
}

// Clone returns a deep copy of inf. Finalized inferences always carry a
// non-nil Slots map in the copy.
func (inf Inference) Clone() Inference {
	out := inf
	if inf.Slots != nil || inf.IsFinalized {
		out.Slots = make(map[string]string, len(inf.Slots))
		maps.Copy(out.Slots, inf.Slots)
	}
	return out
}
