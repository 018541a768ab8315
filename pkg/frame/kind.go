package frame

import (
	"math/bits"
	"strings"
)

// Kind is the tag of a [Frame].
type Kind uint8

const (
	KindAudioChunk Kind = iota
	KindTranscript
	KindPartialTranscript
	KindTurnBoundary
	KindLLMToken
	KindLLMComplete
	KindSynthesizedAudio
	KindControl

	numKinds
)

var kindNames = [numKinds]string{
	KindAudioChunk:        "AudioChunk",
	KindTranscript:        "Transcript",
	KindPartialTranscript: "PartialTranscript",
	KindTurnBoundary:      "TurnBoundary",
	KindLLMToken:          "LLMToken",
	KindLLMComplete:       "LLMComplete",
	KindSynthesizedAudio:  "SynthesizedAudio",
	KindControl:           "Control",
}

// String returns the kind name.
func (k Kind) String() string {
	if k < numKinds {
		return kindNames[k]
	}
	return "Unknown"
}

// Set is a set of frame kinds. The zero value is the empty set.
type Set uint16

// NewSet returns the set containing kinds.
func NewSet(kinds ...Kind) Set {
	var s Set
	for _, k := range kinds {
		s |= 1 << k
	}
	return s
}

// Has reports whether k is in s.
func (s Set) Has(k Kind) bool { return s&(1<<k) != 0 }

// Union returns s ∪ o.
func (s Set) Union(o Set) Set { return s | o }

// Minus returns the kinds in s that are not in o.
func (s Set) Minus(o Set) Set { return s &^ o }

// SubsetOf reports whether every kind in s is also in o.
func (s Set) SubsetOf(o Set) bool { return s&^o == 0 }

// Empty reports whether s has no members.
func (s Set) Empty() bool { return s == 0 }

// Len returns the number of kinds in s.
func (s Set) Len() int { return bits.OnesCount16(uint16(s)) }

// String renders s as "{A, B}".
func (s Set) String() string {
	var names []string
	for k := range numKinds {
		if s.Has(k) {
			names = append(names, k.String())
		}
	}
	return "{" + strings.Join(names, ", ") + "}"
}
