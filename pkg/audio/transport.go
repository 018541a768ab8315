// Package audio defines the PCM frame type shared by every voicepipe component,
// format conversion helpers, and the [Transport] port through which a pipeline
// talks to a remote participant.
//
// Transport implementations live in sub-packages (audio/websocket, audio/webrtc,
// audio/discord). This package lives under pkg/ because third-party transports
// are expected to implement [Transport].
package audio

import (
	"context"
	"errors"
)

// ErrTransportClosed is returned by [Transport.Send] once the transport has been
// closed locally or the peer has disconnected. Pipelines treat it as a normal
// end of session, not as a failure.
var ErrTransportClosed = errors.New("audio: transport closed")

// Transport is a bidirectional audio endpoint for exactly one conversation.
//
// Implementations must be safe for concurrent use: Input is consumed by one
// goroutine while Send is called from another and Close may be called from a
// third.
type Transport interface {
	// Input returns the stream of captured audio. The channel is closed when
	// the peer disconnects or Close is called. It is not restartable: every
	// call returns the same channel.
	Input() <-chan AudioFrame

	// InputFormat reports the format of frames delivered on Input.
	InputFormat() Format

	// OutputFormat reports the format Send expects. Callers convert before
	// sending.
	OutputFormat() Format

	// Send delivers one frame of audio to the peer. It blocks until the frame
	// has been accepted or ctx is done. After Close (or peer disconnect) it
	// returns an error wrapping [ErrTransportClosed].
	Send(ctx context.Context, frame AudioFrame) error

	// Close tears down the connection and releases every resource. It is safe
	// to call more than once; later calls return nil.
	Close() error
}

// Interrupter is implemented by transports that buffer outgoing audio and can
// discard what has not been played yet. Pipelines call ClearOutput on barge-in.
type Interrupter interface {
	ClearOutput()
}
