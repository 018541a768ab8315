// Package websocket implements [audio.Transport] over a browser WebSocket.
//
// Wire protocol, one connection per conversation:
//
//   - client → server, binary: 16-bit little-endian PCM in the input format.
//   - client → server, text: {"type":"stop"} ends the conversation.
//   - server → client, text: {"type":"ready",...} once, announcing both
//     formats; {"type":"clear"} when queued playback must be discarded.
//   - server → client, binary: PCM in the output format.
//
// The input sample rate may be chosen by the client with the sample_rate
// query parameter.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voicepipe/pkg/audio"
)

const (
	writeTimeout = 5 * time.Second
	readLimit    = 1 << 20
)

// Options configures Accept.
type Options struct {
	// InputFormat is what the client sends unless it asks otherwise.
	// Default: 16 kHz mono.
	InputFormat audio.Format

	// OutputFormat is what the server sends. Default: 16 kHz mono.
	OutputFormat audio.Format

	// OriginPatterns lists host patterns allowed besides the request host.
	OriginPatterns []string

	// Buffer is the frame capacity of each direction. Default: 64.
	Buffer int

	Logger *slog.Logger
}

// Message is a text control message.
type Message struct {
	Type             string `json:"type"`
	InputSampleRate  int    `json:"input_sample_rate,omitempty"`
	InputChannels    int    `json:"input_channels,omitempty"`
	OutputSampleRate int    `json:"output_sample_rate,omitempty"`
	OutputChannels   int    `json:"output_channels,omitempty"`
}

// Transport is one accepted WebSocket conversation.
type Transport struct {
	*audio.Endpoint

	conn   *websocket.Conn
	log    *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	clear  chan struct{}
}

var (
	_ audio.Transport   = (*Transport)(nil)
	_ audio.Interrupter = (*Transport)(nil)
)

// Accept upgrades the request and starts the transport's loops. The
// transport lives until Close or until the client goes away; r's context
// does not bound it.
func Accept(w http.ResponseWriter, r *http.Request, opts Options) (*Transport, error) {
	if !opts.InputFormat.Valid() {
		opts.InputFormat = audio.Mono16k
	}
	if !opts.OutputFormat.Valid() {
		opts.OutputFormat = audio.Mono16k
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if v := r.URL.Query().Get("sample_rate"); v != "" {
		rate, err := strconv.Atoi(v)
		if err != nil || rate < 8000 || rate > 48000 {
			http.Error(w, "invalid sample_rate", http.StatusBadRequest)
			return nil, fmt.Errorf("websocket: invalid sample_rate %q", v)
		}
		opts.InputFormat.SampleRate = rate
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: opts.OriginPatterns})
	if err != nil {
		return nil, fmt.Errorf("websocket: accept: %w", err)
	}
	conn.SetReadLimit(readLimit)
	return start(conn, opts), nil
}

func start(conn *websocket.Conn, opts Options) *Transport {
	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		conn:   conn,
		log:    opts.Logger,
		ctx:    ctx,
		cancel: cancel,
		clear:  make(chan struct{}, 1),
	}
	t.Endpoint = audio.NewEndpoint(opts.InputFormat, opts.OutputFormat, opts.Buffer, t.shutdown)

	if err := t.writeJSON(Message{
		Type:             "ready",
		InputSampleRate:  opts.InputFormat.SampleRate,
		InputChannels:    opts.InputFormat.Channels,
		OutputSampleRate: opts.OutputFormat.SampleRate,
		OutputChannels:   opts.OutputFormat.Channels,
	}); err != nil {
		t.log.Debug("websocket: send ready", "err", err)
	}
	go t.readLoop()
	go t.writeLoop()
	return t
}

// ClearOutput drops queued playback and tells the client to flush its own
// buffer.
func (t *Transport) ClearOutput() {
	t.Endpoint.ClearOutput()
	select {
	case t.clear <- struct{}{}:
	default:
	}
}

func (t *Transport) shutdown() error {
	defer t.cancel()
	if err := t.conn.Close(websocket.StatusNormalClosure, "session ended"); err != nil {
		t.log.Debug("websocket: close", "err", err)
	}
	return nil
}

func (t *Transport) readLoop() {
	defer t.EndInput()
	format := t.InputFormat()
	for {
		typ, data, err := t.conn.Read(t.ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && t.ctx.Err() == nil {
				t.log.Debug("websocket: read", "err", err)
			}
			return
		}
		switch typ {
		case websocket.MessageBinary:
			if len(data)%2 == 1 {
				data = data[:len(data)-1]
			}
			if len(data) == 0 {
				continue
			}
			t.Deliver(audio.AudioFrame{Data: data, SampleRate: format.SampleRate, Channels: format.Channels})
		case websocket.MessageText:
			var msg Message
			if err := json.Unmarshal(data, &msg); err != nil {
				t.log.Debug("websocket: bad control message", "err", err)
				continue
			}
			if msg.Type == "stop" {
				return
			}
		}
	}
}

func (t *Transport) writeLoop() {
	for {
		select {
		case f := <-t.Outgoing():
			if err := t.write(websocket.MessageBinary, f.Data); err != nil {
				t.fail(err)
				return
			}
		case <-t.clear:
			if err := t.writeJSON(Message{Type: "clear"}); err != nil {
				t.fail(err)
				return
			}
		case <-t.Done():
			return
		}
	}
}

// fail ends input after a write error so the pipeline winds down.
func (t *Transport) fail(err error) {
	if t.ctx.Err() == nil && !errors.Is(err, context.Canceled) {
		t.log.Debug("websocket: write", "err", err)
	}
	t.EndInput()
}

func (t *Transport) write(typ websocket.MessageType, data []byte) error {
	ctx, cancel := context.WithTimeout(t.ctx, writeTimeout)
	defer cancel()
	return t.conn.Write(ctx, typ, data)
}

func (t *Transport) writeJSON(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return t.write(websocket.MessageText, data)
}
