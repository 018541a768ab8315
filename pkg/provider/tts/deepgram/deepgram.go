// Package deepgram provides a TTS provider backed by the Deepgram Aura
// streaming WebSocket API. Text is sent as Speak messages and a Flush after the
// last fragment; the server answers with binary linear16 audio frames.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/coder/websocket"

	"github.com/MrWong99/voicepipe/pkg/audio"
	"github.com/MrWong99/voicepipe/pkg/provider"
	"github.com/MrWong99/voicepipe/pkg/provider/tts"
)

const (
	speakEndpoint     = "wss://api.deepgram.com/v1/speak"
	defaultSampleRate = 24000

	// DefaultVoice is the Aura model used when the request names none.
	DefaultVoice = "aura-asteria-en"
)

// Option is a functional option for configuring the Provider.
type Option func(*Provider)

// WithVoice sets the default Aura model (e.g., "aura-orion-en").
func WithVoice(model string) Option {
	return func(p *Provider) { p.voice = model }
}

// WithSampleRate sets the linear16 output sample rate.
func WithSampleRate(rate int) Option {
	return func(p *Provider) { p.sampleRate = rate }
}

// WithEndpoint overrides the streaming endpoint. Used by tests.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) { p.endpoint = endpoint }
}

// Provider implements tts.Provider.
type Provider struct {
	apiKey     string
	voice      string
	sampleRate int
	endpoint   string
}

// New creates a Deepgram Aura provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram tts: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		voice:      DefaultVoice,
		sampleRate: defaultSampleRate,
		endpoint:   speakEndpoint,
	}
	for _, o := range opts {
		o(p)
	}
	if p.sampleRate <= 0 {
		return nil, fmt.Errorf("deepgram tts: invalid sample rate %d", p.sampleRate)
	}
	return p, nil
}

// OutputFormat implements tts.Provider.
func (p *Provider) OutputFormat() audio.Format {
	return audio.Format{SampleRate: p.sampleRate, Channels: 1}
}

type controlMessage struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type serverMessage struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

// SynthesizeStream implements tts.Provider.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.Voice) (<-chan []byte, error) {
	model := voice.ID
	if model == "" {
		model = p.voice
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.apiKey)
	conn, resp, err := websocket.Dial(ctx, p.buildURL(model), &websocket.DialOptions{HTTPHeader: headers})
	if err != nil {
		if resp != nil {
			return nil, provider.FromHTTPStatus(resp.StatusCode, fmt.Errorf("deepgram tts: dial: %w", err))
		}
		return nil, provider.Transient(fmt.Errorf("deepgram tts: dial: %w", err))
	}
	// Aura frames can exceed the default 32 KiB read limit.
	conn.SetReadLimit(1 << 20)

	audioCh := make(chan []byte, 64)
	go func() {
		defer close(audioCh)
		defer conn.CloseNow()

		flushed := make(chan struct{})
		readDone := make(chan struct{})
		go func() {
			defer close(readDone)
			for {
				typ, msg, err := conn.Read(ctx)
				if err != nil {
					return
				}
				if typ == websocket.MessageBinary {
					select {
					case audioCh <- msg:
					case <-ctx.Done():
						return
					}
					continue
				}
				var m serverMessage
				if json.Unmarshal(msg, &m) != nil {
					continue
				}
				switch m.Type {
				case "Flushed":
					close(flushed)
					return
				case "Error":
					return
				}
			}
		}()

		for {
			select {
			case sentence, ok := <-text:
				if !ok {
					if writeJSON(ctx, conn, controlMessage{Type: "Flush"}) != nil {
						return
					}
					select {
					case <-flushed:
						_ = writeJSON(ctx, conn, controlMessage{Type: "Close"})
						conn.Close(websocket.StatusNormalClosure, "done")
					case <-readDone:
					case <-ctx.Done():
					}
					return
				}
				if strings.TrimSpace(sentence) == "" {
					continue
				}
				if writeJSON(ctx, conn, controlMessage{Type: "Speak", Text: sentence}) != nil {
					return
				}
			case <-readDone:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return audioCh, nil
}

func (p *Provider) buildURL(model string) string {
	q := url.Values{}
	q.Set("model", model)
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(p.sampleRate))
	return p.endpoint + "?" + q.Encode()
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

var _ tts.Provider = (*Provider)(nil)
