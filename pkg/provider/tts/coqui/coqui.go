// Package coqui provides a TTS provider for a self-hosted Coqui TTS server.
//
// Coqui synthesises one utterance per HTTP request and answers with a WAV
// file, so SynthesizeStream groups incoming text into sentences, keeps a few
// requests in flight and emits their PCM strictly in sentence order.
//
// Two server flavours are supported:
//
//   - ModeStandard (default): the standard server image, GET /api/tts with
//     query parameters.
//   - ModeXTTS: the XTTS v2 API server, POST /tts_to_audio/ with a JSON body.
//     It needs a speaker, taken from the voice ID.
package coqui

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MrWong99/voicepipe/pkg/audio"
	"github.com/MrWong99/voicepipe/pkg/provider"
	"github.com/MrWong99/voicepipe/pkg/provider/tts"
)

// Mode selects the server API.
type Mode string

const (
	ModeStandard Mode = "standard"
	ModeXTTS     Mode = "xtts"
)

const (
	standardPath = "/api/tts"
	xttsPath     = "/tts_to_audio/"

	defaultLanguage  = "en"
	defaultTimeout   = 30 * time.Second
	defaultLookahead = 3

	// Native rates of the default models of each server.
	standardRate = 22050
	xttsRate     = 24000

	chunkBytes = 4096
)

// Option is a functional option for configuring the Provider.
type Option func(*Provider)

// WithMode selects the server API. The default is ModeStandard.
func WithMode(m Mode) Option {
	return func(p *Provider) { p.mode = m }
}

// WithLanguage sets the language sent with every request. Default: "en".
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// WithSampleRate sets the rate of the emitted PCM. Server audio at another
// rate is resampled. The default is the native rate of the mode's default
// model (22050 Hz standard, 24000 Hz XTTS).
func WithSampleRate(rate int) Option {
	return func(p *Provider) { p.sampleRate = rate }
}

// WithTimeout bounds each synthesis request. Default: 30s.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) { p.client.Timeout = d }
}

// WithLookahead sets how many sentences may be synthesised concurrently.
// Default: 3.
func WithLookahead(n int) Option {
	return func(p *Provider) { p.lookahead = n }
}

// Provider implements tts.Provider.
type Provider struct {
	baseURL    string
	mode       Mode
	language   string
	sampleRate int
	lookahead  int
	client     *http.Client
}

// New returns a provider for the server at serverURL, for example
// "http://localhost:5002".
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("coqui: server URL must not be empty")
	}
	p := &Provider{
		baseURL:   strings.TrimRight(serverURL, "/"),
		mode:      ModeStandard,
		language:  defaultLanguage,
		lookahead: defaultLookahead,
		client:    &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	switch p.mode {
	case ModeStandard, ModeXTTS:
	default:
		return nil, fmt.Errorf("coqui: unknown mode %q", p.mode)
	}
	if p.sampleRate == 0 {
		p.sampleRate = standardRate
		if p.mode == ModeXTTS {
			p.sampleRate = xttsRate
		}
	}
	if p.sampleRate < 0 || p.lookahead < 1 {
		return nil, fmt.Errorf("coqui: invalid sample rate %d or lookahead %d", p.sampleRate, p.lookahead)
	}
	return p, nil
}

// OutputFormat implements tts.Provider.
func (p *Provider) OutputFormat() audio.Format {
	return audio.Format{SampleRate: p.sampleRate, Channels: 1}
}

type result struct {
	pcm []byte
	err error
}

// SynthesizeStream implements tts.Provider. A failed request ends the audio
// stream after the sentences before it were played.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.Voice) (<-chan []byte, error) {
	if p.mode == ModeXTTS && voice.ID == "" {
		return nil, provider.Permanent(errors.New("coqui: xtts mode needs a voice id"))
	}
	ctx, cancel := context.WithCancel(ctx)
	pending := make(chan chan result, p.lookahead)
	out := make(chan []byte, 64)
	go p.dispatch(ctx, text, voice, pending)
	go func() {
		defer close(out)
		defer cancel()
		p.collect(ctx, pending, out)
	}()
	return out, nil
}

// dispatch starts one request per sentence. pending holds the result slots in
// sentence order; its capacity bounds the requests in flight.
func (p *Provider) dispatch(ctx context.Context, text <-chan string, voice tts.Voice, pending chan<- chan result) {
	defer close(pending)
	var buf strings.Builder
	flush := func() bool {
		s := strings.TrimSpace(buf.String())
		buf.Reset()
		if s == "" {
			return true
		}
		slot := make(chan result, 1)
		select {
		case pending <- slot:
		case <-ctx.Done():
			return false
		}
		go func() {
			pcm, err := p.synthesize(ctx, s, voice)
			slot <- result{pcm, err}
		}()
		return true
	}
	for {
		select {
		case s, ok := <-text:
			if !ok {
				flush()
				return
			}
			buf.WriteString(s)
			if endsSentence(buf.String()) && !flush() {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (p *Provider) collect(ctx context.Context, pending <-chan chan result, out chan<- []byte) {
	for {
		var slot chan result
		select {
		case s, ok := <-pending:
			if !ok {
				return
			}
			slot = s
		case <-ctx.Done():
			return
		}
		var r result
		select {
		case r = <-slot:
		case <-ctx.Done():
			return
		}
		if r.err != nil {
			return
		}
		for pcm := r.pcm; len(pcm) > 0; {
			n := min(chunkBytes, len(pcm))
			select {
			case out <- pcm[:n]:
			case <-ctx.Done():
				return
			}
			pcm = pcm[n:]
		}
	}
}

func endsSentence(s string) bool {
	s = strings.TrimRight(s, " \t")
	if s == "" {
		return false
	}
	switch s[len(s)-1] {
	case '.', '!', '?', '\n':
		return true
	}
	return false
}

// synthesize performs one request and returns PCM in the output format.
func (p *Provider) synthesize(ctx context.Context, sentence string, voice tts.Voice) ([]byte, error) {
	var (
		req *http.Request
		err error
	)
	if p.mode == ModeXTTS {
		body, _ := json.Marshal(struct {
			Text       string `json:"text"`
			SpeakerWav string `json:"speaker_wav"`
			Language   string `json:"language"`
		}{sentence, voice.ID, p.language})
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+xttsPath, bytes.NewReader(body))
		if err == nil {
			req.Header.Set("Content-Type", "application/json")
		}
	} else {
		q := url.Values{"text": {sentence}}
		if voice.ID != "" {
			q.Set("speaker_id", voice.ID)
		}
		if p.language != "" {
			q.Set("language_id", p.language)
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+standardPath+"?"+q.Encode(), nil)
	}
	if err != nil {
		return nil, fmt.Errorf("coqui: build request: %w", err)
	}
	req.Header.Set("Accept", "audio/wav")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, provider.Transient(fmt.Errorf("coqui: %s %s: %w", req.Method, req.URL.Path, err))
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, provider.FromHTTPStatus(resp.StatusCode, fmt.Errorf("coqui: %s %s: status %d", req.Method, req.URL.Path, resp.StatusCode))
	}
	wav, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, provider.Transient(fmt.Errorf("coqui: read audio: %w", err))
	}
	f, pcm, err := parseWAV(wav)
	if err != nil {
		return nil, provider.Permanent(err)
	}
	if f.Channels == 2 {
		pcm = audio.StereoToMono(pcm)
	}
	return audio.Resample(pcm, 1, f.SampleRate, p.sampleRate), nil
}

// parseWAV returns the format and the sample data of a 16-bit PCM WAV file.
func parseWAV(b []byte) (audio.Format, []byte, error) {
	if len(b) < 12 || string(b[0:4]) != "RIFF" || string(b[8:12]) != "WAVE" {
		return audio.Format{}, nil, errors.New("coqui: response is not a WAV file")
	}
	var (
		f      audio.Format
		gotFmt bool
	)
	for off := 12; off+8 <= len(b); {
		id := string(b[off : off+4])
		size := int(binary.LittleEndian.Uint32(b[off+4 : off+8]))
		body := b[off+8:]
		if size > len(body) {
			size = len(body)
		}
		switch id {
		case "fmt ":
			if size < 16 {
				return audio.Format{}, nil, errors.New("coqui: short fmt chunk")
			}
			if tag, bits := binary.LittleEndian.Uint16(body[0:2]), binary.LittleEndian.Uint16(body[14:16]); tag != 1 || bits != 16 {
				return audio.Format{}, nil, fmt.Errorf("coqui: unsupported wav encoding (format %d, %d bits)", tag, bits)
			}
			f.Channels = int(binary.LittleEndian.Uint16(body[2:4]))
			f.SampleRate = int(binary.LittleEndian.Uint32(body[4:8]))
			gotFmt = true
		case "data":
			if !gotFmt || !f.Valid() || f.Channels > 2 {
				return audio.Format{}, nil, errors.New("coqui: missing or invalid fmt chunk")
			}
			pcm := body[:size]
			return f, pcm[:len(pcm)&^1], nil
		}
		off += 8 + size + size&1
	}
	return audio.Format{}, nil, errors.New("coqui: wav has no data chunk")
}

var _ tts.Provider = (*Provider)(nil)
