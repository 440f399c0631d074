// Package bridge correlates UI messages with Bark generations and routes each
// result back to the caller that asked for it.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/taku/internal/config"
	"github.com/loqalabs/taku/internal/protocol"
	"github.com/loqalabs/taku/internal/tts"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
)

const (
	tracerName   = "github.com/loqalabs/taku/bridge"
	maxTemp      = 2.0
	shutdownText = "Bridge is shutting down"
)

var errPayloadTextEmpty = errors.New("text must not be empty")

// Replier delivers the result for id back over the channel the request
// arrived on. It is called exactly once per dispatched request, from the
// request's own goroutine.
type Replier func(id string, result protocol.GenerateAudioResult) error

// Dispatcher accepts raw UI messages and runs one goroutine per generation
// request. It keeps no table of pending ids: correlation is the caller's id
// passed through to the Replier.
type Dispatcher struct {
	cfg     config.BarkConfig
	gen     tts.Generator
	log     *slog.Logger
	sem     *semaphore.Weighted
	metrics *metrics
	tracer  trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

func NewDispatcher(parent context.Context, cfg config.BarkConfig, gen tts.Generator, log *slog.Logger) *Dispatcher {
	ctx, cancel := context.WithCancel(parent)
	d := &Dispatcher{
		cfg:    cfg,
		gen:    gen,
		log:    log.With(slog.String("component", "dispatcher")),
		tracer: otel.Tracer(tracerName),
		ctx:    ctx,
		cancel: cancel,
	}
	if cfg.MaxConcurrency > 0 {
		d.sem = semaphore.NewWeighted(int64(cfg.MaxConcurrency))
	}
	m, err := newMetrics()
	if err != nil {
		d.log.Warn("failed to initialize metrics", slogError(err))
	}
	d.metrics = m
	return d
}

// HandleMessage never blocks on generation. Unparseable envelopes and unknown
// kinds are dropped without a reply; every generate_audio envelope gets
// exactly one reply.
func (d *Dispatcher) HandleMessage(raw []byte, reply Replier) {
	var env protocol.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		d.log.Warn("dropping malformed message", slogError(err))
		d.metrics.dropped(d.ctx, "malformed_envelope")
		return
	}
	if env.Type != protocol.KindGenerateAudio {
		d.log.Debug("ignoring message", slog.String("type", env.Type), slog.String("id", env.ID))
		d.metrics.dropped(d.ctx, "unknown_kind")
		return
	}

	id := env.ID
	if id == "" {
		id = uuid.NewString()
		d.log.Warn("generate_audio without id, assigned one", slog.String("id", id))
	}
	req := d.decodeRequest(id, env.Data)

	d.mu.RLock()
	if d.closed {
		d.mu.RUnlock()
		go d.deliver(id, reply, tts.Failure(shutdownText))
		return
	}
	d.wg.Add(1)
	d.mu.RUnlock()

	go func() {
		defer d.wg.Done()
		d.deliver(id, reply, d.generate(id, req))
	}()
}

// Close refuses new work, cancels in-flight generations (their children are
// killed and they still reply) and waits for them.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	d.cancel()
	d.wg.Wait()
}

func (d *Dispatcher) generate(id string, req tts.Request) tts.Result {
	ctx, span := d.tracer.Start(d.ctx, "bridge.generate_audio",
		trace.WithAttributes(
			attribute.String("taku.request_id", id),
			attribute.Int("taku.text_length", len(req.Text)),
			attribute.String("taku.voice_preset", req.VoicePreset),
		))
	defer span.End()

	if d.sem != nil {
		if err := d.sem.Acquire(ctx, 1); err != nil {
			span.SetStatus(codes.Error, "not started")
			return tts.Failure(shutdownText)
		}
		defer d.sem.Release(1)
	}

	d.metrics.inflight(ctx, 1)
	defer d.metrics.inflight(ctx, -1)

	start := time.Now()
	result := d.gen.Generate(ctx, req)
	elapsed := time.Since(start)

	d.metrics.completed(ctx, result.OK(), elapsed)
	if result.OK() {
		span.SetStatus(codes.Ok, "")
		d.log.Info("audio generated", slog.String("id", id), slog.String("audio_path", result.AudioPath()), slog.Duration("elapsed", elapsed))
	} else {
		span.SetStatus(codes.Error, result.ErrorMessage())
		d.log.Warn("audio generation failed", slog.String("id", id), slog.String("error", result.ErrorMessage()), slog.Duration("elapsed", elapsed))
	}
	return result
}

func (d *Dispatcher) deliver(id string, reply Replier, result tts.Result) {
	out := protocol.GenerateAudioResult{Success: result.OK()}
	if result.OK() {
		out.AudioPath = result.AudioPath()
	} else {
		out.Error = result.ErrorMessage()
	}
	if err := reply(id, out); err != nil {
		d.log.Warn("failed to deliver response", slog.String("id", id), slogError(err))
	}
}

// decodeRequest substitutes the fallback request when the payload cannot be
// used at all, and drops individual optional fields that are out of range.
func (d *Dispatcher) decodeRequest(id string, data json.RawMessage) tts.Request {
	var payload protocol.GenerateAudio
	err := json.Unmarshal(data, &payload)
	if err == nil && strings.TrimSpace(payload.Text) == "" {
		err = errPayloadTextEmpty
	}
	if err != nil {
		d.log.Warn("invalid generate_audio payload, using fallback request", slog.String("id", id), slogError(err))
		return d.fallbackRequest()
	}

	req := tts.Request{Text: payload.Text}
	if payload.VoicePreset != nil && *payload.VoicePreset != "" {
		if protocol.IsVoicePreset(*payload.VoicePreset) {
			req.VoicePreset = *payload.VoicePreset
		} else {
			d.log.Warn("ignoring unknown voice preset", slog.String("id", id), slog.String("voice_preset", *payload.VoicePreset))
		}
	}
	req.TextTemp = d.checkTemp(id, "text_temp", payload.TextTemp)
	req.WaveformTemp = d.checkTemp(id, "waveform_temp", payload.WaveformTemp)
	return req
}

func (d *Dispatcher) checkTemp(id, field string, v *float64) *float64 {
	if v == nil {
		return nil
	}
	if math.IsNaN(*v) || *v <= 0 || *v > maxTemp {
		d.log.Warn("ignoring out of range temperature", slog.String("id", id), slog.String("field", field), slog.Float64("value", *v))
		return nil
	}
	value := *v
	return &value
}

func (d *Dispatcher) fallbackRequest() tts.Request {
	textTemp := d.cfg.FallbackTemp
	waveformTemp := d.cfg.FallbackTemp
	return tts.Request{
		Text:         d.cfg.FallbackText,
		TextTemp:     &textTemp,
		WaveformTemp: &waveformTemp,
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
