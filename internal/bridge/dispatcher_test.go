package bridge

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/taku/internal/config"
	"github.com/loqalabs/taku/internal/protocol"
	"github.com/loqalabs/taku/internal/tts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type reply struct {
	id     string
	result protocol.GenerateAudioResult
}

// stubGenerator answers every request with a path derived from its text.
// A delay keyed by text lets tests force out-of-order completion.
type stubGenerator struct {
	mu     sync.Mutex
	seen   []tts.Request
	delays map[string]time.Duration
	block  bool
}

func (g *stubGenerator) Generate(ctx context.Context, req tts.Request) tts.Result {
	g.mu.Lock()
	g.seen = append(g.seen, req)
	delay := g.delays[req.Text]
	block := g.block
	g.mu.Unlock()

	if block {
		<-ctx.Done()
		return tts.Failure("Bark execution cancelled: %v", ctx.Err())
	}
	select {
	case <-ctx.Done():
		return tts.Failure("Bark execution cancelled: %v", ctx.Err())
	case <-time.After(delay):
	}
	return tts.Success("/audio/" + req.Text + ".wav")
}

func (g *stubGenerator) requests() []tts.Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]tts.Request(nil), g.seen...)
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testBarkConfig() config.BarkConfig {
	cfg := config.Default().Bark
	cfg.MaxConcurrency = 0
	return cfg
}

func collector() (Replier, <-chan reply) {
	ch := make(chan reply, 128)
	return func(id string, result protocol.GenerateAudioResult) error {
		ch <- reply{id: id, result: result}
		return nil
	}, ch
}

func await(t *testing.T, ch <-chan reply) reply {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reply")
		return reply{}
	}
}

func assertNoReply(t *testing.T, ch <-chan reply) {
	t.Helper()
	select {
	case r := <-ch:
		t.Fatalf("unexpected reply %+v", r)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDispatchSingleRequest(t *testing.T) {
	gen := &stubGenerator{}
	d := NewDispatcher(context.Background(), testBarkConfig(), gen, newTestLogger())
	defer d.Close()
	replier, ch := collector()

	d.HandleMessage([]byte(`{"type":"generate_audio","id":"r1","data":{"text":"hello","voice_preset":"en_speaker_2","text_temp":0.6}}`), replier)

	r := await(t, ch)
	assert.Equal(t, "r1", r.id)
	assert.True(t, r.result.Success)
	assert.Equal(t, "/audio/hello.wav", r.result.AudioPath)
	assert.Empty(t, r.result.Error)

	reqs := gen.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "en_speaker_2", reqs[0].VoicePreset)
	require.NotNil(t, reqs[0].TextTemp)
	assert.InDelta(t, 0.6, *reqs[0].TextTemp, 1e-9)
	assert.Nil(t, reqs[0].WaveformTemp)
}

func TestDispatchConcurrentRequestsCorrelateById(t *testing.T) {
	const n = 16
	gen := &stubGenerator{delays: make(map[string]time.Duration)}
	for i := 0; i < n; i++ {
		// Earlier requests finish later.
		gen.delays[fmt.Sprintf("t%d", i)] = time.Duration(n-i) * 10 * time.Millisecond
	}
	d := NewDispatcher(context.Background(), testBarkConfig(), gen, newTestLogger())
	defer d.Close()
	replier, ch := collector()

	for i := 0; i < n; i++ {
		d.HandleMessage([]byte(fmt.Sprintf(`{"type":"generate_audio","id":"id-%d","data":{"text":"t%d"}}`, i, i)), replier)
	}

	got := make(map[string]protocol.GenerateAudioResult, n)
	var order []string
	for i := 0; i < n; i++ {
		r := await(t, ch)
		_, dup := got[r.id]
		require.False(t, dup, "duplicate reply for %s", r.id)
		got[r.id] = r.result
		order = append(order, r.id)
	}
	assertNoReply(t, ch)

	for i := 0; i < n; i++ {
		res, ok := got[fmt.Sprintf("id-%d", i)]
		require.True(t, ok)
		assert.Equal(t, fmt.Sprintf("/audio/t%d.wav", i), res.AudioPath)
	}
	assert.NotEqual(t, "id-0", order[0])
}

func TestDispatchEmptyPayloadUsesFallback(t *testing.T) {
	gen := &stubGenerator{}
	d := NewDispatcher(context.Background(), testBarkConfig(), gen, newTestLogger())
	defer d.Close()
	replier, ch := collector()

	for _, msg := range []string{
		`{"type":"generate_audio","id":"r1","data":{}}`,
		`{"type":"generate_audio","id":"r2"}`,
		`{"type":"generate_audio","id":"r3","data":"not an object"}`,
		`{"type":"generate_audio","id":"r4","data":{"text":"   "}}`,
	} {
		d.HandleMessage([]byte(msg), replier)
	}

	ids := map[string]bool{}
	for i := 0; i < 4; i++ {
		r := await(t, ch)
		ids[r.id] = true
		assert.True(t, r.result.Success)
		assert.Equal(t, "/audio/Hello world.wav", r.result.AudioPath)
	}
	assert.Equal(t, map[string]bool{"r1": true, "r2": true, "r3": true, "r4": true}, ids)

	for _, req := range gen.requests() {
		assert.Equal(t, "Hello world", req.Text)
		assert.Empty(t, req.VoicePreset)
		require.NotNil(t, req.TextTemp)
		require.NotNil(t, req.WaveformTemp)
		assert.InDelta(t, 0.7, *req.TextTemp, 1e-9)
		assert.InDelta(t, 0.7, *req.WaveformTemp, 1e-9)
	}
}

func TestDispatchIgnoresUnknownKindAndMalformed(t *testing.T) {
	gen := &stubGenerator{}
	d := NewDispatcher(context.Background(), testBarkConfig(), gen, newTestLogger())
	defer d.Close()
	replier, ch := collector()

	d.HandleMessage([]byte(`{"type":"ping","id":"r2"}`), replier)
	d.HandleMessage([]byte(`{not json`), replier)
	d.HandleMessage(nil, replier)

	assertNoReply(t, ch)
	assert.Empty(t, gen.requests())
}

func TestDispatchAssignsIdWhenMissing(t *testing.T) {
	d := NewDispatcher(context.Background(), testBarkConfig(), &stubGenerator{}, newTestLogger())
	defer d.Close()
	replier, ch := collector()

	d.HandleMessage([]byte(`{"type":"generate_audio","data":{"text":"x"}}`), replier)

	r := await(t, ch)
	_, err := uuid.Parse(r.id)
	assert.NoError(t, err)
}

func TestDispatchDropsInvalidOptionalFields(t *testing.T) {
	gen := &stubGenerator{}
	d := NewDispatcher(context.Background(), testBarkConfig(), gen, newTestLogger())
	defer d.Close()
	replier, ch := collector()

	d.HandleMessage([]byte(`{"type":"generate_audio","id":"r1","data":{"text":"x","voice_preset":"de_speaker_0","text_temp":0,"waveform_temp":2.5}}`), replier)
	await(t, ch)

	reqs := gen.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "x", reqs[0].Text)
	assert.Empty(t, reqs[0].VoicePreset)
	assert.Nil(t, reqs[0].TextTemp)
	assert.Nil(t, reqs[0].WaveformTemp)
}

func TestDispatchFailureCarriesMessage(t *testing.T) {
	d := NewDispatcher(context.Background(), testBarkConfig(), failingGenerator{}, newTestLogger())
	defer d.Close()
	replier, ch := collector()

	d.HandleMessage([]byte(`{"type":"generate_audio","id":"r9","data":{"text":"x"}}`), replier)

	r := await(t, ch)
	assert.Equal(t, "r9", r.id)
	assert.False(t, r.result.Success)
	assert.Empty(t, r.result.AudioPath)
	assert.Equal(t, "Bark execution failed: boom", r.result.Error)
}

type failingGenerator struct{}

func (failingGenerator) Generate(context.Context, tts.Request) tts.Result {
	return tts.Failure("Bark execution failed: boom")
}

func TestDispatchConcurrencyLimit(t *testing.T) {
	gen := &countingGenerator{release: make(chan struct{})}
	cfg := testBarkConfig()
	cfg.MaxConcurrency = 2
	d := NewDispatcher(context.Background(), cfg, gen, newTestLogger())
	defer d.Close()
	replier, ch := collector()

	for i := 0; i < 5; i++ {
		d.HandleMessage([]byte(fmt.Sprintf(`{"type":"generate_audio","id":"c%d","data":{"text":"x"}}`, i)), replier)
	}
	require.Eventually(t, func() bool { return gen.current() == 2 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, gen.current())

	close(gen.release)
	for i := 0; i < 5; i++ {
		assert.True(t, await(t, ch).result.Success)
	}
	assert.LessOrEqual(t, gen.peak(), 2)
}

type countingGenerator struct {
	mu      sync.Mutex
	running int
	max     int
	release chan struct{}
}

func (g *countingGenerator) Generate(ctx context.Context, _ tts.Request) tts.Result {
	g.mu.Lock()
	g.running++
	if g.running > g.max {
		g.max = g.running
	}
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		g.running--
		g.mu.Unlock()
	}()
	select {
	case <-g.release:
		return tts.Success("/audio/x.wav")
	case <-ctx.Done():
		return tts.Failure("Bark execution cancelled: %v", ctx.Err())
	}
}

func (g *countingGenerator) current() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.running
}

func (g *countingGenerator) peak() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.max
}

func TestCloseAnswersInFlightAndLateRequests(t *testing.T) {
	gen := &stubGenerator{block: true}
	d := NewDispatcher(context.Background(), testBarkConfig(), gen, newTestLogger())
	replier, ch := collector()

	d.HandleMessage([]byte(`{"type":"generate_audio","id":"inflight","data":{"text":"x"}}`), replier)
	require.Eventually(t, func() bool { return len(gen.requests()) == 1 }, 2*time.Second, 10*time.Millisecond)

	d.Close()

	r := await(t, ch)
	assert.Equal(t, "inflight", r.id)
	assert.False(t, r.result.Success)
	assert.Contains(t, r.result.Error, "cancelled")

	d.HandleMessage([]byte(`{"type":"generate_audio","id":"late","data":{"text":"x"}}`), replier)
	r = await(t, ch)
	assert.Equal(t, "late", r.id)
	assert.False(t, r.result.Success)
	assert.Equal(t, "Bridge is shutting down", r.result.Error)
	assert.Len(t, gen.requests(), 1)
}

// hangingGenerator never finishes requests whose text is "hang" until the
// context is cancelled.
type hangingGenerator struct{}

func (hangingGenerator) Generate(ctx context.Context, req tts.Request) tts.Result {
	if req.Text == "hang" {
		<-ctx.Done()
		return tts.Failure("Bark execution cancelled: %v", ctx.Err())
	}
	return tts.Success("/audio/" + req.Text + ".wav")
}

func TestDefaultConfigHungChildrenDoNotStallOthers(t *testing.T) {
	d := NewDispatcher(context.Background(), config.Default().Bark, hangingGenerator{}, newTestLogger())
	defer d.Close()
	replier, ch := collector()

	d.HandleMessage([]byte(`{"type":"generate_audio","id":"hang-1","data":{"text":"hang"}}`), replier)
	d.HandleMessage([]byte(`{"type":"generate_audio","id":"hang-2","data":{"text":"hang"}}`), replier)
	d.HandleMessage([]byte(`{"type":"generate_audio","id":"fast","data":{"text":"quick"}}`), replier)

	r := await(t, ch)
	assert.Equal(t, "fast", r.id)
	assert.True(t, r.result.Success)
	assert.Equal(t, "/audio/quick.wav", r.result.AudioPath)
}
