package tts

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBark parses the Bark CLI flags and writes the requested output file.
const fakeBark = `
while [ $# -gt 0 ]; do
  case "$1" in
    --output_filename) name="$2"; shift ;;
    --output_dir) dir="$2"; shift ;;
    --text) text="$2"; shift ;;
  esac
  shift
done
printf "%s" "$text" > "$dir/$name"
`

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func requirePOSIX(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires /bin/sh")
	}
}

func shellSpec(script, outputPath string) InvocationSpec {
	return InvocationSpec{
		Program:    "sh",
		Args:       []string{"-c", script, "bark", outputPath},
		OutputPath: outputPath,
	}
}

func TestRunSuccess(t *testing.T) {
	requirePOSIX(t)
	out := filepath.Join(t.TempDir(), "audio_output", "a.wav")

	res := NewRunner(0, newTestLogger()).Run(context.Background(), shellSpec(`: > "$1"`, out))

	require.True(t, res.OK(), res.ErrorMessage())
	assert.Equal(t, out, res.AudioPath())
	assert.Empty(t, res.ErrorMessage())
	assert.FileExists(t, out)
}

func TestRunCreatesOutputDirIdempotently(t *testing.T) {
	requirePOSIX(t)
	dir := filepath.Join(t.TempDir(), "audio_output")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	res := NewRunner(0, newTestLogger()).Run(context.Background(), shellSpec(`: > "$1"`, filepath.Join(dir, "b.wav")))
	assert.True(t, res.OK(), res.ErrorMessage())
}

func TestRunZeroExitWithoutOutputFails(t *testing.T) {
	requirePOSIX(t)
	out := filepath.Join(t.TempDir(), "missing.wav")

	res := NewRunner(0, newTestLogger()).Run(context.Background(), shellSpec(`exit 0`, out))

	assert.False(t, res.OK())
	assert.Empty(t, res.AudioPath())
	assert.Contains(t, res.ErrorMessage(), "was not created")
}

func TestRunNonZeroExitCarriesStderr(t *testing.T) {
	requirePOSIX(t)
	out := filepath.Join(t.TempDir(), "c.wav")

	res := NewRunner(0, newTestLogger()).Run(context.Background(),
		shellSpec(`: > "$1"; echo "CUDA out of memory" >&2; exit 3`, out))

	assert.False(t, res.OK())
	assert.Equal(t, "Bark execution failed: CUDA out of memory", res.ErrorMessage())
}

func TestRunNonZeroExitWithoutStderr(t *testing.T) {
	requirePOSIX(t)
	res := NewRunner(0, newTestLogger()).Run(context.Background(),
		shellSpec(`exit 7`, filepath.Join(t.TempDir(), "d.wav")))

	assert.False(t, res.OK())
	assert.Contains(t, res.ErrorMessage(), "exit status 7")
}

func TestRunSpawnError(t *testing.T) {
	spec := InvocationSpec{
		Program:    filepath.Join(t.TempDir(), "no-such-bark"),
		OutputPath: filepath.Join(t.TempDir(), "e.wav"),
	}

	res := NewRunner(0, newTestLogger()).Run(context.Background(), spec)

	assert.False(t, res.OK())
	assert.Contains(t, res.ErrorMessage(), "Failed to execute bark:")
}

func TestRunOutputDirCreationFailure(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	spec := InvocationSpec{Program: "sh", OutputPath: filepath.Join(blocker, "sub", "f.wav")}
	res := NewRunner(0, newTestLogger()).Run(context.Background(), spec)

	assert.False(t, res.OK())
	assert.Equal(t, "Failed to create output directory", res.ErrorMessage())
}

func TestRunTimeoutKillsChild(t *testing.T) {
	requirePOSIX(t)
	out := filepath.Join(t.TempDir(), "g.wav")

	start := time.Now()
	res := NewRunner(100*time.Millisecond, newTestLogger()).Run(context.Background(),
		shellSpec(`exec sleep 10`, out))

	assert.False(t, res.OK())
	assert.Equal(t, "Bark execution timed out after 100ms", res.ErrorMessage())
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestRunCancelledByCaller(t *testing.T) {
	requirePOSIX(t)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	res := NewRunner(0, newTestLogger()).Run(ctx, shellSpec(`exec sleep 10`, filepath.Join(t.TempDir(), "h.wav")))

	assert.False(t, res.OK())
	assert.Contains(t, res.ErrorMessage(), "Bark execution cancelled")
}

func TestEngineWithFakeBark(t *testing.T) {
	requirePOSIX(t)
	outputDir := filepath.Join(t.TempDir(), "audio_output")
	builder, err := NewBuilder("sh -c '"+fakeBark+"' bark", "", NewNamer(fixedClock(1700000000)))
	require.NoError(t, err)
	engine := NewEngine(builder, NewRunner(5*time.Second, newTestLogger()), outputDir)

	first := engine.Generate(context.Background(), Request{Text: "hello", TextTemp: floatPtr(0.7)})
	second := engine.Generate(context.Background(), Request{Text: "world"})

	require.True(t, first.OK(), first.ErrorMessage())
	require.True(t, second.OK(), second.ErrorMessage())
	assert.Equal(t, filepath.Join(outputDir, "bark_output_1700000000.wav"), first.AudioPath())
	assert.Equal(t, filepath.Join(outputDir, "bark_output_1700000000_1.wav"), second.AudioPath())

	data, err := os.ReadFile(first.AudioPath())
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestMockGenerator(t *testing.T) {
	outputDir := filepath.Join(t.TempDir(), "audio_output")
	gen := NewMockGenerator(outputDir, NewNamer(fixedClock(9)), 0)

	res := gen.Generate(context.Background(), Request{Text: "hi"})
	require.True(t, res.OK(), res.ErrorMessage())
	assert.Equal(t, filepath.Join(outputDir, "bark_output_9.wav"), res.AudioPath())
	assert.FileExists(t, res.AudioPath())
}

func TestMockGeneratorCancelled(t *testing.T) {
	gen := NewMockGenerator(t.TempDir(), nil, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := gen.Generate(ctx, Request{Text: "hi"})
	assert.False(t, res.OK())
	assert.NotEmpty(t, res.ErrorMessage())
}
