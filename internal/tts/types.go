package tts

import (
	"context"
	"fmt"
)

// Request contains the parameters of one Bark generation. Optional fields
// are nil or empty when the caller did not set them.
type Request struct {
	Text         string
	VoicePreset  string
	TextTemp     *float64
	WaveformTemp *float64
}

// InvocationSpec describes one external process run.
type InvocationSpec struct {
	Program    string
	Args       []string
	Dir        string
	OutputPath string
}

// Result is either a success carrying the audio path or a failure carrying a
// message. Build it with Success or Failure.
type Result struct {
	ok        bool
	audioPath string
	errMsg    string
}

func Success(audioPath string) Result {
	return Result{ok: true, audioPath: audioPath}
}

func Failure(format string, args ...any) Result {
	msg := fmt.Sprintf(format, args...)
	if msg == "" {
		msg = "generation failed"
	}
	return Result{errMsg: msg}
}

func (r Result) OK() bool             { return r.ok }
func (r Result) AudioPath() string    { return r.audioPath }
func (r Result) ErrorMessage() string { return r.errMsg }

// Generator is the contract for producing an audio file from a request.
type Generator interface {
	Generate(ctx context.Context, req Request) Result
}
