package protocol

import (
	"encoding/json"
	"slices"
)

// Envelope is the tagged message exchanged with the UI on every transport.
type Envelope struct {
	Type string          `json:"type"`
	ID   string          `json:"id"`
	Data json.RawMessage `json:"data,omitempty"`
}

// GenerateAudio is the payload of a generate_audio envelope.
type GenerateAudio struct {
	Text         string   `json:"text"`
	VoicePreset  *string  `json:"voice_preset,omitempty"`
	TextTemp     *float64 `json:"text_temp,omitempty"`
	WaveformTemp *float64 `json:"waveform_temp,omitempty"`
}

// GenerateAudioResult is the outcome delivered back to the UI. Exactly one of
// AudioPath and Error is set.
type GenerateAudioResult struct {
	Success   bool   `json:"success"`
	AudioPath string `json:"audio_path,omitempty"`
	Error     string `json:"error,omitempty"`
}

const (
	KindGenerateAudio = "generate_audio"

	SubjectGenerateAudio       = "taku.tts.generate"
	SubjectGenerateAudioResult = "taku.tts.result"

	EventIPC         = "ipc"
	EventIPCResponse = "ipc:response"
)

// VoicePresets lists the Bark history prompts offered to the UI.
var VoicePresets = []string{
	"en_speaker_0", "en_speaker_1", "en_speaker_2", "en_speaker_3",
	"en_speaker_4", "en_speaker_5", "en_speaker_6", "en_speaker_7",
	"en_speaker_8", "en_speaker_9",
}

// IsVoicePreset reports whether name is one of VoicePresets.
func IsVoicePreset(name string) bool {
	return slices.Contains(VoicePresets, name)
}

// EncodeResultEnvelope wraps a result in the inbound envelope shape so that
// broadcast transports can be correlated by id.
func EncodeResultEnvelope(id string, result GenerateAudioResult) ([]byte, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: KindGenerateAudio, ID: id, Data: data})
}
