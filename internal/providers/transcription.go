package providers

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

const (
	defaultTranscriptionURL   = "https://api.siliconflow.cn/v1"
	defaultTranscriptionModel = "FunAudioLLM/SenseVoiceSmall"
)

// TranscriptionConfig holds settings for the speech-to-text backend, which
// speaks the OpenAI audio/transcriptions protocol.
type TranscriptionConfig struct {
	APIKey  string `json:"apiKey"`
	BaseURL string `json:"baseUrl"`
	Model   string `json:"model"`
}

// TranscriptionProvider converts audio files to text via an OpenAI-compatible
// transcription endpoint.
type TranscriptionProvider struct {
	client *openai.Client
	model  string
}

// NewTranscriptionProvider creates a transcription client from config,
// applying defaults.
func NewTranscriptionProvider(cfg TranscriptionConfig) *TranscriptionProvider {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	} else {
		clientCfg.BaseURL = defaultTranscriptionURL
	}
	model := cfg.Model
	if model == "" {
		model = defaultTranscriptionModel
	}
	return &TranscriptionProvider{
		client: openai.NewClientWithConfig(clientCfg),
		model:  model,
	}
}

// Transcribe sends an audio file to the transcription API and returns the text.
func (p *TranscriptionProvider) Transcribe(ctx context.Context, audioPath string) (string, error) {
	resp, err := p.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    p.model,
		FilePath: audioPath,
	})
	if err != nil {
		return "", fmt.Errorf("transcription request failed: %w", err)
	}
	return resp.Text, nil
}
