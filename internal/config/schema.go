package config

import "encoding/json"

// Config is the top-level configuration
type Config struct {
	Kimi          KimiConfig                 `json:"kimi"`
	Transcription TranscriptionConfig        `json:"transcription"`
	Resolver      ResolverConfig             `json:"resolver"`
	Triggers      TriggersConfig             `json:"triggers"`
	Groups        GroupsConfig               `json:"groups"`
	Prompts       PromptsConfig              `json:"prompts"`
	Files         FilesConfig                `json:"files"`
	ExcludeURLs   []string                   `json:"excludeUrls"`
	Channels      map[string]json.RawMessage `json:"channels"`
	Logging       LoggingConfig              `json:"logging"`
}

// KimiConfig holds the chat backend credentials and persona ids.
type KimiConfig struct {
	RefreshToken    string `json:"refreshToken"`
	BaseURL         string `json:"baseUrl"`
	StandardPersona string `json:"standardPersona"`
	VisualPersona   string `json:"visualPersona"`
}

// TranscriptionConfig selects the speech-to-text backend.
type TranscriptionConfig struct {
	APIKey  string `json:"apiKey"`
	BaseURL string `json:"baseUrl"`
	Model   string `json:"model"`
}

// ResolverConfig selects the share-link resolution API.
type ResolverConfig struct {
	APIURL string `json:"apiUrl"`
}

// TriggersConfig is the router's trigger vocabulary.
type TriggersConfig struct {
	Keyword             string   `json:"keyword"`
	ResetKeyword        string   `json:"resetKeyword"`
	ToggleSearchKeyword string   `json:"toggleSearchKeyword"`
	FileTriggers        []string `json:"fileTriggers"`
	VideoTriggers       []string `json:"videoTriggers"`
}

// GroupsConfig gates group handling and share auto-summarization.
type GroupsConfig struct {
	Allowed            []string `json:"allowed"`
	AutoSummary        bool     `json:"autoSummary"`
	SummaryGroups      []string `json:"summaryGroups"`
	PrivateAutoSummary bool     `json:"privateAutoSummary"`
}

// PromptsConfig holds the default prompt templates.
type PromptsConfig struct {
	FileParsing string `json:"fileParsing"`
	Image       string `json:"image"`
	Video       string `json:"video"`
	LinkSummary string `json:"linkSummary"`
}

// FilesConfig controls staging and the media pipeline.
type FilesConfig struct {
	StorageDir        string   `json:"storageDir"`
	SupportedFormats  []string `json:"supportedFormats"`
	VideoFormats      []string `json:"videoFormats"`
	MaxCount          int      `json:"maxCount"`
	UploadPoolSize    int      `json:"uploadPoolSize"`
	MaxFrames         int      `json:"maxFrames"`
	CollectTimeoutSec int      `json:"collectTimeoutSec"`
	VideoWaitSec      int      `json:"videoWaitSec"`
	TranscribeSec     int      `json:"transcribeSec"`
	ReapAgeSec        int      `json:"reapAgeSec"`
}

type LoggingConfig struct {
	Level string `json:"level"`
}

// DefaultConfig returns a Config with sensible defaults applied.
func DefaultConfig() *Config {
	return &Config{
		Triggers: TriggersConfig{
			Keyword:       "k",
			ResetKeyword:  "kimi重置会话",
			FileTriggers:  []string{"识别"},
			VideoTriggers: []string{"视频", "k视频"},
		},
		Files: FilesConfig{
			StorageDir:        "storage/kimibridge",
			MaxCount:          50,
			UploadPoolSize:    5,
			MaxFrames:         50,
			CollectTimeoutSec: 300,
			VideoWaitSec:      300,
			TranscribeSec:     60,
			ReapAgeSec:        3600,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}
