package providers

import (
	"context"
	"errors"
)

// Variant selects which remote persona handles a session: the standard chat
// persona or the visual/reasoning one used for video analysis.
type Variant string

const (
	VariantStandard Variant = "standard"
	VariantVisual   Variant = "visual"
)

// ChatOptions carry per-request settings for a completion call.
type ChatOptions struct {
	UseSearch bool
	NewChat   bool
}

// ErrRemoteUnavailable indicates the remote backend could not be reached or
// answered with a server error. Session creation retries on it.
var ErrRemoteUnavailable = errors.New("remote backend unavailable")

// ErrEmptyReply indicates the completion stream produced no text.
var ErrEmptyReply = errors.New("empty completion reply")

// ChatBackend is the abstract chat-completion capability: create a remote
// session handle, then send messages (optionally referencing uploaded files)
// into it and collect the streamed reply.
type ChatBackend interface {
	CreateSession(ctx context.Context, variant Variant) (string, error)
	SendMessage(ctx context.Context, sessionID, content string, refs []string, opts ChatOptions) (string, error)
}

// FileUploader is the abstract upload capability. It returns the opaque
// remote reference id for the uploaded file.
type FileUploader interface {
	Upload(ctx context.Context, displayName, localPath string) (string, error)
}

// Transcriber is the abstract speech-to-text capability.
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath string) (string, error)
}
