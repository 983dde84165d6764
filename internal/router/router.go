// Package router classifies incoming messages and drives the matching
// handler: pending collections, video waits, trigger phrases, keyword chat,
// and share-link auto-summarization.
package router

import (
	"context"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"github.com/coopco/kimibridge/internal/bus"
	"github.com/coopco/kimibridge/internal/identity"
	"github.com/coopco/kimibridge/internal/media"
	"github.com/coopco/kimibridge/internal/pending"
	"github.com/coopco/kimibridge/internal/prompt"
	"github.com/coopco/kimibridge/internal/providers"
	"github.com/coopco/kimibridge/internal/session"
)

// Disposition tells the host loop what happened to a message.
type Disposition int

const (
	// NotHandled: the message is not ours; other handlers may run.
	NotHandled Disposition = iota
	// Handled: terminal, deliberately without a reply (dedup hit, silent
	// identity mismatch).
	Handled
	// HandledReply: terminal with a reply to deliver.
	HandledReply
)

// Config holds the router's trigger vocabulary and gating lists.
type Config struct {
	Keyword             string   // chat trigger prefix; empty matches everything
	ResetKeyword        string   // exact-match conversation reset
	ToggleSearchKeyword string   // exact-match web-search toggle
	FileTriggers        []string // "collect N files" trigger prefixes
	VideoTriggers       []string // "collect one video" trigger prefixes
	AllowedGroups       []string // group allow-list; empty allows all
	SummaryGroups       []string // groups with share auto-summary enabled
	AutoSummary         bool
	PrivateAutoSummary  bool
	ExcludeURLs         []string // URL fragments never auto-summarized
	MaxFiles            int
	CollectTimeout      time.Duration
	VideoWaitTimeout    time.Duration
}

// MediaPipeline is the attachment-processing surface the router consumes.
// Satisfied by *media.Pipeline.
type MediaPipeline interface {
	Stage(srcPath string) (string, error)
	CheckFormat(name string, video bool) error
	UploadAll(ctx context.Context, files []media.Staged) ([]string, error)
	ProcessVideo(ctx context.Context, videoPath string) (*media.VideoResult, error)
	StagingDir() string
}

// ShareResolver resolves share links to downloadable media. Satisfied by
// *providers.ShareResolver.
type ShareResolver interface {
	FetchMediaInfo(ctx context.Context, shareURL string) (*providers.MediaInfo, error)
	Download(ctx context.Context, directURL, destDir string) (string, error)
}

// Deps are the router's collaborators.
type Deps struct {
	Bus        *bus.MessageBus
	Registry   *pending.Registry
	VideoWaits *pending.VideoWaits
	Dedup      *pending.Dedup
	Pipeline   MediaPipeline
	Sessions   *session.Store
	Backend    providers.ChatBackend
	Resolver   ShareResolver
	Prompts    *prompt.Assembler
}

// Router dispatches one inbound message at a time. All cross-message state
// lives in the keyed registries, so messages from different identities are
// safe to handle concurrently.
type Router struct {
	cfg        Config
	bus        *bus.MessageBus
	registry   *pending.Registry
	videoWaits *pending.VideoWaits
	dedup      *pending.Dedup
	pipeline   MediaPipeline
	sessions   *session.Store
	backend    providers.ChatBackend
	resolver   ShareResolver
	prompts    *prompt.Assembler
}

// New builds a router, applying defaults for unset config fields.
func New(cfg Config, deps Deps) *Router {
	if cfg.ResetKeyword == "" {
		cfg.ResetKeyword = "kimi重置会话"
	}
	if cfg.MaxFiles <= 0 {
		cfg.MaxFiles = 50
	}
	if cfg.CollectTimeout <= 0 {
		cfg.CollectTimeout = 5 * time.Minute
	}
	if cfg.VideoWaitTimeout <= 0 {
		cfg.VideoWaitTimeout = 5 * time.Minute
	}
	return &Router{
		cfg:        cfg,
		bus:        deps.Bus,
		registry:   deps.Registry,
		videoWaits: deps.VideoWaits,
		dedup:      deps.Dedup,
		pipeline:   deps.Pipeline,
		sessions:   deps.Sessions,
		backend:    deps.Backend,
		resolver:   deps.Resolver,
		prompts:    deps.Prompts,
	}
}

// Run consumes inbound messages until ctx is cancelled, processing each in
// its own goroutine so one conversation's slow media flow never stalls the
// others. The registries' per-key check-and-remove semantics keep concurrent
// deliveries for the same identity safe.
func (r *Router) Run(ctx context.Context) error {
	slog.Info("router: started")
	for {
		msg, err := r.bus.ConsumeInbound(ctx)
		if err != nil {
			if ctx.Err() != nil {
				slog.Info("router: stopped")
				return nil
			}
			return err
		}
		go r.processMessage(ctx, msg)
	}
}

// processMessage runs one message through the dispatch and publishes the
// terminal reply, if any.
func (r *Router) processMessage(ctx context.Context, msg bus.InboundMessage) {
	disposition, reply := r.Handle(ctx, msg)
	if disposition == HandledReply && reply != "" {
		r.bus.PublishOutbound(bus.Reply(msg, "text", reply))
	}
}

// Handle runs one message through the priority dispatch. First match wins.
func (r *Router) Handle(ctx context.Context, msg bus.InboundMessage) (Disposition, string) {
	if r.dedup.Seen(msg.Channel + ":" + msg.MsgID) {
		slog.Debug("router: duplicate message", "channel", msg.Channel, "msg_id", msg.MsgID)
		return Handled, ""
	}

	id := msg.Identity()
	if !id.Valid() {
		return NotHandled, ""
	}
	content := strings.TrimSpace(msg.Content)

	// Reset is the one command that bypasses group gating.
	if msg.Kind == bus.KindText && content == r.cfg.ResetKeyword {
		return r.handleReset(msg, id)
	}
	if msg.IsGroup && !r.groupAllowed(msg.GroupName) {
		slog.Debug("router: group not in allow-list", "group", msg.GroupName)
		return NotHandled, ""
	}

	if msg.Kind == bus.KindText && r.cfg.ToggleSearchKeyword != "" && content == r.cfg.ToggleSearchKeyword {
		if r.sessions.ToggleSearch(id) {
			return HandledReply, "已开启联网搜索"
		}
		return HandledReply, "已关闭联网搜索"
	}

	if r.videoWaits.Active(id) && r.isVideoDelivery(msg, content) {
		return r.handleAwaitedVideo(ctx, msg, id, content)
	}

	if r.registry.Active(id) && (msg.Kind == bus.KindFile || msg.Kind == bus.KindImage) {
		return r.handleCollectionAttachment(ctx, msg, id)
	}

	if msg.Kind == bus.KindText {
		for _, trigger := range r.cfg.VideoTriggers {
			if strings.HasPrefix(content, trigger) {
				return r.handleVideoTrigger(id, strings.TrimSpace(content[len(trigger):]))
			}
		}
		for _, trigger := range r.cfg.FileTriggers {
			if strings.HasPrefix(content, trigger) {
				return r.handleFileTrigger(id, strings.TrimSpace(content[len(trigger):]))
			}
		}
		if r.cfg.Keyword == "" || strings.HasPrefix(content, r.cfg.Keyword) {
			return r.handleChat(ctx, msg, id, content)
		}
	}

	if msg.Kind == bus.KindSharing && r.cfg.AutoSummary {
		if msg.IsGroup {
			if !r.summaryGroup(msg.GroupName) {
				slog.Debug("router: group not in auto-summary list", "group", msg.GroupName)
				return NotHandled, ""
			}
		} else if !r.cfg.PrivateAutoSummary {
			return NotHandled, ""
		}
		return r.handleLink(ctx, id, "", content)
	}

	return NotHandled, ""
}

func (r *Router) groupAllowed(name string) bool {
	if len(r.cfg.AllowedGroups) == 0 {
		return true
	}
	return matchGroup(r.cfg.AllowedGroups, name)
}

func (r *Router) summaryGroup(name string) bool {
	return matchGroup(r.cfg.SummaryGroups, name)
}

// matchGroup accepts an exact name match or a match after stripping
// punctuation and whitespace, since some hosts decorate group names.
func matchGroup(list []string, name string) bool {
	norm := normalizeName(name)
	for _, want := range list {
		if want == name || normalizeName(want) == norm {
			return true
		}
	}
	return false
}

func normalizeName(s string) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
		}
	}
	return b.String()
}

// isVideoDelivery reports whether msg can satisfy a pending video wait:
// either a video attachment or recognizable share text.
func (r *Router) isVideoDelivery(msg bus.InboundMessage, content string) bool {
	if msg.Kind == bus.KindVideo && msg.Attachment != nil {
		return true
	}
	if msg.Kind == bus.KindText || msg.Kind == bus.KindSharing {
		return providers.IsVideoShare(content)
	}
	return false
}

func (r *Router) handleReset(msg bus.InboundMessage, id identity.Identity) (Disposition, string) {
	r.registry.Cancel(id)
	r.videoWaits.Cancel(id)
	r.sessions.Drop(id)
	slog.Info("router: conversation reset", "identity", id.String())

	text := "已重置与您的私聊对话。"
	if msg.IsGroup {
		text = "已重置本群的对话，所有群成员将开始新的对话。"
	}
	return HandledReply, r.prompts.Finalize(text)
}
