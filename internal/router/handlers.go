package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/coopco/kimibridge/internal/bus"
	"github.com/coopco/kimibridge/internal/identity"
	"github.com/coopco/kimibridge/internal/media"
	"github.com/coopco/kimibridge/internal/pending"
	"github.com/coopco/kimibridge/internal/providers"
)

var (
	countPromptRe = regexp.MustCompile(`^(\d+)\s*(.*)$`)
	httpURLRe     = regexp.MustCompile(`https?://[^\s<>"]+`)
)

var imageUploadExts = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true,
	".bmp": true, ".webp": true,
}

// handleFileTrigger parses "<trigger> [N] [custom prompt]" and installs a
// collection. N defaults to 1.
func (r *Router) handleFileTrigger(id identity.Identity, rest string) (Disposition, string) {
	count := 1
	customPrompt := rest
	if m := countPromptRe.FindStringSubmatch(rest); m != nil {
		count, _ = strconv.Atoi(m[1])
		customPrompt = strings.TrimSpace(m[2])
	}

	err := r.registry.Start(id, count, customPrompt, pending.KindFile, providers.VariantStandard, r.cfg.CollectTimeout)
	if errors.Is(err, pending.ErrLimitExceeded) {
		return HandledReply, fmt.Sprintf("最多支持同时上传%d个文件", r.cfg.MaxFiles)
	}
	if err != nil {
		slog.Error("router: start collection failed", "identity", id.String(), "err", err)
		return HandledReply, "暂时无法开始文件收集，请稍后重试"
	}

	minutes := int(r.cfg.CollectTimeout.Minutes())
	return HandledReply, fmt.Sprintf("请在%d分钟内发送%d个文件或图片", minutes, count)
}

// handleVideoTrigger installs a video wait; the rest of the trigger text is
// the prompt override.
func (r *Router) handleVideoTrigger(id identity.Identity, rest string) (Disposition, string) {
	r.videoWaits.Start(id, rest, providers.VariantVisual, r.cfg.VideoWaitTimeout)
	minutes := int(r.cfg.VideoWaitTimeout.Minutes())
	return HandledReply, fmt.Sprintf("请在%d分钟内发送视频或视频分享链接", minutes)
}

// handleCollectionAttachment stages one attachment into the identity's
// active collection and dispatches once the collection is full.
func (r *Router) handleCollectionAttachment(ctx context.Context, msg bus.InboundMessage, id identity.Identity) (Disposition, string) {
	att, err := r.prepareAttachment(msg)
	if err != nil {
		slog.Warn("router: attachment not available", "identity", id.String(), "err", err)
		return HandledReply, "文件下载失败，请重新发送"
	}

	name := att.Name
	if name == "" {
		name = filepath.Base(att.LocalPath)
	}
	// Format rejection never consumes a collection slot.
	if err := r.pipeline.CheckFormat(name, false); err != nil {
		return HandledReply, "不支持的文件格式"
	}

	staged, err := r.pipeline.Stage(att.LocalPath)
	if err != nil {
		slog.Error("router: staging failed", "identity", id.String(), "err", err)
		return HandledReply, "文件保存失败，请重新发送"
	}

	res := r.registry.Accept(id, staged)
	switch res.Status {
	case pending.StatusNoActive:
		// Lost a race with expiry or reset; silent by design.
		os.Remove(staged)
		return NotHandled, ""
	case pending.StatusExpired:
		os.Remove(staged)
		return HandledReply, "等待文件超时，请重新发送触发指令"
	case pending.StatusAwaitingMore:
		return HandledReply, fmt.Sprintf("文件已接收，还需要%d个", res.Remaining)
	}

	r.bus.PublishOutbound(bus.Reply(msg, "progress", "文件接收完毕，正在解析处理中，请稍候..."))
	return r.dispatchCollection(ctx, id, res)
}

func (r *Router) prepareAttachment(msg bus.InboundMessage) (*bus.Attachment, error) {
	if msg.Prepare != nil {
		if err := msg.Prepare(); err != nil {
			return nil, err
		}
	}
	if msg.Attachment == nil || msg.Attachment.LocalPath == "" {
		return nil, errors.New("no local attachment path")
	}
	return msg.Attachment, nil
}

// dispatchCollection uploads a completed collection and issues the single
// completion call. Staged files are removed whatever the outcome.
func (r *Router) dispatchCollection(ctx context.Context, id identity.Identity, res pending.AcceptResult) (Disposition, string) {
	defer func() {
		for _, rec := range res.Received {
			if err := os.Remove(rec.LocalPath); err != nil && !os.IsNotExist(err) {
				slog.Warn("router: staged file cleanup failed", "path", rec.LocalPath, "err", err)
			}
		}
	}()

	files := make([]media.Staged, len(res.Received))
	for i, rec := range res.Received {
		files[i] = media.Staged{DisplayName: filepath.Base(rec.LocalPath), Path: rec.LocalPath}
	}
	refs, err := r.pipeline.UploadAll(ctx, files)
	if err != nil {
		slog.Error("router: collection upload failed", "identity", id.String(), "err", err)
		return HandledReply, "文件上传失败，请重试"
	}

	// The first file's type picks the fallback prompt template.
	kind := res.Kind
	if imageUploadExts[strings.ToLower(filepath.Ext(res.Received[0].LocalPath))] {
		kind = pending.KindImage
	}
	body := r.prompts.MediaPrompt(kind, res.Prompt)

	return r.complete(ctx, id, res.Variant, body, refs)
}

// handleAwaitedVideo consumes the identity's video wait. The wait is removed
// up front, so it is cleared regardless of how processing goes.
func (r *Router) handleAwaitedVideo(ctx context.Context, msg bus.InboundMessage, id identity.Identity, content string) (Disposition, string) {
	wait, ok := r.videoWaits.Take(id)
	if !ok {
		return NotHandled, ""
	}

	r.bus.PublishOutbound(bus.Reply(msg, "progress", "视频处理中，请稍候..."))

	var videoPath, title, author string
	if msg.Kind == bus.KindVideo {
		att, err := r.prepareAttachment(msg)
		if err != nil {
			slog.Warn("router: video attachment not available", "identity", id.String(), "err", err)
			return HandledReply, "视频下载失败，请重新发送"
		}
		name := att.Name
		if name == "" {
			name = filepath.Base(att.LocalPath)
		}
		if err := r.pipeline.CheckFormat(name, true); err != nil {
			return HandledReply, "不支持的视频格式"
		}
		videoPath, err = r.pipeline.Stage(att.LocalPath)
		if err != nil {
			slog.Error("router: video staging failed", "identity", id.String(), "err", err)
			return HandledReply, "视频保存失败，请重新发送"
		}
	} else {
		shareTitle, shareURL := providers.ExtractShareInfo(content)
		if shareURL == "" {
			return HandledReply, "未能识别视频链接，请重新发送"
		}
		info, err := r.resolver.FetchMediaInfo(ctx, shareURL)
		if err != nil {
			slog.Error("router: share resolution failed", "url", shareURL, "err", err)
			return HandledReply, "视频解析失败，请稍后重试"
		}
		title, author = info.Title, info.Author
		if title == "" {
			title = shareTitle
		}
		videoPath, err = r.resolver.Download(ctx, info.DirectURL, r.pipeline.StagingDir())
		if err != nil {
			slog.Error("router: video download failed", "url", info.DirectURL, "err", err)
			return HandledReply, "视频下载失败，请稍后重试"
		}
	}
	defer os.Remove(videoPath)

	result, err := r.pipeline.ProcessVideo(ctx, videoPath)
	if err != nil {
		slog.Error("router: video processing failed", "identity", id.String(), "err", err)
		return HandledReply, "视频处理失败，请重试"
	}
	defer func() {
		for _, f := range result.Frames {
			os.Remove(f.Path)
		}
	}()

	frames := make([]media.Staged, len(result.Frames))
	for i, f := range result.Frames {
		frames[i] = media.Staged{
			DisplayName: fmt.Sprintf("frame_%.1fs.jpg", f.Timestamp),
			Path:        f.Path,
		}
	}
	refs, err := r.pipeline.UploadAll(ctx, frames)
	if err != nil {
		slog.Error("router: frame upload failed", "identity", id.String(), "err", err)
		return HandledReply, "视频帧上传失败，请重试"
	}

	body := r.prompts.VideoPrompt(wait.Prompt, title, author, result.Transcript)
	return r.complete(ctx, id, wait.Variant, body, refs)
}

// handleChat forwards keyword-triggered text to the chat flow, diverting to
// link summarization when the text embeds a URL.
func (r *Router) handleChat(ctx context.Context, msg bus.InboundMessage, id identity.Identity, content string) (Disposition, string) {
	body := strings.TrimSpace(strings.TrimPrefix(content, r.cfg.Keyword))
	if body == "" {
		return HandledReply, "请在关键词后输入问题"
	}

	if url := httpURLRe.FindString(body); url != "" && !r.excludedURL(url) {
		custom := strings.TrimSpace(body[:strings.Index(body, url)])
		return r.handleLink(ctx, id, custom, body)
	}

	sess, err := r.sessions.GetOrCreate(ctx, id, providers.VariantStandard)
	if err != nil {
		slog.Error("router: session create failed", "identity", id.String(), "err", err)
		return HandledReply, "会话创建失败，请稍后重试"
	}
	reply, err := r.backend.SendMessage(ctx, sess.RemoteID, body, nil, providers.ChatOptions{UseSearch: sess.UseSearch})
	if err != nil {
		// The cached remote session may have gone stale; retry once fresh,
		// keeping the user's search preference.
		slog.Warn("router: completion failed, retrying with fresh session", "identity", id.String(), "err", err)
		sess, err = r.sessions.Reset(ctx, id, providers.VariantStandard, sess.UseSearch)
		if err == nil {
			reply, err = r.backend.SendMessage(ctx, sess.RemoteID, body, nil, providers.ChatOptions{UseSearch: sess.UseSearch, NewChat: true})
		}
		if err != nil {
			slog.Error("router: completion failed", "identity", id.String(), "err", err)
			return HandledReply, "处理失败，请重试"
		}
	}
	return HandledReply, r.prompts.Finalize(reply)
}

// handleLink runs link summarization: custom-or-default prompt plus the
// wrapped URL, through the identity's standard session.
func (r *Router) handleLink(ctx context.Context, id identity.Identity, custom, content string) (Disposition, string) {
	url := httpURLRe.FindString(content)
	if url == "" {
		return NotHandled, ""
	}
	if r.excludedURL(url) {
		slog.Debug("router: url excluded from summarization", "url", url)
		return NotHandled, ""
	}

	sess, err := r.sessions.GetOrCreate(ctx, id, providers.VariantStandard)
	if err != nil {
		slog.Error("router: session create failed", "identity", id.String(), "err", err)
		return HandledReply, "会话创建失败，请稍后重试"
	}
	body := r.prompts.LinkPrompt(custom, url)
	reply, err := r.backend.SendMessage(ctx, sess.RemoteID, body, nil, providers.ChatOptions{UseSearch: true})
	if err != nil {
		slog.Error("router: link summarization failed", "identity", id.String(), "url", url, "err", err)
		return HandledReply, "链接总结失败，请重试"
	}
	return HandledReply, r.prompts.Finalize(reply)
}

func (r *Router) excludedURL(url string) bool {
	for _, frag := range r.cfg.ExcludeURLs {
		if frag != "" && strings.Contains(url, frag) {
			return true
		}
	}
	return false
}

// complete issues the single completion call for a media dispatch. Media
// requests always start a fresh remote session with web search off.
func (r *Router) complete(ctx context.Context, id identity.Identity, variant providers.Variant, body string, refs []string) (Disposition, string) {
	sess, err := r.sessions.Reset(ctx, id, variant, false)
	if err != nil {
		slog.Error("router: session create failed", "identity", id.String(), "err", err)
		return HandledReply, "会话创建失败，请稍后重试"
	}
	reply, err := r.backend.SendMessage(ctx, sess.RemoteID, body, refs, providers.ChatOptions{NewChat: true})
	if err != nil {
		slog.Error("router: completion failed", "identity", id.String(), "err", err)
		return HandledReply, "处理失败，请重试"
	}
	return HandledReply, r.prompts.Finalize(reply)
}
