// Package prompt builds the text sent to the backend and cleans what comes
// back.
package prompt

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/coopco/kimibridge/internal/pending"
)

var (
	refMarkerRe   = regexp.MustCompile(`\[\^\d+\^\]`)
	trailingRefRe = regexp.MustCompile(`参考文献：[\s\S]*$`)
)

// Templates are the per-kind default prompts used when the requester gave no
// custom one.
type Templates struct {
	FileParsing string
	Image       string
	Video       string
	LinkSummary string
}

// Assembler fills in prompt templates and decorates replies with the
// continuation hint.
type Assembler struct {
	templates Templates
	keyword   string
}

// NewAssembler builds an assembler; empty template fields fall back to
// built-in defaults. keyword is the chat trigger echoed in the continuation
// hint.
func NewAssembler(t Templates, keyword string) *Assembler {
	if t.FileParsing == "" {
		t.FileParsing = "请解析文件内容，并总结要点"
	}
	if t.Image == "" {
		t.Image = "请描述图片的内容"
	}
	if t.Video == "" {
		t.Video = "请根据视频帧和音频内容，总结这个视频讲了什么"
	}
	if t.LinkSummary == "" {
		t.LinkSummary = "总结一下这个链接的内容"
	}
	return &Assembler{templates: t, keyword: keyword}
}

// MediaPrompt picks the prompt for a completed collection: the requester's
// custom prompt when present, otherwise the default for the collection kind.
func (a *Assembler) MediaPrompt(kind pending.Kind, custom string) string {
	if custom = strings.TrimSpace(custom); custom != "" {
		return custom
	}
	switch kind {
	case pending.KindImage:
		return a.templates.Image
	case pending.KindVideo:
		return a.templates.Video
	default:
		return a.templates.FileParsing
	}
}

// VideoPrompt assembles the prompt for a processed video: an optional
// title/author header, the base prompt, and the audio transcript when one was
// produced.
func (a *Assembler) VideoPrompt(custom, title, author, transcript string) string {
	var b strings.Builder
	if title != "" {
		b.WriteString("视频标题：")
		b.WriteString(title)
		b.WriteString("\n")
	}
	if author != "" {
		b.WriteString("视频作者：")
		b.WriteString(author)
		b.WriteString("\n")
	}
	if b.Len() > 0 {
		b.WriteString("\n")
	}
	b.WriteString(a.MediaPrompt(pending.KindVideo, custom))
	if transcript != "" {
		b.WriteString("\n\n音频内容：")
		b.WriteString(transcript)
	}
	return b.String()
}

// LinkPrompt assembles a link-summarization request: the custom prompt (or
// summary default) followed by the wrapped URL.
func (a *Assembler) LinkPrompt(custom, url string) string {
	p := strings.TrimSpace(custom)
	if p == "" {
		p = a.templates.LinkSummary
	}
	return p + "\n\n" + WrapURL(url)
}

// WrapURL wraps a link in the backend's URL envelope, normalizing the
// &amp; entity some hosts inject.
func WrapURL(url string) string {
	url = strings.ReplaceAll(url, "&amp;", "&")
	return fmt.Sprintf(`<url id="" type="url" status="" title="" wc="">%s</url>`, url)
}

// CleanReply strips citation markers and a trailing references section from a
// backend reply.
func CleanReply(text string) string {
	if text == "" {
		return text
	}
	text = refMarkerRe.ReplaceAllString(text, "")
	text = trailingRefRe.ReplaceAllString(text, "")
	return strings.TrimSpace(text)
}

// Finalize cleans a reply and appends the continuation hint.
func (a *Assembler) Finalize(reply string) string {
	cleaned := CleanReply(reply)
	if cleaned == "" {
		return cleaned
	}
	return fmt.Sprintf("%s\n\n发送 %s+问题 可以继续追问", cleaned, a.keyword)
}
