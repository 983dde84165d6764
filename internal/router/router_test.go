package router

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coopco/kimibridge/internal/bus"
	"github.com/coopco/kimibridge/internal/media"
	"github.com/coopco/kimibridge/internal/pending"
	"github.com/coopco/kimibridge/internal/prompt"
	"github.com/coopco/kimibridge/internal/providers"
	"github.com/coopco/kimibridge/internal/session"
)

type sentMessage struct {
	sessionID string
	content   string
	refs      []string
	opts      providers.ChatOptions
}

type fakeBackend struct {
	mu       sync.Mutex
	sessions int
	sent     []sentMessage
	reply    string
	sendErrs int           // leading SendMessage calls that fail
	blockOn  string        // content that blocks until block is closed
	block    chan struct{}
}

func (f *fakeBackend) CreateSession(ctx context.Context, variant providers.Variant) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions++
	return fmt.Sprintf("sess-%d", f.sessions), nil
}

func (f *fakeBackend) SendMessage(ctx context.Context, sessionID, content string, refs []string, opts providers.ChatOptions) (string, error) {
	f.mu.Lock()
	f.sent = append(f.sent, sentMessage{sessionID, content, refs, opts})
	fail := f.sendErrs > 0
	if fail {
		f.sendErrs--
	}
	block, blockOn := f.block, f.blockOn
	reply := f.reply
	f.mu.Unlock()

	if fail {
		return "", providers.ErrRemoteUnavailable
	}
	if block != nil && content == blockOn {
		select {
		case <-block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if reply == "" {
		return "ok", nil
	}
	return reply, nil
}

func (f *fakeBackend) lastSent(t *testing.T) sentMessage {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		t.Fatal("backend received no message")
	}
	return f.sent[len(f.sent)-1]
}

type fakePipeline struct {
	stagingDir string
	transcript string
	frames     int
}

func (f *fakePipeline) Stage(srcPath string) (string, error) { return srcPath, nil }

func (f *fakePipeline) CheckFormat(name string, video bool) error {
	ext := strings.ToLower(filepath.Ext(name))
	if video {
		if ext != ".mp4" {
			return media.ErrUnsupportedFormat
		}
		return nil
	}
	if ext == ".exe" {
		return media.ErrUnsupportedFormat
	}
	return nil
}

func (f *fakePipeline) UploadAll(ctx context.Context, files []media.Staged) ([]string, error) {
	refs := make([]string, 0, len(files))
	for _, file := range files {
		refs = append(refs, "ref-"+file.DisplayName)
	}
	if len(refs) == 0 {
		return nil, media.ErrNoFilesUploaded
	}
	return refs, nil
}

func (f *fakePipeline) ProcessVideo(ctx context.Context, videoPath string) (*media.VideoResult, error) {
	n := f.frames
	if n == 0 {
		n = 3
	}
	frames := make([]media.Frame, n)
	for i := range frames {
		frames[i] = media.Frame{Path: fmt.Sprintf("frame%d.jpg", i), Timestamp: float64(i)}
	}
	return &media.VideoResult{Frames: frames, Transcript: f.transcript}, nil
}

func (f *fakePipeline) StagingDir() string { return f.stagingDir }

type fakeResolver struct {
	info *providers.MediaInfo
}

func (f *fakeResolver) FetchMediaInfo(ctx context.Context, shareURL string) (*providers.MediaInfo, error) {
	if f.info == nil {
		return nil, providers.ErrUnresolvable
	}
	return f.info, nil
}

func (f *fakeResolver) Download(ctx context.Context, directURL, destDir string) (string, error) {
	return filepath.Join(destDir, "video.mp4"), nil
}

type fixture struct {
	router  *Router
	backend *fakeBackend
	bus     *bus.MessageBus
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	if cfg.Keyword == "" {
		cfg.Keyword = "k"
	}
	if cfg.ResetKeyword == "" {
		cfg.ResetKeyword = "reset"
	}
	if len(cfg.FileTriggers) == 0 {
		cfg.FileTriggers = []string{"识别"}
	}
	if len(cfg.VideoTriggers) == 0 {
		cfg.VideoTriggers = []string{"视频"}
	}
	backend := &fakeBackend{}
	b := bus.NewMessageBus(16)
	r := New(cfg, Deps{
		Bus:        b,
		Registry:   pending.NewRegistry(cfg.MaxFiles),
		VideoWaits: pending.NewVideoWaits(),
		Dedup:      pending.NewDedup(0),
		Pipeline:   &fakePipeline{stagingDir: t.TempDir(), transcript: "spoken words"},
		Sessions:   session.NewStore(backend, 0),
		Backend:    backend,
		Resolver:   &fakeResolver{info: &providers.MediaInfo{DirectURL: "https://cdn/v.mp4", Title: "标题", Author: "作者"}},
		Prompts:    prompt.NewAssembler(prompt.Templates{}, cfg.Keyword),
	})
	return &fixture{router: r, backend: backend, bus: b}
}

var msgSeq int

func textMsg(content string) bus.InboundMessage {
	msgSeq++
	return bus.InboundMessage{
		Channel:  "test",
		MsgID:    fmt.Sprintf("m%d", msgSeq),
		SenderID: "u1",
		ChatID:   "c1",
		Kind:     bus.KindText,
		Content:  content,
	}
}

func fileMsg(t *testing.T, name string) bus.InboundMessage {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	m := textMsg("")
	m.Kind = bus.KindFile
	m.Attachment = &bus.Attachment{Name: name, LocalPath: path}
	return m
}

func TestDedupStopsSecondDelivery(t *testing.T) {
	f := newFixture(t, Config{})
	msg := textMsg("k 你好")

	if d, _ := f.router.Handle(context.Background(), msg); d != HandledReply {
		t.Fatalf("first delivery disposition = %v", d)
	}
	d, reply := f.router.Handle(context.Background(), msg)
	if d != Handled || reply != "" {
		t.Errorf("duplicate delivery = (%v, %q), want silent Handled", d, reply)
	}
}

func TestResetClearsStateAndReplies(t *testing.T) {
	f := newFixture(t, Config{})
	f.router.Handle(context.Background(), textMsg("识别 2"))

	d, reply := f.router.Handle(context.Background(), textMsg("reset"))
	if d != HandledReply {
		t.Fatalf("disposition = %v", d)
	}
	if !strings.Contains(reply, "已重置") {
		t.Errorf("reply = %q", reply)
	}
	// The old collection is gone: a file arriving now is not handled.
	if d, _ := f.router.Handle(context.Background(), fileMsg(t, "a.pdf")); d != NotHandled {
		t.Errorf("file after reset disposition = %v, want NotHandled", d)
	}
}

func TestGroupGating(t *testing.T) {
	f := newFixture(t, Config{AllowedGroups: []string{"测试群"}})

	msg := textMsg("k 你好")
	msg.IsGroup = true
	msg.GroupID = "g1"
	msg.GroupName = "别的群"
	if d, _ := f.router.Handle(context.Background(), msg); d != NotHandled {
		t.Errorf("disallowed group disposition = %v, want NotHandled", d)
	}

	// Normalized name matching tolerates host decoration.
	msg2 := textMsg("k 你好")
	msg2.IsGroup = true
	msg2.GroupID = "g1"
	msg2.GroupName = "测试群 "
	if d, _ := f.router.Handle(context.Background(), msg2); d != HandledReply {
		t.Errorf("allowed group disposition = %v, want HandledReply", d)
	}

	// Reset bypasses the gate.
	msg3 := textMsg("reset")
	msg3.IsGroup = true
	msg3.GroupID = "g1"
	msg3.GroupName = "别的群"
	if d, _ := f.router.Handle(context.Background(), msg3); d != HandledReply {
		t.Errorf("reset in disallowed group disposition = %v, want HandledReply", d)
	}
}

func TestFileTriggerAndCollectionFlow(t *testing.T) {
	f := newFixture(t, Config{})

	d, reply := f.router.Handle(context.Background(), textMsg("识别 2 总结要点"))
	if d != HandledReply || !strings.Contains(reply, "2个文件") {
		t.Fatalf("trigger = (%v, %q)", d, reply)
	}

	d, reply = f.router.Handle(context.Background(), fileMsg(t, "a.pdf"))
	if d != HandledReply || !strings.Contains(reply, "还需要1个") {
		t.Fatalf("first file = (%v, %q)", d, reply)
	}

	d, reply = f.router.Handle(context.Background(), fileMsg(t, "b.pdf"))
	if d != HandledReply {
		t.Fatalf("second file disposition = %v", d)
	}
	if !strings.Contains(reply, "发送 k+问题") {
		t.Errorf("final reply missing continuation hint: %q", reply)
	}

	sent := f.backend.lastSent(t)
	if len(sent.refs) != 2 {
		t.Errorf("completion refs = %v, want 2", sent.refs)
	}
	if sent.content != "总结要点" {
		t.Errorf("completion prompt = %q, want custom prompt", sent.content)
	}
	if !sent.opts.NewChat {
		t.Error("file dispatch must start a fresh session")
	}
}

func TestFileTriggerLimitExceeded(t *testing.T) {
	f := newFixture(t, Config{MaxFiles: 50})
	d, reply := f.router.Handle(context.Background(), textMsg("识别 51"))
	if d != HandledReply || !strings.Contains(reply, "最多支持") {
		t.Errorf("got (%v, %q)", d, reply)
	}
}

func TestUnsupportedFormatDoesNotConsumeSlot(t *testing.T) {
	f := newFixture(t, Config{})
	f.router.Handle(context.Background(), textMsg("识别 1"))

	d, reply := f.router.Handle(context.Background(), fileMsg(t, "tool.exe"))
	if d != HandledReply || !strings.Contains(reply, "不支持") {
		t.Fatalf("rejected file = (%v, %q)", d, reply)
	}

	// The slot is still open for a valid file.
	d, reply = f.router.Handle(context.Background(), fileMsg(t, "a.pdf"))
	if d != HandledReply || !strings.Contains(reply, "发送 k+问题") {
		t.Errorf("valid file after rejection = (%v, %q)", d, reply)
	}
}

func TestImageCollectionPicksImagePrompt(t *testing.T) {
	f := newFixture(t, Config{})
	f.router.Handle(context.Background(), textMsg("识别"))

	m := fileMsg(t, "photo.png")
	m.Kind = bus.KindImage
	if d, _ := f.router.Handle(context.Background(), m); d != HandledReply {
		t.Fatal("image not handled")
	}
	sent := f.backend.lastSent(t)
	if !strings.Contains(sent.content, "图片") {
		t.Errorf("prompt = %q, want image template", sent.content)
	}
}

func TestKeywordChat(t *testing.T) {
	f := newFixture(t, Config{})

	d, reply := f.router.Handle(context.Background(), textMsg("k 今天天气如何"))
	if d != HandledReply {
		t.Fatalf("disposition = %v", d)
	}
	if !strings.HasPrefix(reply, "ok") {
		t.Errorf("reply = %q", reply)
	}
	sent := f.backend.lastSent(t)
	if sent.content != "今天天气如何" {
		t.Errorf("chat content = %q, keyword prefix not stripped", sent.content)
	}

	// Plain text without the keyword is not ours.
	if d, _ := f.router.Handle(context.Background(), textMsg("今天天气如何")); d != NotHandled {
		t.Errorf("keywordless text disposition = %v, want NotHandled", d)
	}
}

func TestKeywordChatWithURLDivertsToSummary(t *testing.T) {
	f := newFixture(t, Config{})

	d, _ := f.router.Handle(context.Background(), textMsg("k 翻译一下 https://example.com/post?a=1&amp;b=2"))
	if d != HandledReply {
		t.Fatalf("disposition = %v", d)
	}
	sent := f.backend.lastSent(t)
	if !strings.Contains(sent.content, `<url id="" type="url"`) {
		t.Errorf("content = %q, want wrapped url", sent.content)
	}
	if !strings.HasPrefix(sent.content, "翻译一下") {
		t.Errorf("content = %q, want custom prompt first", sent.content)
	}
	if strings.Contains(sent.content, "&amp;") {
		t.Errorf("content = %q, &amp; not normalized", sent.content)
	}
}

func TestExcludedURLFallsBackToChat(t *testing.T) {
	f := newFixture(t, Config{ExcludeURLs: []string{"example.com"}})

	f.router.Handle(context.Background(), textMsg("k 看看 https://example.com/x"))
	sent := f.backend.lastSent(t)
	if strings.Contains(sent.content, "<url") {
		t.Errorf("excluded url was summarized: %q", sent.content)
	}
}

func TestSharingAutoSummaryGating(t *testing.T) {
	f := newFixture(t, Config{AutoSummary: true, SummaryGroups: []string{"读书群"}})

	share := textMsg("有趣的文章 https://mp.weixin.qq.com/s/abc")
	share.Kind = bus.KindSharing
	share.IsGroup = true
	share.GroupID = "g1"
	share.GroupName = "读书群"
	if d, _ := f.router.Handle(context.Background(), share); d != HandledReply {
		t.Errorf("listed group share disposition = %v, want HandledReply", d)
	}

	other := textMsg("文章 https://mp.weixin.qq.com/s/abc")
	other.Kind = bus.KindSharing
	other.IsGroup = true
	other.GroupID = "g2"
	other.GroupName = "闲聊群"
	if d, _ := f.router.Handle(context.Background(), other); d != NotHandled {
		t.Errorf("unlisted group share disposition = %v, want NotHandled", d)
	}

	// Private shares are gated by their own switch.
	private := textMsg("文章 https://mp.weixin.qq.com/s/abc")
	private.Kind = bus.KindSharing
	if d, _ := f.router.Handle(context.Background(), private); d != NotHandled {
		t.Errorf("private share disposition = %v, want NotHandled without the switch", d)
	}
}

func TestPrivateAutoSummarySwitch(t *testing.T) {
	f := newFixture(t, Config{AutoSummary: true, PrivateAutoSummary: true})

	share := textMsg("文章 https://mp.weixin.qq.com/s/abc")
	share.Kind = bus.KindSharing
	if d, _ := f.router.Handle(context.Background(), share); d != HandledReply {
		t.Errorf("private share disposition = %v, want HandledReply", d)
	}
}

func TestVideoShareFlow(t *testing.T) {
	f := newFixture(t, Config{})

	d, reply := f.router.Handle(context.Background(), textMsg("视频 讲了什么"))
	if d != HandledReply || !strings.Contains(reply, "视频") {
		t.Fatalf("video trigger = (%v, %q)", d, reply)
	}

	share := textMsg("【好片】复制打开抖音 https://v.douyin.com/abc123/")
	d, reply = f.router.Handle(context.Background(), share)
	if d != HandledReply {
		t.Fatalf("share disposition = %v (%q)", d, reply)
	}
	if !strings.Contains(reply, "发送 k+问题") {
		t.Errorf("final reply missing hint: %q", reply)
	}

	sent := f.backend.lastSent(t)
	if !strings.Contains(sent.content, "视频标题：标题") {
		t.Errorf("prompt missing title: %q", sent.content)
	}
	if !strings.Contains(sent.content, "音频内容：spoken words") {
		t.Errorf("prompt missing transcript: %q", sent.content)
	}
	if !strings.Contains(sent.content, "讲了什么") {
		t.Errorf("prompt missing override: %q", sent.content)
	}
	if len(sent.refs) != 3 {
		t.Errorf("refs = %v, want 3 frame ids", sent.refs)
	}

	// The wait is consumed: a second share is not handled.
	again := textMsg("复制打开抖音 https://v.douyin.com/abc123/")
	if d, _ := f.router.Handle(context.Background(), again); d != NotHandled {
		t.Errorf("second share disposition = %v, want NotHandled", d)
	}
}

func TestVideoWaitExpiresBeforeDelivery(t *testing.T) {
	f := newFixture(t, Config{VideoWaitTimeout: time.Minute})
	f.router.Handle(context.Background(), textMsg("视频"))

	// No wait for this other identity.
	share := textMsg("复制打开抖音 https://v.douyin.com/abc123/")
	share.SenderID = "u2"
	if d, _ := f.router.Handle(context.Background(), share); d != NotHandled {
		t.Errorf("share from other user disposition = %v, want NotHandled", d)
	}
}

func TestToggleSearch(t *testing.T) {
	f := newFixture(t, Config{ToggleSearchKeyword: "切换搜索"})

	d, reply := f.router.Handle(context.Background(), textMsg("切换搜索"))
	if d != HandledReply || !strings.Contains(reply, "关闭") {
		t.Errorf("first toggle = (%v, %q)", d, reply)
	}
	d, reply = f.router.Handle(context.Background(), textMsg("切换搜索"))
	if d != HandledReply || !strings.Contains(reply, "开启") {
		t.Errorf("second toggle = (%v, %q)", d, reply)
	}
}

func TestChatRetryKeepsSearchPreference(t *testing.T) {
	f := newFixture(t, Config{ToggleSearchKeyword: "切换搜索"})

	f.router.Handle(context.Background(), textMsg("切换搜索")) // search off
	f.backend.sendErrs = 1

	d, reply := f.router.Handle(context.Background(), textMsg("k 你好"))
	if d != HandledReply || reply == "" {
		t.Fatalf("chat = (%v, %q)", d, reply)
	}
	f.backend.mu.Lock()
	sent := append([]sentMessage(nil), f.backend.sent...)
	f.backend.mu.Unlock()
	if len(sent) != 2 {
		t.Fatalf("backend received %d messages, want failed send plus retry", len(sent))
	}
	retry := sent[1]
	if !retry.opts.NewChat {
		t.Error("retry must use a fresh session")
	}
	if retry.opts.UseSearch {
		t.Error("retry re-enabled search the user had toggled off")
	}
}

func TestToggledOffSearchSurvivesFirstChat(t *testing.T) {
	f := newFixture(t, Config{ToggleSearchKeyword: "切换搜索"})

	// Toggle before any session exists, then chat.
	f.router.Handle(context.Background(), textMsg("切换搜索"))
	d, reply := f.router.Handle(context.Background(), textMsg("k 你好"))
	if d != HandledReply || reply == "" {
		t.Fatalf("chat = (%v, %q)", d, reply)
	}
	if f.backend.lastSent(t).opts.UseSearch {
		t.Error("first chat after toggle-off sent with search on")
	}
}

func TestSlowConversationDoesNotBlockOthers(t *testing.T) {
	f := newFixture(t, Config{})
	release := make(chan struct{})
	f.backend.block = release
	f.backend.blockOn = "慢"
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	replies := make(chan bus.OutboundMessage, 4)
	f.bus.Subscribe("", func(m bus.OutboundMessage) { replies <- m })
	go f.bus.DispatchOutbound(ctx)
	go f.router.Run(ctx)

	slow := textMsg("k 慢")
	fast := textMsg("k 快")
	fast.SenderID = "u2"
	f.bus.PublishInbound(slow)
	f.bus.PublishInbound(fast)

	select {
	case m := <-replies:
		if !strings.Contains(m.Content, "ok") {
			t.Errorf("reply = %q", m.Content)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("second conversation stuck behind the first one's completion call")
	}
}
