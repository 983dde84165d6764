package providers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

const defaultResolveAPI = "https://www.hhlqilongzhu.cn/api/sp_jx/sp.php"

// ErrUnresolvable indicates the share link could not be resolved to a
// playable media URL.
var ErrUnresolvable = errors.New("share link not resolvable")

// MediaInfo is the result of resolving a share link: the direct media URL
// plus whatever presentation metadata the resolver API returned.
type MediaInfo struct {
	DirectURL string
	Title     string
	Author    string
	Platform  string
}

// ResolverConfig holds settings for the share-link resolver.
type ResolverConfig struct {
	APIURL string `json:"apiUrl"`
}

// ShareResolver turns short-video share text into canonical media URLs and
// downloads the media for local processing.
type ShareResolver struct {
	http   *http.Client
	apiURL string
}

// NewShareResolver creates a resolver from config, applying defaults.
func NewShareResolver(cfg ResolverConfig) *ShareResolver {
	apiURL := cfg.APIURL
	if apiURL == "" {
		apiURL = defaultResolveAPI
	}
	return &ShareResolver{
		http:   &http.Client{Timeout: 30 * time.Second},
		apiURL: apiURL,
	}
}

var platformDomains = map[string][]string{
	"douyin":      {"douyin.com", "iesdouyin.com"},
	"kuaishou":    {"kuaishou.com", "gifshow.com", "chenzhongtech.com"},
	"bilibili":    {"bilibili.com", "b23.tv"},
	"weibo":       {"weibo.com", "weibo.cn"},
	"xiaohongshu": {"xiaohongshu.com", "xhslink.com"},
}

// Share text markers used by the platforms' native share sheets.
var sharePatterns = []string{"复制打开抖音", "快手", "微博视频", "小红书"}

var (
	douyinURLRe   = regexp.MustCompile(`https://v\.douyin\.com/[a-zA-Z0-9]+/?`)
	kuaishouURLRe = regexp.MustCompile(`https://v\.kuaishou\.com/[a-zA-Z0-9]+`)
	bilibiliURLRe = regexp.MustCompile(`https?://(?:b23\.tv|www\.bilibili\.com)/[^\s]+`)
	genericURLRe  = regexp.MustCompile(`https?://(?:[-\w.]|%[\da-fA-F]{2})+[^\s<>"]*`)
	titleRe       = regexp.MustCompile(`【(.+?)】`)
)

// IsVideoShare reports whether text looks like a short-video share from a
// supported platform.
func IsVideoShare(text string) bool {
	for _, marker := range sharePatterns {
		if strings.Contains(text, marker) {
			return true
		}
	}
	lower := strings.ToLower(text)
	for _, domains := range platformDomains {
		for _, d := range domains {
			if strings.Contains(lower, d) {
				return true
			}
		}
	}
	return false
}

// ExtractShareURL pulls the share URL out of share-sheet text, trying
// platform-specific formats before a generic URL match.
func ExtractShareURL(text string) string {
	switch {
	case strings.Contains(text, "复制打开抖音"):
		if m := douyinURLRe.FindString(text); m != "" {
			return m
		}
	case strings.Contains(text, "快手"):
		if m := kuaishouURLRe.FindString(text); m != "" {
			return m
		}
	case strings.Contains(text, "bilibili") || strings.Contains(text, "b23.tv"):
		if m := bilibiliURLRe.FindString(text); m != "" {
			return m
		}
	}
	return genericURLRe.FindString(text)
}

// ExtractShareInfo returns the 【title】 block and URL from share text.
// Either may be empty.
func ExtractShareInfo(text string) (title, shareURL string) {
	if m := titleRe.FindStringSubmatch(text); m != nil {
		title = m[1]
	}
	return title, ExtractShareURL(text)
}

// Platform returns the platform key a URL belongs to, or "unknown".
func Platform(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "unknown"
	}
	host := parsed.Host
	for platform, domains := range platformDomains {
		for _, d := range domains {
			if strings.Contains(host, d) {
				return platform
			}
		}
	}
	return "unknown"
}

// FetchMediaInfo resolves a share URL to the direct media URL via the
// resolver API, retrying transient failures.
func (r *ShareResolver) FetchMediaInfo(ctx context.Context, shareURL string) (*MediaInfo, error) {
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		info, err := r.fetchOnce(ctx, shareURL)
		if err == nil {
			return info, nil
		}
		if errors.Is(err, ErrUnresolvable) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("resolve %s: %w", shareURL, lastErr)
}

func (r *ShareResolver) fetchOnce(ctx context.Context, shareURL string) (*MediaInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.apiURL+"?url="+url.QueryEscape(shareURL), nil)
	if err != nil {
		return nil, fmt.Errorf("build resolve request: %w", err)
	}
	resp, err := r.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("resolve request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("resolve status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read resolve response: %w", err)
	}
	parsed := gjson.ParseBytes(body)
	if parsed.Get("code").Int() != 200 {
		return nil, fmt.Errorf("%w: api code %d", ErrUnresolvable, parsed.Get("code").Int())
	}
	directURL := parsed.Get("data.url").String()
	if directURL == "" {
		return nil, fmt.Errorf("%w: no media url in response", ErrUnresolvable)
	}
	return &MediaInfo{
		DirectURL: directURL,
		Title:     parsed.Get("data.title").String(),
		Author:    parsed.Get("data.author").String(),
		Platform:  Platform(shareURL),
	}, nil
}

// Download streams the media at directURL into destDir and returns the local
// path. The filename carries a nanosecond timestamp to avoid collisions.
func (r *ShareResolver) Download(ctx context.Context, directURL, destDir string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, directURL, nil)
	if err != nil {
		return "", fmt.Errorf("build download request: %w", err)
	}
	resp, err := r.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("download media: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download media: status %d", resp.StatusCode)
	}

	path := filepath.Join(destDir, fmt.Sprintf("video_%d.mp4", time.Now().UnixNano()))
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", path, err)
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("close %s: %w", path, err)
	}
	return path, nil
}
