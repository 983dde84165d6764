package providers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
)

func TestIsVideoShare(t *testing.T) {
	cases := []struct {
		text string
		want bool
	}{
		{"7.43 复制打开抖音，看看视频 https://v.douyin.com/abc/", true},
		{"快手链接 https://v.kuaishou.com/xyz", true},
		{"看看这个 https://b23.tv/av1234", true},
		{"微博视频分享", true},
		{"https://www.xiaohongshu.com/explore/1", true},
		{"今天天气不错", false},
		{"看看 https://example.com/post", false},
	}
	for _, c := range cases {
		if got := IsVideoShare(c.text); got != c.want {
			t.Errorf("IsVideoShare(%q) = %v, want %v", c.text, got, c.want)
		}
	}
}

func TestExtractShareInfo(t *testing.T) {
	title, url := ExtractShareInfo("【有趣的视频】复制打开抖音 https://v.douyin.com/abc123/ 看看")
	if title != "有趣的视频" {
		t.Errorf("title = %q", title)
	}
	if url != "https://v.douyin.com/abc123/" {
		t.Errorf("url = %q", url)
	}

	title, url = ExtractShareInfo("没有链接的文字")
	if title != "" || url != "" {
		t.Errorf("got (%q, %q), want empty", title, url)
	}

	// Generic fallback for platforms without a dedicated pattern.
	_, url = ExtractShareInfo("微博视频 https://weibo.com/tv/show/1")
	if url != "https://weibo.com/tv/show/1" {
		t.Errorf("url = %q", url)
	}
}

func TestPlatform(t *testing.T) {
	cases := []struct {
		url  string
		want string
	}{
		{"https://v.douyin.com/abc/", "douyin"},
		{"https://v.kuaishou.com/xyz", "kuaishou"},
		{"https://b23.tv/av1", "bilibili"},
		{"https://weibo.com/tv/1", "weibo"},
		{"https://xhslink.com/a", "xiaohongshu"},
		{"https://example.com/x", "unknown"},
		{"::not a url", "unknown"},
	}
	for _, c := range cases {
		if got := Platform(c.url); got != c.want {
			t.Errorf("Platform(%q) = %q, want %q", c.url, got, c.want)
		}
	}
}

func TestFetchMediaInfo(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Query().Get("url") == "" {
			t.Error("missing url query parameter")
		}
		w.Write([]byte(`{"code": 200, "data": {"url": "https://cdn/v.mp4", "title": "标题", "author": "作者"}}`))
	}))
	defer srv.Close()

	r := NewShareResolver(ResolverConfig{APIURL: srv.URL})
	info, err := r.FetchMediaInfo(context.Background(), "https://v.douyin.com/abc/")
	if err != nil {
		t.Fatalf("FetchMediaInfo: %v", err)
	}
	if info.DirectURL != "https://cdn/v.mp4" {
		t.Errorf("DirectURL = %q", info.DirectURL)
	}
	if info.Title != "标题" || info.Author != "作者" {
		t.Errorf("metadata = (%q, %q)", info.Title, info.Author)
	}
	if info.Platform != "douyin" {
		t.Errorf("Platform = %q", info.Platform)
	}
}

func TestFetchMediaInfoAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Write([]byte(`{"code": 404, "msg": "解析失败"}`))
	}))
	defer srv.Close()

	r := NewShareResolver(ResolverConfig{APIURL: srv.URL})
	if _, err := r.FetchMediaInfo(context.Background(), "https://v.douyin.com/abc/"); !errors.Is(err, ErrUnresolvable) {
		t.Errorf("want ErrUnresolvable, got %v", err)
	}
}

func TestFetchMediaInfoRetriesTransientFailure(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"code": 200, "data": {"url": "https://cdn/v.mp4"}}`))
	}))
	defer srv.Close()

	r := NewShareResolver(ResolverConfig{APIURL: srv.URL})
	info, err := r.FetchMediaInfo(context.Background(), "https://v.douyin.com/abc/")
	if err != nil {
		t.Fatalf("FetchMediaInfo: %v", err)
	}
	if info.DirectURL == "" {
		t.Error("empty direct url")
	}
	if calls != 3 {
		t.Errorf("api called %d times, want 3", calls)
	}
}

func TestDownload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Write([]byte("videobytes"))
	}))
	defer srv.Close()

	r := NewShareResolver(ResolverConfig{})
	dir := t.TempDir()
	path, err := r.Download(context.Background(), srv.URL, dir)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read downloaded file: %v", err)
	}
	if string(data) != "videobytes" {
		t.Errorf("content = %q", data)
	}
}
