// Package media normalizes accepted attachments: local staging, format
// validation, video decomposition (frames + audio transcript), and
// bounded-concurrency upload to the remote backend.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/coopco/kimibridge/internal/providers"
)

var (
	// ErrStaging indicates the inbound file could not be copied into the
	// staging directory.
	ErrStaging = errors.New("failed to stage file")
	// ErrUnsupportedFormat indicates the file extension is not in the
	// allow-list. A rejected file never consumes a collection slot.
	ErrUnsupportedFormat = errors.New("unsupported file format")
	// ErrNoFilesUploaded indicates every upload in a batch failed; the
	// request cannot proceed.
	ErrNoFilesUploaded = errors.New("no files uploaded")
)

var defaultDocExts = []string{
	".dot", ".doc", ".docx", ".xls", ".xlsx", ".ppt", ".ppa", ".pptx",
	".md", ".pdf", ".txt", ".csv",
	".jpg", ".jpeg", ".png", ".gif", ".bmp", ".webp",
	".py", ".java", ".cpp", ".c", ".h", ".hpp", ".js", ".ts", ".html", ".css",
	".json", ".xml", ".yaml", ".yml", ".sh", ".bat",
	".log", ".ini", ".conf", ".properties",
}

var defaultVideoExts = []string{".mp4", ".mov", ".avi", ".mkv", ".webm", ".flv"}

// Config holds pipeline settings.
type Config struct {
	StagingDir        string
	DocExts           []string
	VideoExts         []string
	PoolSize          int           // upload worker pool width, default 5
	MaxFrames         int           // frame sampling cap, default 50
	TranscribeTimeout time.Duration // audio branch budget, default 60s
	FFmpegPath        string
	FFprobePath       string
}

// Pipeline carries out per-attachment processing. Independent files are
// uploaded in parallel under a bounded pool; a single failed upload degrades
// the result instead of aborting the batch.
type Pipeline struct {
	stagingDir        string
	docExts           map[string]bool
	videoExts         map[string]bool
	uploader          providers.FileUploader
	transcriber       providers.Transcriber
	poolSize          int
	maxFrames         int
	transcribeTimeout time.Duration
	ffmpeg            string
	ffprobe           string
}

// New creates a pipeline, applying defaults for unset config fields.
func New(cfg Config, uploader providers.FileUploader, transcriber providers.Transcriber) *Pipeline {
	docExts := cfg.DocExts
	if len(docExts) == 0 {
		docExts = defaultDocExts
	}
	videoExts := cfg.VideoExts
	if len(videoExts) == 0 {
		videoExts = defaultVideoExts
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 5
	}
	maxFrames := cfg.MaxFrames
	if maxFrames <= 0 {
		maxFrames = 50
	}
	transcribeTimeout := cfg.TranscribeTimeout
	if transcribeTimeout <= 0 {
		transcribeTimeout = 60 * time.Second
	}
	ffmpeg := cfg.FFmpegPath
	if ffmpeg == "" {
		ffmpeg = "ffmpeg"
	}
	ffprobe := cfg.FFprobePath
	if ffprobe == "" {
		ffprobe = "ffprobe"
	}
	return &Pipeline{
		stagingDir:        cfg.StagingDir,
		docExts:           extSet(docExts),
		videoExts:         extSet(videoExts),
		uploader:          uploader,
		transcriber:       transcriber,
		poolSize:          poolSize,
		maxFrames:         maxFrames,
		transcribeTimeout: transcribeTimeout,
		ffmpeg:            ffmpeg,
		ffprobe:           ffprobe,
	}
}

func extSet(exts []string) map[string]bool {
	set := make(map[string]bool, len(exts))
	for _, e := range exts {
		set[strings.ToLower(e)] = true
	}
	return set
}

// StagingDir returns the pipeline's staging root.
func (p *Pipeline) StagingDir() string { return p.stagingDir }

// CheckFormat validates a filename against the allow-list: the video list
// when video is set, the document/image list otherwise.
func (p *Pipeline) CheckFormat(name string, video bool) error {
	ext := strings.ToLower(filepath.Ext(name))
	set := p.docExts
	if video {
		set = p.videoExts
	}
	if !set[ext] {
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, ext)
	}
	return nil
}

// Stage copies an inbound file into the staging directory under a
// collision-free name (nanosecond timestamp + original basename) and returns
// the staged path.
func (p *Pipeline) Stage(srcPath string) (string, error) {
	src, err := os.Open(srcPath)
	if err != nil {
		return "", fmt.Errorf("%w: open %s: %v", ErrStaging, srcPath, err)
	}
	defer src.Close()

	if err := os.MkdirAll(p.stagingDir, 0o755); err != nil {
		return "", fmt.Errorf("%w: %v", ErrStaging, err)
	}
	dstPath := filepath.Join(p.stagingDir, fmt.Sprintf("%d_%s", time.Now().UnixNano(), filepath.Base(srcPath)))
	dst, err := os.Create(dstPath)
	if err != nil {
		return "", fmt.Errorf("%w: create %s: %v", ErrStaging, dstPath, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(dstPath)
		return "", fmt.Errorf("%w: copy to %s: %v", ErrStaging, dstPath, err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(dstPath)
		return "", fmt.Errorf("%w: close %s: %v", ErrStaging, dstPath, err)
	}
	return dstPath, nil
}

// Staged is an upload candidate: the display name shown to the backend and
// the local path holding the bytes.
type Staged struct {
	DisplayName string
	Path        string
}

// UploadAll uploads files under the bounded worker pool. Submission follows
// slice order; completions race freely. Failed uploads are logged and
// excluded. Returns the remote reference ids of the successes in submission
// order, or ErrNoFilesUploaded when none succeeded.
func (p *Pipeline) UploadAll(ctx context.Context, files []Staged) ([]string, error) {
	if len(files) == 0 {
		return nil, ErrNoFilesUploaded
	}

	sem := semaphore.NewWeighted(int64(p.poolSize))
	results := make([]string, len(files))
	for i, f := range files {
		if err := sem.Acquire(ctx, 1); err != nil {
			return nil, fmt.Errorf("upload pool: %w", err)
		}
		go func(i int, f Staged) {
			defer sem.Release(1)
			remoteID, err := p.uploader.Upload(ctx, f.DisplayName, f.Path)
			if err != nil {
				slog.Warn("media: upload failed, skipping file", "file", f.DisplayName, "err", err)
				return
			}
			results[i] = remoteID
		}(i, f)
	}
	// Draining the full pool width joins all workers.
	if err := sem.Acquire(ctx, int64(p.poolSize)); err != nil {
		return nil, fmt.Errorf("upload pool: %w", err)
	}
	sem.Release(int64(p.poolSize))

	refs := make([]string, 0, len(files))
	for _, id := range results {
		if id != "" {
			refs = append(refs, id)
		}
	}
	if len(refs) == 0 {
		return nil, ErrNoFilesUploaded
	}
	return refs, nil
}
