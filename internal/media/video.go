package media

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"
)

// Frame is one sampled still with its position in the source video.
type Frame struct {
	Path      string
	Timestamp float64 // seconds from start
}

// VideoResult is the decomposition of one video: sampled frames plus the
// best-effort audio transcript (empty when the video has no audio track or
// transcription failed).
type VideoResult struct {
	Frames     []Frame
	Transcript string
}

type videoProbe struct {
	fps         float64
	totalFrames int
	duration    float64
	hasAudio    bool
}

// ProcessVideo decomposes a video into frames and a transcript. The two
// branches run concurrently; frame sampling failure aborts the whole
// operation, audio failure degrades to an empty transcript.
func (p *Pipeline) ProcessVideo(ctx context.Context, videoPath string) (*VideoResult, error) {
	probe, err := p.probeVideo(ctx, videoPath)
	if err != nil {
		return nil, fmt.Errorf("probe %s: %w", videoPath, err)
	}

	result := &VideoResult{}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		frames, err := p.sampleFrames(gctx, videoPath, probe)
		if err != nil {
			return err
		}
		result.Frames = frames
		return nil
	})
	g.Go(func() error {
		if !probe.hasAudio {
			slog.Debug("media: video has no audio track", "video", videoPath)
			return nil
		}
		result.Transcript = p.transcribeAudio(gctx, videoPath)
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return result, nil
}

func (p *Pipeline) probeVideo(ctx context.Context, videoPath string) (videoProbe, error) {
	out, err := exec.CommandContext(ctx, p.ffprobe,
		"-v", "quiet",
		"-print_format", "json",
		"-show_streams",
		"-show_format",
		videoPath,
	).Output()
	if err != nil {
		return videoProbe{}, fmt.Errorf("ffprobe: %w", err)
	}
	return parseProbe(out)
}

func parseProbe(data []byte) (videoProbe, error) {
	probe := videoProbe{}
	root := gjson.ParseBytes(data)
	root.Get("streams").ForEach(func(_, stream gjson.Result) bool {
		switch stream.Get("codec_type").String() {
		case "video":
			if probe.fps == 0 {
				probe.fps = parseFPS(stream.Get("avg_frame_rate").String())
				probe.totalFrames = int(stream.Get("nb_frames").Int())
			}
		case "audio":
			probe.hasAudio = true
		}
		return true
	})
	probe.duration = root.Get("format.duration").Float()
	if probe.fps <= 0 {
		return videoProbe{}, fmt.Errorf("no video stream found")
	}
	if probe.totalFrames <= 0 && probe.duration > 0 {
		probe.totalFrames = int(probe.duration * probe.fps)
	}
	if probe.totalFrames <= 0 {
		return videoProbe{}, fmt.Errorf("cannot determine frame count")
	}
	return probe, nil
}

// parseFPS converts ffprobe's fractional rate ("30000/1001") to a float.
func parseFPS(rate string) float64 {
	num, den, ok := strings.Cut(rate, "/")
	if !ok {
		f, _ := strconv.ParseFloat(rate, 64)
		return f
	}
	n, err1 := strconv.ParseFloat(num, 64)
	d, err2 := strconv.ParseFloat(den, 64)
	if err1 != nil || err2 != nil || d == 0 {
		return 0
	}
	return n / d
}

// frameInterval yields the decode-stride between sampled frames. Short
// videos (<=50s) sample one frame per second; longer ones spread maxFrames
// samples evenly across the whole stream.
func frameInterval(totalFrames int, fps, duration float64, maxFrames int) int {
	var interval int
	if duration <= 50 {
		interval = int(fps)
	} else {
		interval = int(math.Ceil(float64(totalFrames) / float64(maxFrames)))
	}
	if interval < 1 {
		interval = 1
	}
	return interval
}

// frameTimestamp is the source position of the i-th sampled frame.
func frameTimestamp(i, interval int, fps float64) float64 {
	return float64(i*interval) / fps
}

func (p *Pipeline) sampleFrames(ctx context.Context, videoPath string, probe videoProbe) ([]Frame, error) {
	interval := frameInterval(probe.totalFrames, probe.fps, probe.duration, p.maxFrames)

	frameDir := filepath.Join(p.stagingDir, fmt.Sprintf("frames_%d", time.Now().UnixNano()))
	if err := os.MkdirAll(frameDir, 0o755); err != nil {
		return nil, fmt.Errorf("frame dir: %w", err)
	}

	cmd := exec.CommandContext(ctx, p.ffmpeg,
		"-i", videoPath,
		"-vf", fmt.Sprintf("select=not(mod(n\\,%d))", interval),
		"-vsync", "vfr",
		"-frames:v", strconv.Itoa(p.maxFrames),
		"-q:v", "2",
		filepath.Join(frameDir, "frame_%05d.jpg"),
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		os.RemoveAll(frameDir)
		return nil, fmt.Errorf("ffmpeg frame sampling: %w: %s", err, truncate(string(out), 512))
	}

	entries, err := os.ReadDir(frameDir)
	if err != nil {
		return nil, fmt.Errorf("read frame dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".jpg") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	frames := make([]Frame, 0, len(names))
	for i, name := range names {
		frames = append(frames, Frame{
			Path:      filepath.Join(frameDir, name),
			Timestamp: frameTimestamp(i, interval, probe.fps),
		})
	}
	if len(frames) == 0 {
		return nil, fmt.Errorf("no frames sampled from %s", videoPath)
	}
	slog.Info("media: sampled video frames", "video", videoPath, "frames", len(frames), "interval", interval)
	return frames, nil
}

// transcribeAudio extracts the audio track to wav and transcribes it. All
// failures are absorbed: the caller proceeds with frames only.
func (p *Pipeline) transcribeAudio(ctx context.Context, videoPath string) string {
	audioPath := filepath.Join(p.stagingDir, fmt.Sprintf("audio_%d.wav", time.Now().UnixNano()))
	cmd := exec.CommandContext(ctx, p.ffmpeg,
		"-i", videoPath,
		"-vn",
		"-acodec", "pcm_s16le",
		"-ar", "16000",
		"-ac", "1",
		audioPath,
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		slog.Warn("media: audio extraction failed", "video", videoPath, "err", err, "output", truncate(string(out), 512))
		return ""
	}
	defer os.Remove(audioPath)

	tctx, cancel := context.WithTimeout(ctx, p.transcribeTimeout)
	defer cancel()
	text, err := p.transcriber.Transcribe(tctx, audioPath)
	if err != nil {
		slog.Warn("media: transcription failed", "video", videoPath, "err", err)
		return ""
	}
	return text
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
