package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrUploadFailed indicates a single file could not be uploaded. Callers
// treat it as per-file and non-fatal.
var ErrUploadFailed = errors.New("file upload failed")

var imageExts = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true,
	".gif": true, ".bmp": true, ".webp": true,
}

// Upload pushes a local file through the pre-sign flow and returns the remote
// reference id: request a pre-signed URL, PUT the bytes, register the file,
// then kick off remote parsing and fetch the suggested prompt without
// waiting on either.
func (c *KimiClient) Upload(ctx context.Context, displayName, localPath string) (string, error) {
	isImage := imageExts[strings.ToLower(filepath.Ext(displayName))]

	action := "file"
	if isImage {
		action = "image"
	}
	resp, err := c.doJSON(ctx, http.MethodPost, "/api/pre-sign-url", map[string]string{
		"action": action,
		"name":   displayName,
	})
	if err != nil {
		return "", fmt.Errorf("%w: pre-sign: %v", ErrUploadFailed, err)
	}
	presign, err := decodeJSONBody(resp)
	if err != nil {
		return "", fmt.Errorf("%w: pre-sign: %v", ErrUploadFailed, err)
	}
	uploadURL, _ := presign["url"].(string)
	if uploadURL == "" {
		return "", fmt.Errorf("%w: pre-sign returned no url", ErrUploadFailed)
	}

	if err := c.putFile(ctx, uploadURL, localPath); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}

	fileInfo := map[string]any{
		"type":        action,
		"name":        displayName,
		"object_name": presign["object_name"],
	}
	if fileID, ok := presign["file_id"]; ok {
		fileInfo["file_id"] = fileID
	}
	if isImage {
		width, height := imageDimensions(localPath)
		fileInfo["meta"] = map[string]string{"width": width, "height": height}
	}

	resp, err = c.doJSON(ctx, http.MethodPost, "/api/file", fileInfo)
	if err != nil {
		return "", fmt.Errorf("%w: register: %v", ErrUploadFailed, err)
	}
	registered, err := decodeJSONBody(resp)
	if err != nil {
		return "", fmt.Errorf("%w: register: %v", ErrUploadFailed, err)
	}
	remoteID, _ := registered["id"].(string)
	if remoteID == "" {
		return "", fmt.Errorf("%w: register returned no id", ErrUploadFailed)
	}

	// Parsing runs server-side; we only kick it off.
	if resp, err := c.doJSON(ctx, http.MethodPost, "/api/file/parse_process", map[string][]string{"ids": {remoteID}}); err == nil {
		resp.Body.Close()
	} else {
		slog.Debug("kimi: parse_process failed", "id", remoteID, "err", err)
	}

	// The backend suggests a prompt for the file; only logged, never used.
	if resp, err := c.doJSON(ctx, http.MethodPost, "/api/file/recommend_prompt", map[string][]string{"ids": {remoteID}}); err == nil {
		if body, err := decodeJSONBody(resp); err == nil {
			if hint, _ := body["recommend_prompt"].(string); hint != "" {
				slog.Debug("kimi: recommended prompt", "id", remoteID, "prompt", hint)
			}
		}
	} else {
		slog.Debug("kimi: recommend_prompt failed", "id", remoteID, "err", err)
	}

	return remoteID, nil
}

// putFile streams localPath to a pre-signed URL.
func (c *KimiClient) putFile(ctx context.Context, url, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", localPath, err)
	}
	defer f.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, f)
	if err != nil {
		return fmt.Errorf("build put request: %w", err)
	}
	if info, err := f.Stat(); err == nil {
		req.ContentLength = info.Size()
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("put bytes: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("put bytes: status %d", resp.StatusCode)
	}
	return nil
}

// imageDimensions probes width/height of an image file, falling back to the
// backend's accepted default when the format cannot be decoded (bmp/webp).
func imageDimensions(path string) (string, string) {
	f, err := os.Open(path)
	if err != nil {
		return "940", "940"
	}
	defer f.Close()
	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return "940", "940"
	}
	return strconv.Itoa(cfg.Width), strconv.Itoa(cfg.Height)
}

func decodeJSONBody(resp *http.Response) (map[string]any, error) {
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	return body, nil
}
