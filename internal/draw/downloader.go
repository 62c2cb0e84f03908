package draw

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/atelierbot/atelier/internal/logger"
)

const (
	downloadRetries = 3
	retryDelay      = 2 * time.Second
	minImageBytes   = 1024 // smaller responses are error pages, not images

	userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/137.0.0.0 Safari/537.36"
)

// Downloader fetches generated images over HTTP with retries, used when
// the provider's CDN allows direct access.
type Downloader struct {
	client  *http.Client
	dir     string
	referer string
}

func NewDownloader(dir string) *Downloader {
	return &Downloader{
		client:  &http.Client{Timeout: 30 * time.Second},
		dir:     dir,
		referer: "https://www.doubao.com/",
	}
}

// Download fetches one image to the temp directory. Retries transient
// failures with a growing delay; a too-small body counts as a failure.
func (d *Downloader) Download(ctx context.Context, url string, index int) (Image, error) {
	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		return Image{}, fmt.Errorf("create image dir: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= downloadRetries; attempt++ {
		if attempt > 0 {
			logger.Info("retrying image download", "attempt", attempt, "url", truncate(url, 100))
			select {
			case <-ctx.Done():
				return Image{}, ctx.Err()
			case <-time.After(retryDelay * time.Duration(attempt)):
			}
		}

		img, err := d.fetch(ctx, url, index)
		if err == nil {
			return img, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return Image{}, ctx.Err()
		}
	}

	return Image{}, fmt.Errorf("download failed after %d retries: %w", downloadRetries, lastErr)
}

func (d *Downloader) fetch(ctx context.Context, url string, index int) (Image, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return Image{}, err
	}

	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Referer", d.referer)
	req.Header.Set("Accept", "image/webp,image/apng,image/*,*/*;q=0.8")

	resp, err := d.client.Do(req)
	if err != nil {
		return Image{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		return Image{}, fmt.Errorf("http %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Image{}, err
	}

	if len(data) < minImageBytes {
		return Image{}, fmt.Errorf("response too small (%d bytes)", len(data))
	}

	filename := fmt.Sprintf("doubao_%s_%d%s", uuid.NewString()[:8], index, extFor(resp.Header.Get("Content-Type"), url))
	path := filepath.Join(d.dir, filename)

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return Image{}, fmt.Errorf("write image: %w", err)
	}

	return Image{
		URL:       url,
		LocalPath: path,
		Filename:  filename,
		SizeBytes: int64(len(data)),
		Index:     index,
	}, nil
}

func extFor(contentType, url string) string {
	switch {
	case strings.Contains(contentType, "jpeg"):
		return ".jpg"
	case strings.Contains(contentType, "webp"):
		return ".webp"
	case strings.Contains(contentType, "avif"):
		return ".avif"
	case strings.Contains(contentType, "png"):
		return ".png"
	}

	switch {
	case strings.Contains(url, ".jpg"), strings.Contains(url, ".jpeg"):
		return ".jpg"
	case strings.Contains(url, ".webp"):
		return ".webp"
	}
	return ".png"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	end := 0
	for i := range s {
		if i > n {
			break
		}
		end = i
	}
	return s[:end] + "..."
}
