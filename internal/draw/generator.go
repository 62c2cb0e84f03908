package draw

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/atelierbot/atelier/internal/logger"
)

// Generator drives the image-generation site through an agent-browser
// container. It is an exclusive resource: one container, one page, one
// job at a time, gated by the queue worker.
type Generator struct {
	image      string
	createURL  string
	cookies    string
	timeout    time.Duration
	downloader *Downloader

	mu        sync.Mutex
	container string
}

// Config holds configuration for the browser generator
type Config struct {
	Image     string        // container image (default: atelier-browser-sandbox:latest)
	CreateURL string        // provider's image creation page
	Cookies   string        // "name=value; name2=value2" session cookies
	TempDir   string        // where downloaded images land
	Timeout   time.Duration // per-generation timeout (default: 120s)
}

func NewGenerator(cfg Config) *Generator {
	if cfg.Image == "" {
		cfg.Image = "atelier-browser-sandbox:latest"
	}
	if cfg.CreateURL == "" {
		cfg.CreateURL = "https://www.doubao.com/chat/create-image"
	}
	if cfg.TempDir == "" {
		cfg.TempDir = filepath.Join(os.TempDir(), "atelier-draw")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}

	return &Generator{
		image:      cfg.Image,
		createURL:  cfg.CreateURL,
		cookies:    cfg.Cookies,
		timeout:    cfg.Timeout,
		downloader: NewDownloader(cfg.TempDir),
	}
}

// Initialize starts the browser container. Cookies are handed to the
// sandbox via its environment; the sandbox applies them to the
// provider's domain before the first navigation.
func (g *Generator) Initialize(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.container != "" {
		return nil
	}

	args := []string{
		"run", "-d", "--rm",
		"--network=host", // browser needs direct internet access
		"--shm-size=2g",  // needed for Chrome
	}
	if g.cookies != "" {
		args = append(args, "-e", "AGENT_BROWSER_COOKIES="+g.cookies)
	}
	args = append(args, g.image, "sleep", "infinity")

	cmd := exec.CommandContext(ctx, "docker", args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		logger.Debug("browser container start stderr", "stderr", stderr.String())
		return fmt.Errorf("start browser container: %w", err)
	}

	g.container = strings.TrimSpace(stdout.String())
	logger.Info("browser container started", "cookies", g.cookies != "")
	return nil
}

// Generate runs one generation: navigate, optionally attach an input
// image, submit the prompt, collect the produced image URLs, and
// download them in order.
func (g *Generator) Generate(ctx context.Context, prompt, imagePath string) (*Result, error) {
	g.mu.Lock()
	container := g.container
	g.mu.Unlock()

	if container == "" {
		return nil, fmt.Errorf("browser not initialized")
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	logger.Info("generating image", "prompt", prompt, "with_input", imagePath != "")

	if _, err := g.browse(ctx, "open", g.createURL); err != nil {
		return nil, fmt.Errorf("open creation page: %w", err)
	}
	if _, err := g.browse(ctx, "wait", "--idle", "5"); err != nil {
		return nil, fmt.Errorf("wait for page: %w", err)
	}

	if imagePath != "" {
		if err := g.attachInput(ctx, container, imagePath); err != nil {
			// text-only generation still works without the reference image
			logger.Warn("input image upload failed, continuing text-only", "error", err)
		}
	}

	if _, err := g.browse(ctx, "fill", "[contenteditable='true']", prompt); err != nil {
		return nil, fmt.Errorf("fill prompt: %w", err)
	}
	if _, err := g.browse(ctx, "press", "Enter"); err != nil {
		return nil, fmt.Errorf("submit prompt: %w", err)
	}

	// the sandbox blocks until the generation stream signals completion
	out, err := g.browse(ctx, "get", "images", "--wait", "60")
	if err != nil {
		return nil, fmt.Errorf("collect image urls: %w", err)
	}

	urls := extractImageURLs(out)
	if len(urls) == 0 {
		return nil, fmt.Errorf("no images produced")
	}

	result := &Result{Prompt: prompt}
	for i, url := range urls {
		img, err := g.downloader.Download(ctx, url, i)
		if err != nil {
			logger.Warn("image download failed", "index", i, "error", err)
			continue
		}
		result.Images = append(result.Images, img)
	}

	if len(result.Images) == 0 {
		return nil, fmt.Errorf("all image downloads failed")
	}
	if len(result.Images) < len(urls) {
		logger.Warn("partial download", "got", len(result.Images), "want", len(urls))
	}

	sort.Slice(result.Images, func(i, j int) bool {
		return result.Images[i].Index < result.Images[j].Index
	})

	logger.Info("image generation finished", "count", len(result.Images))
	return result, nil
}

// Cleanup tears down the container. Idempotent and safe to call when
// Initialize never ran or already failed.
func (g *Generator) Cleanup(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.container == "" {
		return nil
	}

	// best-effort page close before the hard stop
	closeCmd := exec.CommandContext(ctx, "docker", "exec", g.container, "agent-browser", "close")
	_ = closeCmd.Run()

	cmd := exec.CommandContext(ctx, "docker", "rm", "-f", g.container)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	err := cmd.Run()
	g.container = ""

	if err != nil {
		logger.Debug("browser container remove stderr", "stderr", stderr.String())
		return fmt.Errorf("remove browser container: %w", err)
	}

	logger.Debug("browser container removed")
	return nil
}

// TempDir exposes the download directory for the periodic sweep.
func (g *Generator) TempDir() string {
	return g.downloader.dir
}

// CleanTempDir removes downloaded images older than maxAge and returns
// how many were deleted.
func (g *Generator) CleanTempDir(maxAge time.Duration) int {
	entries, err := os.ReadDir(g.TempDir())
	if err != nil {
		return 0
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if os.Remove(filepath.Join(g.TempDir(), entry.Name())) == nil {
			removed++
		}
	}

	if removed > 0 {
		logger.Info("cleaned temp images", "count", removed)
	}
	return removed
}

// browse runs one agent-browser command inside the container. Arguments
// go through argv directly, never a shell, so prompt text needs no
// escaping.
func (g *Generator) browse(ctx context.Context, cmdArgs ...string) (string, error) {
	g.mu.Lock()
	container := g.container
	g.mu.Unlock()

	if container == "" {
		return "", fmt.Errorf("browser not initialized")
	}

	args := append([]string{"exec", container, "agent-browser"}, cmdArgs...)
	cmd := exec.CommandContext(ctx, "docker", args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", fmt.Errorf("timeout after %s", g.timeout)
		}
		logger.Debug("agent-browser stderr", "stderr", stderr.String())
		return "", fmt.Errorf("browser command failed: %w", err)
	}

	return stdout.String(), nil
}

// attachInput copies the reference image into the container and uploads
// it through the page's file input.
func (g *Generator) attachInput(ctx context.Context, container, imagePath string) error {
	dest := container + ":/tmp/input-image"
	cp := exec.CommandContext(ctx, "docker", "cp", imagePath, dest)
	if err := cp.Run(); err != nil {
		return fmt.Errorf("copy input image: %w", err)
	}

	if _, err := g.browse(ctx, "upload", "input[type='file']", "/tmp/input-image"); err != nil {
		return err
	}

	// give the page a moment to process the attachment
	_, err := g.browse(ctx, "wait", "2")
	return err
}

// extractImageURLs pulls image URLs out of agent-browser output, one
// per line, preserving order and dropping duplicates.
func extractImageURLs(out string) []string {
	seen := make(map[string]bool)
	var urls []string

	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "http://") && !strings.HasPrefix(line, "https://") {
			continue
		}
		if seen[line] {
			continue
		}
		seen[line] = true
		urls = append(urls, line)
	}

	return urls
}
