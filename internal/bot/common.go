package bot

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// maxAttachmentSize caps downloaded attachments (20MB).
const maxAttachmentSize = 20 * 1024 * 1024

var attachmentClient = &http.Client{Timeout: 30 * time.Second}

// saveAttachment downloads an attachment URL into the OS temp dir and
// returns the local path.
func saveAttachment(url string) (string, error) {
	resp, err := attachmentClient.Get(url)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("attachment download failed: HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAttachmentSize))
	if err != nil {
		return "", err
	}

	path := filepath.Join(os.TempDir(), "atelier_attach_"+uuid.NewString()[:8])
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}
