package docqa

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Local answers document questions in-process: the upload is written to a
// temporary file, the runner is invoked on it, and the file is removed.
type Local struct {
	Runner  Runner
	TempDir string
	now     func() time.Time
}

func NewLocal(r Runner, tempDir string) *Local {
	return &Local{Runner: r, TempDir: tempDir, now: time.Now}
}

// SaveUpload writes data under dir as "<unix ms>_<base name>" and returns the path.
func SaveUpload(dir, name string, data []byte, now time.Time) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrap(err, "create upload dir")
	}
	base := filepath.Base(filepath.Clean("/" + name))
	if base == "/" || base == "." {
		base = "document.pdf"
	}
	path := filepath.Join(dir, fmt.Sprintf("%d_%s", now.UnixMilli(), base))
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", errors.Wrap(err, "save upload")
	}
	return path, nil
}

func (l *Local) AskDocument(ctx context.Context, name string, data []byte, question string) (string, error) {
	dir := l.TempDir
	if dir == "" {
		dir = os.TempDir()
	}
	now := time.Now
	if l.now != nil {
		now = l.now
	}

	path, err := SaveUpload(dir, name, data, now())
	if err != nil {
		return "", err
	}
	defer func() {
		if err := os.Remove(path); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("remove temp document")
		}
	}()

	return l.Runner.AskFile(ctx, path, question)
}
