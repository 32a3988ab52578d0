package tracker

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/vburojevic/apptrack/internal/domain"
)

// DirCapturer reads the newest log file the tracked application wrote.
// The application owns the directory; the agent only ever reads from it.
type DirCapturer struct {
	dir string
	log *zap.SugaredLogger
}

// NewDirCapturer creates a capturer over dir. The directory is created if
// missing so the tracked app always has somewhere to write.
func NewDirCapturer(dir string, log *zap.SugaredLogger) *DirCapturer {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Warnw("log directory unavailable", "dir", dir, "error", err)
	}
	return &DirCapturer{dir: dir, log: log}
}

// Capture returns the contents of the most recently modified *.txt or
// *.log file, or nil when there is nothing to ship. Read errors are
// swallowed; log capture is best-effort.
func (c *DirCapturer) Capture() *domain.LogCapture {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		c.log.Warnw("reading log directory failed", "dir", c.dir, "error", err)
		return nil
	}

	type candidate struct {
		path  string
		mtime time.Time
	}
	var candidates []candidate
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := strings.ToLower(e.Name())
		if !strings.HasSuffix(name, ".txt") && !strings.HasSuffix(name, ".log") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		candidates = append(candidates, candidate{
			path:  filepath.Join(c.dir, e.Name()),
			mtime: info.ModTime(),
		})
	}
	if len(candidates) == 0 {
		return nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].mtime.After(candidates[j].mtime)
	})

	content, err := os.ReadFile(candidates[0].path)
	if err != nil {
		c.log.Warnw("reading log file failed", "path", candidates[0].path, "error", err)
		return nil
	}

	return &domain.LogCapture{
		CapturedAt: time.Now(),
		Content:    string(content),
	}
}
