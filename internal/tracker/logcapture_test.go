package tracker

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestDirCapturerPicksNewestLogFile(t *testing.T) {
	dir := t.TempDir()
	old := filepath.Join(dir, "old.log")
	newer := filepath.Join(dir, "latest.txt")
	ignored := filepath.Join(dir, "data.bin")

	require.NoError(t, os.WriteFile(old, []byte("old contents"), 0o644))
	require.NoError(t, os.WriteFile(newer, []byte("new contents"), 0o644))
	require.NoError(t, os.WriteFile(ignored, []byte("binary"), 0o644))

	// Push the modification times apart; filesystem timestamps can be coarse.
	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(old, past, past))

	c := NewDirCapturer(dir, zap.NewNop().Sugar())
	capture := c.Capture()
	require.NotNil(t, capture)
	assert.Equal(t, "new contents", capture.Content)
}

func TestDirCapturerEmptyDirectory(t *testing.T) {
	c := NewDirCapturer(t.TempDir(), zap.NewNop().Sugar())
	assert.Nil(t, c.Capture())
}

func TestDirCapturerCreatesMissingDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	NewDirCapturer(dir, zap.NewNop().Sugar())

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}
