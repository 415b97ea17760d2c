package eventlog

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/homecore/ingress/pkg/models"
)

func TestLogger_AppendWritesJSONLine(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, 0, false)
	require.NoError(t, err)
	defer l.Close()

	l.Append(models.Event{
		ID: "evt-1", Type: models.EventTypeDevice, Source: models.SourceWebhook,
		DeviceID: "d1", EventType: "switch.state", Timestamp: time.Now(),
	})

	files, err := listArchiveFiles(dir)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Regexp(t, `^events-\d{4}-\d{2}-\d{2}\.log$`, files[0])

	f, err := os.Open(filepath.Join(dir, files[0]))
	require.NoError(t, err)
	defer f.Close()

	scanner := bufio.NewScanner(f)
	require.True(t, scanner.Scan())
	var got archiveRecord
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &got))
	assert.Equal(t, "evt-1", got.EventID)
	assert.Equal(t, "d1", got.DeviceID)
	assert.Equal(t, "switch", got.Capability)
	assert.Equal(t, "state", got.Attribute)
	assert.False(t, got.LoggedAt.IsZero())
}

func TestLogger_RotatesOnSizeLimit(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, 1, false) // 1 byte ceiling forces rotation on every append
	require.NoError(t, err)
	defer l.Close()

	l.Append(models.Event{ID: "evt-1", Type: models.EventTypeDevice, Timestamp: time.Now()})
	l.Append(models.Event{ID: "evt-2", Type: models.EventTypeDevice, Timestamp: time.Now()})

	files, err := listArchiveFiles(dir)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(files), 2, "size-triggered rotation should produce more than one file")
}

func TestLogger_EvictOlderThanRemovesStaleFiles(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, 0, false)
	require.NoError(t, err)
	defer l.Close()

	stalePath := filepath.Join(dir, "events-2000-01-01.log")
	require.NoError(t, os.WriteFile(stalePath, []byte("{}\n"), 0o644))
	stale := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(stalePath, stale, stale))

	removed, err := l.EvictOlderThan(time.Now().Add(-24 * time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = os.Stat(stalePath)
	assert.True(t, os.IsNotExist(err))
}
