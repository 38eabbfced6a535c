package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/briangreenhill/devkit/cache"
)

func seed(t *testing.T, s cache.Storage, name string, bodies ...string) {
	t.Helper()
	ctx := context.Background()
	c, err := s.Open(ctx, name)
	require.NoError(t, err)
	for i, b := range bodies {
		key := "https://app.test/" + name + "/" + string(rune('a'+i))
		require.NoError(t, c.Put(ctx, key, &cache.Entry{URL: key, Status: http.StatusOK, Type: cache.TypeBasic, Body: []byte(b)}))
	}
}

func TestBuildCacheReport(t *testing.T) {
	s := cache.NewMemoryStorage()
	seed(t, s, "devkit-static-v1", "1234", "12")
	seed(t, s, "devkit-static-v2", "123")
	seed(t, s, "unrelated", "123456789")

	report, err := BuildCacheReport(context.Background(), s, "devkit-static")
	require.NoError(t, err)
	assert.Equal(t, int64(9), report.TotalBytes)
	assert.Equal(t, []GenerationReport{
		{Name: "devkit-static-v1", Entries: 2, Bytes: 6},
		{Name: "devkit-static-v2", Entries: 1, Bytes: 3},
	}, report.Generations)
}

func TestHandleCacheReport(t *testing.T) {
	s := cache.NewMemoryStorage()
	seed(t, s, "devkit-static-v1", "12345")

	var buf bytes.Buffer
	h := &Handler{Storage: s, Logger: zerolog.New(&buf)}

	task, err := NewCacheReportTask(CacheReportPayload{Prefix: "devkit-static", ClientID: "c1"})
	require.NoError(t, err)
	assert.Equal(t, TaskCacheReport, task.Type())
	require.NoError(t, h.HandleCacheReport(context.Background(), task))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "cache report", line["message"])
	assert.Equal(t, float64(5), line["total_bytes"])
	assert.Equal(t, "c1", line["client"])
}

func TestHandleCacheReportBadPayload(t *testing.T) {
	h := &Handler{Storage: cache.NewMemoryStorage(), Logger: zerolog.Nop()}

	err := h.HandleCacheReport(context.Background(), asynq.NewTask(TaskCacheReport, []byte("{")))
	assert.ErrorIs(t, err, asynq.SkipRetry)

	err = h.HandleCacheReport(context.Background(), asynq.NewTask(TaskCacheReport, []byte(`{}`)))
	assert.ErrorIs(t, err, asynq.SkipRetry)
}
