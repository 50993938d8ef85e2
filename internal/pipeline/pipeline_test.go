package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeStagingWriter struct {
	enqueued []string
}

func (f *fakeStagingWriter) Enqueue(ctx context.Context, subsetUUID string, nRows int64, payload []byte, nowUnixMicro int64) error {
	f.enqueued = append(f.enqueued, subsetUUID)
	return nil
}

func TestPipelineIngestBufferedMode(t *testing.T) {
	resolver := &fakeResolver{nextUUID: func(keys map[string]any) string { return "subset-a" }}
	pub := &fakePublisher{}
	p := &Pipeline{
		Router:    NewRouter(resolver, "ds-1", 1000),
		Buffer:    NewBuffer(),
		Compactor: &Compactor{Publisher: pub, DatasetUUID: "ds-1", DatasetRoot: t.TempDir()},
		Mode:      ModeBuffered,
		Now:       func() int64 { return 42 },
	}
	su, err := p.Ingest(context.Background(), map[string]any{"exchange": "NYSE"}, intBatch(3, 1), false)
	require.NoError(t, err)
	require.Equal(t, "subset-a", su)
	require.Equal(t, 1, p.Buffer.Len())

	n, err := p.Flush(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, 0, p.Buffer.Len())
	require.Equal(t, []string{"subset-a:3"}, pub.published)
}

func TestPipelineIngestStagedMode(t *testing.T) {
	resolver := &fakeResolver{nextUUID: func(keys map[string]any) string { return "subset-a" }}
	sw := &fakeStagingWriter{}
	p := &Pipeline{
		Router:  NewRouter(resolver, "ds-1", 1000),
		Staging: sw,
		Mode:    ModeStaged,
		Now:     func() int64 { return 42 },
	}
	_, err := p.Ingest(context.Background(), map[string]any{"exchange": "NYSE"}, intBatch(3, 1), false)
	require.NoError(t, err)
	require.Equal(t, []string{"subset-a"}, sw.enqueued)
}

func TestPipelineShutdownBufferedFlushes(t *testing.T) {
	resolver := &fakeResolver{nextUUID: func(keys map[string]any) string { return "subset-a" }}
	pub := &fakePublisher{}
	p := &Pipeline{
		Router:    NewRouter(resolver, "ds-1", 1000),
		Buffer:    NewBuffer(),
		Compactor: &Compactor{Publisher: pub, DatasetUUID: "ds-1", DatasetRoot: t.TempDir()},
		Mode:      ModeBuffered,
		Now:       func() int64 { return 42 },
	}
	_, err := p.Ingest(context.Background(), map[string]any{"exchange": "NYSE"}, intBatch(1, 1), false)
	require.NoError(t, err)
	require.NoError(t, p.Shutdown(context.Background()))
	require.Equal(t, 0, p.Buffer.Len())
}
