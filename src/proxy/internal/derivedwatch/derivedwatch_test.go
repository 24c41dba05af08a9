package derivedwatch

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uber-go/tally"
	"go.uber.org/config"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap"

	"github.com/macrolens/preproc-proxy/src/proxy/factory"
	"github.com/macrolens/preproc-proxy/src/proxy/internal/fs"
	"github.com/macrolens/preproc-proxy/src/proxy/repository/documents"
)

var _uri = factory.FileURI("/work/cpu.c")

func watchProvider(t *testing.T, enabled string) config.Provider {
	t.Helper()
	provider, err := config.NewYAML(config.Source(strings.NewReader("derived:\n  watch: " + enabled + "\n")))
	require.NoError(t, err)
	return provider
}

func TestDisabledWatcherIsInert(t *testing.T) {
	lc := fxtest.NewLifecycle(t)
	w, err := New(Params{
		Lifecycle: lc,
		Documents: documents.New(documents.Params{Logger: zap.NewNop().Sugar(), Stats: tally.NoopScope}),
		FS:        fs.New(),
		Logger:    zap.NewNop().Sugar(),
		Config:    watchProvider(t, "false"),
	})
	require.NoError(t, err)
	lc.RequireStart().RequireStop()

	assert.NoError(t, w.Watch("/nonexistent"))
	assert.NoError(t, w.Unwatch("/nonexistent"))
}

func TestRebuildsOnDerivedFileChange(t *testing.T) {
	dir := t.TempDir()
	derivedPath := filepath.Join(dir, "cpu.c")
	require.NoError(t, os.WriteFile(derivedPath, []byte("#line 1 \"cpu.c\"\nint a;\n"), 0o644))

	docs := documents.New(documents.Params{Logger: zap.NewNop().Sugar(), Stats: tally.NoopScope})
	require.NoError(t, docs.Open(context.Background(), _uri, derivedPath, "int a;\n", "#line 1 \"cpu.c\"\nint a;\n", 1))
	require.NoError(t, docs.MarkStale(context.Background(), _uri))

	lc := fxtest.NewLifecycle(t)
	w, err := New(Params{
		Lifecycle: lc,
		Documents: docs,
		FS:        fs.New(),
		Logger:    zap.NewNop().Sugar(),
		Config:    watchProvider(t, "true"),
	})
	require.NoError(t, err)
	lc.RequireStart()
	defer lc.RequireStop()

	require.NoError(t, w.Watch(derivedPath))
	require.NoError(t, os.WriteFile(derivedPath, []byte("#line 1 \"cpu.c\"\nint a;\nint b;\n"), 0o644))

	assert.Eventually(t, func() bool {
		doc, err := docs.Get(context.Background(), _uri)
		return err == nil && !doc.Stale && doc.Table.Generation() == 2
	}, 5*time.Second, 20*time.Millisecond)
}

func TestMalformedRewriteKeepsPreviousTable(t *testing.T) {
	dir := t.TempDir()
	derivedPath := filepath.Join(dir, "cpu.c")
	require.NoError(t, os.WriteFile(derivedPath, []byte("#line 1 \"cpu.c\"\nint a;\n"), 0o644))

	docs := documents.New(documents.Params{Logger: zap.NewNop().Sugar(), Stats: tally.NoopScope})
	require.NoError(t, docs.Open(context.Background(), _uri, derivedPath, "int a;\n", "#line 1 \"cpu.c\"\nint a;\n", 1))

	lc := fxtest.NewLifecycle(t)
	w, err := New(Params{
		Lifecycle: lc,
		Documents: docs,
		FS:        fs.New(),
		Logger:    zap.NewNop().Sugar(),
		Config:    watchProvider(t, "true"),
	})
	require.NoError(t, err)
	lc.RequireStart()
	defer lc.RequireStop()

	require.NoError(t, w.Watch(derivedPath))
	require.NoError(t, os.WriteFile(derivedPath, []byte("not annotated at all\n"), 0o644))

	// The watcher observes the write but refuses the malformed table.
	time.Sleep(200 * time.Millisecond)
	doc, err := docs.Get(context.Background(), _uri)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), doc.Table.Generation())
}
