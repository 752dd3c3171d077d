package logging

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestInitWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lease.log")

	ctx, err := Init(context.Background(),
		WithLogLevel("debug"),
		WithLogFormat(LogFormatJSON),
		WithOutputPaths([]string{path}),
		WithInitialFields(map[string]interface{}{"instance": "test"}),
	)
	require.NoError(t, err)

	l := ctxzap.Extract(ctx)
	l.Info("hello", zap.String("device_id", "d1"))
	_ = l.Sync()

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(b), `"msg":"hello"`)
	require.Contains(t, string(b), `"device_id":"d1"`)
	require.Contains(t, string(b), `"instance":"test"`)
}

func TestWithLogLevelFallsBackToInfo(t *testing.T) {
	zc := zap.NewProductionConfig()
	WithLogLevel("not-a-level")(&zc)
	require.Equal(t, "info", zc.Level.String())

	WithLogLevel("warn")(&zc)
	require.Equal(t, "warn", zc.Level.String())
}

func TestWithLogFormat(t *testing.T) {
	zc := zap.NewProductionConfig()
	WithLogFormat(LogFormatConsole)(&zc)
	require.Equal(t, LogFormatConsole, zc.Encoding)
	WithLogFormat("xml")(&zc)
	require.Equal(t, LogFormatJSON, zc.Encoding)
}

func TestWithOutputPathsUsesRotatingSinkForFiles(t *testing.T) {
	zc := zap.NewProductionConfig()
	WithOutputPaths([]string{"stdout", "/var/log/p2pvps/lease.log", "stderr"})(&zc)
	require.Equal(t, []string{"stdout", "rotatorr:///var/log/p2pvps/lease.log", "stderr"}, zc.OutputPaths)

	WithOutputPaths(nil)(&zc)
	require.Len(t, zc.OutputPaths, 3)
}

func TestFileSinkIsShared(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared.log")
	a, err := pr.Register(path)
	require.NoError(t, err)
	b, err := pr.Register(path)
	require.NoError(t, err)
	require.Same(t, a, b)
}
