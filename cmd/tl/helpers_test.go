package main

import (
	"bytes"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/intern3chat/threadline/internal/chat"
	"github.com/intern3chat/threadline/internal/db/dbtest"
	"github.com/intern3chat/threadline/internal/generate"
	"github.com/intern3chat/threadline/internal/server"
	"github.com/intern3chat/threadline/internal/stream"
	"github.com/intern3chat/threadline/internal/streamlog"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

// runCmd executes the root command with args and returns everything it
// printed.
func runCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

type testServer struct {
	url string
	db  *gorm.DB
	hub *stream.Hub
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	db := dbtest.Open(t)
	chunks, err := streamlog.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { chunks.Close() })
	hub, err := stream.NewHub(db, chunks, zaptest.NewLogger(t))
	require.NoError(t, err)
	svc, err := chat.New(chat.Options{DB: db, Hub: hub, Generator: generate.Echo{}})
	require.NoError(t, err)
	t.Cleanup(svc.Close)

	router, err := server.NewRouter(server.Opts{
		DB: db, Hub: hub, Chat: svc,
		RateLimitRPS: 1000, RateLimitBurst: 1000,
		WatchPollInterval: 10 * time.Millisecond,
		HeartbeatInterval: time.Hour,
	})
	require.NoError(t, err)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return &testServer{url: srv.URL, db: db, hub: hub}
}

// createThread runs `thread create` and returns the new thread's ID.
func createThread(t *testing.T, url, title string) string {
	t.Helper()
	out, err := runCmd(t, "thread", "create", title, "--server", url)
	require.NoError(t, err, out)
	fields := strings.Fields(out)
	require.GreaterOrEqual(t, len(fields), 3, out)
	return fields[2]
}

// writeConfig writes a sqlite config rooted in a temp dir and returns its path.
func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	body := "database:\n  driver: sqlite\n  dsn: " + filepath.Join(dir, "threadline.db") + "\n" +
		"streams:\n  dir: " + filepath.Join(dir, "streams") + "\n"
	path := filepath.Join(dir, "threadline.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

// syncBuffer is a bytes.Buffer safe for one writer and concurrent readers.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func writeTestFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o644)
}
