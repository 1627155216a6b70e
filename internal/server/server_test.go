package server

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/intern3chat/threadline/internal/chat"
	"github.com/intern3chat/threadline/internal/db/dbtest"
	"github.com/intern3chat/threadline/internal/generate"
	"github.com/intern3chat/threadline/internal/stream"
	"github.com/intern3chat/threadline/internal/streamlog"
	"github.com/intern3chat/threadline/internal/thread"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

type testServer struct {
	*httptest.Server
	db  *gorm.DB
	hub *stream.Hub
}

func newTestServer(t *testing.T, gen generate.Generator, mutate func(*Opts)) *testServer {
	t.Helper()
	db := dbtest.Open(t)
	chunks, err := streamlog.Open("")
	if err != nil {
		t.Fatalf("streamlog.Open: %v", err)
	}
	t.Cleanup(func() { chunks.Close() })
	hub, err := stream.NewHub(db, chunks, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewHub: %v", err)
	}
	svc, err := chat.New(chat.Options{DB: db, Hub: hub, Generator: gen})
	if err != nil {
		t.Fatalf("chat.New: %v", err)
	}
	t.Cleanup(svc.Close)

	opts := Opts{
		DB: db, Hub: hub, Chat: svc, Logger: zaptest.NewLogger(t),
		RateLimitRPS: 1000, RateLimitBurst: 1000,
		WatchPollInterval: 10 * time.Millisecond,
		HeartbeatInterval: time.Hour,
	}
	if mutate != nil {
		mutate(&opts)
	}
	router, err := NewRouter(opts)
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, db: db, hub: hub}
}

func (s *testServer) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, s.URL+path, r)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

type sseEvent struct {
	id    string
	event string
	data  string
}

// readEvents parses SSE events from sc until it ends or n events are read.
func readEvents(sc *bufio.Scanner, n int) []sseEvent {
	var out []sseEvent
	var cur sseEvent
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if cur.event != "" {
				out = append(out, cur)
				if n > 0 && len(out) == n {
					return out
				}
			}
			cur = sseEvent{}
		case strings.HasPrefix(line, "id: "):
			cur.id = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "event: "):
			cur.event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.data = strings.TrimPrefix(line, "data: ")
		}
	}
	return out
}

func TestNewRouter_RequiresDeps(t *testing.T) {
	if _, err := NewRouter(Opts{}); err == nil {
		t.Fatal("expected error for missing deps")
	}
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t, generate.Echo{}, nil)

	resp := s.do(t, http.MethodGet, "/healthz", "")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz status = %d", resp.StatusCode)
	}

	resp = s.do(t, http.MethodGet, "/metrics", "")
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "threadline_stream_started_total") {
		t.Error("metrics output missing threadline counters")
	}
}

func TestThreadCRUD(t *testing.T) {
	s := newTestServer(t, generate.Echo{}, nil)

	resp := s.do(t, http.MethodPost, "/api/threads", `{"title":"Trip plans"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	created := decode[thread.Snapshot](t, resp)
	if created.Title != "Trip plans" || created.IsLive {
		t.Errorf("created = %+v", created)
	}

	resp = s.do(t, http.MethodPost, "/api/threads", "")
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create without body status = %d", resp.StatusCode)
	}

	list := decode[[]thread.Snapshot](t, s.do(t, http.MethodGet, "/api/threads", ""))
	if len(list) != 2 {
		t.Errorf("list len = %d, want 2", len(list))
	}

	resp = s.do(t, http.MethodPatch, "/api/threads/"+created.ID, `{"title":"Renamed"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("rename status = %d", resp.StatusCode)
	}
	if got := decode[thread.Snapshot](t, resp); got.Title != "Renamed" {
		t.Errorf("title = %q, want Renamed", got.Title)
	}

	resp = s.do(t, http.MethodPatch, "/api/threads/"+created.ID, `{"title":"  "}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("blank rename status = %d, want 400", resp.StatusCode)
	}

	resp = s.do(t, http.MethodDelete, "/api/threads/"+created.ID, "")
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
	resp = s.do(t, http.MethodGet, "/api/threads/"+created.ID, "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("get deleted status = %d, want 404", resp.StatusCode)
	}
}

func TestSend_ThenStreamAndMessages(t *testing.T) {
	s := newTestServer(t, generate.Echo{}, nil)
	th, err := thread.Create(s.db, "chat")
	if err != nil {
		t.Fatalf("thread.Create: %v", err)
	}

	resp := s.do(t, http.MethodPost, "/api/threads/"+th.ID+"/messages", `{"content":"hello stream world"}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("send status = %d", resp.StatusCode)
	}
	sent := decode[sendResponse](t, resp)
	if sent.StreamID == "" {
		t.Fatal("send returned empty stream id")
	}

	resp = s.do(t, http.MethodGet, "/api/threads/"+th.ID+"/stream", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stream status = %d", resp.StatusCode)
	}
	if got := resp.Header.Get("X-Stream-ID"); got != sent.StreamID {
		t.Errorf("X-Stream-ID = %q, want %q", got, sent.StreamID)
	}
	events := readEvents(bufio.NewScanner(resp.Body), 0)
	if len(events) != 4 {
		t.Fatalf("events = %d, want 4 (3 words + finish)", len(events))
	}
	var text string
	for i, ev := range events {
		if ev.event != eventChunk {
			t.Errorf("event %d = %q, want chunk", i, ev.event)
		}
		var c streamlog.Chunk
		if err := json.Unmarshal([]byte(ev.data), &c); err != nil {
			t.Fatalf("chunk json: %v", err)
		}
		if ev.id != strconv.Itoa(i) || c.Seq != i {
			t.Errorf("event %d id=%q seq=%d", i, ev.id, c.Seq)
		}
		text += c.Text
	}
	if text != "hello stream world" {
		t.Errorf("streamed text = %q", text)
	}

	// Resume from the middle via Last-Event-ID.
	req, _ := http.NewRequest(http.MethodGet, s.URL+"/api/threads/"+th.ID+"/stream", nil)
	req.Header.Set("Last-Event-ID", "1")
	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	defer resp2.Body.Close()
	if events := readEvents(bufio.NewScanner(resp2.Body), 0); len(events) != 2 || events[0].id != "2" {
		t.Errorf("resumed events = %+v, want seq 2 and finish", events)
	}

	// The reply is stored once the stream finished.
	deadline := time.Now().Add(2 * time.Second)
	for {
		msgs := decode[[]thread.MessageView](t, s.do(t, http.MethodGet, "/api/threads/"+th.ID+"/messages", ""))
		if len(msgs) == 2 {
			if msgs[1].Role != "assistant" || msgs[1].StreamID != sent.StreamID {
				t.Errorf("assistant message = %+v", msgs[1])
			}
			if len(msgs[0].Parts) != 1 || msgs[0].Parts[0].Text != "hello stream world" {
				t.Errorf("user parts = %+v", msgs[0].Parts)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("messages = %d, want 2", len(msgs))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStream_NoStreamYet(t *testing.T) {
	s := newTestServer(t, generate.Echo{}, nil)
	th, _ := thread.Create(s.db, "quiet")

	resp := s.do(t, http.MethodGet, "/api/threads/"+th.ID+"/stream", "")
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("status = %d, want 204", resp.StatusCode)
	}
}

func TestStream_BadParams(t *testing.T) {
	s := newTestServer(t, generate.Echo{}, nil)
	th, _ := thread.Create(s.db, "t")
	other, _ := thread.Create(s.db, "other")
	sid, err := s.hub.Start(other.ID)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	tests := []struct {
		name string
		path string
		want int
	}{
		{"negative from", "/api/threads/" + th.ID + "/stream?from=-1", http.StatusBadRequest},
		{"non-numeric from", "/api/threads/" + th.ID + "/stream?from=abc", http.StatusBadRequest},
		{"foreign stream", "/api/threads/" + th.ID + "/stream?stream_id=" + sid, http.StatusNotFound},
		{"unknown stream", "/api/threads/" + th.ID + "/stream?stream_id=nope", http.StatusNotFound},
		{"unknown thread", "/api/threads/th-missing/stream", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := s.do(t, http.MethodGet, tt.path, "")
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestSend_Errors(t *testing.T) {
	s := newTestServer(t, generate.Echo{Delay: time.Hour}, nil)
	th, _ := thread.Create(s.db, "busy")
	path := "/api/threads/" + th.ID + "/messages"

	if resp := s.do(t, http.MethodPost, path, `{"content":""}`); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("empty content status = %d, want 400", resp.StatusCode)
	}
	if resp := s.do(t, http.MethodPost, "/api/threads/th-missing/messages", `{"content":"hi"}`); resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown thread status = %d, want 404", resp.StatusCode)
	}
	if resp := s.do(t, http.MethodPost, path, `{"content":"first"}`); resp.StatusCode != http.StatusAccepted {
		t.Fatalf("first send status = %d", resp.StatusCode)
	}
	if resp := s.do(t, http.MethodPost, path, `{"content":"second"}`); resp.StatusCode != http.StatusConflict {
		t.Errorf("busy send status = %d, want 409", resp.StatusCode)
	}
	if resp := s.do(t, http.MethodDelete, "/api/threads/"+th.ID, ""); resp.StatusCode != http.StatusConflict {
		t.Errorf("delete live status = %d, want 409", resp.StatusCode)
	}
}

func TestSend_RateLimited(t *testing.T) {
	s := newTestServer(t, generate.Echo{}, func(o *Opts) {
		o.RateLimitRPS = 0.001
		o.RateLimitBurst = 1
	})
	a, _ := thread.Create(s.db, "a")
	b, _ := thread.Create(s.db, "b")

	if resp := s.do(t, http.MethodPost, "/api/threads/"+a.ID+"/messages", `{"content":"hi"}`); resp.StatusCode != http.StatusAccepted {
		t.Fatalf("first send status = %d", resp.StatusCode)
	}
	if resp := s.do(t, http.MethodPost, "/api/threads/"+b.ID+"/messages", `{"content":"hi"}`); resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("second send status = %d, want 429", resp.StatusCode)
	}
}

func TestWatch_EmitsSnapshotsOnChange(t *testing.T) {
	s := newTestServer(t, generate.Echo{}, nil)
	th, _ := thread.Create(s.db, "watched")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, s.URL+"/api/threads/"+th.ID+"/watch", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer resp.Body.Close()

	sc := bufio.NewScanner(resp.Body)
	first := readEvents(sc, 1)
	if len(first) != 1 || first[0].event != eventThread {
		t.Fatalf("first event = %+v", first)
	}
	var snap thread.Snapshot
	json.Unmarshal([]byte(first[0].data), &snap)
	if snap.IsLive {
		t.Error("thread should start idle")
	}

	sid, err := s.hub.Start(th.ID)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	next := readEvents(sc, 1)
	if len(next) != 1 {
		t.Fatal("no snapshot after stream start")
	}
	json.Unmarshal([]byte(next[0].data), &snap)
	if !snap.IsLive || snap.CurrentStreamID != sid {
		t.Errorf("snapshot after start = %+v", snap)
	}

	if err := thread.Delete(s.db, th.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	last := readEvents(sc, 1)
	if len(last) != 1 || last[0].event != eventDeleted {
		t.Errorf("event after delete = %+v", last)
	}
}

func TestResumeFrom(t *testing.T) {
	tests := []struct {
		query, header string
		want          int
		wantErr       bool
	}{
		{"", "", 0, false},
		{"from=3", "", 3, false},
		{"", "4", 5, false},
		{"from=2", "9", 2, false},
		{"", "x", 0, true},
	}
	for _, tt := range tests {
		w := httptest.NewRecorder()
		c, _ := ginTestContext(w, "/?"+tt.query)
		if tt.header != "" {
			c.Request.Header.Set("Last-Event-ID", tt.header)
		}
		got, err := resumeFrom(c)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("resumeFrom(%q, %q) = %d, %v; want %d", tt.query, tt.header, got, err, tt.want)
		}
	}
}

func TestLimiterPool(t *testing.T) {
	p := newLimiterPool(0.001, 2)
	if !p.Allow("a") || !p.Allow("a") {
		t.Fatal("burst should allow two requests")
	}
	if p.Allow("a") {
		t.Error("third request should be limited")
	}
	if !p.Allow("b") {
		t.Error("other keys have their own bucket")
	}
}
