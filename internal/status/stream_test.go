package status

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/tailall/tailall/internal/sink"
)

func TestBroadcaster_RegisterUnregister(t *testing.T) {
	t.Parallel()
	bc := NewBroadcaster(quietLogger(), 4)

	c1 := bc.register("c1")
	bc.register("c2")
	if got := bc.ClientCount(); got != 2 {
		t.Fatalf("expected 2 clients, got %d", got)
	}

	bc.unregister("c1")
	bc.unregister("c1")
	if got := bc.ClientCount(); got != 1 {
		t.Fatalf("expected 1 client after unregister, got %d", got)
	}
	select {
	case <-c1.done:
	default:
		t.Error("done should be closed after unregister")
	}
}

func TestBroadcaster_FansOutFrames(t *testing.T) {
	t.Parallel()
	bc := NewBroadcaster(quietLogger(), 4)
	a, b := bc.register("a"), bc.register("b")

	data := []byte("hello\n")
	_ = bc.Banner("/var/log/app.log")
	_ = bc.Write(sink.Chunk{Path: "/var/log/app.log", Offset: 12, Data: data, Time: time.Unix(0, 0), Session: "s1"})
	data[0] = 'X'

	for _, c := range []*client{a, b} {
		var banner, chunk Frame
		if err := json.Unmarshal(<-c.send, &banner); err != nil {
			t.Fatalf("decode banner: %v", err)
		}
		if err := json.Unmarshal(<-c.send, &chunk); err != nil {
			t.Fatalf("decode chunk: %v", err)
		}
		if banner.Type != "banner" || banner.Path != "/var/log/app.log" {
			t.Errorf("banner = %+v", banner)
		}
		if chunk.Type != "chunk" || chunk.Offset != 12 || chunk.Data != "hello\n" || chunk.Session != "s1" {
			t.Errorf("chunk = %+v", chunk)
		}
	}
}

func TestBroadcaster_DropsWhenQueueFull(t *testing.T) {
	t.Parallel()
	bc := NewBroadcaster(quietLogger(), 1)
	c := bc.register("slow")

	for i := 0; i < 3; i++ {
		if err := bc.Banner("/x"); err != nil {
			t.Fatalf("Banner: %v", err)
		}
	}
	if got := c.dropped.Load(); got != 2 {
		t.Errorf("dropped = %d, want 2", got)
	}
	if len(c.send) != 1 {
		t.Errorf("queued = %d, want 1", len(c.send))
	}
}

func TestBroadcaster_Close(t *testing.T) {
	t.Parallel()
	bc := NewBroadcaster(quietLogger(), 4)
	c := bc.register("c")

	if err := bc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	_ = bc.Close()

	select {
	case <-c.done:
	default:
		t.Error("client should be done after Close")
	}
	if bc.ClientCount() != 0 {
		t.Errorf("ClientCount = %d after Close", bc.ClientCount())
	}
	_ = bc.Banner("/ignored")
	if len(c.send) != 0 {
		t.Error("frames published after Close")
	}

	late := bc.register("late")
	select {
	case <-late.done:
	default:
		t.Error("register after Close should return a done client")
	}
}

func TestStreamHandler_RejectsPlainRequest(t *testing.T) {
	t.Parallel()
	h := NewStreamHandler(NewBroadcaster(quietLogger(), 4), quietLogger(), time.Second)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/stream", nil))
	if rec.Code != http.StatusUpgradeRequired {
		t.Errorf("expected 426, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/stream", nil)
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Connection", "Upgrade")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing key: expected 400, got %d", rec.Code)
	}
}

func TestRouter_StreamNotMountedWithoutBroadcaster(t *testing.T) {
	h := NewRouter(NewServer(newFakeSource(), nil), nil, quietLogger())
	if rec := get(t, h, "/api/v1/stream", ""); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestRouter_StreamRequiresJWT(t *testing.T) {
	_, pub := generateTestKey(t)
	bc := NewBroadcaster(quietLogger(), 4)
	h := NewRouter(NewServer(newFakeSource(), bc), pub, quietLogger())
	if rec := get(t, h, "/api/v1/stream", ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
}

func TestRouter_StreamDeliversChunks(t *testing.T) {
	bc := NewBroadcaster(quietLogger(), 16)
	srv := httptest.NewServer(NewRouter(NewServer(newFakeSource(), bc), nil, quietLogger()))
	defer srv.Close()

	conn, err := net.Dial("tcp", strings.TrimPrefix(srv.URL, "http://"))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

	const key = "dGhlIHNhbXBsZSBub25jZQ=="
	req := "GET /api/v1/stream HTTP/1.1\r\n" +
		"Host: " + strings.TrimPrefix(srv.URL, "http://") + "\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Key: " + key + "\r\n" +
		"Sec-WebSocket-Version: 13\r\n\r\n"
	if _, err := conn.Write([]byte(req)); err != nil {
		t.Fatalf("write handshake: %v", err)
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, nil)
	if err != nil {
		t.Fatalf("read handshake: %v", err)
	}
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("expected 101, got %d", resp.StatusCode)
	}
	// RFC 6455 section 1.3 sample.
	if got := resp.Header.Get("Sec-WebSocket-Accept"); got != "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=" {
		t.Errorf("Sec-WebSocket-Accept = %q", got)
	}

	deadline := time.Now().Add(2 * time.Second)
	for bc.ClientCount() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	_ = bc.Write(sink.Chunk{Path: "/var/log/syslog", Offset: 3, Data: []byte("boot\n"), Session: "s"})

	var f Frame
	if err := json.Unmarshal(readTextFrame(t, br), &f); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	if f.Type != "chunk" || f.Path != "/var/log/syslog" || f.Data != "boot\n" {
		t.Errorf("frame = %+v", f)
	}

	// Masked, empty close frame.
	if _, err := conn.Write([]byte{0x88, 0x80, 0, 0, 0, 0}); err != nil {
		t.Fatalf("write close: %v", err)
	}
	deadline = time.Now().Add(2 * time.Second)
	for bc.ClientCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("client not unregistered after close frame")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func readTextFrame(t *testing.T, r *bufio.Reader) []byte {
	t.Helper()
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		t.Fatalf("read frame header: %v", err)
	}
	if hdr[0] != 0x81 {
		t.Fatalf("first byte = %#x, want FIN text frame", hdr[0])
	}
	n := int(hdr[1] & 0x7F)
	if n == 126 {
		var ext [2]byte
		if _, err := io.ReadFull(r, ext[:]); err != nil {
			t.Fatalf("read length: %v", err)
		}
		n = int(binary.BigEndian.Uint16(ext[:]))
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		t.Fatalf("read payload: %v", err)
	}
	return payload
}

func TestDiscardFrames_StopsOnOversizedFrame(t *testing.T) {
	var buf strings.Builder
	buf.Write([]byte{0x82, 127})
	var ext [8]byte
	binary.BigEndian.PutUint64(ext[:], maxFrameSize+1)
	buf.Write(ext[:])

	done := make(chan struct{})
	go func() {
		discardFrames(bufio.NewReader(strings.NewReader(buf.String())))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("discardFrames did not return")
	}
}
