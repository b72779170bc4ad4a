package status

import (
	"bufio"
	"crypto/sha1" //nolint:gosec // RFC 6455 handshake, not a security primitive
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// maxFrameSize caps client-to-server frames. Stream clients only ever send
// control frames.
const maxFrameSize = 64 * 1024

// wsGUID is the RFC 6455 key suffix for Sec-WebSocket-Accept.
const wsGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// StreamHandler upgrades a request to a WebSocket and writes every frame the
// Broadcaster publishes as a text message until either side closes.
type StreamHandler struct {
	bc           *Broadcaster
	logger       *slog.Logger
	writeTimeout time.Duration
}

// NewStreamHandler returns a handler for bc. writeTimeout <= 0 means 10s.
func NewStreamHandler(bc *Broadcaster, logger *slog.Logger, writeTimeout time.Duration) *StreamHandler {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &StreamHandler{bc: bc, logger: logger, writeTimeout: writeTimeout}
}

// ServeHTTP performs the upgrade and runs the connection until either side
// closes or the broadcaster shuts down.
func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !isWebSocketUpgrade(r) {
		http.Error(w, "websocket upgrade required", http.StatusUpgradeRequired)
		return
	}
	key := r.Header.Get("Sec-WebSocket-Key")
	if key == "" {
		http.Error(w, "missing Sec-WebSocket-Key", http.StatusBadRequest)
		return
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "server does not support hijacking", http.StatusInternalServerError)
		return
	}
	conn, bufrw, err := hj.Hijack()
	if err != nil {
		h.logger.Error("stream: hijack failed", slog.Any("error", err))
		return
	}

	resp := "HTTP/1.1 101 Switching Protocols\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Accept: " + acceptKey(key) + "\r\n\r\n"
	_, err = bufrw.WriteString(resp)
	if err == nil {
		err = bufrw.Flush()
	}
	if err != nil {
		h.logger.Error("stream: handshake failed", slog.Any("error", err))
		conn.Close()
		return
	}

	id := uuid.NewString()
	c := h.bc.register(id)
	defer h.bc.unregister(id)

	h.logger.Info("stream: client connected",
		slog.String("client_id", id),
		slog.String("remote_addr", conn.RemoteAddr().String()),
	)

	var closed atomic.Bool
	closeConn := func() {
		if closed.CompareAndSwap(false, true) {
			conn.Close()
		}
	}
	defer closeConn()

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		discardFrames(bufrw.Reader)
		closeConn()
	}()

	for {
		select {
		case <-readerDone:
			h.logger.Info("stream: client disconnected", slog.String("client_id", id))
			return
		case <-c.done:
			return
		case msg := <-c.send:
			if err := conn.SetWriteDeadline(time.Now().Add(h.writeTimeout)); err != nil {
				return
			}
			if err := writeTextFrame(conn, msg); err != nil {
				h.logger.Warn("stream: write failed",
					slog.String("client_id", id), slog.Any("error", err))
				return
			}
		}
	}
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}

func acceptKey(key string) string {
	h := sha1.New() //nolint:gosec
	h.Write([]byte(key + wsGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// writeTextFrame writes payload as one unmasked FIN text frame.
func writeTextFrame(w io.Writer, payload []byte) error {
	n := len(payload)
	var header []byte
	switch {
	case n < 126:
		header = []byte{0x81, byte(n)}
	case n < 65536:
		header = []byte{0x81, 126, 0, 0}
		binary.BigEndian.PutUint16(header[2:], uint16(n))
	default:
		header = make([]byte, 10)
		header[0], header[1] = 0x81, 127
		binary.BigEndian.PutUint64(header[2:], uint64(n))
	}
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write payload: %w", err)
	}
	return nil
}

// discardFrames reads client frames until a close frame, an oversized frame
// or a read error.
func discardFrames(r *bufio.Reader) {
	var hdr [2]byte
	for {
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			return
		}
		opcode := hdr[0] & 0x0F
		masked := hdr[1]&0x80 != 0
		length := uint64(hdr[1] & 0x7F)

		switch length {
		case 126:
			var ext [2]byte
			if _, err := io.ReadFull(r, ext[:]); err != nil {
				return
			}
			length = uint64(binary.BigEndian.Uint16(ext[:]))
		case 127:
			var ext [8]byte
			if _, err := io.ReadFull(r, ext[:]); err != nil {
				return
			}
			length = binary.BigEndian.Uint64(ext[:])
		}
		if length > maxFrameSize {
			return
		}
		if masked {
			length += 4
		}
		if _, err := io.CopyN(io.Discard, r, int64(length)); err != nil {
			return
		}
		if opcode == 0x08 {
			return
		}
	}
}
