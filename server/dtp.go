package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gonzalop/ftpd/internal/jail"
	"github.com/gonzalop/ftpd/internal/ratelimit"
	"github.com/gonzalop/ftpd/internal/reactor"
)

var (
	// errTransferBusy is returned when a handle already runs a transfer.
	errTransferBusy = errors.New("data connection busy")

	// errDataClosed is returned by operations on a closed handle.
	errDataClosed = errors.New("data connection closed")

	// errLocalIO marks failures reading or writing the local file.
	errLocalIO = errors.New("local file error")

	// errShortWrite is returned when the peer accepts no bytes.
	errShortWrite = errors.New("data connection accepted no data")
)

// transport moves bytes over one data connection. activeTransport dials
// out to the client, passiveTransport accepts the client's connection.
type transport interface {
	// connect establishes the peer connection if there is none yet.
	connect(ctx context.Context) error
	connected() bool
	// usable reports whether connect can still succeed.
	usable() bool
	sendChunk(b []byte) (int, error)
	recvChunk(b []byte) (int, error)
	// close drops the peer connection and any listener.
	close() error
	String() string
}

// transfer is one unit of work for a handle's worker.
type transfer struct {
	cmd     string // Command that started it, for logs and metrics
	path    string // Virtual path, empty for listings
	opening string // Text of the 150 reply

	send  bool
	ascii bool
	src   io.Reader // Data to send
	file  *os.File  // Local file, closed when the transfer ends
	total int64     // Expected size for progress, 0 if unknown
}

// dataHandle runs transfers over a transport, one at a time.
type dataHandle struct {
	session   *session
	logger    *slog.Logger
	t         transport
	chunkSize int
	limiter   *ratelimit.Limiter

	mu       sync.Mutex
	busy     bool
	closed   bool
	worker   *reactor.Worker
	current  *transfer
	progress int64
}

func newDataHandle(s *session, t transport) *dataHandle {
	cfg := s.server.cfg.DataConnections
	return &dataHandle{
		session:   s,
		logger:    s.server.dtpLogger.With("session_id", s.sessionID),
		t:         t,
		chunkSize: cfg.ChunkSize,
		limiter:   ratelimit.New(cfg.BandwidthLimit),
	}
}

// Connected reports whether a peer is established.
func (h *dataHandle) Connected() bool {
	return h.t.connected()
}

// Busy reports whether a transfer is running.
func (h *dataHandle) Busy() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.busy
}

// Close cancels a running worker, closes the transport and waits for the
// worker to return. A pending connect gives up at once.
func (h *dataHandle) Close() error {
	h.mu.Lock()
	h.closed = true
	w := h.worker
	h.mu.Unlock()

	if w != nil {
		w.Cancel()
	}
	err := h.t.close()
	if w != nil {
		w.Wait()
	}
	return err
}

// Abort stops a running transfer and discards the handle.
func (h *dataHandle) Abort() {
	_ = h.Close()
}

// Status describes the handle for STAT.
func (h *dataHandle) Status() string {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch {
	case h.busy && h.current != nil:
		name := h.current.path
		if name == "" {
			name = "listing"
		}
		done := humanize.Bytes(uint64(h.progress))
		if h.current.total > 0 {
			pct := h.progress * 100 / h.current.total
			return fmt.Sprintf("%s %s: %s of %s (%d%%)", h.current.cmd, name, done,
				humanize.Bytes(uint64(h.current.total)), pct)
		}
		return fmt.Sprintf("%s %s: %s", h.current.cmd, name, done)
	case h.closed, !h.t.usable():
		return "closed"
	case h.t.connected():
		return "connected " + h.t.String()
	default:
		return "idle " + h.t.String()
	}
}

// SendBytes sends data to the peer.
func (h *dataHandle) SendBytes(cmd string, data []byte, ascii bool, opening string) error {
	return h.start(&transfer{
		cmd:     cmd,
		opening: opening,
		send:    true,
		ascii:   ascii,
		src:     bytes.NewReader(data),
		total:   int64(len(data)),
	})
}

// SendText sends text to the peer with CRLF line endings.
func (h *dataHandle) SendText(cmd, text, opening string) error {
	return h.SendBytes(cmd, []byte(text), true, opening)
}

// SendFile opens vpath as the session's user and sends it from offset.
// Opening happens before the worker starts, so a missing or unreadable file
// is reported without touching the data connection.
func (h *dataHandle) SendFile(vpath string, offset int64, ascii bool) error {
	if err := h.available(); err != nil {
		return err
	}

	s := h.session
	req := s.request(jail.OpOpenRead, vpath)
	req.Offset = offset
	res, err := s.server.jail.Run(req)
	if err != nil {
		return err
	}
	if res.File == nil {
		return fmt.Errorf("open %s: no descriptor received", vpath)
	}

	size := res.Size
	if offset > 0 && offset <= size {
		size -= offset
	}
	return h.start(&transfer{
		cmd:     "RETR",
		path:    res.Path,
		opening: fmt.Sprintf("Opening %s mode data connection for %s (%d bytes).", modeName(ascii), path.Base(res.Path), size),
		send:    true,
		ascii:   ascii,
		src:     res.File,
		file:    res.File,
		total:   size,
	})
}

// RecvFile opens vpath for writing as the session's user, truncating it
// unless appending, and receives into it.
func (h *dataHandle) RecvFile(cmd, vpath string, appending, ascii bool) error {
	if err := h.available(); err != nil {
		return err
	}

	s := h.session
	req := s.request(jail.OpOpenWrite, vpath)
	req.Append = appending
	res, err := s.server.jail.Run(req)
	if err != nil {
		return err
	}
	if res.File == nil {
		return fmt.Errorf("open %s: no descriptor received", vpath)
	}

	opening := fmt.Sprintf("Opening %s mode data connection for %s.", modeName(ascii), path.Base(res.Path))
	return h.RecvInto(cmd, res.File, res.Path, ascii, opening)
}

// RecvInto receives into an already opened file. The handle takes
// ownership of f.
func (h *dataHandle) RecvInto(cmd string, f *os.File, vpath string, ascii bool, opening string) error {
	return h.start(&transfer{
		cmd:     cmd,
		path:    vpath,
		opening: opening,
		ascii:   ascii,
		file:    f,
	})
}

func modeName(ascii bool) string {
	if ascii {
		return "ASCII"
	}
	return "BINARY"
}

// available reports why a new transfer cannot start, if it cannot.
func (h *dataHandle) available() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch {
	case h.closed:
		return errDataClosed
	case h.busy:
		return errTransferBusy
	case !h.t.usable():
		return errDataClosed
	}
	return nil
}

// start hands tr to a new worker.
func (h *dataHandle) start(tr *transfer) error {
	h.mu.Lock()
	switch {
	case h.closed:
		h.mu.Unlock()
		tr.closeFile()
		return errDataClosed
	case h.busy:
		h.mu.Unlock()
		tr.closeFile()
		return errTransferBusy
	case !h.t.usable():
		h.mu.Unlock()
		tr.closeFile()
		return errDataClosed
	}
	h.busy = true
	h.current = tr
	h.progress = 0
	h.mu.Unlock()

	w, err := h.session.server.reactor.Spawn(context.Background(), func(ctx context.Context) {
		h.run(ctx, tr)
	})
	if err != nil {
		h.mu.Lock()
		h.busy = false
		h.current = nil
		h.mu.Unlock()
		tr.closeFile()
		return err
	}

	h.mu.Lock()
	if h.busy {
		h.worker = w
	}
	h.mu.Unlock()
	return nil
}

// run is the worker body: establish the peer, stream, reply.
func (h *dataHandle) run(ctx context.Context, tr *transfer) {
	s := h.session
	defer func() {
		tr.closeFile()
		h.mu.Lock()
		h.busy = false
		h.worker = nil
		h.current = nil
		h.mu.Unlock()
	}()

	if err := h.t.connect(ctx); err != nil {
		h.logger.Info("data_connection_failed",
			"transport", h.t.String(),
			"operation", tr.cmd,
			"error", err,
		)
		s.reply(425, "Can't open data connection.")
		return
	}
	s.reply(150, tr.opening)

	start := time.Now()
	var n int64
	var err error
	if tr.send {
		n, err = h.sendLoop(ctx, tr)
	} else {
		n, err = h.recvLoop(ctx, tr)
	}
	_ = h.t.close()
	if err == nil && tr.file != nil && !tr.send {
		if cerr := tr.file.Close(); cerr != nil {
			err = fmt.Errorf("%w: %v", errLocalIO, cerr)
		}
		tr.file = nil
	}
	duration := time.Since(start)

	switch {
	case err == nil:
		h.logTransfer(tr, n, duration)
		if m := s.server.metrics; m != nil {
			m.RecordTransfer(tr.cmd, n, duration)
		}
		s.reply(226, "Transfer complete.")
	case errors.Is(err, errLocalIO):
		attrs := []any{
			"operation", tr.cmd,
			"path", s.redactPath(tr.path),
			"bytes", n,
		}
		if s.server.pathRedactor == nil {
			attrs = append(attrs, "error", err)
		}
		h.logger.Warn("transfer_failed", attrs...)
		s.reply(551, "Requested action aborted. Local file error.")
	default:
		h.logger.Info("transfer_aborted",
			"operation", tr.cmd,
			"path", s.redactPath(tr.path),
			"bytes", n,
			"error", err,
		)
		s.reply(426, "Data connection was broken.")
	}
}

func (h *dataHandle) sendLoop(ctx context.Context, tr *transfer) (int64, error) {
	buf := make([]byte, h.chunkSize)
	var enc asciiEncoder
	var out []byte
	var sent int64

	for {
		if err := ctx.Err(); err != nil {
			return sent, err
		}

		n, rerr := tr.src.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if tr.ascii {
				out = enc.encode(out[:0], chunk)
				chunk = out
			}
			if err := h.limiter.WaitN(ctx, len(chunk)); err != nil {
				return sent, err
			}
			if err := h.sendAll(chunk); err != nil {
				return sent, err
			}
			sent += int64(n)
			h.setProgress(sent)
		}

		switch {
		case errors.Is(rerr, io.EOF):
			return sent, nil
		case rerr != nil:
			return sent, fmt.Errorf("%w: %v", errLocalIO, rerr)
		}
	}
}

// sendAll writes chunk completely. A write that makes no progress stops
// the transfer.
func (h *dataHandle) sendAll(chunk []byte) error {
	for len(chunk) > 0 {
		n, err := h.t.sendChunk(chunk)
		if err != nil {
			return err
		}
		if n <= 0 {
			return errShortWrite
		}
		chunk = chunk[n:]
	}
	return nil
}

func (h *dataHandle) recvLoop(ctx context.Context, tr *transfer) (int64, error) {
	buf := make([]byte, h.chunkSize)
	var dec asciiDecoder
	var out []byte
	var received int64

	for {
		if err := ctx.Err(); err != nil {
			return received, err
		}

		n, rerr := h.t.recvChunk(buf)
		if n > 0 {
			chunk := buf[:n]
			if tr.ascii {
				out = dec.decode(out[:0], chunk)
				chunk = out
			}
			if err := h.limiter.WaitN(ctx, n); err != nil {
				return received, err
			}
			if _, err := tr.file.Write(chunk); err != nil {
				return received, fmt.Errorf("%w: %v", errLocalIO, err)
			}
			received += int64(n)
			h.setProgress(received)
		}

		switch {
		case errors.Is(rerr, io.EOF):
			if tail := dec.flush(nil); len(tail) > 0 {
				if _, err := tr.file.Write(tail); err != nil {
					return received, fmt.Errorf("%w: %v", errLocalIO, err)
				}
			}
			return received, nil
		case rerr != nil:
			return received, rerr
		}
	}
}

func (h *dataHandle) setProgress(n int64) {
	h.mu.Lock()
	h.progress = n
	h.mu.Unlock()
	h.logger.Debug("transfer_progress", "bytes", n)
}

// logTransfer logs a completed transfer.
func (h *dataHandle) logTransfer(tr *transfer, bytes int64, duration time.Duration) {
	s := h.session
	throughput := 0.0
	if secs := duration.Seconds(); secs > 0 {
		throughput = float64(bytes) * 8 / secs / 1e6
	}
	h.logger.Info("transfer_complete",
		"remote_ip", s.redactIP(s.remoteIP),
		"operation", tr.cmd,
		"path", s.redactPath(tr.path),
		"bytes", bytes,
		"size", humanize.Bytes(uint64(bytes)),
		"duration_ms", duration.Milliseconds(),
		"throughput_mbps", fmt.Sprintf("%.2f", throughput),
	)
}

func (tr *transfer) closeFile() {
	if tr.file != nil {
		tr.file.Close()
		tr.file = nil
	}
}
