package resultserver

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/cert-ee/cuckoo3/pkg/errs"
	"github.com/cert-ee/cuckoo3/pkg/log"
	"github.com/cert-ee/cuckoo3/pkg/metrics"
)

// TaskDirFunc resolves the on-disk directory for a task's artifacts,
// e.g. storage/analyses/<date>/<analysis_id>/<task_id>/.
type TaskDirFunc func(taskID string) (string, error)

// DoneFunc is invoked once per connection when a done frame arrives or
// the peer closes cleanly, so the task-runner can stop waiting.
type DoneFunc func(taskID string)

// Validator checks that a connecting peer is allowed to submit results
// for taskID: the task must be one this server actually expects results
// for, and the peer's source IP must match the machine that task was
// assigned to. A non-nil error rejects the connection before any
// directory is created or frame is read.
type Validator func(taskID, remoteIP string) error

// Server is the result-server TCP acceptor.
type Server struct {
	listenAddr    string
	maxFrameBytes uint32
	taskDir       TaskDirFunc
	validate      Validator
	onDone        DoneFunc

	listener net.Listener
}

// New returns a Server bound to listenAddr (host:port). validate may be
// nil, in which case every connecting peer is accepted sight unseen —
// tests use this, production wiring never should.
func New(listenAddr string, maxFrameBytes uint32, taskDir TaskDirFunc, validate Validator, onDone DoneFunc) *Server {
	if maxFrameBytes == 0 {
		maxFrameBytes = MaxFrameBytes
	}
	return &Server{listenAddr: listenAddr, maxFrameBytes: maxFrameBytes, taskDir: taskDir, validate: validate, onDone: onDone}
}

// Serve accepts connections until ctx is cancelled. One goroutine per
// accepted connection.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return fmt.Errorf("listen on result server %s: %w", s.listenAddr, err)
	}
	s.listener = ln

	logger := log.WithComponent("resultserver")
	logger.Info().Str("addr", s.listenAddr).Msg("result server listening")

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				logger.Warn().Err(err).Msg("accept failed")
				continue
			}
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	logger := log.WithComponent("resultserver")
	metrics.ResultServerConnectionsTotal.Inc()

	r := bufio.NewReaderSize(conn, 64*1024)

	taskID, err := readHeader(r)
	if err != nil {
		logger.Warn().Err(err).Msg("bad result connection header")
		return
	}

	if s.validate != nil {
		remoteIP := hostOf(conn.RemoteAddr())
		if err := s.validate(taskID, remoteIP); err != nil {
			logger.Warn().Err(err).Str("task_id", taskID).Str("remote_ip", remoteIP).Msg("result connection rejected")
			return
		}
	}

	dir, err := s.taskDir(taskID)
	if err != nil {
		logger.Warn().Err(err).Str("task_id", taskID).Msg("unresolvable task directory")
		return
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		logger.Warn().Err(err).Str("task_id", taskID).Msg("create task directory")
		return
	}

	sinks := newSinkSet(dir)
	defer sinks.closeAll()

	for {
		kind, payload, err := readFrame(r, s.maxFrameBytes)
		if err != nil {
			if err == io.EOF {
				s.signalDone(taskID)
				return
			}
			if errs.Is(err, errs.KindResultServerPeerError) {
				metrics.ResultServerRejectedFrames.Inc()
			}
			logger.Warn().Err(err).Str("task_id", taskID).Msg("result frame read failed, closing connection")
			return
		}

		if kind == FrameDone {
			s.signalDone(taskID)
			return
		}

		if err := sinks.write(kind, payload); err != nil {
			logger.Warn().Err(err).Str("task_id", taskID).Str("kind", kind.String()).Msg("write result frame failed")
			return
		}
		metrics.ResultServerFramesTotal.WithLabelValues(kind.String()).Inc()
		metrics.ResultServerBytesAccepted.WithLabelValues(kind.String()).Add(float64(len(payload)))
	}
}

func (s *Server) signalDone(taskID string) {
	if s.onDone != nil {
		s.onDone(taskID)
	}
}

// hostOf extracts the bare IP from a net.Addr, stripping the port. An
// address it can't parse is returned verbatim so validation still has
// something to compare and log, rather than being silently skipped.
func hostOf(addr net.Addr) string {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

// readHeader reads <magic:4><task_id_len:2><task_id>.
func readHeader(r *bufio.Reader) (taskID string, err error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return "", fmt.Errorf("read magic: %w", err)
	}
	magic := binary.BigEndian.Uint32(hdr[:])
	if magic != Magic {
		return "", fmt.Errorf("bad magic %#x", magic)
	}

	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return "", fmt.Errorf("read task id length: %w", err)
	}
	idLen := binary.BigEndian.Uint16(lenBuf[:])

	idBuf := make([]byte, idLen)
	if _, err := io.ReadFull(r, idBuf); err != nil {
		return "", fmt.Errorf("read task id: %w", err)
	}
	return string(idBuf), nil
}

// readFrame reads <kind:1><length:4><payload>, rejecting frames over
// maxFrameBytes without reading the payload (so an oversized frame
// closes the connection without a partial write).
func readFrame(r *bufio.Reader, maxFrameBytes uint32) (FrameKind, []byte, error) {
	kindByte, err := r.ReadByte()
	if err != nil {
		return 0, nil, err
	}
	kind := FrameKind(kindByte)

	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return 0, nil, fmt.Errorf("read frame length: %w", err)
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length > maxFrameBytes {
		return 0, nil, errs.New(errs.KindResultServerPeerError, fmt.Errorf("frame length %d exceeds max %d", length, maxFrameBytes))
	}

	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return 0, nil, fmt.Errorf("read frame payload: %w", err)
		}
	}
	return kind, payload, nil
}
