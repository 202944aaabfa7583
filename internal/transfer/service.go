// CRC: crc-FileTransferService.md
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"go.uber.org/zap"

	"github.com/zot/p2p-share/internal/directory"
	"github.com/zot/p2p-share/internal/logging"
	"github.com/zot/p2p-share/internal/metrics"
)

// ProtocolSuffix is appended to the node's protocol prefix.
const ProtocolSuffix = "/file/1.0.0"

// Directory is what the service needs from the content directory: the
// files this node serves and a way to find other providers.
type Directory interface {
	Lookup(key string) (directory.FileDescriptor, bool)
	FindProviders(ctx context.Context, key string) (<-chan peer.AddrInfo, error)
}

// Options bound a fetch.
type Options struct {
	// Timeout bounds a whole fetch; zero leaves it to the caller's context.
	Timeout time.Duration
	// AttemptTimeout bounds connecting to a provider and exchanging the
	// request and header. It does not limit the body.
	AttemptTimeout time.Duration
	// IdleTimeout is the longest the body may stall on either side.
	// Zero means AttemptTimeout.
	IdleTimeout time.Duration
	// MaxProviders caps how many providers are tried; zero means all.
	MaxProviders int
	// MaxFileSize rejects larger headers before any bytes are read.
	MaxFileSize int64
}

// Service serves registered files and fetches others' files.
// CRC: crc-FileTransferService.md
type Service struct {
	host    host.Host
	dir     Directory
	proto   protocol.ID
	opts    Options
	log     *zap.SugaredLogger
	metrics *metrics.Metrics
}

// New registers the transfer protocol on h. prefix is the node's protocol
// prefix, e.g. "/p2p-share".
func New(h host.Host, dir Directory, prefix string, opts Options, m *metrics.Metrics, log *zap.SugaredLogger) *Service {
	s := &Service{
		host:    h,
		dir:     dir,
		proto:   protocol.ID(prefix + ProtocolSuffix),
		opts:    opts,
		log:     logging.OrNop(log).Named("transfer"),
		metrics: m,
	}
	h.SetStreamHandler(s.proto, s.handleStream)
	return s
}

// Protocol returns the stream protocol ID.
func (s *Service) Protocol() protocol.ID {
	return s.proto
}

// Close unregisters the stream handler. In-flight streams drain on their own.
func (s *Service) Close() {
	s.host.RemoveStreamHandler(s.proto)
}

func (s *Service) idleTimeout() time.Duration {
	if s.opts.IdleTimeout > 0 {
		return s.opts.IdleTimeout
	}
	return s.opts.AttemptTimeout
}

// handleStream answers one request per stream.
// Sequence: seq-serve-file.md
func (s *Service) handleStream(stream network.Stream) {
	defer stream.Close()
	remote := stream.Conn().RemotePeer()
	if s.opts.AttemptTimeout > 0 {
		_ = stream.SetDeadline(time.Now().Add(s.opts.AttemptTimeout))
	}

	status, err := s.serve(stream)
	s.metrics.Served(status)
	if err != nil {
		s.log.Infow("transfer request failed", "peer", remote, "status", status, "error", err)
		_ = stream.Reset()
		return
	}
	s.log.Debugw("transfer request answered", "peer", remote, "status", status)
}

func (s *Service) serve(stream network.Stream) (string, error) {
	var req request
	if err := readJSON(stream, &req); err != nil {
		_ = writeJSON(stream, header{Status: StatusError, Error: "malformed request"})
		return StatusError, fmt.Errorf("failed to read request: %w", err)
	}

	fd, ok := s.dir.Lookup(req.Key)
	if !ok {
		return StatusNotFound, writeJSON(stream, header{Status: StatusNotFound})
	}

	f, err := os.Open(fd.Path)
	if err != nil {
		_ = writeJSON(stream, header{Status: StatusError, Error: "file unavailable"})
		return StatusError, fmt.Errorf("failed to open %s: %w", fd.Path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || info.Size() != fd.Size {
		_ = writeJSON(stream, header{Status: StatusError, Error: "file changed on disk"})
		if err == nil {
			err = fmt.Errorf("%s is %d bytes, registered as %d", fd.Path, info.Size(), fd.Size)
		}
		return StatusError, err
	}

	err = writeJSON(stream, header{
		Status:    StatusOK,
		Size:      fd.Size,
		Name:      fd.Name,
		MediaType: fd.MediaType,
	})
	if err != nil {
		return StatusOK, fmt.Errorf("failed to write header: %w", err)
	}
	body := &idleStream{stream: stream, idle: s.idleTimeout()}
	n, err := io.CopyN(body, f, fd.Size)
	if err != nil {
		if errors.Is(err, io.EOF) {
			err = fmt.Errorf("file shrank after %d bytes", n)
		}
		return StatusOK, fmt.Errorf("failed to send %s: %w", fd.Key, err)
	}
	return StatusOK, nil
}
