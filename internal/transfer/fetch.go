package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"go.uber.org/multierr"

	"github.com/zot/p2p-share/internal/directory"
	"github.com/zot/p2p-share/internal/errkind"
)

// Fetch retrieves the content behind want.Key into memory. want.Size, when
// non-zero, must match what the provider declares.
// CRC: crc-FileTransferService.md
// Sequence: seq-get-file.md
func (s *Service) Fetch(ctx context.Context, want directory.FileDescriptor) (directory.FileDescriptor, []byte, error) {
	var mem *memorySink
	fd, err := s.fetch(ctx, want, func() (sink, error) {
		mem = &memorySink{}
		return mem, nil
	})
	if err != nil {
		return directory.FileDescriptor{}, nil, err
	}
	return fd, mem.buf.Bytes(), nil
}

// FetchToDir retrieves the content behind want.Key into dir and returns the
// descriptor with Path set to the written file.
func (s *Service) FetchToDir(ctx context.Context, want directory.FileDescriptor, dir string) (directory.FileDescriptor, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return directory.FileDescriptor{}, fmt.Errorf("failed to create %s: %w", dir, err)
	}
	var file *fileSink
	fd, err := s.fetch(ctx, want, func() (sink, error) {
		var err error
		file, err = newFileSink(dir)
		return file, err
	})
	if err != nil {
		return directory.FileDescriptor{}, err
	}
	fd.Path = file.path
	return fd, nil
}

// fetch tries providers in directory order until one delivers valid bytes.
func (s *Service) fetch(ctx context.Context, want directory.FileDescriptor, newSink func() (sink, error)) (directory.FileDescriptor, error) {
	key, err := directory.ParseKey(want.Key)
	if err != nil {
		return directory.FileDescriptor{}, err
	}
	want.Key = key.String()

	var cancel context.CancelFunc
	if s.opts.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, s.opts.Timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	providers, err := s.dir.FindProviders(ctx, want.Key)
	if err != nil {
		s.metrics.Fetch(err)
		return directory.FileDescriptor{}, err
	}

	var errs error
	attempts := 0
	for info := range providers {
		if s.opts.MaxProviders > 0 && attempts >= s.opts.MaxProviders {
			s.log.Debugw("provider budget spent", "key", want.Key, "attempts", attempts)
			break
		}
		attempts++

		out, err := newSink()
		if err != nil {
			return directory.FileDescriptor{}, err
		}
		fd, err := s.attempt(ctx, info, want, out)
		if err == nil {
			err = out.commit(fd.Name)
		}
		if err == nil {
			s.metrics.FetchAttempt(StatusOK)
			s.metrics.Fetch(nil)
			s.log.Infow("fetched", "key", want.Key, "provider", info.ID, "size", fd.Size, "attempts", attempts)
			return fd, nil
		}
		out.abort()
		s.metrics.FetchAttempt(attemptOutcome(err))
		s.log.Infow("provider attempt failed", "key", want.Key, "provider", info.ID, "error", err)
		errs = multierr.Append(errs, fmt.Errorf("provider %s: %w", info.ID, err))
		if expired(ctx) || ctx.Err() != nil {
			break
		}
	}

	if expired(ctx) {
		err = errkind.New(errkind.Timeout, "fetch", fmt.Errorf("no valid copy of %s within the deadline: %w", want.Key, multierr.Append(context.DeadlineExceeded, errs)))
	} else if ctx.Err() != nil {
		err = fmt.Errorf("fetch %s: %w", want.Key, ctx.Err())
	} else if errs == nil {
		err = errkind.Errorf(errkind.NotFound, "fetch", "no providers for %s", want.Key)
	} else {
		err = errkind.New(errkind.NotFound, "fetch", fmt.Errorf("all %d providers failed for %s: %w", attempts, want.Key, errs))
	}
	s.metrics.Fetch(err)
	return directory.FileDescriptor{}, err
}

// attempt fetches from one provider into out and validates size and hash.
func (s *Service) attempt(ctx context.Context, info peer.AddrInfo, want directory.FileDescriptor, out sink) (directory.FileDescriptor, error) {
	var (
		fd   directory.FileDescriptor
		body io.Reader
	)
	if info.ID == s.host.ID() {
		local, ok := s.dir.Lookup(want.Key)
		if !ok {
			return fd, errkind.Errorf(errkind.NotFound, "fetch", "no longer providing %s", want.Key)
		}
		f, err := os.Open(local.Path)
		if err != nil {
			return fd, errkind.New(errkind.NotFound, "fetch", err)
		}
		defer f.Close()
		fd, body = local, f
	} else {
		stream, h, err := s.request(ctx, info, want.Key)
		if err != nil {
			return fd, err
		}
		defer stream.Close()
		stop := context.AfterFunc(ctx, func() { _ = stream.Reset() })
		defer stop()
		fd = directory.FileDescriptor{Key: want.Key, Name: h.Name, Size: h.Size, MediaType: h.MediaType}
		end, _ := ctx.Deadline()
		body = &idleStream{stream: stream, idle: s.idleTimeout(), end: end}
	}
	fd.Path = ""

	if fd.Size < 0 || (s.opts.MaxFileSize > 0 && fd.Size > s.opts.MaxFileSize) {
		return fd, errkind.Errorf(errkind.Validation, "fetch", "declared size %d out of range", fd.Size)
	}
	if want.Size > 0 && fd.Size != want.Size {
		return fd, errkind.Errorf(errkind.Validation, "fetch", "declared size %d, expected %d", fd.Size, want.Size)
	}
	if fd.Name == "" {
		fd.Name = want.Name
	}

	key, _ := directory.ParseKey(want.Key)
	verifier, err := directory.NewVerifier(key)
	if err != nil {
		return fd, err
	}
	n, err := io.Copy(io.MultiWriter(out, verifier), io.LimitReader(body, fd.Size))
	if err != nil {
		return fd, classify(ctx, fmt.Errorf("failed after %d bytes: %w", n, err))
	}
	if n != fd.Size {
		return fd, errkind.Errorf(errkind.Validation, "fetch", "received %d bytes, expected %d", n, fd.Size)
	}
	if err := verifier.Check(); err != nil {
		return fd, err
	}
	return fd, nil
}

// request opens a stream to info and reads the response header, all
// within the attempt timeout.
func (s *Service) request(ctx context.Context, info peer.AddrInfo, key string) (network.Stream, header, error) {
	if s.opts.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.AttemptTimeout)
		defer cancel()
	}
	if len(info.Addrs) > 0 {
		s.host.Peerstore().AddAddrs(info.ID, info.Addrs, peerstore.TempAddrTTL)
	}
	if err := s.host.Connect(ctx, peer.AddrInfo{ID: info.ID}); err != nil {
		return nil, header{}, classify(ctx, fmt.Errorf("failed to connect: %w", err))
	}
	stream, err := s.host.NewStream(ctx, info.ID, s.proto)
	if err != nil {
		return nil, header{}, classify(ctx, fmt.Errorf("failed to open stream: %w", err))
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = stream.SetDeadline(deadline)
	}

	if err := writeJSON(stream, request{Key: key}); err != nil {
		stream.Reset()
		return nil, header{}, classify(ctx, fmt.Errorf("failed to send request: %w", err))
	}
	_ = stream.CloseWrite()

	var h header
	if err := readJSON(stream, &h); err != nil {
		stream.Reset()
		return nil, header{}, classify(ctx, fmt.Errorf("failed to read header: %w", err))
	}
	switch h.Status {
	case StatusOK:
		return stream, h, nil
	case StatusNotFound:
		stream.Close()
		return nil, header{}, errkind.Errorf(errkind.NotFound, "fetch", "provider does not have %s", key)
	default:
		stream.Close()
		return nil, header{}, errkind.Errorf(errkind.Transport, "fetch", "provider error: %s", h.Error)
	}
}

// expired reports whether ctx's deadline has passed. Stream deadlines are
// set to the same instant and can fire before ctx.Err is populated.
func expired(ctx context.Context) bool {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	deadline, ok := ctx.Deadline()
	return ok && !time.Now().Before(deadline)
}

func classify(ctx context.Context, err error) error {
	if expired(ctx) {
		return errkind.New(errkind.Timeout, "fetch", err)
	}
	return errkind.New(errkind.Transport, "fetch", err)
}

// attemptOutcome is the metrics label for a failed attempt.
func attemptOutcome(err error) string {
	switch errkind.KindOf(err) {
	case errkind.NotFound:
		return StatusNotFound
	case errkind.Validation:
		return "invalid"
	case errkind.Timeout:
		return "timeout"
	default:
		return StatusError
	}
}
