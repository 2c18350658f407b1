// Package upload implements the upload engine from spec.md §4.4: the
// peer-side handler that answers GET_CHUNK and the Uploader worker that
// streams the requested bytes back, the symmetric counterpart of the
// download package. Grounded on
// _examples/original_source/application/Core/UploadManager/priv/Uploader.h
// for the contract (chunk/offset/socket/rate-calculator fields, a
// liveness timer) and peer.go's upload-side stats plumbing for how
// transferred bytes feed back into per-peer/global rate reporting.
package upload

import (
	"context"
	"io"
	"sync/atomic"
	"time"

	"github.com/anacrolix/chansync"
	"github.com/anacrolix/log"

	"github.com/Zorvalt/dlan/chunk"
	"github.com/Zorvalt/dlan/hash"
	"github.com/Zorvalt/dlan/internal/config"
	"github.com/Zorvalt/dlan/ratecalc"
)

var nextUploaderID atomic.Uint64

// Uploader is the server-side streaming worker for one GET_CHUNK request,
// grounded directly on Uploader.h: an ID, the chunk being read, the
// current offset, and its own transfer rate calculator.
type Uploader struct {
	ID     uint64
	PeerID hash.Hash
	Chunk  chunk.Chunk

	offset atomic.Int64
	stream io.Writer
	cfg    config.Config
	logger log.Logger
	rate   *ratecalc.Calculator

	cancel       chansync.SetOnce
	lastActivity atomic.Int64 // unix nanos, for the upload_live_time watchdog
}

// NewUploader constructs an Uploader that will read c starting at offset
// and write to stream, which must already be in streaming mode (the
// caller transitioned the originating socket per spec.md §4.4 step 2
// before calling this).
func NewUploader(peerID hash.Hash, c chunk.Chunk, offset int64, stream io.Writer, cfg config.Config, logger log.Logger) *Uploader {
	u := &Uploader{
		ID:     nextUploaderID.Add(1),
		PeerID: peerID,
		Chunk:  c,
		stream: stream,
		cfg:    cfg,
		logger: logger,
		rate:   ratecalc.New("upload", peerID.String()),
	}
	u.offset.Store(offset)
	u.lastActivity.Store(time.Now().UnixNano())
	return u
}

// Offset returns the current read position into the chunk, for progress
// reporting (Uploader.h's getProgress).
func (u *Uploader) Offset() int64 { return u.offset.Load() }

// Cancel cooperatively stops Run at its next read/write boundary.
func (u *Uploader) Cancel() { u.cancel.Set() }

// Run reads the chunk via its DataReader starting at Offset() and writes
// fixed-size buffers to stream until the chunk is exhausted, an error
// occurs, upload_live_time elapses without progress, or Cancel is called.
// Mirrors Uploader::run(): a single pass, no peer switching (unlike
// ChunkDownload, an Uploader never re-selects a destination).
func (u *Uploader) Run(ctx context.Context) error {
	reader, err := u.Chunk.OpenReader()
	if err != nil {
		return err
	}
	defer reader.Close()

	buf := make([]byte, u.cfg.BufferSizeWriting)
	watchdog := time.NewTimer(u.cfg.UploadLiveTime)
	defer watchdog.Stop()

	done := make(chan error, 1)
	go func() {
		done <- u.copyLoop(reader, buf)
	}()

	for {
		select {
		case err := <-done:
			return err
		case <-ctx.Done():
			u.Cancel()
			return ctx.Err()
		case <-watchdog.C:
			if u.idleFor() >= u.cfg.UploadLiveTime {
				u.Cancel()
				return context.DeadlineExceeded
			}
			watchdog.Reset(u.cfg.UploadLiveTime)
		}
	}
}

func (u *Uploader) idleFor() time.Duration {
	last := time.Unix(0, u.lastActivity.Load())
	return time.Since(last)
}

// copyLoop performs the actual read-from-chunk/write-to-socket pumping;
// it runs on its own goroutine so Run's select can enforce the liveness
// timeout and cooperative cancellation without blocking on I/O.
func (u *Uploader) copyLoop(reader chunk.DataReader, buf []byte) error {
	offset := u.offset.Load()
	for {
		if u.cancel.IsSet() {
			return nil
		}
		n, err := reader.ReadAt(buf, offset)
		if n > 0 {
			if _, werr := u.stream.Write(buf[:n]); werr != nil {
				return werr
			}
			offset += int64(n)
			u.offset.Store(offset)
			u.lastActivity.Store(time.Now().UnixNano())
			u.rate.Add(time.Now(), int64(n))
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}
