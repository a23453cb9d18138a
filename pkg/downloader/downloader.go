package downloader

import (
	"context"
	"io"
	"sync"

	"github.com/edgeworks/avc-agent/pkg/logging"
	"github.com/edgeworks/avc-agent/pkg/lwm2m"
	"github.com/edgeworks/avc-agent/pkg/store"
	"github.com/edgeworks/avc-agent/pkg/update"
	"github.com/edgeworks/avc-agent/pkg/verify"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// DefaultChunkSize is the read size used when none is configured.
const DefaultChunkSize = 4096

// Source opens package streams. The production binding rides the protocol
// engine's block transfer; tests feed canned streams.
type Source interface {
	// Open returns the package stream positioned at offset.
	Open(ctx context.Context, uri string, offset uint64) (Stream, error)
}

// Stream delivers package bytes and, once fully consumed, the detached
// package signature.
type Stream interface {
	io.ReadCloser
	// Signature is valid only after Read has returned io.EOF.
	Signature() []byte
}

// Sink receives download outcomes. Implemented by the update state machine.
type Sink interface {
	DownloadComplete(t lwm2m.PackageType)
	DownloadFailed(t lwm2m.PackageType, res update.Result)
}

// Engine streams one package at a time from a Source through the
// verification pipeline. After every chunk the byte offset, running CRC, and
// serialized digest context checkpoint to the store, so an unplanned restart
// resumes hashing where it stopped instead of starting over.
type Engine struct {
	log       logging.Logger
	store     *store.Store
	keys      *verify.KeyRing
	src       Source
	sink      Sink
	chunkSize int

	mu       sync.Mutex
	inflight lwm2m.PackageType
	cancel   context.CancelFunc
	done     chan struct{}
}

// Assert the engine as the machine's download binding.
var _ update.Downloader = (*Engine)(nil)

func New(log logging.Logger, st *store.Store, keys *verify.KeyRing, src Source, sink Sink, chunkSize int) (*Engine, error) {
	switch {
	case st == nil:
		return nil, errors.New("record store is nil")
	case keys == nil:
		return nil, errors.New("key ring is nil")
	case src == nil:
		return nil, errors.New("package source is nil")
	case sink == nil:
		return nil, errors.New("outcome sink is nil")
	}
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Engine{
		log:       log,
		store:     st,
		keys:      keys,
		src:       src,
		sink:      sink,
		chunkSize: chunkSize,
	}, nil
}

// Start launches a download worker. With resume set, the persisted
// descriptor supplies the offset and the digest context to continue from.
func (e *Engine) Start(uri string, t lwm2m.PackageType, resume bool) error {
	if uri == "" || !t.Known() {
		return errors.Wrap(lwm2m.ErrInvalidArg, "download request")
	}

	d := verify.NewDigest()
	var offset uint64
	var crc uint32
	if resume {
		desc, found, err := e.store.ReadResume()
		if err != nil || !found {
			return errors.Wrap(lwm2m.ErrGeneral, "no resume point")
		}
		offset, crc = desc.Offset, desc.CRC
		if len(desc.DigestState) > 0 {
			if err := d.Restore(desc.DigestState); err != nil {
				return errors.Wrap(lwm2m.ErrGeneral, "restoring digest context")
			}
		}
	}

	e.mu.Lock()
	if e.cancel != nil {
		e.mu.Unlock()
		return errors.Wrap(lwm2m.ErrBusy, "download already in flight")
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	e.inflight, e.cancel, e.done = t, cancel, done
	e.mu.Unlock()

	go e.run(ctx, done, uri, t, d, offset, crc)
	return nil
}

// Cancel aborts the in-flight download of the given class and waits for its
// worker to stop. Cancelling when nothing matches is a no-op.
func (e *Engine) Cancel(t lwm2m.PackageType) {
	e.mu.Lock()
	if e.cancel == nil || e.inflight != t {
		e.mu.Unlock()
		return
	}
	cancel, done := e.cancel, e.done
	e.mu.Unlock()

	cancel()
	<-done
}

func (e *Engine) run(ctx context.Context, done chan struct{}, uri string, t lwm2m.PackageType, d *verify.Digest, offset uint64, crc uint32) {
	defer close(done)
	defer e.clear()

	log := e.log.WithFields(logrus.Fields{
		"type": t.String(),
		"uri":  uri,
	})

	stream, err := e.src.Open(ctx, uri, offset)
	if err != nil {
		log.WithError(err).Error("could not open package stream")
		e.sink.DownloadFailed(t, update.ResultInvalidURI)
		return
	}
	defer stream.Close()

	buf := make([]byte, e.chunkSize)
	for {
		n, rerr := stream.Read(buf)
		if n > 0 {
			if err := d.Process(buf[:n]); err != nil {
				log.WithError(err).Error("digest rejected chunk")
				e.sink.DownloadFailed(t, update.ResultIntegrityFailure)
				return
			}
			crc = verify.CRC32(crc, buf[:n])
			offset += uint64(n)
			if err := e.checkpoint(uri, t, d, offset, crc); err != nil {
				log.WithError(err).Warn("could not checkpoint download progress")
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			if ctx.Err() != nil {
				log.Debug("download cancelled")
				return
			}
			log.WithError(rerr).Error("package stream failed")
			e.sink.DownloadFailed(t, update.ResultConnectionLost)
			return
		}
		if ctx.Err() != nil {
			log.Debug("download cancelled")
			return
		}
	}

	if err := d.Verify(t, stream.Signature(), e.keys); err != nil {
		log.WithError(err).Error("package failed verification")
		e.sink.DownloadFailed(t, update.ResultIntegrityFailure)
		return
	}
	log.WithFields(logrus.Fields{
		"bytes": offset,
		"crc":   crc,
	}).Info("package downloaded and verified")
	e.sink.DownloadComplete(t)
}

// checkpoint persists the resume descriptor for the position just reached.
// Only called between chunks; the digest context is not serializable while a
// Process call is running.
func (e *Engine) checkpoint(uri string, t lwm2m.PackageType, d *verify.Digest, offset uint64, crc uint32) error {
	state, err := d.State()
	if err != nil {
		return err
	}
	return e.store.WriteResume(&store.ResumeDescriptor{
		URI:         uri,
		Type:        t,
		Offset:      offset,
		DigestState: state,
		CRC:         crc,
	})
}

func (e *Engine) clear() {
	e.mu.Lock()
	e.cancel, e.done = nil, nil
	e.mu.Unlock()
}
