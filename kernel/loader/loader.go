// Package loader accepts image uploads from the host, feeds them through
// the image verifier in kernel-sized slices, and installs what verifies.
//
// The host drives an upload with Start, a series of Chunk calls at
// increasing offsets, and Finish, which it polls until the answer is not
// Processing. Verification runs on the kernel loop through deferred calls,
// at most Config.MaxFeed bytes or one signature step per call, so other
// events keep flowing while an image is checked.
package loader

import (
	"errors"
	"fmt"
	"hash/crc32"
	"log/slog"
	"sync"

	"github.com/joshuapare/hubkernel/appsec"
	"github.com/joshuapare/hubkernel/internal/format"
	"github.com/joshuapare/hubkernel/internal/keystore"
	"github.com/joshuapare/hubkernel/internal/logger"
	"github.com/joshuapare/hubkernel/kernel"
	"github.com/joshuapare/hubkernel/kernel/evtq"
	"github.com/joshuapare/hubkernel/kernel/slab"
)

// Config tunes a Loader.
type Config struct {
	MaxFeed     int    // bytes handed to the verifier per loop slice
	MaxChunk    int    // largest chunk the host may send
	ResultSlots uint32 // EvtAppInstalled payloads in flight
	Security    appsec.Options
	Logger      *slog.Logger
}

// DefaultConfig returns the settings used on the hub.
func DefaultConfig() Config {
	return Config{
		MaxFeed:     64,
		MaxChunk:    128,
		ResultSlots: 2,
		Security:    appsec.DefaultOptions(),
	}
}

// Loader runs one upload at a time.
type Loader struct {
	k     *kernel.Kernel
	cfg   Config
	log   *slog.Logger
	roots appsec.RootFinder
	keys  keystore.Store
	inst  Installer

	results *slab.Allocator

	mu   sync.Mutex
	dl   *download
	last UploadStatus
}

type download struct {
	size, crc uint32

	srcOffset uint32
	srcCRC    uint32
	pending   []byte

	sec    *appsec.State
	status appsec.Status

	stage         Stage
	written       uint32
	reclaim       bool
	reclaimQueued bool

	capture  [format.HeaderSize + format.KeyRecordSize]byte
	captured int
}

// Write receives verified output for the stage, keeping a copy of the
// leading bytes for key images.
func (d *download) Write(p []byte) (int, error) {
	if d.captured < len(d.capture) {
		d.captured += copy(d.capture[d.captured:], p)
	}
	if d.stage == nil {
		return 0, ErrStageClosed
	}
	n, err := d.stage.Write(p)
	d.written += uint32(n)
	return n, err
}

// New builds a loader. keys may be nil when neither encrypted nor key
// images are expected.
func New(k *kernel.Kernel, cfg Config, roots appsec.RootFinder, keys keystore.Store, inst Installer) (*Loader, error) {
	if k == nil || inst == nil || roots == nil {
		return nil, errors.New("loader: kernel, roots and installer are required")
	}
	if cfg.MaxFeed <= 0 || cfg.MaxChunk <= 0 || cfg.ResultSlots == 0 {
		return nil, fmt.Errorf("loader: invalid config %+v", cfg)
	}
	results, err := slab.New(resultSize, 8, cfg.ResultSlots)
	if err != nil {
		return nil, fmt.Errorf("loader: result slab: %w", err)
	}
	l := &Loader{
		k:       k,
		cfg:     cfg,
		log:     cfg.Logger,
		roots:   roots,
		keys:    keys,
		inst:    inst,
		results: results,
		last:    Success,
	}
	if l.log == nil {
		l.log = logger.L
	}
	return l, nil
}

// Close abandons any upload in progress and releases the result slab.
// The kernel must have been closed first so no result is still queued.
func (l *Loader) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.dl != nil {
		l.abortLocked()
	}
	return l.results.Close()
}

// Start begins an upload of size bytes whose CRC-32 (IEEE) is crc,
// abandoning any upload in progress.
func (l *Loader) Start(size, crc uint32) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if size == 0 {
		return false
	}
	if l.dl != nil {
		l.log.Info("loader: upload abandoned", "offset", l.dl.srcOffset, "size", l.dl.size)
		l.abortLocked()
	}
	dl := &download{size: size, crc: crc}
	if !l.openStage(dl) {
		return false
	}
	l.resetVerifier(dl)
	l.dl = dl
	l.log.Info("loader: upload started", "size", size, "crc", crc)
	return true
}

// openStage reserves storage. A full store is not fatal: chunks are
// answered with Wait while storage is reclaimed.
func (l *Loader) openStage(dl *download) bool {
	stage, err := l.inst.Stage(dl.size)
	switch {
	case err == nil:
		dl.stage = stage
	case errors.Is(err, ErrNoSpace):
		dl.reclaim = true
	default:
		l.log.Error("loader: stage", "size", dl.size, "err", err)
		return false
	}
	return true
}

func (l *Loader) resetVerifier(dl *download) {
	if dl.sec != nil {
		dl.sec.Close()
	}
	dl.sec = appsec.New(dl, l.roots, l.keys, l.cfg.Security)
	dl.status = appsec.NoError
	dl.srcOffset = 0
	dl.srcCRC = 0
	dl.pending = nil
	dl.captured = 0
}

// Chunk delivers data at offset.
func (l *Loader) Chunk(offset uint32, data []byte) ChunkReply {
	l.mu.Lock()
	defer l.mu.Unlock()

	dl := l.dl
	switch {
	case dl == nil:
		return CancelNoRetry
	case dl.status == appsec.NeedMoreTime || len(dl.pending) > 0:
		return Resend
	case dl.stage == nil && dl.reclaim:
		if !dl.reclaimQueued {
			dl.reclaimQueued = l.k.Defer(func() { l.reclaim(dl) }, false)
		}
		return Wait
	case dl.stage == nil:
		l.finishLocked(false)
		return CancelNoRetry
	case len(data) > l.cfg.MaxChunk:
		l.log.Warn("loader: oversized chunk", "len", len(data), "max", l.cfg.MaxChunk)
		l.finishLocked(false)
		return CancelNoRetry
	case offset != dl.srcOffset:
		l.log.Info("loader: restart", "offset", offset, "want", dl.srcOffset)
		if dl.written > 0 {
			if err := dl.stage.Discard(); err != nil {
				l.log.Warn("loader: discard", "err", err)
			}
			dl.stage, dl.written = nil, 0
			if !l.openStage(dl) {
				l.finishLocked(false)
				return CancelNoRetry
			}
		}
		l.resetVerifier(dl)
		return Restart
	case uint64(dl.srcOffset)+uint64(len(data)) > uint64(dl.size):
		l.log.Warn("loader: chunk past declared size", "offset", offset, "len", len(data), "size", dl.size)
		l.finishLocked(false)
		return CancelNoRetry
	}

	dl.pending = append(make([]byte, 0, len(data)), data...)
	if !l.k.Defer(func() { l.feed(dl) }, false) {
		dl.pending = nil
		return Resend
	}
	dl.srcCRC = crc32.Update(dl.srcCRC, crc32.IEEETable, data)
	dl.srcOffset += uint32(len(data))
	return Accepted
}

// Finish reports the upload's outcome. It returns Processing while the
// last chunks are still being verified. Finishing before every byte has
// arrived abandons the upload.
func (l *Loader) Finish() UploadStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch {
	case l.dl == nil:
		return l.last
	case l.dl.srcOffset == l.dl.size:
		return Processing
	default:
		return l.finishLocked(false)
	}
}

func (l *Loader) reclaim(dl *download) {
	l.mu.Lock()
	defer l.mu.Unlock()
	dl.reclaimQueued = false
	if l.dl != dl || dl.stage != nil {
		return
	}
	if err := l.inst.Reclaim(); err != nil {
		l.log.Error("loader: reclaim", "err", err)
	}
	// Either way the host's next chunk gets a final answer.
	defer l.k.SetHostInterrupt(kernel.HostIntCmdWait)
	stage, err := l.inst.Stage(dl.size)
	if err != nil {
		l.log.Warn("loader: no space after reclaim", "size", dl.size, "err", err)
		dl.reclaim = false
		return
	}
	dl.stage = stage
	dl.reclaim = false
	l.log.Info("loader: storage reclaimed", "size", dl.size)
}

// feed advances verification of dl by one slice on the kernel loop.
func (l *Loader) feed(dl *download) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.dl != dl {
		return
	}

	switch {
	case dl.status == appsec.NeedMoreTime:
		dl.status = dl.sec.ContinueProcessing()
	case len(dl.pending) > 0:
		n := min(len(dl.pending), l.cfg.MaxFeed)
		st, left := dl.sec.Receive(dl.pending[:n])
		dl.pending = dl.pending[n-left:]
		dl.status = st
	}

	switch {
	case dl.status == appsec.NeedMoreTime, dl.status == appsec.NoError && len(dl.pending) > 0:
		if !l.k.Defer(func() { l.feed(dl) }, false) {
			l.log.Error("loader: cannot reschedule verification")
			l.finishLocked(false)
		}
	case dl.status != appsec.NoError:
		l.finishLocked(false)
	case dl.srcOffset == dl.size:
		l.finishLocked(dl.srcCRC == dl.crc)
	}
}

// finishLocked closes the upload. valid says every byte arrived with a
// matching CRC.
func (l *Loader) finishLocked(valid bool) UploadStatus {
	dl := l.dl
	l.dl = nil

	if valid && dl.status == appsec.NoError {
		dl.status = dl.sec.EndOfStream()
	}
	hdr, _ := dl.sec.Header()
	dl.sec.Close()

	var res UploadStatus
	switch {
	case dl.status != appsec.NoError:
		res = StatusFor(dl.status)
	case !valid:
		res = Bad
	default:
		res = l.install(dl)
	}
	if res != Success && dl.stage != nil {
		if err := dl.stage.Discard(); err != nil && !errors.Is(err, ErrStageClosed) {
			l.log.Warn("loader: discard", "err", err)
		}
	}

	l.last = res
	l.log.Info("loader: upload finished",
		"status", res,
		"type", hdr.Type,
		"app", fmt.Sprintf("%016x", hdr.AppID),
		"size", dl.size)
	l.publish(InstallResult{
		Status:     res,
		Type:       hdr.Type,
		AppID:      hdr.AppID,
		AppVersion: hdr.AppVersion,
		Size:       dl.size,
	})
	return res
}

func (l *Loader) abortLocked() {
	dl := l.dl
	l.dl = nil
	dl.sec.Close()
	if dl.stage != nil {
		if err := dl.stage.Discard(); err != nil {
			l.log.Warn("loader: discard", "err", err)
		}
	}
}

// install commits a verified image, or applies it to the key store when
// it is a key image. The header used is the one written out, which
// describes the plaintext.
func (l *Loader) install(dl *download) UploadStatus {
	hdr, err := format.ParseHeader(dl.capture[:dl.captured])
	if err != nil {
		l.log.Error("loader: staged header", "err", err)
		return Bad
	}
	switch hdr.Type {
	case format.PayloadKey:
		st := l.updateKey(dl, hdr)
		if err := dl.stage.Discard(); err != nil {
			l.log.Warn("loader: discard", "err", err)
		}
		return st
	case format.PayloadOS:
		l.log.Info("loader: os image staged", "version", hdr.AppVersion)
	}
	if err := dl.stage.Commit(hdr); err != nil {
		l.log.Error("loader: commit", "err", err)
		return Bad
	}
	return Success
}

func (l *Loader) updateKey(dl *download, hdr format.Header) UploadStatus {
	if l.keys == nil {
		l.log.Error("loader: key image without a key store")
		return Bad
	}
	if hdr.DataLen != format.KeyRecordSize {
		return InvalidData
	}
	rec, err := format.ParseKeyRecord(dl.capture[format.HeaderSize:dl.captured])
	if err != nil {
		return InvalidData
	}
	id := format.KeyID(hdr.AppID, rec.ID)

	op := "add"
	if hdr.Flags&format.FlagKeyDelete != 0 {
		op = "delete"
		err = l.keys.DeleteKey(id)
	} else {
		err = l.keys.AddKey(id, rec.Key)
	}
	l.log.Info("loader: key update", "op", op, "id", fmt.Sprintf("%016x", id), "err", err)
	switch {
	case err == nil:
		return Success
	case errors.Is(err, appsec.ErrKeyNotFound):
		return KeyNotFound
	default:
		return Bad
	}
}

// publish posts the result as EvtAppInstalled. Results are best effort:
// the host learns the outcome from Finish either way.
func (l *Loader) publish(r InstallResult) {
	b, ok := l.results.Alloc()
	if !ok {
		l.log.Warn("loader: result slab exhausted", "app", r.AppID)
		return
	}
	r.put(b)
	l.k.EnqueueOrFree(kernel.EvtAppInstalled, b, evtq.FreeWith(l.freeResult))
}

func (l *Loader) freeResult(data any) {
	if err := l.results.Free(data.([]byte)); err != nil {
		l.log.Error("loader: result free", "err", err)
	}
}
