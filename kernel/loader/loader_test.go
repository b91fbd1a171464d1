package loader

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"hash/crc32"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/joshuapare/hubkernel/appsec"
	"github.com/joshuapare/hubkernel/internal/format"
	"github.com/joshuapare/hubkernel/internal/keystore"
	"github.com/joshuapare/hubkernel/kernel"
)

var signer = sync.OnceValue(func() *rsa.PrivateKey {
	k, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic(err)
	}
	return k
})

// watcher is a task that records every EvtAppInstalled result.
type watcher struct {
	k       *kernel.Kernel
	results []InstallResult
}

func (w *watcher) Init(k *kernel.Kernel, tid kernel.TaskID) bool {
	w.k = k
	return k.Subscribe(tid, kernel.EvtAppInstalled)
}

func (w *watcher) Handle(evt uint32, data any) {
	if evt != kernel.EvtAppInstalled {
		return
	}
	if r, ok := ParseInstallResult(data); ok {
		w.results = append(w.results, r)
	}
}

func (w *watcher) End() {}

type rig struct {
	k     *kernel.Kernel
	l     *Loader
	inst  *MemoryInstaller
	keys  *keystore.Memory
	watch *watcher
}

func newRig(t *testing.T, capacity int) *rig {
	t.Helper()
	k, err := kernel.New(kernel.DefaultConfig())
	require.NoError(t, err)

	hash, err := appsec.KeyHash(&signer().PublicKey)
	require.NoError(t, err)

	r := &rig{
		k:     k,
		inst:  NewMemoryInstaller(capacity),
		keys:  keystore.NewMemory(0),
		watch: &watcher{},
	}
	r.l, err = New(k, DefaultConfig(), appsec.RootSet{hash: {}}, r.keys, r.inst)
	require.NoError(t, err)
	t.Cleanup(func() {
		k.Close()
		require.NoError(t, r.l.Close())
	})

	_, ok := k.AddApp(r.watch, 0xFEED)
	require.True(t, ok)
	r.drain()
	return r
}

func (r *rig) drain() {
	for r.k.Step(context.Background(), false) {
	}
}

// upload sends img in chunks of size chunk, stepping the kernel once
// between chunks, and polls Finish to completion.
func (r *rig) upload(t *testing.T, img []byte, chunk int) UploadStatus {
	t.Helper()
	require.True(t, r.l.Start(uint32(len(img)), crc32.ChecksumIEEE(img)))
	for off := 0; off < len(img); {
		n := min(chunk, len(img)-off)
		switch reply := r.l.Chunk(uint32(off), img[off:off+n]); reply {
		case Accepted:
			off += n
		case Resend, Wait:
		default:
			return r.finish(t)
		}
		r.k.Step(context.Background(), false)
	}
	return r.finish(t)
}

func (r *rig) finish(t *testing.T) UploadStatus {
	t.Helper()
	for {
		st := r.l.Finish()
		if st != Processing {
			r.drain()
			return st
		}
		require.True(t, r.k.Step(context.Background(), false), "verification stalled")
	}
}

func appImage(t *testing.T, appID uint64, version uint32, n int) []byte {
	t.Helper()
	body := make([]byte, n)
	for i := range body {
		body[i] = byte(i * 13)
	}
	img, err := appsec.Build(appsec.Image{
		Type:       format.PayloadApp,
		AppID:      appID,
		AppVersion: version,
		Payload:    body,
		Signers:    []*rsa.PrivateKey{signer()},
	})
	require.NoError(t, err)
	return img
}

func TestLoader_InstallsSignedApp(t *testing.T) {
	r := newRig(t, 1<<16)
	img := appImage(t, 0x4142434445000001, 3, 300)

	require.Equal(t, Success, r.upload(t, img, 128))

	images := r.inst.Images()
	require.Len(t, images, 1)
	require.Equal(t, format.PayloadApp, images[0].Header.Type)
	require.Equal(t, uint64(0x4142434445000001), images[0].Header.AppID)
	require.Len(t, images[0].Data, format.HeaderSize+300)

	require.Equal(t, []InstallResult{{
		Status:     Success,
		Type:       format.PayloadApp,
		AppID:      0x4142434445000001,
		AppVersion: 3,
		Size:       uint32(len(img)),
	}}, r.watch.results)
	require.Zero(t, r.l.results.InUse(), "result payloads are freed after dispatch")

	require.Equal(t, Success, r.l.Finish(), "the last status is sticky")
	require.Equal(t, CancelNoRetry, r.l.Chunk(0, img[:1]))
}

func TestLoader_ChunkSizesAgree(t *testing.T) {
	img := appImage(t, 7, 1, 500)
	for _, chunk := range []int{1, 63, 64, 65, 128} {
		r := newRig(t, 1<<16)
		require.Equal(t, Success, r.upload(t, img, chunk), "chunk %d", chunk)
		require.Len(t, r.inst.Images(), 1)
	}
}

func TestLoader_CRCMismatch(t *testing.T) {
	r := newRig(t, 1<<16)
	img := appImage(t, 7, 1, 100)

	require.True(t, r.l.Start(uint32(len(img)), crc32.ChecksumIEEE(img)^1))
	for off := 0; off < len(img); off += 100 {
		end := min(off+100, len(img))
		require.Equal(t, Accepted, r.l.Chunk(uint32(off), img[off:end]))
		r.drain()
	}
	require.Equal(t, Bad, r.finish(t))
	require.Empty(t, r.inst.Images())
	require.Zero(t, r.inst.Used())
}

func TestLoader_BadSignature(t *testing.T) {
	r := newRig(t, 1<<16)
	img := appImage(t, 7, 1, 100)
	img[len(img)-format.SigRecordSize+10] ^= 0x40
	crcOK := crc32.ChecksumIEEE(img)

	require.True(t, r.l.Start(uint32(len(img)), crcOK))
	for off := 0; off < len(img); off += 128 {
		end := min(off+128, len(img))
		require.Equal(t, Accepted, r.l.Chunk(uint32(off), img[off:end]))
		r.drain()
	}
	require.Equal(t, SigVerifyFail, r.l.Finish())
	require.Zero(t, r.inst.Used())
	require.Len(t, r.watch.results, 1)
	require.Equal(t, SigVerifyFail, r.watch.results[0].Status)
}

func TestLoader_UnsignedImageRejected(t *testing.T) {
	r := newRig(t, 1<<16)
	img, err := appsec.Build(appsec.Image{Type: format.PayloadApp, AppID: 1, Payload: []byte("x")})
	require.NoError(t, err)
	require.Equal(t, HeaderError, r.upload(t, img, 128))
}

func TestLoader_ResendWhileBusy(t *testing.T) {
	r := newRig(t, 1<<16)
	img := appImage(t, 7, 1, 100)
	require.True(t, r.l.Start(uint32(len(img)), crc32.ChecksumIEEE(img)))

	require.Equal(t, Accepted, r.l.Chunk(0, img[:64]))
	require.Equal(t, Resend, r.l.Chunk(64, img[64:128]))
	r.drain()
	require.Equal(t, Accepted, r.l.Chunk(64, img[64:128]))
}

func TestLoader_RestartOnUnexpectedOffset(t *testing.T) {
	r := newRig(t, 1<<16)
	img := appImage(t, 7, 1, 100)
	require.True(t, r.l.Start(uint32(len(img)), crc32.ChecksumIEEE(img)))

	require.Equal(t, Accepted, r.l.Chunk(0, img[:64]))
	r.drain()
	require.Equal(t, Restart, r.l.Chunk(200, img[200:264]))

	for off := 0; off < len(img); off += 64 {
		end := min(off+64, len(img))
		require.Equal(t, Accepted, r.l.Chunk(uint32(off), img[off:end]), "offset %d", off)
		r.drain()
	}
	require.Equal(t, Success, r.finish(t))
	require.Len(t, r.inst.Images(), 1)
}

func TestLoader_ChunkWithoutUpload(t *testing.T) {
	r := newRig(t, 1<<16)
	require.Equal(t, CancelNoRetry, r.l.Chunk(0, []byte{1}))
	require.False(t, r.l.Start(0, 0))
}

func TestLoader_EarlyFinishAbandons(t *testing.T) {
	r := newRig(t, 1<<16)
	img := appImage(t, 7, 1, 100)
	require.True(t, r.l.Start(uint32(len(img)), crc32.ChecksumIEEE(img)))
	require.Equal(t, Accepted, r.l.Chunk(0, img[:64]))
	r.drain()

	require.Equal(t, Bad, r.l.Finish())
	require.Equal(t, CancelNoRetry, r.l.Chunk(64, img[64:128]))
	r.drain()
	require.Zero(t, r.inst.Used())
}

func TestLoader_ChunkPastDeclaredSize(t *testing.T) {
	r := newRig(t, 1<<16)
	img := appImage(t, 7, 1, 100)
	require.True(t, r.l.Start(10, crc32.ChecksumIEEE(img[:10])))
	require.Equal(t, CancelNoRetry, r.l.Chunk(0, img[:64]))
	require.Equal(t, Bad, r.l.Finish())
}

func TestLoader_WaitsForReclaim(t *testing.T) {
	v1 := appImage(t, 7, 1, 600)
	v2 := appImage(t, 7, 2, 600)
	v3 := appImage(t, 7, 3, 600)
	r := newRig(t, 2*len(v1))

	require.Equal(t, Success, r.upload(t, v1, 128))
	require.Equal(t, Success, r.upload(t, v2, 128))

	require.True(t, r.l.Start(uint32(len(v3)), crc32.ChecksumIEEE(v3)))
	require.Equal(t, Wait, r.l.Chunk(0, v3[:128]))
	require.False(t, r.k.HostInterrupt(kernel.HostIntCmdWait))
	r.drain()
	require.True(t, r.k.HostInterrupt(kernel.HostIntCmdWait), "host is told to retry")
	require.Equal(t, Success, r.upload(t, v3, 128))

	images := r.inst.Images()
	require.Len(t, images, 1)
	require.Equal(t, uint32(3), images[0].Header.AppVersion)
}

func TestLoader_NoSpaceEvenAfterReclaim(t *testing.T) {
	img := appImage(t, 7, 1, 100)
	r := newRig(t, len(img)-1)

	require.True(t, r.l.Start(uint32(len(img)), crc32.ChecksumIEEE(img)))
	require.Equal(t, Wait, r.l.Chunk(0, img[:64]))
	r.drain()
	require.True(t, r.k.HostInterrupt(kernel.HostIntCmdWait))
	require.Equal(t, CancelNoRetry, r.l.Chunk(0, img[:64]))
	require.Equal(t, Bad, r.l.Finish())
}

func keyImage(t *testing.T, appID, idx uint64, key keystore.Key, del bool) []byte {
	t.Helper()
	img, err := appsec.Build(appsec.Image{
		Type:      format.PayloadKey,
		AppID:     appID,
		KeyDelete: del,
		Payload:   format.KeyRecord{ID: idx, Key: key}.Bytes(),
		Signers:   []*rsa.PrivateKey{signer()},
	})
	require.NoError(t, err)
	return img
}

func TestLoader_KeyImagesFeedEncryptedApps(t *testing.T) {
	r := newRig(t, 1<<16)
	appID, err := format.MakeAppID("Acme!", 9)
	require.NoError(t, err)
	key := keystore.DeriveKey([]byte("hunter2"), []byte("salt"))
	keyID := format.KeyID(appID, 5)

	enc, err := appsec.Build(appsec.Image{
		Type:    format.PayloadApp,
		AppID:   appID,
		Payload: []byte("secret app body"),
		Encrypt: &appsec.Encryption{KeyID: keyID, Key: key},
		Signers: []*rsa.PrivateKey{signer()},
	})
	require.NoError(t, err)

	require.Equal(t, KeyNotFound, r.upload(t, enc, 128))

	require.Equal(t, Success, r.upload(t, keyImage(t, appID, 5, key, false), 128))
	ids, err := r.keys.List()
	require.NoError(t, err)
	require.Equal(t, []uint64{keyID}, ids)
	require.Empty(t, r.inst.Images(), "key images are not stored")

	require.Equal(t, Success, r.upload(t, enc, 128))
	images := r.inst.Images()
	require.Len(t, images, 1)
	require.False(t, images[0].Header.Encrypted())
	require.Equal(t, []byte("secret app body"), images[0].Data[format.HeaderSize:])

	require.Equal(t, Success, r.upload(t, keyImage(t, appID, 5, key, true), 128))
	require.Equal(t, KeyNotFound, r.upload(t, keyImage(t, appID, 5, key, true), 128))
}

func TestLoader_RestartAfterStart(t *testing.T) {
	r := newRig(t, 1<<16)
	a := appImage(t, 1, 1, 100)
	b := appImage(t, 2, 1, 100)

	require.True(t, r.l.Start(uint32(len(a)), crc32.ChecksumIEEE(a)))
	require.Equal(t, Accepted, r.l.Chunk(0, a[:64]))
	r.drain()

	require.Equal(t, Success, r.upload(t, b, 128))
	images := r.inst.Images()
	require.Len(t, images, 1)
	require.Equal(t, uint64(2), images[0].Header.AppID)
}

func TestStatusFor(t *testing.T) {
	cases := map[appsec.Status]UploadStatus{
		appsec.NoError:        Success,
		appsec.NeedMoreTime:   Processing,
		appsec.KeyNotFound:    KeyNotFound,
		appsec.HeaderError:    HeaderError,
		appsec.TooMuchData:    TooMuchData,
		appsec.TooLittleData:  TooLittleData,
		appsec.SigVerifyFail:  SigVerifyFail,
		appsec.SigDecodeFail:  SigDecodeFail,
		appsec.SigRootUnknown: SigRootUnknown,
		appsec.MemoryError:    MemoryError,
		appsec.InvalidData:    InvalidData,
		appsec.VerifyFailed:   VerifyFailed,
		appsec.Bad:            Bad,
	}
	for in, want := range cases {
		require.Equal(t, want, StatusFor(in), in.String())
	}
	require.Equal(t, "sig-root-unknown", SigRootUnknown.String())
	require.Equal(t, "wait", Wait.String())
}
