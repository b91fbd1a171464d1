package loader

import (
	"github.com/joshuapare/hubkernel/internal/buf"
	"github.com/joshuapare/hubkernel/internal/format"
)

// resultSize is the encoded size of an InstallResult.
const resultSize = 24

// InstallResult is published as the payload of kernel.EvtAppInstalled,
// encoded in a slab item. Subscribers decode it with ParseInstallResult
// and must not keep the bytes past their handler.
type InstallResult struct {
	Status     UploadStatus
	Type       format.PayloadType
	AppID      uint64
	AppVersion uint32
	Size       uint32
}

// Layout: status u8, type u8, 2 reserved, app version u32, app id u64,
// upload size u32, 4 reserved.
func (r InstallResult) put(b []byte) {
	clear(b[:resultSize])
	b[0] = byte(r.Status)
	b[1] = byte(r.Type)
	buf.PutU32LE(b[4:], r.AppVersion)
	buf.PutU64LE(b[8:], r.AppID)
	buf.PutU32LE(b[16:], r.Size)
}

// ParseInstallResult decodes an EvtAppInstalled payload.
func ParseInstallResult(data any) (InstallResult, bool) {
	b, ok := data.([]byte)
	if !ok || !buf.Fits(b, 0, resultSize) {
		return InstallResult{}, false
	}
	return InstallResult{
		Status:     UploadStatus(b[0]),
		Type:       format.PayloadType(b[1]),
		AppVersion: buf.U32LE(b[4:]),
		AppID:      buf.U64LE(b[8:]),
		Size:       buf.U32LE(b[16:]),
	}, true
}
