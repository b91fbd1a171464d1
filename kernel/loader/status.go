package loader

import "github.com/joshuapare/hubkernel/appsec"

// ChunkReply answers one uploaded chunk.
type ChunkReply uint8

const (
	// Accepted means the chunk was taken; send the next one.
	Accepted ChunkReply = iota
	// Wait means storage is being reclaimed; send the same chunk later.
	Wait
	// Resend means the previous chunk is still being processed.
	Resend
	// Restart means the offset was unexpected; start again from zero.
	Restart
	// CancelNoRetry means the upload is over and must not be retried.
	CancelNoRetry
)

func (r ChunkReply) String() string {
	switch r {
	case Accepted:
		return "accepted"
	case Wait:
		return "wait"
	case Resend:
		return "resend"
	case Restart:
		return "restart"
	case CancelNoRetry:
		return "cancel-no-retry"
	default:
		return "unknown"
	}
}

// UploadStatus is the outcome of an upload.
type UploadStatus uint8

const (
	Success UploadStatus = iota
	Processing
	KeyNotFound
	HeaderError
	TooMuchData
	TooLittleData
	SigVerifyFail
	SigDecodeFail
	SigRootUnknown
	MemoryError
	InvalidData
	VerifyFailed
	Bad
)

var uploadStatusNames = [...]string{
	Success:        "success",
	Processing:     "processing",
	KeyNotFound:    "key-not-found",
	HeaderError:    "header-error",
	TooMuchData:    "too-much-data",
	TooLittleData:  "too-little-data",
	SigVerifyFail:  "sig-verify-fail",
	SigDecodeFail:  "sig-decode-fail",
	SigRootUnknown: "sig-root-unknown",
	MemoryError:    "memory-error",
	InvalidData:    "invalid-data",
	VerifyFailed:   "verify-failed",
	Bad:            "bad",
}

func (s UploadStatus) String() string {
	if int(s) < len(uploadStatusNames) {
		return uploadStatusNames[s]
	}
	return "unknown"
}

// StatusFor maps a verifier status onto the status reported to the host.
// NeedMoreTime has no upload equivalent and maps to Processing.
func StatusFor(st appsec.Status) UploadStatus {
	switch st {
	case appsec.NoError:
		return Success
	case appsec.NeedMoreTime:
		return Processing
	case appsec.KeyNotFound:
		return KeyNotFound
	case appsec.HeaderError:
		return HeaderError
	case appsec.TooMuchData:
		return TooMuchData
	case appsec.TooLittleData:
		return TooLittleData
	case appsec.SigVerifyFail:
		return SigVerifyFail
	case appsec.SigDecodeFail:
		return SigDecodeFail
	case appsec.SigRootUnknown:
		return SigRootUnknown
	case appsec.MemoryError:
		return MemoryError
	case appsec.InvalidData:
		return InvalidData
	case appsec.VerifyFailed:
		return VerifyFailed
	default:
		return Bad
	}
}
