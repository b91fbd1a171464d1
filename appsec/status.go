package appsec

import "errors"

// Status is the outcome of an AppSec call. NoError and NeedMoreTime are
// the only non-terminal values; every other status ends the load and is
// returned by all later calls on the same State.
type Status uint8

const (
	NoError Status = iota
	NeedMoreTime
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
	// Bad is an internal failure; the caller must abandon the load.
	Bad
)

var statusNames = [...]string{
	NoError:        "no error",
	NeedMoreTime:   "need more time",
	KeyNotFound:    "key not found",
	HeaderError:    "header error",
	TooMuchData:    "too much data",
	TooLittleData:  "too little data",
	SigVerifyFail:  "signature verify failed",
	SigDecodeFail:  "signature decode failed",
	SigRootUnknown: "signature root unknown",
	MemoryError:    "memory error",
	InvalidData:    "invalid data",
	VerifyFailed:   "verify failed",
	Bad:            "bad",
}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return "unknown"
}

// IsTerminal reports whether s ends the load with a failure.
func (s Status) IsTerminal() bool { return s != NoError && s != NeedMoreTime }

var (
	ErrNeedMoreTime   = errors.New("appsec: need more time")
	ErrKeyNotFound    = errors.New("appsec: key not found")
	ErrHeader         = errors.New("appsec: header error")
	ErrTooMuchData    = errors.New("appsec: too much data")
	ErrTooLittleData  = errors.New("appsec: too little data")
	ErrSigVerifyFail  = errors.New("appsec: signature verify failed")
	ErrSigDecodeFail  = errors.New("appsec: signature decode failed")
	ErrSigRootUnknown = errors.New("appsec: signature root unknown")
	ErrMemory         = errors.New("appsec: image too large")
	ErrInvalidData    = errors.New("appsec: invalid data")
	ErrVerifyFailed   = errors.New("appsec: plaintext verify failed")
	ErrBad            = errors.New("appsec: internal failure")
)

var statusErrs = [...]error{
	NeedMoreTime:   ErrNeedMoreTime,
	KeyNotFound:    ErrKeyNotFound,
	HeaderError:    ErrHeader,
	TooMuchData:    ErrTooMuchData,
	TooLittleData:  ErrTooLittleData,
	SigVerifyFail:  ErrSigVerifyFail,
	SigDecodeFail:  ErrSigDecodeFail,
	SigRootUnknown: ErrSigRootUnknown,
	MemoryError:    ErrMemory,
	InvalidData:    ErrInvalidData,
	VerifyFailed:   ErrVerifyFailed,
	Bad:            ErrBad,
}

// Err returns the sentinel error for s, or nil for NoError.
func (s Status) Err() error {
	if s == NoError {
		return nil
	}
	if int(s) < len(statusErrs) {
		return statusErrs[s]
	}
	return ErrBad
}
