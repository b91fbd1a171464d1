package appsec

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"hash"
	"io"
	"math/big"

	"github.com/joshuapare/hubkernel/internal/buf"
	"github.com/joshuapare/hubkernel/internal/format"
)

// RootFinder decides whether a public key, identified by the SHA-256 of its
// big-endian modulus, is a root of trust.
type RootFinder interface {
	IsRoot(hash [32]byte) (bool, error)
}

// RootFinderFunc adapts a function to RootFinder.
type RootFinderFunc func(hash [32]byte) (bool, error)

// IsRoot calls f(hash).
func (f RootFinderFunc) IsRoot(hash [32]byte) (bool, error) { return f(hash) }

// RootSet is a RootFinder over a fixed set of key hashes.
type RootSet map[[32]byte]struct{}

// IsRoot implements RootFinder.
func (r RootSet) IsRoot(hash [32]byte) (bool, error) {
	_, ok := r[hash]
	return ok, nil
}

// KeyLookup fetches a symmetric key by id. A missing key is reported with
// an error matching ErrKeyNotFound; any other error aborts the load.
type KeyLookup interface {
	LookupKey(id uint64, key *[format.KeySize]byte) error
}

// Options tunes a State.
type Options struct {
	// MandateSigning rejects unsigned images with HeaderError.
	MandateSigning bool
	// MaxImageSize bounds the declared body length; larger images fail
	// with MemoryError.
	MaxImageSize uint32
	// MaxChain bounds the number of signature records walked before the
	// root must be reached.
	MaxChain int
}

// DefaultOptions returns the options used by the kernel loader.
func DefaultOptions() Options {
	return Options{
		MandateSigning: true,
		MaxImageSize:   1 << 20,
		MaxChain:       4,
	}
}

type phase uint8

const (
	phaseHeader phase = iota
	phaseEncHeader
	phaseBody
	phaseSigRecord
	phaseVerify
	phaseDone
	phaseError
)

// State verifies, and if needed decrypts, one image as it streams in.
// Verified headers and plaintext are written to the writer as they become
// available; the caller must discard them unless the load ends in
// NoError. A State is single-owner: calls must not overlap.
type State struct {
	w     io.Writer
	roots RootFinder
	keys  KeyLookup
	opts  Options

	phase  phase
	status Status

	hdr     format.Header
	enc     format.EncHeader
	scratch [format.SigRecordSize]byte
	have    int

	bodyLeft uint32
	imgHash  hash.Hash

	dec       cipher.BlockMode
	blk       [format.BlockSize]byte
	blkHave   int
	plain     [format.BlockSize]byte
	plainPos  uint64
	plainHash hash.Hash
	digest    [format.DigestSize]byte

	want    [32]byte
	sigs    int
	exp     modexp
	modulus [format.ModulusSize]byte
}

// New returns a State ready for the first byte of an image. w receives
// verified output and may be nil; keys may be nil when encrypted images
// are not expected.
func New(w io.Writer, roots RootFinder, keys KeyLookup, opts Options) *State {
	if w == nil {
		w = io.Discard
	}
	if opts.MaxChain <= 0 {
		opts.MaxChain = DefaultOptions().MaxChain
	}
	if opts.MaxImageSize == 0 {
		opts.MaxImageSize = DefaultOptions().MaxImageSize
	}
	return &State{
		w:       w,
		roots:   roots,
		keys:    keys,
		opts:    opts,
		imgHash: sha256.New(),
	}
}

// Header returns the parsed image header once it has been received.
func (s *State) Header() (format.Header, bool) {
	return s.hdr, s.phase > phaseHeader && s.hdr.Type != 0
}

// SignaturesVerified returns the number of signature records checked so far.
func (s *State) SignaturesVerified() int { return s.sigs }

// Receive consumes image bytes and returns the status with the number of
// bytes of data left unconsumed. On NeedMoreTime the caller must call
// ContinueProcessing until it returns something else, then resubmit the
// unconsumed tail.
func (s *State) Receive(data []byte) (Status, int) {
	switch s.phase {
	case phaseError:
		return s.status, len(data)
	case phaseVerify:
		return NeedMoreTime, len(data)
	}

	for len(data) > 0 {
		var (
			n  int
			st Status
		)
		switch s.phase {
		case phaseHeader:
			n, st = s.takeHeader(data)
		case phaseEncHeader:
			n, st = s.takeEncHeader(data)
		case phaseBody:
			n, st = s.takeBody(data)
		case phaseSigRecord:
			n, st = s.takeSigRecord(data)
		case phaseDone:
			st = TooMuchData
		}
		data = data[n:]
		switch {
		case st == NeedMoreTime:
			return st, len(data)
		case st != NoError:
			return s.fail(st), len(data)
		}
	}
	return NoError, 0
}

// ContinueProcessing advances a pending signature check by one step.
func (s *State) ContinueProcessing() Status {
	switch s.phase {
	case phaseError:
		return s.status
	case phaseVerify:
		if !s.exp.next() {
			return NeedMoreTime
		}
		return s.finishSignature()
	default:
		return NoError
	}
}

// EndOfStream reports the final status once the sender has no more bytes.
func (s *State) EndOfStream() Status {
	switch s.phase {
	case phaseError:
		return s.status
	case phaseDone:
		return NoError
	case phaseVerify:
		return NeedMoreTime
	case phaseSigRecord:
		if s.have == 0 && s.sigs > 0 {
			return s.fail(SigRootUnknown)
		}
	}
	return s.fail(TooLittleData)
}

// Close releases the State and wipes key material. Later calls report
// InvalidData.
func (s *State) Close() {
	s.dec = nil
	clear(s.scratch[:])
	clear(s.blk[:])
	clear(s.plain[:])
	s.exp.clear()
	s.phase = phaseError
	s.status = InvalidData
}

func (s *State) fail(st Status) Status {
	s.phase = phaseError
	s.status = st
	s.dec = nil
	return st
}

func (s *State) emit(b []byte) Status {
	if _, err := s.w.Write(b); err != nil {
		return Bad
	}
	return NoError
}

// fill accumulates data into scratch until it holds size bytes.
func (s *State) fill(data []byte, size int) (int, bool) {
	n := copy(s.scratch[s.have:size], data)
	s.have += n
	if s.have < size {
		return n, false
	}
	s.have = 0
	return n, true
}

func (s *State) takeHeader(data []byte) (int, Status) {
	n, full := s.fill(data, format.HeaderSize)
	if !full {
		return n, NoError
	}
	raw := s.scratch[:format.HeaderSize]
	h, err := format.ParseHeader(raw)
	if err != nil {
		return n, HeaderError
	}
	if !h.Signed() && s.opts.MandateSigning {
		return n, HeaderError
	}
	if h.DataLen > s.opts.MaxImageSize {
		return n, MemoryError
	}
	s.hdr = h
	s.imgHash.Write(raw)

	if h.Encrypted() {
		s.phase = phaseEncHeader
		return n, NoError
	}
	if st := s.emit(raw); st != NoError {
		return n, st
	}
	return n, s.enterBody()
}

func (s *State) takeEncHeader(data []byte) (int, Status) {
	n, full := s.fill(data, format.EncHeaderSize)
	if !full {
		return n, NoError
	}
	raw := s.scratch[:format.EncHeaderSize]
	e, err := format.ParseEncHeader(raw)
	if err != nil || format.CheckLengths(s.hdr, e) != nil {
		return n, HeaderError
	}
	if s.keys == nil {
		return n, KeyNotFound
	}

	var key [format.KeySize]byte
	defer clear(key[:])
	if err := s.keys.LookupKey(e.KeyID, &key); err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return n, KeyNotFound
		}
		return n, Bad
	}
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return n, Bad
	}
	s.dec = cipher.NewCBCDecrypter(block, e.IV[:])
	s.plainHash = sha256.New()
	s.enc = e
	s.imgHash.Write(raw)

	out := s.hdr
	out.Flags &^= format.FlagEncrypted
	out.DataLen = e.PlainLen
	if st := s.emit(out.Bytes()); st != NoError {
		return n, st
	}
	return n, s.enterBody()
}

func (s *State) enterBody() Status {
	s.phase = phaseBody
	s.bodyLeft = s.hdr.DataLen
	if s.bodyLeft == 0 {
		return s.finishBody()
	}
	return NoError
}

func (s *State) takeBody(data []byte) (int, Status) {
	n := len(data)
	if uint64(n) > uint64(s.bodyLeft) {
		n = int(s.bodyLeft)
	}
	chunk := data[:n]
	s.imgHash.Write(chunk)
	s.bodyLeft -= uint32(n)

	var st Status
	if s.dec != nil {
		st = s.decrypt(chunk)
	} else {
		st = s.emit(chunk)
	}
	if st != NoError {
		return n, st
	}
	if s.bodyLeft == 0 {
		return n, s.finishBody()
	}
	return n, NoError
}

func (s *State) decrypt(chunk []byte) Status {
	for len(chunk) > 0 {
		k := copy(s.blk[s.blkHave:], chunk)
		s.blkHave += k
		chunk = chunk[k:]
		if s.blkHave < format.BlockSize {
			break
		}
		s.blkHave = 0
		s.dec.CryptBlocks(s.plain[:], s.blk[:])
		if st := s.route(s.plain[:]); st != NoError {
			return st
		}
	}
	return NoError
}

// route splits decrypted bytes into plaintext, the trailing digest and
// zero padding.
func (s *State) route(p []byte) Status {
	plainLen := uint64(s.enc.PlainLen)
	for len(p) > 0 {
		var k int
		switch {
		case s.plainPos < plainLen:
			k = int(min(uint64(len(p)), plainLen-s.plainPos))
			s.plainHash.Write(p[:k])
			if st := s.emit(p[:k]); st != NoError {
				return st
			}
		case s.plainPos < plainLen+format.DigestSize:
			k = int(min(uint64(len(p)), plainLen+format.DigestSize-s.plainPos))
			copy(s.digest[s.plainPos-plainLen:], p[:k])
		default:
			if !buf.AllZero(p) {
				return InvalidData
			}
			k = len(p)
		}
		s.plainPos += uint64(k)
		p = p[k:]
	}
	return NoError
}

func (s *State) finishBody() Status {
	if s.dec != nil {
		sum := s.plainHash.Sum(nil)
		if subtle.ConstantTimeCompare(sum, s.digest[:]) != 1 {
			return VerifyFailed
		}
		s.dec = nil
	}
	if !s.hdr.Signed() {
		s.phase = phaseDone
		return NoError
	}
	s.imgHash.Sum(s.want[:0])
	s.phase = phaseSigRecord
	return NoError
}

func (s *State) takeSigRecord(data []byte) (int, Status) {
	n, full := s.fill(data, format.SigRecordSize)
	if !full {
		return n, NoError
	}
	if s.sigs >= s.opts.MaxChain {
		return n, SigRootUnknown
	}
	var sig, mod big.Int
	sig.SetBytes(s.scratch[:format.SigSize])
	mod.SetBytes(s.scratch[format.SigSize:format.SigRecordSize])
	if !validModulus(&mod) || sig.Cmp(&mod) >= 0 {
		return n, SigDecodeFail
	}
	copy(s.modulus[:], s.scratch[format.SigSize:format.SigRecordSize])
	s.exp.start(&sig, &mod)
	s.phase = phaseVerify
	return n, NeedMoreTime
}

func (s *State) finishSignature() Status {
	var em [format.SigSize]byte
	s.exp.acc.FillBytes(em[:])
	s.exp.clear()
	if !pkcs1Matches(em[:], s.want[:]) {
		return s.fail(SigVerifyFail)
	}
	s.sigs++

	keyHash := sha256.Sum256(s.modulus[:])
	if s.roots != nil {
		ok, err := s.roots.IsRoot(keyHash)
		if err != nil {
			return s.fail(Bad)
		}
		if ok {
			s.phase = phaseDone
			return NoError
		}
	}
	s.want = keyHash
	s.phase = phaseSigRecord
	return NoError
}

// ReceiveAll feeds data, running ContinueProcessing whenever the State
// asks for time, until data is consumed or a terminal status is reached.
func (s *State) ReceiveAll(data []byte) Status {
	for {
		st, left := s.Receive(data)
		data = data[len(data)-left:]
		for st == NeedMoreTime {
			st = s.ContinueProcessing()
		}
		if st != NoError || len(data) == 0 {
			return st
		}
	}
}
