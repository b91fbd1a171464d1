package appsec

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	mrand "math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/joshuapare/hubkernel/internal/format"
)

var testKeys = sync.OnceValue(func() []*rsa.PrivateKey {
	keys := make([]*rsa.PrivateKey, 3)
	for i := range keys {
		k, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
		keys[i] = k
	}
	return keys
})

func rootsOf(t *testing.T, keys ...*rsa.PrivateKey) RootSet {
	t.Helper()
	r := RootSet{}
	for _, k := range keys {
		h, err := KeyHash(&k.PublicKey)
		require.NoError(t, err)
		r[h] = struct{}{}
	}
	return r
}

type keyMap map[uint64][format.KeySize]byte

func (m keyMap) LookupKey(id uint64, key *[format.KeySize]byte) error {
	k, ok := m[id]
	if !ok {
		return ErrKeyNotFound
	}
	*key = k
	return nil
}

func payload(n int) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = byte(i*7 + 3)
	}
	return p
}

func build(t *testing.T, img Image) []byte {
	t.Helper()
	if img.Type == 0 {
		img.Type = format.PayloadApp
	}
	out, err := Build(img)
	require.NoError(t, err)
	return out
}

// feed pushes img through s in chunks chosen by next and finishes the
// stream. It returns the final status and the number of time slices spent.
func feed(s *State, img []byte, next func(remaining int) int) (Status, int) {
	steps := 0
	for len(img) > 0 {
		n := min(next(len(img)), len(img))
		chunk := img[:n]
		img = img[n:]
		for len(chunk) > 0 {
			st, left := s.Receive(chunk)
			chunk = chunk[len(chunk)-left:]
			for st == NeedMoreTime {
				st = s.ContinueProcessing()
				steps++
			}
			if st != NoError {
				return st, steps
			}
		}
	}
	return s.EndOfStream(), steps
}

func whole(n int) int { return n }

func verify(t *testing.T, img []byte, roots RootFinder, keys KeyLookup, opts Options) (Status, []byte) {
	t.Helper()
	var out bytes.Buffer
	s := New(&out, roots, keys, opts)
	defer s.Close()
	st, _ := feed(s, img, whole)
	return st, out.Bytes()
}

func TestPipeline_ChunkingProducesIdenticalOutput(t *testing.T) {
	root := testKeys()[0]
	data := payload(1000)
	img := build(t, Image{AppID: 0x42, AppVersion: 3, Payload: data, Signers: []*rsa.PrivateKey{root}})
	roots := rootsOf(t, root)

	want := append(format.Header{
		Type: format.PayloadApp, Flags: format.FlagSigned, AppID: 0x42, AppVersion: 3, DataLen: 1000,
	}.Bytes(), data...)

	rng := mrand.New(mrand.NewSource(1))
	splits := map[string]func(int) int{
		"one byte": func(int) int { return 1 },
		"whole":    whole,
		"random":   func(int) int { return 1 + rng.Intn(97) },
		"odd":      func(int) int { return 511 },
	}
	for name, next := range splits {
		t.Run(name, func(t *testing.T) {
			var out bytes.Buffer
			s := New(&out, roots, nil, DefaultOptions())
			st, steps := feed(s, img, next)
			require.Equal(t, NoError, st)
			require.Equal(t, want, out.Bytes())
			require.Equal(t, expSquarings+1, steps, "one slice per modular multiplication")
			require.Equal(t, 1, s.SignaturesVerified())
		})
	}
}

func TestPipeline_ReceiveYieldsWithUnconsumedTail(t *testing.T) {
	leaf, root := testKeys()[1], testKeys()[0]
	img := build(t, Image{Payload: payload(64), Signers: []*rsa.PrivateKey{leaf, root}})

	s := New(nil, rootsOf(t, root), nil, DefaultOptions())
	st, left := s.Receive(img)
	require.Equal(t, NeedMoreTime, st)
	require.Equal(t, format.SigRecordSize, left, "second record is not consumed")

	again, stillLeft := s.Receive(img[len(img)-left:])
	require.Equal(t, NeedMoreTime, again, "input is refused until the pending step completes")
	require.Equal(t, left, stillLeft)

	require.Equal(t, NeedMoreTime, s.EndOfStream())
	for st == NeedMoreTime {
		st = s.ContinueProcessing()
	}
	require.Equal(t, NoError, st)
	require.Equal(t, NoError, s.ReceiveAll(img[len(img)-left:]))
	require.Equal(t, NoError, s.EndOfStream())
	require.Equal(t, 2, s.SignaturesVerified())
}

func TestPipeline_FlippedSignatureByte(t *testing.T) {
	root := testKeys()[0]
	img := build(t, Image{Payload: payload(100), Signers: []*rsa.PrivateKey{root}})
	sigEnd := format.HeaderSize + 100 + format.SigSize
	img[sigEnd-1] ^= 0x01

	st, _ := verify(t, img, rootsOf(t, root), nil, DefaultOptions())
	require.Equal(t, SigVerifyFail, st)
}

func TestPipeline_TamperedBody(t *testing.T) {
	root := testKeys()[0]
	img := build(t, Image{Payload: payload(100), Signers: []*rsa.PrivateKey{root}})
	img[format.HeaderSize+10] ^= 0x80

	st, _ := verify(t, img, rootsOf(t, root), nil, DefaultOptions())
	require.Equal(t, SigVerifyFail, st)
}

func TestPipeline_Truncation(t *testing.T) {
	root := testKeys()[0]
	img := build(t, Image{Payload: payload(100), Signers: []*rsa.PrivateKey{root}})
	roots := rootsOf(t, root)

	cuts := map[string]int{
		"empty":          0,
		"mid header":     format.HeaderSize / 2,
		"after header":   format.HeaderSize,
		"mid body":       format.HeaderSize + 50,
		"before sig":     format.HeaderSize + 100,
		"mid sig record": len(img) - 1,
	}
	for name, cut := range cuts {
		t.Run(name, func(t *testing.T) {
			st, _ := verify(t, img[:cut], roots, nil, DefaultOptions())
			require.Equal(t, TooLittleData, st)
		})
	}
}

func TestPipeline_UnknownRoot(t *testing.T) {
	leaf := testKeys()[1]
	img := build(t, Image{Payload: payload(10), Signers: []*rsa.PrivateKey{leaf}})

	st, _ := verify(t, img, rootsOf(t, testKeys()[2]), nil, DefaultOptions())
	require.Equal(t, SigRootUnknown, st)

	st, _ = verify(t, img, nil, nil, DefaultOptions())
	require.Equal(t, SigRootUnknown, st)
}

func TestPipeline_ChainEndsAtFirstRoot(t *testing.T) {
	leaf, root := testKeys()[1], testKeys()[0]
	img := build(t, Image{Payload: payload(10), Signers: []*rsa.PrivateKey{leaf, root}})

	st, _ := verify(t, img, rootsOf(t, root), nil, DefaultOptions())
	require.Equal(t, NoError, st)

	// Trusting the leaf directly leaves the second record as excess input.
	st, _ = verify(t, img, rootsOf(t, leaf), nil, DefaultOptions())
	require.Equal(t, TooMuchData, st)
}

func TestPipeline_ChainLimit(t *testing.T) {
	k := testKeys()
	img := build(t, Image{Payload: payload(10), Signers: []*rsa.PrivateKey{k[2], k[1], k[0]}})
	opts := DefaultOptions()
	opts.MaxChain = 2

	st, _ := verify(t, img, rootsOf(t, k[0]), nil, opts)
	require.Equal(t, SigRootUnknown, st)
}

func TestPipeline_SigDecodeFail(t *testing.T) {
	root := testKeys()[0]
	img := build(t, Image{Payload: payload(10), Signers: []*rsa.PrivateKey{root}})
	sigAt := format.HeaderSize + 10

	t.Run("signature not below modulus", func(t *testing.T) {
		bad := bytes.Clone(img)
		for i := sigAt; i < sigAt+format.SigSize; i++ {
			bad[i] = 0xff
		}
		st, _ := verify(t, bad, rootsOf(t, root), nil, DefaultOptions())
		require.Equal(t, SigDecodeFail, st)
	})
	t.Run("even modulus", func(t *testing.T) {
		bad := bytes.Clone(img)
		bad[len(bad)-1] &^= 1
		st, _ := verify(t, bad, rootsOf(t, root), nil, DefaultOptions())
		require.Equal(t, SigDecodeFail, st)
	})
	t.Run("short modulus", func(t *testing.T) {
		bad := bytes.Clone(img)
		bad[sigAt+format.SigSize] = 0
		st, _ := verify(t, bad, rootsOf(t, root), nil, DefaultOptions())
		require.Equal(t, SigDecodeFail, st)
	})
}

func TestPipeline_MandateSigning(t *testing.T) {
	img := build(t, Image{Payload: payload(20)})

	st, _ := verify(t, img, nil, nil, DefaultOptions())
	require.Equal(t, HeaderError, st)

	st, out := verify(t, img, nil, nil, Options{})
	require.Equal(t, NoError, st)
	require.Equal(t, img, out, "unsigned plaintext images pass through unchanged")
}

func TestPipeline_EmptyBody(t *testing.T) {
	img := build(t, Image{})
	st, out := verify(t, img, nil, nil, Options{})
	require.Equal(t, NoError, st)
	require.Len(t, out, format.HeaderSize)
}

func TestPipeline_TooMuchData(t *testing.T) {
	img := append(build(t, Image{Payload: payload(20)}), 0xAA, 0xBB)
	s := New(nil, nil, nil, Options{})
	st, left := s.Receive(img)
	require.Equal(t, TooMuchData, st)
	require.Equal(t, 2, left)
	require.Equal(t, TooMuchData, s.EndOfStream(), "terminal status is sticky")
	require.Equal(t, TooMuchData, s.ContinueProcessing())
}

func TestPipeline_MemoryError(t *testing.T) {
	img := build(t, Image{Payload: payload(4096)})
	st, _ := verify(t, img, nil, nil, Options{MaxImageSize: 1024})
	require.Equal(t, MemoryError, st)
}

func TestPipeline_HeaderError(t *testing.T) {
	img := build(t, Image{Payload: payload(8)})
	img[0] = 'X'
	st, _ := verify(t, img, nil, nil, Options{})
	require.Equal(t, HeaderError, st)
}

func TestPipeline_Encrypted(t *testing.T) {
	root := testKeys()[0]
	enc := &Encryption{KeyID: 0x77}
	for i := range enc.Key {
		enc.Key[i] = byte(i)
	}
	enc.IV[3] = 9
	keys := keyMap{0x77: enc.Key}
	data := payload(100)

	img := build(t, Image{AppID: 5, Payload: data, Encrypt: enc, Signers: []*rsa.PrivateKey{root}})
	want := append(format.Header{
		Type: format.PayloadApp, Flags: format.FlagSigned, AppID: 5, DataLen: 100,
	}.Bytes(), data...)

	t.Run("round trip in small chunks", func(t *testing.T) {
		var out bytes.Buffer
		s := New(&out, rootsOf(t, root), keys, DefaultOptions())
		st, _ := feed(s, img, func(int) int { return 7 })
		require.Equal(t, NoError, st)
		require.Equal(t, want, out.Bytes())
	})
	t.Run("key not found", func(t *testing.T) {
		st, _ := verify(t, img, rootsOf(t, root), keyMap{}, DefaultOptions())
		require.Equal(t, KeyNotFound, st)
		st, _ = verify(t, img, rootsOf(t, root), nil, DefaultOptions())
		require.Equal(t, KeyNotFound, st)
	})
	t.Run("lookup failure", func(t *testing.T) {
		failing := keyLookupFunc(func(uint64, *[format.KeySize]byte) error { return errors.New("disk on fire") })
		st, _ := verify(t, img, rootsOf(t, root), failing, DefaultOptions())
		require.Equal(t, Bad, st)
	})
}

type keyLookupFunc func(id uint64, key *[format.KeySize]byte) error

func (f keyLookupFunc) LookupKey(id uint64, key *[format.KeySize]byte) error { return f(id, key) }

func TestPipeline_EncryptedTamper(t *testing.T) {
	enc := &Encryption{KeyID: 1, Key: [format.KeySize]byte{1, 2, 3}}
	keys := keyMap{1: enc.Key}
	img := build(t, Image{Payload: payload(100), Encrypt: enc})
	bodyAt := format.HeaderSize + format.EncHeaderSize

	t.Run("plaintext digest", func(t *testing.T) {
		bad := bytes.Clone(img)
		bad[bodyAt+3] ^= 0x10
		st, _ := verify(t, bad, nil, keys, Options{})
		require.Equal(t, VerifyFailed, st)
	})
	t.Run("padding", func(t *testing.T) {
		// Flipping a byte in the second-to-last block flips the same byte
		// of the last plaintext block, which is all padding here.
		bad := bytes.Clone(img)
		bad[len(bad)-format.BlockSize-1] ^= 0x01
		st, _ := verify(t, bad, nil, keys, Options{})
		require.Equal(t, InvalidData, st)
	})
	t.Run("wrong key", func(t *testing.T) {
		st, _ := verify(t, img, nil, keyMap{1: {9}}, Options{})
		require.Contains(t, []Status{VerifyFailed, InvalidData}, st)
	})
	t.Run("inconsistent lengths", func(t *testing.T) {
		bad := bytes.Clone(img)
		bad[format.HeaderSize+format.EncPlainLenOffset] += format.BlockSize
		st, _ := verify(t, bad, nil, keys, Options{})
		require.Equal(t, HeaderError, st)
	})
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("no space") }

func TestPipeline_WriteFailureIsBad(t *testing.T) {
	img := build(t, Image{Payload: payload(8)})
	s := New(failingWriter{}, nil, nil, Options{})
	st, _ := feed(s, img, whole)
	require.Equal(t, Bad, st)
}

func TestPipeline_RootFinderError(t *testing.T) {
	root := testKeys()[0]
	img := build(t, Image{Payload: payload(8), Signers: []*rsa.PrivateKey{root}})
	finder := RootFinderFunc(func([32]byte) (bool, error) { return false, errors.New("store offline") })
	st, _ := verify(t, img, finder, nil, DefaultOptions())
	require.Equal(t, Bad, st)
}

func TestState_CloseInvalidates(t *testing.T) {
	s := New(nil, nil, nil, Options{})
	s.Close()
	st, left := s.Receive([]byte{1, 2, 3})
	require.Equal(t, InvalidData, st)
	require.Equal(t, 3, left)
}

func TestStatus_Helpers(t *testing.T) {
	require.Nil(t, NoError.Err())
	require.False(t, NoError.IsTerminal())
	require.False(t, NeedMoreTime.IsTerminal())
	require.True(t, SigVerifyFail.IsTerminal())
	require.ErrorIs(t, SigVerifyFail.Err(), ErrSigVerifyFail)
	require.ErrorIs(t, Status(200).Err(), ErrBad)
	require.Equal(t, "too little data", TooLittleData.String())
	require.Equal(t, "unknown", Status(200).String())
}

func TestBuild_RejectsBadSigner(t *testing.T) {
	small, err := rsa.GenerateKey(rand.Reader, 1024)
	require.NoError(t, err)
	_, err = Build(Image{Type: format.PayloadApp, Signers: []*rsa.PrivateKey{small}})
	require.ErrorIs(t, err, ErrBadSigner)
	_, err = KeyHash(&small.PublicKey)
	require.ErrorIs(t, err, ErrBadSigner)
}

func TestInspect(t *testing.T) {
	leaf, root := testKeys()[1], testKeys()[0]
	enc := &Encryption{KeyID: 3}
	img := build(t, Image{AppID: 9, Payload: payload(40), Encrypt: enc, Signers: []*rsa.PrivateKey{leaf, root}})

	info, err := Inspect(img)
	require.NoError(t, err)
	require.Equal(t, uint64(9), info.Header.AppID)
	require.NotNil(t, info.Enc)
	require.Equal(t, uint32(40), info.Enc.PlainLen)
	require.Equal(t, format.HeaderSize+format.EncHeaderSize, info.BodyOffset)
	require.Len(t, info.KeyHashes, 2)
	leafHash, _ := KeyHash(&leaf.PublicKey)
	rootHash, _ := KeyHash(&root.PublicKey)
	require.Equal(t, [][32]byte{leafHash, rootHash}, info.KeyHashes)
	require.Zero(t, info.Trailing)

	_, err = Inspect(img[:format.HeaderSize+10])
	require.ErrorIs(t, err, format.ErrTruncated)
}
