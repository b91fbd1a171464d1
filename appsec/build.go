package appsec

import (
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"errors"
	"fmt"
	"math"

	"github.com/joshuapare/hubkernel/internal/format"
)

var (
	// ErrBadSigner indicates a signing key that is not RSA-2048 with e=65537.
	ErrBadSigner = errors.New("appsec: signer must be RSA-2048 with exponent 65537")
	// ErrPayloadTooLarge indicates a payload that does not fit the length fields.
	ErrPayloadTooLarge = errors.New("appsec: payload too large")
)

// Encryption describes how Build encrypts a payload.
type Encryption struct {
	KeyID uint64
	Key   [format.KeySize]byte
	IV    [format.BlockSize]byte
}

// Image is the input to Build.
type Image struct {
	Type       format.PayloadType
	AppID      uint64
	AppVersion uint32
	KeyDelete  bool
	Payload    []byte

	// Encrypt, when set, encrypts the payload.
	Encrypt *Encryption
	// Signers sign the image in chain order: Signers[0] signs the image and
	// each later key signs the hash of the previous key's modulus. The last
	// key should be a root of trust on the target.
	Signers []*rsa.PrivateKey
}

// Build produces an image in the format State consumes.
func Build(img Image) ([]byte, error) {
	if uint64(len(img.Payload)) > math.MaxUint32-format.DigestSize-format.BlockSize {
		return nil, ErrPayloadTooLarge
	}
	for _, k := range img.Signers {
		if err := checkSigner(&k.PublicKey); err != nil {
			return nil, err
		}
	}

	hdr := format.Header{
		Type:       img.Type,
		AppID:      img.AppID,
		AppVersion: img.AppVersion,
		DataLen:    uint32(len(img.Payload)),
	}
	if len(img.Signers) > 0 {
		hdr.Flags |= format.FlagSigned
	}
	if img.KeyDelete {
		hdr.Flags |= format.FlagKeyDelete
	}

	body := img.Payload
	var encHdr []byte
	if img.Encrypt != nil {
		hdr.Flags |= format.FlagEncrypted
		var err error
		body, err = encryptBody(img.Encrypt, img.Payload)
		if err != nil {
			return nil, err
		}
		hdr.DataLen = uint32(len(body))
		encHdr = format.EncHeader{
			KeyID:    img.Encrypt.KeyID,
			PlainLen: uint32(len(img.Payload)),
			IV:       img.Encrypt.IV,
		}.Bytes()
	}

	out := make([]byte, 0, format.HeaderSize+len(encHdr)+len(body)+len(img.Signers)*format.SigRecordSize)
	out = append(out, hdr.Bytes()...)
	out = append(out, encHdr...)
	out = append(out, body...)

	digest := sha256.Sum256(out)
	for _, k := range img.Signers {
		sig, err := rsa.SignPKCS1v15(rand.Reader, k, crypto.SHA256, digest[:])
		if err != nil {
			return nil, fmt.Errorf("appsec: sign: %w", err)
		}
		var rec [format.SigRecordSize]byte
		copy(rec[format.SigSize-len(sig):format.SigSize], sig)
		k.N.FillBytes(rec[format.SigSize:])
		out = append(out, rec[:]...)
		digest = sha256.Sum256(rec[format.SigSize:])
	}
	return out, nil
}

func checkSigner(pub *rsa.PublicKey) error {
	if pub == nil || pub.N == nil || pub.N.BitLen() != format.ModulusSize*8 || pub.E != format.PublicExponent {
		return ErrBadSigner
	}
	return nil
}

func encryptBody(e *Encryption, plain []byte) ([]byte, error) {
	block, err := aes.NewCipher(e.Key[:])
	if err != nil {
		return nil, fmt.Errorf("appsec: cipher: %w", err)
	}
	body := make([]byte, format.CipherLen(uint32(len(plain))))
	copy(body, plain)
	sum := sha256.Sum256(plain)
	copy(body[len(plain):], sum[:])
	cipher.NewCBCEncrypter(block, e.IV[:]).CryptBlocks(body, body)
	return body, nil
}

// KeyHash returns the hash that identifies pub as a root of trust.
func KeyHash(pub *rsa.PublicKey) ([32]byte, error) {
	if err := checkSigner(pub); err != nil {
		return [32]byte{}, err
	}
	var mod [format.ModulusSize]byte
	pub.N.FillBytes(mod[:])
	return sha256.Sum256(mod[:]), nil
}
