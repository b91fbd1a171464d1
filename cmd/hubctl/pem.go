package main

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	"github.com/joshuapare/hubkernel/appsec"
)

var errNoKey = errors.New("no RSA key in PEM file")

func readPEM(path string) (*pem.Block, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%s: %w", path, errNoKey)
	}
	return block, nil
}

// loadPrivateKey reads a PKCS#1 or PKCS#8 RSA private key.
func loadPrivateKey(path string) (*rsa.PrivateKey, error) {
	block, err := readPEM(path)
	if err != nil {
		return nil, err
	}
	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		if rk, ok := k.(*rsa.PrivateKey); ok {
			return rk, nil
		}
	}
	return nil, fmt.Errorf("%s: %w", path, errNoKey)
}

// loadPublicKey reads an RSA public key, or the public half of a private
// key file.
func loadPublicKey(path string) (*rsa.PublicKey, error) {
	block, err := readPEM(path)
	if err != nil {
		return nil, err
	}
	switch block.Type {
	case "RSA PUBLIC KEY":
		return x509.ParsePKCS1PublicKey(block.Bytes)
	case "PUBLIC KEY":
		k, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		if rk, ok := k.(*rsa.PublicKey); ok {
			return rk, nil
		}
		return nil, fmt.Errorf("%s: %w", path, errNoKey)
	}
	priv, err := loadPrivateKey(path)
	if err != nil {
		return nil, err
	}
	return &priv.PublicKey, nil
}

// rootSet builds a root finder from key files.
func rootSet(paths []string) (appsec.RootSet, error) {
	roots := appsec.RootSet{}
	for _, p := range paths {
		pub, err := loadPublicKey(p)
		if err != nil {
			return nil, err
		}
		h, err := appsec.KeyHash(pub)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", p, err)
		}
		roots[h] = struct{}{}
	}
	return roots, nil
}

func hexHash(h [32]byte) string { return hex.EncodeToString(h[:]) }
