package main

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/joshuapare/hubkernel/appsec"
	"github.com/joshuapare/hubkernel/internal/format"
	"github.com/joshuapare/hubkernel/internal/logger"
	"github.com/joshuapare/hubkernel/internal/writer"
)

var keygenPub string

func init() {
	cmd := newKeygenCmd()
	cmd.Flags().StringVar(&keygenPub, "pub", "", "Also write the public key to this file")
	rootCmd.AddCommand(cmd)
}

func newKeygenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keygen <key.pem>",
		Short: "Generate an RSA-2048 signing key",
		Long: `The keygen command writes a new RSA-2048 private key (e = 65537) in PKCS#1
PEM form and prints the key hash the hub uses to recognise it as a root of
trust.

Example:
  hubctl keygen vendor.pem
  hubctl keygen root.pem --pub root.pub --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeygen(args)
		},
	}
	return cmd
}

type keygenResult struct {
	Key     string `json:"key"`
	Pub     string `json:"pub,omitempty"`
	KeyHash string `json:"keyHash"`
}

func runKeygen(args []string) error {
	path := args[0]
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}

	printVerbose("Generating %d-bit key\n", format.ModulusSize*8)
	key, err := rsa.GenerateKey(rand.Reader, format.ModulusSize*8)
	if err != nil {
		return fmt.Errorf("failed to generate key: %w", err)
	}
	hash, err := appsec.KeyHash(&key.PublicKey)
	if err != nil {
		return err
	}

	privPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	if err := writer.WriteFile(path, privPEM, 0o600); err != nil {
		return fmt.Errorf("failed to write key: %w", err)
	}
	if keygenPub != "" {
		pubPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PUBLIC KEY", Bytes: x509.MarshalPKCS1PublicKey(&key.PublicKey)})
		if err := writer.WriteFile(keygenPub, pubPEM, 0o644); err != nil {
			return fmt.Errorf("failed to write public key: %w", err)
		}
	}

	logger.Debug("hubctl: key generated", "key", path, "hash", hexHash(hash))
	res := keygenResult{Key: path, Pub: keygenPub, KeyHash: hexHash(hash)}
	if jsonOut {
		return printJSON(res)
	}
	printInfo("Key:      %s\n", res.Key)
	if res.Pub != "" {
		printInfo("Public:   %s\n", res.Pub)
	}
	printInfo("Key hash: %s\n", res.KeyHash)
	return nil
}
