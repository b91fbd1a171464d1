package main

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/sugawarayuuta/sonnet"

	"github.com/joshuapare/hubkernel/appsec"
	"github.com/joshuapare/hubkernel/internal/format"
	"github.com/joshuapare/hubkernel/internal/keystore"
	"github.com/joshuapare/hubkernel/internal/logger"
	"github.com/joshuapare/hubkernel/internal/writer"
)

var (
	buildManifest string
	buildOut      string
)

func init() {
	cmd := newBuildCmd()
	cmd.Flags().StringVarP(&buildManifest, "manifest", "m", "", "Image manifest (JSON)")
	cmd.Flags().StringVarP(&buildOut, "out", "o", "", "Output image file")
	_ = cmd.MarkFlagRequired("manifest")
	_ = cmd.MarkFlagRequired("out")
	rootCmd.AddCommand(cmd)
}

func newBuildCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "build --manifest <manifest.json> --out <image>",
		Short: "Build an image from a manifest",
		Long: `The build command assembles an image described by a JSON manifest. File
paths in the manifest are relative to the manifest's directory.

Manifest fields:
  type      app, key or os
  vendor    five-character vendor tag
  seq       app sequence number within the vendor (24 bits)
  appId     full app id, instead of vendor and seq ("0x..." or decimal)
  version   app version
  payload   payload file (app and os images)
  signers   PEM private keys in chain order; the last should be a root
  encrypt   encrypt the payload with "key"
  iv        hex IV; random when empty
  key       {"index": n, "hex": "..."} or {"index": n, "passphrase": "...", "salt": "..."}
  delete    key images only: remove the key instead of adding it

Example:
  hubctl build --manifest app.json --out app.img`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBuild()
		},
	}
	return cmd
}

type manifestKey struct {
	Index      uint64 `json:"index"`
	Hex        string `json:"hex"`
	Passphrase string `json:"passphrase"`
	Salt       string `json:"salt"`
}

type manifest struct {
	Type    string       `json:"type"`
	Vendor  string       `json:"vendor"`
	Seq     uint32       `json:"seq"`
	AppID   string       `json:"appId"`
	Version uint32       `json:"version"`
	Payload string       `json:"payload"`
	Signers []string     `json:"signers"`
	Encrypt bool         `json:"encrypt"`
	IV      string       `json:"iv"`
	Key     *manifestKey `json:"key"`
	Delete  bool         `json:"delete"`
}

type buildResult struct {
	Out     string `json:"out"`
	Type    string `json:"type"`
	AppID   string `json:"appId"`
	Size    int    `json:"size"`
	Signers int    `json:"signers"`
	KeyID   string `json:"keyId,omitempty"`
}

func loadManifest(path string) (manifest, error) {
	var m manifest
	data, err := os.ReadFile(path)
	if err != nil {
		return m, err
	}
	if err := sonnet.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("failed to parse manifest: %w", err)
	}
	return m, nil
}

func parsePayloadType(s string) (format.PayloadType, error) {
	switch strings.ToLower(s) {
	case "app", "":
		return format.PayloadApp, nil
	case "key":
		return format.PayloadKey, nil
	case "os":
		return format.PayloadOS, nil
	}
	return 0, fmt.Errorf("unknown image type %q (must be app, key or os)", s)
}

func (m manifest) appID() (uint64, error) {
	if m.AppID != "" {
		return strconv.ParseUint(m.AppID, 0, 64)
	}
	return format.MakeAppID(m.Vendor, m.Seq)
}

// resolve returns the symmetric key a manifest names.
func (k *manifestKey) resolve() (keystore.Key, error) {
	var key keystore.Key
	switch {
	case k.Hex != "":
		b, err := hex.DecodeString(k.Hex)
		if err != nil || len(b) != format.KeySize {
			return key, fmt.Errorf("key hex must be %d bytes", format.KeySize)
		}
		copy(key[:], b)
	case k.Passphrase != "":
		key = keystore.DeriveKey([]byte(k.Passphrase), []byte(k.Salt))
	default:
		return key, errors.New("key needs hex or passphrase")
	}
	return key, nil
}

func runBuild() error {
	m, err := loadManifest(buildManifest)
	if err != nil {
		return err
	}
	dir := filepath.Dir(buildManifest)
	rel := func(p string) string {
		if filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(dir, p)
	}

	typ, err := parsePayloadType(m.Type)
	if err != nil {
		return err
	}
	appID, err := m.appID()
	if err != nil {
		return fmt.Errorf("invalid app id: %w", err)
	}
	img := appsec.Image{
		Type:       typ,
		AppID:      appID,
		AppVersion: m.Version,
		KeyDelete:  m.Delete,
	}

	var keyID uint64
	if m.Key != nil {
		keyID = format.KeyID(appID, m.Key.Index)
	}

	switch {
	case typ == format.PayloadKey:
		if m.Key == nil {
			return errors.New("key images need a key")
		}
		key, err := m.Key.resolve()
		if err != nil {
			return err
		}
		img.Payload = format.KeyRecord{ID: m.Key.Index, Key: key}.Bytes()
	case m.Payload == "":
		return errors.New("manifest has no payload")
	default:
		img.Payload, err = os.ReadFile(rel(m.Payload))
		if err != nil {
			return fmt.Errorf("failed to read payload: %w", err)
		}
	}

	if m.Encrypt {
		if m.Key == nil {
			return errors.New("encryption needs a key")
		}
		key, err := m.Key.resolve()
		if err != nil {
			return err
		}
		enc := &appsec.Encryption{KeyID: keyID, Key: key}
		if m.IV != "" {
			iv, err := hex.DecodeString(m.IV)
			if err != nil || len(iv) != format.BlockSize {
				return fmt.Errorf("iv must be %d hex bytes", format.BlockSize)
			}
			copy(enc.IV[:], iv)
		} else if _, err := rand.Read(enc.IV[:]); err != nil {
			return err
		}
		img.Encrypt = enc
	}

	for _, s := range m.Signers {
		k, err := loadPrivateKey(rel(s))
		if err != nil {
			return fmt.Errorf("failed to load signer: %w", err)
		}
		img.Signers = append(img.Signers, k)
	}
	printVerbose("Building %s image %016x with %d signer(s)\n", typ, appID, len(img.Signers))

	out, err := appsec.Build(img)
	if err != nil {
		return err
	}
	if err := writer.WriteFile(buildOut, out, 0o644); err != nil {
		return fmt.Errorf("failed to write image: %w", err)
	}
	logger.Info("hubctl: image built", "out", buildOut, "type", typ.String(), "app", appID, "size", len(out))

	res := buildResult{
		Out:     buildOut,
		Type:    typ.String(),
		AppID:   fmt.Sprintf("%016x", appID),
		Size:    len(out),
		Signers: len(img.Signers),
	}
	if m.Key != nil {
		res.KeyID = fmt.Sprintf("%016x", keyID)
	}
	if jsonOut {
		return printJSON(res)
	}
	printInfo("Wrote %s: %s image, app %s, %d bytes, %d signer(s)\n",
		res.Out, res.Type, res.AppID, res.Size, res.Signers)
	return nil
}
