package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/joshuapare/hubkernel/appsec"
	"github.com/joshuapare/hubkernel/internal/format"
)

func init() {
	rootCmd.AddCommand(newInfoCmd())
}

func newInfoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "info <image>",
		Short: "Decode an image's headers and signature chain",
		Long: `The info command decodes an image's header, encryption header and
signature records without verifying anything.

Example:
  hubctl info app.img
  hubctl info app.img --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInfo(args)
		},
	}
	return cmd
}

type imageInfo struct {
	File       string   `json:"file"`
	Size       int      `json:"size"`
	Type       string   `json:"type"`
	AppID      string   `json:"appId"`
	Vendor     string   `json:"vendor"`
	Seq        uint32   `json:"seq"`
	Version    uint32   `json:"version"`
	Signed     bool     `json:"signed"`
	Encrypted  bool     `json:"encrypted"`
	KeyDelete  bool     `json:"keyDelete,omitempty"`
	DataLen    uint32   `json:"dataLen"`
	KeyID      string   `json:"keyId,omitempty"`
	PlainLen   uint32   `json:"plainLen,omitempty"`
	KeyHashes  []string `json:"keyHashes,omitempty"`
	TrailBytes int      `json:"trailingBytes,omitempty"`
}

func describe(path string, img []byte) (imageInfo, error) {
	info, err := appsec.Inspect(img)
	if err != nil {
		return imageInfo{}, err
	}
	h := info.Header
	out := imageInfo{
		File:       path,
		Size:       len(img),
		Type:       h.Type.String(),
		AppID:      fmt.Sprintf("%016x", h.AppID),
		Vendor:     format.VendorName(h.AppID),
		Seq:        format.AppSeq(h.AppID),
		Version:    h.AppVersion,
		Signed:     h.Signed(),
		Encrypted:  h.Encrypted(),
		KeyDelete:  h.Flags&format.FlagKeyDelete != 0,
		DataLen:    h.DataLen,
		TrailBytes: info.Trailing,
	}
	if info.Enc != nil {
		out.KeyID = fmt.Sprintf("%016x", info.Enc.KeyID)
		out.PlainLen = info.Enc.PlainLen
	}
	for _, kh := range info.KeyHashes {
		out.KeyHashes = append(out.KeyHashes, hexHash(kh))
	}
	return out, nil
}

func runInfo(args []string) error {
	path := args[0]
	printVerbose("Reading image: %s\n", path)

	mf, err := openImage(path)
	if err != nil {
		return err
	}
	defer mf.Close()
	img := mf.Bytes()
	info, err := describe(path, img)
	if err != nil {
		return fmt.Errorf("failed to decode image: %w", err)
	}

	if jsonOut {
		return printJSON(info)
	}

	printInfo("\nImage Information:\n")
	printInfo("  File: %s (%d bytes)\n", info.File, info.Size)
	printInfo("  Type: %s\n", info.Type)
	printInfo("  App ID: %s (vendor %q, seq %d)\n", info.AppID, info.Vendor, info.Seq)
	printInfo("  Version: %d\n", info.Version)
	printInfo("  Data length: %d\n", info.DataLen)
	if info.KeyDelete {
		printInfo("  Key delete: yes\n")
	}
	if info.Encrypted {
		printInfo("  Encrypted: key %s, %d plaintext bytes\n", info.KeyID, info.PlainLen)
	}
	if info.Signed {
		printInfo("\nSignature chain:\n")
		for i, kh := range info.KeyHashes {
			printInfo("  [%d] %s\n", i, kh)
		}
	}
	if info.TrailBytes > 0 {
		printInfo("\n  %d trailing byte(s)\n", info.TrailBytes)
	}
	return nil
}
