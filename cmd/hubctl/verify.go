package main

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/joshuapare/hubkernel/appsec"
	"github.com/joshuapare/hubkernel/internal/keystore"
	"github.com/joshuapare/hubkernel/internal/logger"
	"github.com/joshuapare/hubkernel/internal/writer"
)

var (
	verifyRoots    []string
	verifyKeyDB    string
	verifyOut      string
	verifyUnsigned bool
)

func init() {
	cmd := newVerifyCmd()
	cmd.Flags().StringSliceVarP(&verifyRoots, "root", "r", nil, "Root of trust key file (repeatable)")
	cmd.Flags().StringVar(&verifyKeyDB, "keys", "", "Key database for encrypted images")
	cmd.Flags().StringVarP(&verifyOut, "out", "o", "", "Write the verified header and plaintext here")
	cmd.Flags().BoolVar(&verifyUnsigned, "allow-unsigned", false, "Accept unsigned images")
	rootCmd.AddCommand(cmd)
}

func newVerifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify <image>",
		Short: "Verify an image the way the hub's loader does",
		Long: `The verify command runs an image through the same verifier the hub
uses: it checks the signature chain against the given roots and, for
encrypted images, decrypts the body with a key from the key database.

Example:
  hubctl verify app.img --root root.pem
  hubctl verify app.img --root root.pub --keys keys.db --out app.bin`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerify(args)
		},
	}
	return cmd
}

var errVerifyFailed = errors.New("verification failed")

type verifyResult struct {
	File       string `json:"file"`
	Status     string `json:"status"`
	Signatures int    `json:"signatures"`
	Output     int    `json:"outputBytes"`
}

func runVerify(args []string) error {
	path := args[0]
	mf, err := openImage(path)
	if err != nil {
		return err
	}
	defer mf.Close()
	img := mf.Bytes()
	roots, err := rootSet(verifyRoots)
	if err != nil {
		return fmt.Errorf("failed to load roots: %w", err)
	}

	var keys keystore.Store
	if verifyKeyDB != "" {
		db, err := keystore.OpenSQLite(verifyKeyDB)
		if err != nil {
			return err
		}
		defer db.Close()
		keys = db
	}

	opts := appsec.DefaultOptions()
	opts.MandateSigning = !verifyUnsigned
	opts.MaxImageSize = uint32(min(len(img), 1<<31))

	var out bytes.Buffer
	s := appsec.New(&out, roots, keys, opts)
	defer s.Close()
	st := s.ReceiveAll(img)
	if st == appsec.NoError {
		st = s.EndOfStream()
	}
	printVerbose("Checked %d signature record(s)\n", s.SignaturesVerified())
	logger.Info("hubctl: image verified", "file", path, "status", st.String(), "signatures", s.SignaturesVerified())

	res := verifyResult{File: path, Status: st.String(), Signatures: s.SignaturesVerified()}
	if st == appsec.NoError {
		res.Output = out.Len()
		if verifyOut != "" {
			if err := writer.WriteFile(verifyOut, out.Bytes(), 0o644); err != nil {
				return fmt.Errorf("failed to write output: %w", err)
			}
		}
	}

	if jsonOut {
		if err := printJSON(res); err != nil {
			return err
		}
	} else {
		printInfo("%s: %s (%d signature(s) checked)\n", res.File, res.Status, res.Signatures)
	}
	if st != appsec.NoError {
		return fmt.Errorf("%w: %w", errVerifyFailed, st.Err())
	}
	return nil
}
