package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/joshuapare/hubkernel/internal/format"
	"github.com/joshuapare/hubkernel/internal/keystore"
	"github.com/joshuapare/hubkernel/internal/logger"
)

var (
	keyDB         string
	keyVendor     string
	keyIndex      uint64
	keyID         string
	keyHex        string
	keyPassphrase string
	keySalt       string
)

func init() {
	cmd := &cobra.Command{
		Use:   "key",
		Short: "Manage the host key database",
		Long: `The key commands maintain a SQLite database of the symmetric keys used to
encrypt images. Key ids combine the vendor tag of the app id with a
24-bit index.`,
	}
	cmd.PersistentFlags().StringVar(&keyDB, "db", "hubkeys.db", "Key database file")

	add := newKeyAddCmd()
	add.Flags().StringVar(&keyVendor, "vendor", "", "Vendor tag")
	add.Flags().Uint64Var(&keyIndex, "index", 0, "Key index within the vendor")
	add.Flags().StringVar(&keyID, "id", "", "Full key id, instead of vendor and index")
	add.Flags().StringVar(&keyHex, "hex", "", "Key as 64 hex digits")
	add.Flags().StringVar(&keyPassphrase, "passphrase", "", "Derive the key from a passphrase")
	add.Flags().StringVar(&keySalt, "salt", "", "Salt for --passphrase")

	rm := newKeyRmCmd()
	rm.Flags().StringVar(&keyVendor, "vendor", "", "Vendor tag")
	rm.Flags().Uint64Var(&keyIndex, "index", 0, "Key index within the vendor")
	rm.Flags().StringVar(&keyID, "id", "", "Full key id, instead of vendor and index")

	cmd.AddCommand(add, rm, newKeyListCmd())
	rootCmd.AddCommand(cmd)
}

func newKeyAddCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add",
		Short: "Add a key",
		Long: `Add a key to the database. Existing keys are never overwritten.

Example:
  hubctl key add --vendor Acme! --index 5 --passphrase hunter2 --salt acme
  hubctl key add --id 0x4163...0005 --hex 00112233...`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeyAdd()
		},
	}
}

func newKeyRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm",
		Short: "Remove a key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeyRm()
		},
	}
}

func newKeyListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List key ids",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeyList()
		},
	}
}

// selectedKeyID resolves --id or --vendor/--index.
func selectedKeyID() (uint64, error) {
	if keyID != "" {
		return strconv.ParseUint(keyID, 0, 64)
	}
	if keyVendor == "" {
		return 0, errors.New("need --id or --vendor")
	}
	appID, err := format.MakeAppID(keyVendor, 0)
	if err != nil {
		return 0, err
	}
	return format.KeyID(appID, keyIndex), nil
}

func selectedKey() (keystore.Key, error) {
	var key keystore.Key
	switch {
	case keyHex != "":
		b, err := hex.DecodeString(keyHex)
		if err != nil || len(b) != format.KeySize {
			return key, fmt.Errorf("--hex must be %d bytes", format.KeySize)
		}
		copy(key[:], b)
	case keyPassphrase != "":
		key = keystore.DeriveKey([]byte(keyPassphrase), []byte(keySalt))
	default:
		return key, errors.New("need --hex or --passphrase")
	}
	return key, nil
}

type keyEntry struct {
	ID     string `json:"id"`
	Vendor string `json:"vendor"`
	Index  uint32 `json:"index"`
}

func entryFor(id uint64) keyEntry {
	return keyEntry{
		ID:     fmt.Sprintf("%016x", id),
		Vendor: format.VendorName(id),
		Index:  format.AppSeq(id),
	}
}

func runKeyAdd() error {
	id, err := selectedKeyID()
	if err != nil {
		return err
	}
	key, err := selectedKey()
	if err != nil {
		return err
	}
	db, err := keystore.OpenSQLite(keyDB)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.AddKey(id, key); err != nil {
		return err
	}
	logger.Info("hubctl: key added", "db", keyDB, "id", id)
	if jsonOut {
		return printJSON(entryFor(id))
	}
	printInfo("Added key %016x\n", id)
	return nil
}

func runKeyRm() error {
	id, err := selectedKeyID()
	if err != nil {
		return err
	}
	db, err := keystore.OpenSQLite(keyDB)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.DeleteKey(id); err != nil {
		return err
	}
	logger.Warn("hubctl: key removed", "db", keyDB, "id", id)
	if jsonOut {
		return printJSON(entryFor(id))
	}
	printInfo("Removed key %016x\n", id)
	return nil
}

func runKeyList() error {
	db, err := keystore.OpenSQLite(keyDB)
	if err != nil {
		return err
	}
	defer db.Close()

	ids, err := db.List()
	if err != nil {
		return err
	}
	entries := make([]keyEntry, 0, len(ids))
	for _, id := range ids {
		entries = append(entries, entryFor(id))
	}
	if jsonOut {
		return printJSON(entries)
	}
	if len(entries) == 0 {
		printInfo("No keys\n")
		return nil
	}
	for _, e := range entries {
		printInfo("%s  %-5s %d\n", e.ID, e.Vendor, e.Index)
	}
	return nil
}
