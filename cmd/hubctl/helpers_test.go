package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// captureOutput captures stdout while running a function
func captureOutput(t *testing.T, fn func() error) (string, error) {
	t.Helper()

	origStdout := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("failed to create pipe: %v", err)
	}
	os.Stdout = w

	fnErr := fn()

	w.Close()
	os.Stdout = origStdout

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		t.Fatalf("failed to read output: %v", err)
	}
	return buf.String(), fnErr
}

// assertJSON checks that output is valid JSON
func assertJSON(t *testing.T, output string) {
	t.Helper()
	var result any
	if err := json.Unmarshal([]byte(output), &result); err != nil {
		t.Errorf("invalid JSON output: %v\nOutput: %s", err, output)
	}
}

// assertContains checks that output contains all expected strings
func assertContains(t *testing.T, output string, expected []string) {
	t.Helper()
	for _, want := range expected {
		if !strings.Contains(output, want) {
			t.Errorf("output missing expected string %q\nGot: %s", want, output)
		}
	}
}

// resetFlags restores every flag variable to its default.
func resetFlags() {
	verbose, quiet, jsonOut, debug = false, false, false, false
	logDir = ""
	keygenPub = ""
	buildManifest, buildOut = "", ""
	verifyRoots, verifyKeyDB, verifyOut, verifyUnsigned = nil, "", "", false
	keyDB, keyVendor, keyIndex, keyID = "", "", 0, ""
	keyHex, keyPassphrase, keySalt = "", "", ""
}

// writeFile writes data under dir and returns the path.
func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

// keygen creates a signing key and its public half under dir.
func keygen(t *testing.T, dir, name string) (priv, pub string) {
	t.Helper()
	resetFlags()
	priv = filepath.Join(dir, name+".pem")
	keygenPub = filepath.Join(dir, name+".pub")
	pub = keygenPub
	if _, err := captureOutput(t, func() error { return runKeygen([]string{priv}) }); err != nil {
		t.Fatalf("keygen: %v", err)
	}
	resetFlags()
	return priv, pub
}
