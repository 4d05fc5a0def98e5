// Package digest computes the deterministic fingerprints used to detect already-generated artifacts.
package digest

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
)

func String(input string) string {
	return Bytes([]byte(input))
}

func Bytes(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// File hashes the file at path. A missing file yields ("", false, nil).
func File(path string) (string, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", false, fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), true, nil
}

// Key joins parts into a stable cache key. Parts are length-prefixed so ("ab","c") != ("a","bc").
func Key(namespace string, parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		fmt.Fprintf(h, "%d:%s|", len(p), p)
	}
	return namespace + ":" + hex.EncodeToString(h.Sum(nil))
}
