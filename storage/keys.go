package storage

import (
	"encoding/base64"
	"errors"
	"fmt"
)

var errEmptyPath = errors.New("empty path")

// encodeKey maps an arbitrary path onto a single safe name segment so that
// media with hierarchical namespaces (directories, Vault paths) store every
// path flat and list it back unchanged.
func encodeKey(path string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(path))
}

func decodeKey(name string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(name)
	if err != nil {
		return "", fmt.Errorf("invalid stored key %q: %w", name, err)
	}
	return string(raw), nil
}

func validatePath(path string) error {
	if path == "" {
		return errEmptyPath
	}
	return nil
}
