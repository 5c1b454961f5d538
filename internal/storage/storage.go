// Package storage keeps uploaded medical files. Keys are slash-separated
// paths such as patients/{patientID}/{documentID}.pdf.
package storage

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/healthnexus/platform/internal/shared/config"
)

// Store is a flat blob store
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// New builds the configured store, wrapping it with encryption when a key is set.
func New(ctx context.Context, cfg config.StorageConfig) (Store, error) {
	var base Store
	switch cfg.Driver {
	case "gcs":
		gcs, err := NewGCSStore(ctx, cfg.Bucket)
		if err != nil {
			return nil, err
		}
		base = gcs
	case "local", "":
		local, err := NewLocalStore(cfg.LocalDir)
		if err != nil {
			return nil, err
		}
		base = local
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}

	if cfg.EncryptionKey == "" {
		return base, nil
	}
	key, err := ParseKey(cfg.EncryptionKey)
	if err != nil {
		return nil, err
	}
	return NewEncryptedStore(base, key)
}

// cleanKey rejects keys that could escape the store root.
func cleanKey(key string) (string, error) {
	if key == "" || strings.Contains(key, "\\") {
		return "", fmt.Errorf("invalid storage key %q", key)
	}
	cleaned := path.Clean("/" + key)[1:]
	if cleaned == "" || cleaned != strings.TrimPrefix(key, "/") {
		return "", fmt.Errorf("invalid storage key %q", key)
	}
	return cleaned, nil
}

// DocumentKey is the object key for a patient document.
func DocumentKey(patientID, documentID, ext string) string {
	return fmt.Sprintf("patients/%s/%s%s", patientID, documentID, ext)
}
