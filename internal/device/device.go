// Package device provides the stable device identifier and per-operation
// idempotency keys stamped on every mutating call.
package device

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Header and form field names understood by the remote endpoints.
const (
	HeaderDeviceID       = "X-Device-ID"
	HeaderIdempotencyKey = "Idempotency-Key"
	FieldDeviceID        = "device_id"
	FieldIdempotencyKey  = "idempotency_key"
)

var (
	processID   string
	processOnce sync.Once
)

// LoadOrCreate returns the device id persisted at path, generating and
// persisting a new UUID v4 if none exists. With an empty path the id lives
// only as long as the process.
func LoadOrCreate(path string) (string, error) {
	if path == "" {
		processOnce.Do(func() { processID = uuid.NewString() })
		return processID, nil
	}

	data, err := os.ReadFile(path)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if _, parseErr := uuid.Parse(id); parseErr == nil {
			return id, nil
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("failed to read device id: %w", err)
	}

	id := uuid.NewString()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", fmt.Errorf("failed to create device id directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("failed to persist device id: %w", err)
	}

	return id, nil
}

// NewIdempotencyKey returns a fresh random key for one logical operation.
func NewIdempotencyKey() string {
	return uuid.NewString()
}
