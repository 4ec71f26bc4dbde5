package recorder

import (
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/tradeforge/levscan/internal/engine"
)

// WriteBlob persists the per-trade records as a gzip-compressed JSON blob
// under a content-addressed path: <root>/<aa>/<sha256>.json.gz. Returns the
// final path plus raw and compressed byte counts.
func WriteBlob(root string, signals []*engine.Signal) (path string, rawSize, gzSize int64, err error) {
	raw, err := json.Marshal(signals)
	if err != nil {
		return "", 0, 0, fmt.Errorf("failed to marshal trade blob: %w", err)
	}

	sum := sha256.Sum256(raw)
	digest := hex.EncodeToString(sum[:])
	dir := filepath.Join(root, digest[:2])
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", 0, 0, fmt.Errorf("failed to create blob dir: %w", err)
	}
	path = filepath.Join(dir, digest+".json.gz")

	// Content addressing makes writes idempotent.
	if _, statErr := os.Stat(path); statErr == nil {
		info, _ := os.Stat(path)
		return path, int64(len(raw)), info.Size(), nil
	}

	tmp, err := os.CreateTemp(dir, ".blob-*")
	if err != nil {
		return "", 0, 0, fmt.Errorf("failed to create blob temp file: %w", err)
	}
	gz, _ := gzip.NewWriterLevel(tmp, gzip.BestCompression)
	if _, err := gz.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", 0, 0, fmt.Errorf("failed to compress trade blob: %w", err)
	}
	if err := gz.Close(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", 0, 0, fmt.Errorf("failed to flush trade blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", 0, 0, fmt.Errorf("failed to close trade blob: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", 0, 0, fmt.Errorf("failed to publish trade blob: %w", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return "", 0, 0, err
	}
	return path, int64(len(raw)), info.Size(), nil
}

// ReadBlob loads a compressed trade blob back into signal records
func ReadBlob(path string) ([]*engine.Signal, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open trade blob: %w", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("failed to open gzip stream: %w", err)
	}
	defer gz.Close()

	raw, err := io.ReadAll(gz)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress trade blob: %w", err)
	}

	var signals []*engine.Signal
	if err := json.Unmarshal(raw, &signals); err != nil {
		return nil, fmt.Errorf("failed to decode trade blob: %w", err)
	}
	return signals, nil
}
