package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/nicolastibata/catdog-classifier/internal/logging"
)

// ErrChecksumMismatch reports that the artifact on disk or on the wire does
// not match the pinned digest.
var ErrChecksumMismatch = errors.New("artifact: sha256 mismatch")

// Fetcher downloads a pretrained model artifact once and caches it on disk.
// The artifact is treated as an opaque immutable input: once the cache file
// exists it is never re-downloaded.
type Fetcher struct {
	url    string
	path   string
	sha256 string
	client *http.Client
	logger *zap.Logger

	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewFetcher constructs a Fetcher. sha256Hex is optional; when empty the
// downloaded bytes are trusted as-is.
func NewFetcher(url, path, sha256Hex string, logger *zap.Logger) *Fetcher {
	return &Fetcher{
		url:            url,
		path:           path,
		sha256:         sha256Hex,
		client:         &http.Client{Timeout: 5 * time.Minute},
		logger:         logger.Named("artifact_fetcher"),
		retryAttempts:  3,
		initialBackoff: 500 * time.Millisecond,
		maxBackoff:     10 * time.Second,
	}
}

// Fetch returns the local path of the model artifact, downloading it first if
// the cache file does not exist yet.
func (f *Fetcher) Fetch(ctx context.Context) (string, error) {
	opLogger := logging.WithOperation(f.logger, "artifact.fetch", "")

	if info, err := os.Stat(f.path); err == nil && info.Size() > 0 {
		if err := f.verify(f.path); err != nil {
			return "", err
		}
		opLogger.Info("model artifact already cached",
			zap.String("path", f.path),
			zap.Int64("size_bytes", info.Size()))
		return f.path, nil
	}

	if f.url == "" {
		return "", logging.NewOperationError("artifact.fetch", "",
			fmt.Errorf("artifact %s missing and no download URL configured", f.path))
	}

	opLogger.Info("downloading model artifact", zap.String("url", f.url))

	backoff := f.initialBackoff
	var lastErr error
	for attempt := 0; attempt < f.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", logging.NewOperationError("artifact.fetch", "", ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= f.maxBackoff {
				backoff = next
			}
			opLogger.Warn("retrying artifact download",
				zap.Int("attempt", attempt+1),
				zap.Error(lastErr))
		}

		lastErr = f.download(ctx)
		if lastErr == nil {
			opLogger.Info("model artifact downloaded", zap.String("path", f.path))
			return f.path, nil
		}
		if !isRetryable(lastErr) {
			break
		}
	}
	return "", logging.NewOperationError("artifact.download", "", lastErr)
}

func (f *Fetcher) download(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return err
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &statusError{code: resp.StatusCode}
	}

	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return err
	}

	// Write through a temp file so a partial download never becomes the cache.
	tmp, err := os.CreateTemp(filepath.Dir(f.path), filepath.Base(f.path)+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	hasher := sha256.New()
	if _, err := io.Copy(tmp, io.TeeReader(resp.Body, hasher)); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if f.sha256 != "" {
		if got := hex.EncodeToString(hasher.Sum(nil)); got != f.sha256 {
			return fmt.Errorf("%w: got %s want %s", ErrChecksumMismatch, got, f.sha256)
		}
	}

	return os.Rename(tmp.Name(), f.path)
}

func (f *Fetcher) verify(path string) error {
	if f.sha256 == "" {
		return nil
	}
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return err
	}
	if got := hex.EncodeToString(hasher.Sum(nil)); got != f.sha256 {
		return fmt.Errorf("%w: cached file %s has digest %s want %s", ErrChecksumMismatch, path, got, f.sha256)
	}
	return nil
}

type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.code)
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrChecksumMismatch) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var statusErr *statusError
	if errors.As(err, &statusErr) {
		return statusErr.code >= http.StatusInternalServerError || statusErr.code == http.StatusTooManyRequests
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	// Connection resets and friends surface as url.Error without Timeout.
	return true
}
