package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/nicolastibata/catdog-classifier/internal/logging"
)

// ErrNotFound reports an unknown or expired session or image.
var ErrNotFound = errors.New("session: not found")

// Origin values for the image currently held by a session.
const (
	OriginUpload = "upload"
	OriginSample = "sample"
)

// Session is the transient per-browser state of the demo: which image is
// currently selected and the identifier of the last seen upload. It exists
// solely to avoid redundant rework between interactions and is never durable.
type Session struct {
	ID           string    `json:"id"`
	ImageID      string    `json:"image_id"`
	Origin       string    `json:"origin"`
	SampleName   string    `json:"sample_name,omitempty"`
	LastUploadID string    `json:"last_upload_id,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// HasImage reports whether the session currently points at an image.
func (s *Session) HasImage() bool {
	return s != nil && s.ImageID != ""
}

// Store keeps session records and their selected image bytes in a Cache with a
// TTL. Transient backend errors are retried with capped exponential backoff.
type Store struct {
	cache  Cache
	ttl    time.Duration
	logger *zap.Logger

	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewStore constructs a session store on top of the given cache backend.
func NewStore(cache Cache, ttl time.Duration, logger *zap.Logger) *Store {
	return &Store{
		cache:          cache,
		ttl:            ttl,
		logger:         logger.Named("session_store"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// Save writes the session record, refreshing its TTL.
func (st *Store) Save(ctx context.Context, s *Session) error {
	s.UpdatedAt = time.Now().UTC()
	serialized, err := json.Marshal(s)
	if err != nil {
		return logging.NewOperationError("session.save", s.ID, err)
	}
	return st.withRetry(ctx, s.ID, "session.save", func() error {
		return st.cache.Set(ctx, sessionKey(s.ID), string(serialized), st.ttl)
	})
}

// Get loads a session record. Missing sessions surface as ErrNotFound.
func (st *Store) Get(ctx context.Context, id string) (*Session, error) {
	raw, err := st.getWithRetry(ctx, id, "session.get", sessionKey(id))
	if err != nil {
		return nil, err
	}

	var s Session
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, logging.NewOperationError("session.get", id, err)
	}
	return &s, nil
}

// PutImage stores the raw bytes of a selected image under the same TTL as the
// owning session.
func (st *Store) PutImage(ctx context.Context, imageID string, data []byte) error {
	encoded := base64.StdEncoding.EncodeToString(data)
	return st.withRetry(ctx, imageID, "session.put_image", func() error {
		return st.cache.Set(ctx, imageKey(imageID), encoded, st.ttl)
	})
}

// Image returns the raw bytes of a previously stored image.
func (st *Store) Image(ctx context.Context, imageID string) ([]byte, error) {
	raw, err := st.getWithRetry(ctx, imageID, "session.get_image", imageKey(imageID))
	if err != nil {
		return nil, err
	}
	data, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, logging.NewOperationError("session.get_image", imageID, err)
	}
	return data, nil
}

func sessionKey(id string) string {
	return fmt.Sprintf("session:%s", id)
}

func imageKey(id string) string {
	return fmt.Sprintf("image:%s", id)
}

func (st *Store) withRetry(ctx context.Context, requestID, operation string, fn func() error) error {
	if st.retryAttempts <= 1 {
		err := fn()
		if errors.Is(err, ErrMiss) {
			return ErrNotFound
		}
		return logging.NewOperationError(operation, requestID, err)
	}

	backoff := st.initialBackoff
	opLogger := logging.WithOperation(st.logger, operation, requestID)
	var err error
	for attempt := 0; attempt < st.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= st.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("cache operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}
		if errors.Is(err, ErrMiss) {
			return ErrNotFound
		}

		if !isTransientError(err) || attempt == st.retryAttempts-1 {
			opLogger.Error("cache operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, requestID, err)
		}

		opLogger.Warn("transient cache error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}

func (st *Store) getWithRetry(ctx context.Context, requestID, operation, key string) (string, error) {
	var result string
	err := st.withRetry(ctx, requestID, operation, func() error {
		value, err := st.cache.Get(ctx, key)
		if err != nil {
			return err
		}
		result = value
		return nil
	})
	if err != nil {
		return "", err
	}
	return result, nil
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}

	return false
}
