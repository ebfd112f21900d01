package usecase

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nicolastibata/catdog-classifier/internal/classifier"
	"github.com/nicolastibata/catdog-classifier/internal/imaging"
	"github.com/nicolastibata/catdog-classifier/internal/logging"
	"github.com/nicolastibata/catdog-classifier/internal/samples"
	"github.com/nicolastibata/catdog-classifier/internal/session"
)

// ErrNoImage reports a classify or image request for a session that has no
// image selected yet.
var ErrNoImage = errors.New("usecase: no image selected")

// Predictor is the inference dependency of the flow.
type Predictor interface {
	Predict(ctx context.Context, tensor []float32) (*classifier.Prediction, error)
	Metadata() classifier.Metadata
}

// SessionStore is the transient state dependency of the flow.
type SessionStore interface {
	Save(ctx context.Context, s *session.Session) error
	Get(ctx context.Context, id string) (*session.Session, error)
	PutImage(ctx context.Context, imageID string, data []byte) error
	Image(ctx context.Context, imageID string) ([]byte, error)
}

// SampleLibrary is the bundled-images dependency of the flow.
type SampleLibrary interface {
	List() ([]samples.Sample, error)
	Load(name string) ([]byte, error)
}

// Result is one classification outcome as rendered to the user.
type Result struct {
	RequestID     string             `json:"request_id"`
	Label         string             `json:"label"`
	Confidence    float32            `json:"confidence"`
	Probabilities map[string]float32 `json:"probabilities"`
	Band          string             `json:"band"`
	ElapsedMs     int64              `json:"elapsed_ms"`
}

// ModelInfo is the static model card shown on the page.
type ModelInfo struct {
	Labels    []string `json:"labels"`
	ImageSize int      `json:"image_size"`
	Artifact  string   `json:"artifact"`
}

// ClassifyUseCase orchestrates session state, preprocessing, and inference.
type ClassifyUseCase struct {
	store        SessionStore
	predictor    Predictor
	samples      SampleLibrary
	logger       *zap.Logger
	artifactPath string
}

// NewClassifyUseCase constructs a new use case instance.
func NewClassifyUseCase(store SessionStore, predictor Predictor, library SampleLibrary, artifactPath string, logger *zap.Logger) *ClassifyUseCase {
	return &ClassifyUseCase{
		store:        store,
		predictor:    predictor,
		samples:      library,
		logger:       logger.Named("classify_usecase"),
		artifactPath: artifactPath,
	}
}

// Ready reports whether a model is loaded and able to serve predictions. The
// process refuses to start without one, so this answers false only on a
// miswired instance.
func (uc *ClassifyUseCase) Ready() bool {
	return uc.predictor != nil
}

// ModelInfo returns the label set and input contract of the loaded model.
func (uc *ClassifyUseCase) ModelInfo() ModelInfo {
	meta := uc.predictor.Metadata()
	return ModelInfo{
		Labels:    meta.Labels,
		ImageSize: meta.ImageSize,
		Artifact:  uc.artifactPath,
	}
}

// Samples lists the bundled demo images.
func (uc *ClassifyUseCase) Samples() ([]samples.Sample, error) {
	return uc.samples.List()
}

// LoadSample returns the raw bytes of a bundled demo image.
func (uc *ClassifyUseCase) LoadSample(name string) ([]byte, error) {
	return uc.samples.Load(name)
}

// SelectUpload makes an uploaded image the session's current image. Re-sending
// the same file is a no-op: the upload identifier (a digest of name and bytes)
// is remembered per session, mirroring the page's re-render semantics. The
// second return value reports whether the selection changed.
func (uc *ClassifyUseCase) SelectUpload(ctx context.Context, sessionID, filename string, data []byte) (*session.Session, bool, error) {
	opLogger := logging.WithOperation(uc.logger, "usecase.select_upload", sessionID)

	if _, err := imaging.Decode(data); err != nil {
		return nil, false, err
	}

	uploadID := uploadIdentifier(filename, data)
	s := uc.sessionOrNew(ctx, sessionID)
	if s.LastUploadID == uploadID {
		opLogger.Info("upload unchanged, keeping current image", zap.String("upload_id", uploadID))
		return s, false, nil
	}

	imageID := uuid.NewString()
	if err := uc.store.PutImage(ctx, imageID, data); err != nil {
		opLogger.Error("failed to store uploaded image", zap.Error(err))
		return nil, false, err
	}

	s.ImageID = imageID
	s.Origin = session.OriginUpload
	s.SampleName = ""
	s.LastUploadID = uploadID
	if err := uc.store.Save(ctx, s); err != nil {
		opLogger.Error("failed to save session", zap.Error(err))
		return nil, false, err
	}

	opLogger.Info("upload selected",
		zap.String("image_id", imageID),
		zap.Int("size_bytes", len(data)))
	return s, true, nil
}

// SelectSample makes a bundled image the session's current image and clears
// the last-upload marker, so re-uploading the previous file is honored again.
func (uc *ClassifyUseCase) SelectSample(ctx context.Context, sessionID, name string) (*session.Session, error) {
	opLogger := logging.WithOperation(uc.logger, "usecase.select_sample", sessionID)

	data, err := uc.samples.Load(name)
	if err != nil {
		return nil, err
	}

	imageID := uuid.NewString()
	if err := uc.store.PutImage(ctx, imageID, data); err != nil {
		opLogger.Error("failed to store sample image", zap.Error(err))
		return nil, err
	}

	s := uc.sessionOrNew(ctx, sessionID)
	s.ImageID = imageID
	s.Origin = session.OriginSample
	s.SampleName = name
	s.LastUploadID = ""
	if err := uc.store.Save(ctx, s); err != nil {
		opLogger.Error("failed to save session", zap.Error(err))
		return nil, err
	}

	opLogger.Info("sample selected", zap.String("sample", name), zap.String("image_id", imageID))
	return s, nil
}

// Classify preprocesses the session's current image and runs one forward
// pass. The preprocessed tensor is ephemeral and rebuilt on every call.
func (uc *ClassifyUseCase) Classify(ctx context.Context, sessionID string) (*Result, error) {
	requestID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.classify", requestID)

	data, err := uc.currentImage(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	img, err := imaging.Decode(data)
	if err != nil {
		wrapped := logging.NewOperationError("usecase.decode_image", requestID, err)
		opLogger.Error("stored image no longer decodable", zap.Error(wrapped))
		return nil, wrapped
	}

	started := time.Now()
	tensor := imaging.Preprocess(img, uc.predictor.Metadata().ImageSize)
	prediction, err := uc.predictor.Predict(ctx, tensor)
	if err != nil {
		wrapped := logging.NewOperationError("usecase.predict", requestID, err)
		opLogger.Error("inference failed", zap.Error(wrapped))
		return nil, wrapped
	}

	elapsed := time.Since(started)
	opLogger.Info("image classified",
		zap.String("session_id", sessionID),
		zap.String("label", prediction.Label),
		zap.Float32("confidence", prediction.Confidence),
		zap.Duration("elapsed", elapsed))

	return &Result{
		RequestID:     requestID,
		Label:         prediction.Label,
		Confidence:    prediction.Confidence,
		Probabilities: prediction.Probabilities,
		Band:          prediction.Band,
		ElapsedMs:     elapsed.Milliseconds(),
	}, nil
}

// CurrentImage returns the raw bytes and detected content type of the
// session's current image.
func (uc *ClassifyUseCase) CurrentImage(ctx context.Context, sessionID string) ([]byte, string, error) {
	data, err := uc.currentImage(ctx, sessionID)
	if err != nil {
		return nil, "", err
	}
	contentType, _ := imaging.Sniff(data)
	return data, contentType, nil
}

// PreviewImage returns the preprocessed (resized) view of the current image as
// PNG, the "what the model sees" panel.
func (uc *ClassifyUseCase) PreviewImage(ctx context.Context, sessionID string) ([]byte, error) {
	data, err := uc.currentImage(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	img, err := imaging.Decode(data)
	if err != nil {
		return nil, err
	}
	return imaging.PreviewPNG(img, uc.predictor.Metadata().ImageSize)
}

func (uc *ClassifyUseCase) currentImage(ctx context.Context, sessionID string) ([]byte, error) {
	s, err := uc.store.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return nil, ErrNoImage
		}
		return nil, err
	}
	if !s.HasImage() {
		return nil, ErrNoImage
	}

	data, err := uc.store.Image(ctx, s.ImageID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return nil, ErrNoImage
		}
		return nil, err
	}
	return data, nil
}

func (uc *ClassifyUseCase) sessionOrNew(ctx context.Context, sessionID string) *session.Session {
	s, err := uc.store.Get(ctx, sessionID)
	if err != nil {
		return &session.Session{ID: sessionID}
	}
	return s
}

func uploadIdentifier(filename string, data []byte) string {
	hasher := sha1.New()
	hasher.Write([]byte(filename))
	hasher.Write(data)
	return hex.EncodeToString(hasher.Sum(nil))
}
