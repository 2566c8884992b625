// Package gcsstore keeps the portal Session in a Google Cloud Storage object.
package gcsstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/portal-bulletin-watcher/internal/bulletin"
)

// Config captures the object location.
type Config struct {
	Bucket string
	Object string
}

// Store is a CredentialStore backed by one GCS object. GCS finalises an
// object only when its writer closes, so readers never observe partial data.
type Store struct {
	client *storage.Client
	bucket string
	object string
	logger *zap.Logger
}

// New creates a GCS-backed credential store.
func New(client *storage.Client, cfg Config, logger *zap.Logger) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	if strings.TrimSpace(cfg.Object) == "" {
		return nil, fmt.Errorf("object name is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		client: client,
		bucket: cfg.Bucket,
		object: cfg.Object,
		logger: logger.Named("session_gcs"),
	}, nil
}

func (s *Store) handle() *storage.ObjectHandle {
	return s.client.Bucket(s.bucket).Object(s.object)
}

// Load downloads the session; a missing or undecodable object is absent.
func (s *Store) Load(ctx context.Context) (bulletin.Session, bool) {
	r, err := s.handle().NewReader(ctx)
	if err != nil {
		if !errors.Is(err, storage.ErrObjectNotExist) {
			s.logger.Warn("open session object", zap.String("object", s.object), zap.Error(err))
		}
		return bulletin.Session{}, false
	}
	defer func() {
		if cerr := r.Close(); cerr != nil {
			s.logger.Debug("close session reader", zap.Error(cerr))
		}
	}()

	data, err := io.ReadAll(r)
	if err != nil {
		s.logger.Warn("read session object", zap.Error(err))
		return bulletin.Session{}, false
	}
	var session bulletin.Session
	if err := json.Unmarshal(data, &session); err != nil {
		s.logger.Warn("discarding corrupt session object", zap.Error(err))
		return bulletin.Session{}, false
	}
	if session.Empty() {
		return bulletin.Session{}, false
	}
	return session, true
}

// Save uploads the session, replacing any previous object.
func (s *Store) Save(ctx context.Context, session bulletin.Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	w := s.handle().NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(data); err != nil {
		if closeErr := w.Close(); closeErr != nil {
			return fmt.Errorf("write session object: %w (close writer: %v)", err, closeErr)
		}
		return fmt.Errorf("write session object: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close session writer: %w", err)
	}
	s.logger.Info("session saved", zap.String("uri", fmt.Sprintf("gs://%s/%s", s.bucket, s.object)))
	return nil
}

// Invalidate deletes the object. A missing object is not an error.
func (s *Store) Invalidate(ctx context.Context) error {
	if err := s.handle().Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("delete session object: %w", err)
	}
	return nil
}
