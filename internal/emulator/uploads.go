package emulator

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lgulliver/storepush/internal/storage"
	"github.com/rs/zerolog/log"
)

// UnknownTotal marks an upload whose final size has not been declared yet
const UnknownTotal = -1

// UploadSession is a resumable upload in progress
type UploadSession struct {
	ID          string
	EditID      uuid.UUID
	PackageName string
	Kind        string
	ContentType string
	Total       int64
	Received    int64
	StartedAt   time.Time
	LastUpdate  time.Time
	TempPath    string

	mu sync.Mutex
}

// Complete reports whether every declared byte has arrived
func (s *UploadSession) Complete() bool {
	return s.Total != UnknownTotal && s.Received == s.Total
}

// UploadManager keeps resumable upload sessions and their staging blobs
type UploadManager struct {
	mu       sync.RWMutex
	sessions map[string]*UploadSession
	storage  storage.BlobStorage
	maxIdle  time.Duration
	stop     chan struct{}
	stopOnce sync.Once
}

// NewUploadManager creates an upload manager. Sessions idle for longer than
// maxIdle are dropped together with their staging blobs.
func NewUploadManager(blobs storage.BlobStorage, maxIdle time.Duration) *UploadManager {
	if maxIdle <= 0 {
		maxIdle = 24 * time.Hour
	}
	um := &UploadManager{
		sessions: make(map[string]*UploadSession),
		storage:  blobs,
		maxIdle:  maxIdle,
		stop:     make(chan struct{}),
	}

	go um.cleanupRoutine()

	return um
}

// Start opens an upload session for an edit
func (um *UploadManager) Start(editID uuid.UUID, packageName, kind, contentType string, total int64) *UploadSession {
	um.mu.Lock()
	defer um.mu.Unlock()

	id := uuid.New().String()
	now := time.Now()
	session := &UploadSession{
		ID:          id,
		EditID:      editID,
		PackageName: packageName,
		Kind:        kind,
		ContentType: contentType,
		Total:       total,
		StartedAt:   now,
		LastUpdate:  now,
		TempPath:    fmt.Sprintf("temp/uploads/%s/%s", packageName, id),
	}
	um.sessions[id] = session

	log.Info().
		Str("upload_id", id).
		Str("edit_id", editID.String()).
		Str("package", packageName).
		Str("kind", kind).
		Int64("total", total).
		Msg("Started resumable upload")

	return session
}

// Get retrieves an upload session
func (um *UploadManager) Get(id string) (*UploadSession, bool) {
	um.mu.RLock()
	defer um.mu.RUnlock()

	session, exists := um.sessions[id]
	return session, exists
}

// Append writes a chunk that must start where the previous one ended.
// total is the final size when the client knows it, or UnknownTotal.
func (um *UploadManager) Append(ctx context.Context, id string, start int64, chunk io.Reader, total int64) (*UploadSession, error) {
	session, exists := um.Get(id)
	if !exists {
		return nil, notFound("Upload session %s not found", id)
	}

	session.mu.Lock()
	defer session.mu.Unlock()

	if start != session.Received {
		return nil, badRequest("Chunk starts at byte %d but %d bytes were received", start, session.Received)
	}
	if total != UnknownTotal {
		if session.Total != UnknownTotal && session.Total != total {
			return nil, badRequest("Upload size changed from %d to %d", session.Total, total)
		}
		session.Total = total
	}

	body := chunk
	if session.Total != UnknownTotal {
		body = io.LimitReader(chunk, session.Total-session.Received+1)
	}
	size, err := um.storage.Append(ctx, session.TempPath, body)
	if err != nil {
		um.rollback(ctx, session)
		return nil, fmt.Errorf("failed to append chunk: %w", err)
	}
	if session.Total != UnknownTotal && size > session.Total {
		um.rollback(ctx, session)
		return nil, badRequest("Chunk runs past the declared size of %d bytes", session.Total)
	}

	log.Debug().
		Str("upload_id", id).
		Int64("chunk_size", size-session.Received).
		Int64("received", size).
		Int64("total", session.Total).
		Msg("Appended chunk to upload")

	session.Received = size
	session.LastUpdate = time.Now()
	return session, nil
}

// rollback drops whatever a rejected chunk left in the staging blob
func (um *UploadManager) rollback(ctx context.Context, session *UploadSession) {
	if err := um.storage.Truncate(context.WithoutCancel(ctx), session.TempPath, session.Received); err != nil {
		log.Error().Err(err).Str("upload_id", session.ID).Msg("Failed to roll back rejected chunk")
	}
}

// Finish promotes the staged blob to finalPath and forgets the session
func (um *UploadManager) Finish(ctx context.Context, id, finalPath string) (storage.BlobInfo, error) {
	session, exists := um.Get(id)
	if !exists {
		return storage.BlobInfo{}, notFound("Upload session %s not found", id)
	}

	session.mu.Lock()
	info, err := um.storage.Promote(ctx, session.TempPath, finalPath)
	session.mu.Unlock()
	if err != nil {
		return storage.BlobInfo{}, fmt.Errorf("failed to promote upload: %w", err)
	}

	um.mu.Lock()
	delete(um.sessions, id)
	um.mu.Unlock()

	log.Info().
		Str("upload_id", id).
		Str("path", finalPath).
		Int64("size", info.Size).
		Msg("Completed resumable upload")
	return info, nil
}

// Cancel drops an upload session and its staging blob
func (um *UploadManager) Cancel(ctx context.Context, id string) error {
	um.mu.Lock()
	session, exists := um.sessions[id]
	delete(um.sessions, id)
	um.mu.Unlock()

	if !exists {
		return notFound("Upload session %s not found", id)
	}

	if err := um.storage.Delete(ctx, session.TempPath); err != nil {
		log.Warn().Err(err).Str("upload_id", id).Msg("Failed to delete staging blob")
	}
	log.Info().Str("upload_id", id).Str("package", session.PackageName).Msg("Cancelled resumable upload")
	return nil
}

// Close stops the cleanup routine
func (um *UploadManager) Close() {
	um.stopOnce.Do(func() { close(um.stop) })
}

func (um *UploadManager) cleanupRoutine() {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			um.cleanupExpiredSessions(time.Now())
		case <-um.stop:
			return
		}
	}
}

// cleanupExpiredSessions removes sessions that have been idle for too long
func (um *UploadManager) cleanupExpiredSessions(now time.Time) int {
	um.mu.Lock()
	defer um.mu.Unlock()

	cutoff := now.Add(-um.maxIdle)
	expired := 0
	for id, session := range um.sessions {
		session.mu.Lock()
		idle := session.LastUpdate.Before(cutoff)
		tempPath := session.TempPath
		session.mu.Unlock()

		if !idle {
			continue
		}
		if err := um.storage.Delete(context.Background(), tempPath); err != nil {
			log.Warn().Err(err).Str("upload_id", id).Msg("Failed to delete staging blob")
		}
		delete(um.sessions, id)
		expired++
	}

	if expired > 0 {
		log.Info().Int("count", expired).Msg("Cleaned up expired upload sessions")
	}
	return expired
}
