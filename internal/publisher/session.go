package publisher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lgulliver/storepush/pkg/types"
	"github.com/rs/zerolog/log"
)

// CredentialProvider loads the identity used to talk to the remote store
type CredentialProvider interface {
	LoadCredential(ctx context.Context, path string) (types.Credential, error)
}

// TransferHandle is a pull-only view of a running transfer
type TransferHandle interface {
	Poll() types.UploadProgress
}

// RemoteStore is the remote side of the edit/upload/commit lifecycle
type RemoteStore interface {
	OpenEdit(ctx context.Context, cred types.Credential, packageName string) (types.EditSession, error)
	UpdateTrack(ctx context.Context, session types.EditSession, release types.TrackRelease) error
	CommitEdit(ctx context.Context, session types.EditSession) (types.CommitResult, error)
	StartTransfer(ctx context.Context, req types.TransferRequest) (TransferHandle, error)
}

type sessionState int

const (
	sessionOpen sessionState = iota
	sessionCommitted
	sessionAbandoned
)

// SessionManager opens and commits the edit that scopes one publish.
// It makes exactly one remote request per call and never retries.
type SessionManager struct {
	credentials CredentialProvider
	store       RemoteStore
	now         func() time.Time

	mu       sync.Mutex
	sessions map[string]sessionState
}

// NewSessionManager creates a session manager
func NewSessionManager(credentials CredentialProvider, store RemoteStore, now func() time.Time) *SessionManager {
	if now == nil {
		now = time.Now
	}
	return &SessionManager{
		credentials: credentials,
		store:       store,
		now:         now,
		sessions:    make(map[string]sessionState),
	}
}

// Open exchanges the configured credential and opens a new edit
func (sm *SessionManager) Open(ctx context.Context, settings types.DistributionSettings) (types.EditSession, error) {
	cred, err := sm.credentials.LoadCredential(ctx, settings.CredentialPath)
	if err != nil {
		log.Error().Err(err).Str("credential_path", settings.CredentialPath).Msg("Failed to load credential")
		return types.EditSession{}, newError(KindAuth, "open", "failed to load credential", err)
	}

	session, err := sm.store.OpenEdit(ctx, cred, settings.PackageName)
	if err != nil {
		log.Error().Err(err).Str("package", settings.PackageName).Msg("Remote store rejected edit")
		return types.EditSession{}, newError(KindRemote, "open", "failed to open edit", err)
	}
	session.Credential = cred
	if session.PackageName == "" {
		session.PackageName = settings.PackageName
	}

	sm.mu.Lock()
	sm.sessions[session.ID] = sessionOpen
	sm.mu.Unlock()

	log.Info().
		Str("edit_id", session.ID).
		Str("package", session.PackageName).
		Time("expires_at", session.ExpiresAt).
		Dur("valid_for", session.ExpiresAt.Sub(sm.now())).
		Msg("Created edit")

	return session, nil
}

// AssignTrack places the uploaded artifact on the configured track
func (sm *SessionManager) AssignTrack(ctx context.Context, settings types.DistributionSettings, session types.EditSession, artifact types.ArtifactRef) error {
	if err := sm.checkOpen("assign track", session); err != nil {
		return err
	}

	release := settings.Release(artifact.VersionCode)
	if err := sm.store.UpdateTrack(ctx, session, release); err != nil {
		log.Error().Err(err).Str("edit_id", session.ID).Str("track", release.Track).Msg("Failed to update track")
		return newError(KindRemote, "assign track", fmt.Sprintf("failed to update track %s", release.Track), err)
	}

	log.Info().
		Str("edit_id", session.ID).
		Str("track", release.Track).
		Str("release", release.Name).
		Str("status", release.Status).
		Int64("version_code", artifact.VersionCode).
		Float64("user_fraction", release.UserFraction).
		Msg("Assigned artifact to track")
	return nil
}

// Commit commits the edit. An expired session, or one this manager did not
// open, is rejected without contacting the store.
func (sm *SessionManager) Commit(ctx context.Context, settings types.DistributionSettings, session types.EditSession) (types.CommitResult, error) {
	if err := sm.checkOpen("commit", session); err != nil {
		return types.CommitResult{}, err
	}

	result, err := sm.store.CommitEdit(ctx, session)
	if err != nil {
		log.Error().Err(err).Str("edit_id", session.ID).Str("package", settings.PackageName).Msg("Failed to commit edit")
		return types.CommitResult{}, newError(KindRemote, "commit", "failed to commit edit", err)
	}
	if result.EditID == "" {
		result.EditID = session.ID
	}
	if result.CommittedAt.IsZero() {
		result.CommittedAt = sm.now()
	}

	sm.mu.Lock()
	sm.sessions[session.ID] = sessionCommitted
	sm.mu.Unlock()

	log.Info().Str("edit_id", result.EditID).Str("package", settings.PackageName).Msg("Edit has been committed")
	return result, nil
}

// Abandon marks the session as finished without committing. The remote edit
// is left to expire.
func (sm *SessionManager) Abandon(session types.EditSession, reason error) {
	sm.mu.Lock()
	state, ok := sm.sessions[session.ID]
	if ok && state == sessionOpen {
		sm.sessions[session.ID] = sessionAbandoned
	}
	sm.mu.Unlock()

	if !ok || state != sessionOpen {
		return
	}
	log.Warn().
		Err(reason).
		Str("edit_id", session.ID).
		Time("expires_at", session.ExpiresAt).
		Msg("Abandoned edit")
}

// Committed reports whether the session was committed through this manager
func (sm *SessionManager) Committed(session types.EditSession) bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.sessions[session.ID] == sessionCommitted
}

func (sm *SessionManager) checkOpen(op string, session types.EditSession) error {
	sm.mu.Lock()
	state, ok := sm.sessions[session.ID]
	sm.mu.Unlock()

	switch {
	case !ok:
		return newError(KindRemote, op, fmt.Sprintf("edit %s was not opened by this publisher", session.ID), nil)
	case state != sessionOpen:
		return newError(KindRemote, op, fmt.Sprintf("edit %s is already finished", session.ID), nil)
	case session.Expired(sm.now()):
		return newError(KindRemote, op, fmt.Sprintf("edit %s expired at %s", session.ID, session.ExpiresAt.Format(time.RFC3339)), nil)
	}
	return nil
}
