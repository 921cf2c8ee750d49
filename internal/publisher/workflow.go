package publisher

import (
	"context"
	"fmt"
	"os"
	"slices"
	"sync"

	"github.com/lgulliver/storepush/pkg/types"
	"github.com/lgulliver/storepush/pkg/utils"
	"github.com/rs/zerolog/log"
)

// State is the position of a publish in its lifecycle
type State int

const (
	StateIdle State = iota
	StateSessionOpen
	StateUploading
	StateCommitted
	StateAborted
)

// String returns the state name
func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateSessionOpen:
		return "SessionOpen"
	case StateUploading:
		return "Uploading"
	case StateCommitted:
		return "Committed"
	case StateAborted:
		return "Aborted"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Terminal reports whether the run accepts no further transitions
func (s State) Terminal() bool {
	return s == StateCommitted || s == StateAborted
}

// Run is one publish in flight. It is created by Publisher.Publish and is
// never reused.
type Run struct {
	mu      sync.Mutex
	state   State
	session types.EditSession
	result  types.CommitResult
	err     error

	done   chan struct{}
	cancel context.CancelFunc
}

func newRun(cancel context.CancelFunc) *Run {
	return &Run{state: StateIdle, done: make(chan struct{}), cancel: cancel}
}

// State returns the current state
func (r *Run) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Session returns the edit opened for this run
func (r *Run) Session() types.EditSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.session
}

// Result returns the commit result once the run is Committed
func (r *Run) Result() types.CommitResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result
}

// Err returns the terminal failure, or nil
func (r *Run) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Done is closed once the run reached Committed or Aborted
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the run finishes or ctx is done
func (r *Run) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel stops polling and abandons the session
func (r *Run) Cancel() {
	r.cancel()
}

func (r *Run) transition(to State) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.Terminal() {
		return false
	}
	r.state = to
	return true
}

func (r *Run) opened(session types.EditSession) {
	r.mu.Lock()
	r.session = session
	r.mu.Unlock()
	r.transition(StateSessionOpen)
}

// settle moves the run to a terminal state. It reports false if the run had
// already settled.
func (r *Run) settle(to State, result types.CommitResult, err error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.Terminal() {
		return false
	}
	r.state = to
	r.result = result
	r.err = err
	return true
}

func (r *Run) release() {
	close(r.done)
	r.cancel()
}

// workflow sequences one publish: open, upload, assign, commit.
type workflow struct {
	sessions *SessionManager
	uploads  *UploadCoordinator
	progress *ProgressPublisher
	settings types.DistributionSettings
	run      *Run
	title    string
}

// begin runs the synchronous part of the publish, up to a running upload
func (w *workflow) begin(ctx context.Context) (*UploadHandle, error) {
	if err := validateSettings(w.settings); err != nil {
		w.fail(err, 0)
		return nil, err
	}

	session, err := w.sessions.Open(ctx, w.settings)
	if err != nil {
		w.fail(err, 0)
		return nil, err
	}
	w.run.opened(session)

	handle, err := w.uploads.Upload(ctx, w.settings, session)
	if err != nil {
		w.sessions.Abandon(session, err)
		w.fail(err, 0)
		return nil, err
	}
	w.run.transition(StateUploading)
	return handle, nil
}

// complete waits for the upload and commits or abandons the session
func (w *workflow) complete(ctx context.Context, handle *UploadHandle) {
	outcome := <-handle.Done()
	session := w.run.Session()
	fraction := outcome.Fraction

	if outcome.Err != nil {
		w.sessions.Abandon(session, outcome.Err)
		w.fail(outcome.Err, fraction)
		return
	}

	if err := w.sessions.AssignTrack(ctx, w.settings, session, outcome.Artifact); err != nil {
		w.sessions.Abandon(session, err)
		w.fail(err, fraction)
		return
	}

	result, err := w.sessions.Commit(ctx, w.settings, session)
	if err != nil {
		w.sessions.Abandon(session, err)
		w.fail(err, fraction)
		return
	}

	log.Info().
		Str("edit_id", result.EditID).
		Str("package", w.settings.PackageName).
		Str("track", w.settings.Track).
		Int64("version_code", outcome.Artifact.VersionCode).
		Msg("Publish committed")
	if w.run.settle(StateCommitted, result, nil) {
		w.run.release()
	}
}

// fail aborts the run and reports the failure as a terminal snapshot
func (w *workflow) fail(err error, fraction float64) {
	log.Error().Err(err).Str("artifact", w.settings.ArtifactPath).Str("kind", string(KindOf(err))).Msg("Publish aborted")
	if !w.run.settle(StateAborted, types.CommitResult{}, err) {
		return
	}
	w.progress.Publish(types.ProgressSnapshot{
		Title:            w.title,
		FractionComplete: fraction,
		Message:          err.Error(),
		IsDone:           true,
		Failed:           true,
	})
	w.run.release()
}

func validateSettings(s types.DistributionSettings) error {
	const op = "validate"
	if s.ArtifactPath == "" {
		return validationError(op, "artifact path is required")
	}
	info, err := os.Stat(s.ArtifactPath)
	if err != nil {
		return newError(KindValidation, op, fmt.Sprintf("artifact not found: %s", s.ArtifactPath), err)
	}
	if info.IsDir() {
		return validationError(op, "artifact path %s is a directory", s.ArtifactPath)
	}
	if s.PackageName == "" {
		return validationError(op, "package name is required")
	}
	if err := utils.ValidatePackageName(s.PackageName); err != nil {
		return newError(KindValidation, op, "invalid package name", err)
	}
	if s.Track == "" {
		return validationError(op, "track is required")
	}
	if !slices.Contains(types.ReleaseStatuses, s.TrackStatus) {
		return validationError(op, "unknown track status %q", s.TrackStatus)
	}
	if s.UserFraction < 0 || s.UserFraction > 1 {
		return validationError(op, "user fraction %v is outside [0, 1]", s.UserFraction)
	}
	if s.TrackStatus == types.ReleaseStatusInProgress && s.UserFraction == 0 {
		return validationError(op, "a staged rollout needs a user fraction above 0")
	}
	return nil
}
