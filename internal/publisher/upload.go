package publisher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/lgulliver/storepush/pkg/types"
	"github.com/lgulliver/storepush/pkg/utils"
	"github.com/rs/zerolog/log"
)

// Upload polling defaults
const (
	DefaultPollInterval = 200 * time.Millisecond
	DefaultPollBudget   = 30 * time.Minute
)

type artifactKind int

const (
	kindPackage artifactKind = iota
	kindBundle
)

// uploadStrategy selects the wire format for one artifact kind. It is chosen
// once per publish and only differs in the endpoint and media type it asks for.
type uploadStrategy struct {
	kind        artifactKind
	name        string
	contentType string
}

func newBundleStrategy() uploadStrategy {
	return uploadStrategy{kind: kindBundle, name: "BundleUploadStrategy", contentType: "application/octet-stream"}
}

func newPackageStrategy() uploadStrategy {
	return uploadStrategy{kind: kindPackage, name: "PackageUploadStrategy", contentType: "application/vnd.android.package-archive"}
}

func strategyFor(settings types.DistributionSettings) uploadStrategy {
	if settings.IsBundle() {
		return newBundleStrategy()
	}
	return newPackageStrategy()
}

func (s uploadStrategy) start(ctx context.Context, store RemoteStore, session types.EditSession, path string, size int64) (TransferHandle, error) {
	return store.StartTransfer(ctx, types.TransferRequest{
		Session:     session,
		FilePath:    path,
		Size:        size,
		Bundle:      s.kind == kindBundle,
		ContentType: s.contentType,
	})
}

// UploadOutcome is the terminal result of a watched transfer
type UploadOutcome struct {
	Progress types.UploadProgress
	Artifact types.ArtifactRef
	// Fraction is the last fraction reported to observers
	Fraction float64
	Err      error
}

// UploadHandle tracks a transfer started by the coordinator
type UploadHandle struct {
	Strategy string
	Size     int64

	done   chan UploadOutcome
	cancel context.CancelFunc
}

// Done delivers exactly one outcome once the transfer reached a terminal state,
// the budget ran out or the handle was stopped.
func (h *UploadHandle) Done() <-chan UploadOutcome {
	return h.done
}

// Stop abandons the transfer. The outcome reports the cancellation.
func (h *UploadHandle) Stop() {
	h.cancel()
}

// UploadCoordinator starts artifact transfers and converts their polled
// progress into snapshots.
type UploadCoordinator struct {
	store    RemoteStore
	progress *ProgressPublisher
	interval time.Duration
	budget   time.Duration
}

// NewUploadCoordinator creates an upload coordinator
func NewUploadCoordinator(store RemoteStore, progress *ProgressPublisher, interval, budget time.Duration) *UploadCoordinator {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if budget <= 0 {
		budget = DefaultPollBudget
	}
	return &UploadCoordinator{
		store:    store,
		progress: progress,
		interval: interval,
		budget:   budget,
	}
}

// Upload starts the transfer of the artifact into the session and returns
// without waiting for it. Polling runs on its own goroutine.
func (uc *UploadCoordinator) Upload(ctx context.Context, settings types.DistributionSettings, session types.EditSession) (*UploadHandle, error) {
	info, err := os.Stat(settings.ArtifactPath)
	if err != nil {
		return nil, newError(KindUpload, "upload", "failed to stat artifact", err)
	}

	strategy := strategyFor(settings)
	log.Info().
		Str("edit_id", session.ID).
		Str("strategy", strategy.name).
		Str("artifact", settings.ArtifactPath).
		Str("size", utils.FormatBytes(info.Size())).
		Msg("Uploading artifact to store")

	pollCtx, cancel := context.WithCancel(ctx)
	transfer, err := strategy.start(pollCtx, uc.store, session, settings.ArtifactPath, info.Size())
	if err != nil {
		cancel()
		return nil, newError(KindUpload, "upload", "failed to start transfer", err)
	}

	handle := &UploadHandle{
		Strategy: strategy.name,
		Size:     info.Size(),
		done:     make(chan UploadOutcome, 1),
		cancel:   cancel,
	}
	tracker := &progressTracker{title: settings.ArtifactPath, size: info.Size()}

	go uc.watch(pollCtx, handle, transfer, tracker)
	return handle, nil
}

func (uc *UploadCoordinator) watch(ctx context.Context, handle *UploadHandle, transfer TransferHandle, tracker *progressTracker) {
	defer handle.cancel()

	budget := time.NewTimer(uc.budget)
	defer budget.Stop()
	ticker := time.NewTicker(uc.interval)
	defer ticker.Stop()

	for {
		progress := transfer.Poll()
		snapshot := tracker.snapshot(progress)
		uc.progress.Publish(snapshot)

		if progress.Status.Terminal() {
			outcome := outcomeOf(progress, handle.Size)
			outcome.Fraction = snapshot.FractionComplete
			handle.done <- outcome
			return
		}

		select {
		case <-ctx.Done():
			handle.done <- UploadOutcome{
				Progress: progress,
				Fraction: snapshot.FractionComplete,
				Err:      abandonedError(ctx.Err()),
			}
			return
		case <-budget.C:
			log.Warn().Dur("budget", uc.budget).Int64("bytes_sent", progress.BytesSent).Msg("Upload polling budget exceeded")
			handle.done <- UploadOutcome{
				Progress: progress,
				Fraction: snapshot.FractionComplete,
				Err:      newError(KindTimeout, "upload", fmt.Sprintf("upload did not finish within %s", uc.budget), nil),
			}
			return
		case <-ticker.C:
		}
	}
}

// outcomeOf applies the failure policy to a terminal observation. Completed
// is checked first; a Failed transfer without detail falls back to "unknown".
func outcomeOf(progress types.UploadProgress, size int64) UploadOutcome {
	switch {
	case progress.Status == types.UploadCompleted:
		if progress.BytesSent != size {
			return UploadOutcome{
				Progress: progress,
				Err: newError(KindUpload, "upload",
					fmt.Sprintf("store acknowledged %d bytes but the artifact has %d", progress.BytesSent, size), nil),
			}
		}
		outcome := UploadOutcome{Progress: progress}
		if progress.Artifact != nil {
			outcome.Artifact = *progress.Artifact
		}
		return outcome
	case progress.Err != nil:
		return UploadOutcome{Progress: progress, Err: newError(KindUpload, "upload", "", progress.Err)}
	default:
		return UploadOutcome{Progress: progress, Err: newError(KindUpload, "upload", "file upload failed, reason: unknown", nil)}
	}
}

func abandonedError(cause error) error {
	if errors.Is(cause, context.DeadlineExceeded) {
		return newError(KindTimeout, "upload", "upload deadline exceeded", cause)
	}
	return newError(KindUpload, "upload", "upload abandoned", cause)
}

// progressTracker turns raw transfer progress into snapshots. The fraction
// is measured against the local file size and never moves backwards.
type progressTracker struct {
	title string
	size  int64
	high  float64
}

func (t *progressTracker) snapshot(progress types.UploadProgress) types.ProgressSnapshot {
	fraction := 1.0
	if t.size > 0 {
		fraction = float64(progress.BytesSent) / float64(t.size)
	}
	fraction = clamp(fraction)
	if fraction < t.high {
		fraction = t.high
	}
	t.high = fraction

	return types.ProgressSnapshot{
		Title:            t.title,
		FractionComplete: fraction,
		Message:          fmt.Sprintf("STATUS: %s : %d : %d bytes", progress.Status, progress.BytesSent, t.size),
		IsDone:           progress.Status.Terminal(),
		Failed:           progress.Status == types.UploadFailed,
	}
}

func clamp(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}
