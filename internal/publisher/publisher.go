// Package publisher pushes a built artifact through the remote store's
// edit lifecycle: open an edit, upload the artifact, assign it to a track and
// commit. Progress is published as snapshots that any number of observers can
// subscribe to.
package publisher

import (
	"context"
	"time"

	"github.com/lgulliver/storepush/pkg/types"
)

// Publisher is the entry point for publishing artifacts
type Publisher struct {
	credentials CredentialProvider
	store       RemoteStore
	progress    *ProgressPublisher

	build        types.BuildInfo
	pollInterval time.Duration
	pollBudget   time.Duration
	now          func() time.Time
}

// Option configures a Publisher
type Option func(*Publisher)

// WithPollInterval sets how often the transfer is polled
func WithPollInterval(d time.Duration) Option {
	return func(p *Publisher) { p.pollInterval = d }
}

// WithPollBudget bounds the total time spent polling one upload
func WithPollBudget(d time.Duration) Option {
	return func(p *Publisher) { p.pollBudget = d }
}

// WithBuildInfo sets the values used to default empty settings
func WithBuildInfo(build types.BuildInfo) Option {
	return func(p *Publisher) { p.build = build }
}

// WithClock overrides the time source used for edit expiry checks
func WithClock(now func() time.Time) Option {
	return func(p *Publisher) { p.now = now }
}

// WithProgress shares an existing progress publisher
func WithProgress(progress *ProgressPublisher) Option {
	return func(p *Publisher) { p.progress = progress }
}

// New creates a publisher
func New(credentials CredentialProvider, store RemoteStore, opts ...Option) *Publisher {
	p := &Publisher{
		credentials:  credentials,
		store:        store,
		pollInterval: DefaultPollInterval,
		pollBudget:   DefaultPollBudget,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.progress == nil {
		p.progress = NewProgressPublisher()
	}
	return p
}

// Subscribe registers an observer for progress snapshots
func (p *Publisher) Subscribe(observer Observer) *Subscription {
	return p.progress.Subscribe(observer)
}

// Progress returns the progress publisher snapshots are written to
func (p *Publisher) Progress() *ProgressPublisher {
	return p.progress
}

// Publish starts publishing the artifact described by settings. It returns
// once the upload is running; failures before that point are returned
// directly. Use the Run to wait for the commit. Cancelling ctx abandons the
// publish.
func (p *Publisher) Publish(ctx context.Context, settings types.DistributionSettings) (*Run, error) {
	runCtx, cancel := context.WithCancel(ctx)
	settings = settings.WithDefaults(p.build)

	w := &workflow{
		sessions: NewSessionManager(p.credentials, p.store, p.now),
		uploads:  NewUploadCoordinator(p.store, p.progress, p.pollInterval, p.pollBudget),
		progress: p.progress,
		settings: settings,
		run:      newRun(cancel),
		title:    settings.ArtifactPath,
	}

	handle, err := w.begin(runCtx)
	if err != nil {
		return nil, err
	}

	go w.complete(runCtx, handle)
	return w.run, nil
}

// PublishAndWait publishes and blocks until the run is committed or aborted
func (p *Publisher) PublishAndWait(ctx context.Context, settings types.DistributionSettings) (types.CommitResult, error) {
	run, err := p.Publish(ctx, settings)
	if err != nil {
		return types.CommitResult{}, err
	}
	if err := run.Wait(ctx); err != nil {
		return types.CommitResult{}, err
	}
	return run.Result(), nil
}
