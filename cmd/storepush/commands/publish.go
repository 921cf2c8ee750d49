package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lgulliver/storepush/internal/common"
	"github.com/lgulliver/storepush/internal/credentials"
	"github.com/lgulliver/storepush/internal/playstore"
	"github.com/lgulliver/storepush/internal/publisher"
	"github.com/lgulliver/storepush/pkg/config"
	"github.com/lgulliver/storepush/pkg/types"
	"github.com/rs/zerolog/log"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

// barScale is the resolution of the progress bar
const barScale = 1000

type publishOptions struct {
	settingsPath string
	settings     types.DistributionSettings
	storeURL     string
	tokenURL     string
	chunkSize    int64
	timeout      time.Duration
	quiet        bool
}

func publishCmd() *cobra.Command {
	cmd, _ := newPublishCmd()
	return cmd
}

func newPublishCmd() (*cobra.Command, *publishOptions) {
	opts := &publishOptions{}
	cmd := &cobra.Command{
		Use:   "publish [artifact]",
		Short: "Upload an APK or app bundle and release it on a track",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := opts.resolve(cmd, args)
			if err != nil {
				return err
			}
			return runPublish(cmd.Context(), opts, settings)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.settingsPath, "settings", "f", "", "YAML file with distribution settings")
	f.StringVar(&opts.settings.PackageName, "package", "", "application package name")
	f.StringVar(&opts.settings.ArtifactPath, "artifact", "", "path to the .apk or .aab to upload")
	f.StringVar(&opts.settings.CredentialPath, "credentials", "", "service account key file")
	f.StringVarP(&opts.settings.Track, "track", "t", "", "release track (internal, alpha, beta, production or a custom track)")
	f.StringVar(&opts.settings.TrackStatus, "status", "", "release status (completed, inProgress, draft, halted)")
	f.Float64Var(&opts.settings.UserFraction, "user-fraction", 0, "fraction of users for a staged rollout")
	f.StringVar(&opts.settings.ReleaseName, "release-name", "", "release name, defaults to the build version")
	f.StringVar(&opts.settings.ReleaseNotes, "release-notes", "", "release notes text")
	f.StringVar(&opts.settings.ReleaseNotesLanguage, "release-notes-language", "", "BCP-47 language of the release notes")
	f.StringVar(&opts.storeURL, "store-url", "", "store API base URL")
	f.StringVar(&opts.tokenURL, "token-url", "", "token endpoint, overrides the key file")
	f.Int64Var(&opts.chunkSize, "chunk-size", 0, "bytes per upload request")
	f.DurationVar(&opts.timeout, "timeout", 0, "give up after this long")
	f.BoolVarP(&opts.quiet, "quiet", "q", false, "do not draw a progress bar")

	return cmd, opts
}

// resolve merges the settings file with the flags that were set
func (o *publishOptions) resolve(cmd *cobra.Command, args []string) (types.DistributionSettings, error) {
	var settings types.DistributionSettings
	if o.settingsPath != "" {
		loaded, err := config.LoadSettings(o.settingsPath)
		if err != nil {
			return settings, err
		}
		settings = loaded
	}

	f := cmd.Flags()
	override := func(name string, dst *string, value string) {
		if f.Changed(name) {
			*dst = value
		}
	}
	override("package", &settings.PackageName, o.settings.PackageName)
	override("artifact", &settings.ArtifactPath, o.settings.ArtifactPath)
	override("credentials", &settings.CredentialPath, o.settings.CredentialPath)
	override("track", &settings.Track, o.settings.Track)
	override("status", &settings.TrackStatus, o.settings.TrackStatus)
	override("release-name", &settings.ReleaseName, o.settings.ReleaseName)
	override("release-notes", &settings.ReleaseNotes, o.settings.ReleaseNotes)
	override("release-notes-language", &settings.ReleaseNotesLanguage, o.settings.ReleaseNotesLanguage)
	if f.Changed("user-fraction") {
		settings.UserFraction = o.settings.UserFraction
	}
	if len(args) == 1 {
		settings.ArtifactPath = args[0]
	}
	return settings, nil
}

func runPublish(ctx context.Context, opts *publishOptions, settings types.DistributionSettings) error {
	pc := cfg.Publisher
	if opts.storeURL != "" {
		pc.StoreURL = opts.storeURL
	}
	if opts.tokenURL != "" {
		pc.TokenURL = opts.tokenURL
	}
	if opts.chunkSize > 0 {
		pc.ChunkSize = opts.chunkSize
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.timeout)
		defer cancel()
	}

	provider, closeCache := newCredentialProvider(pc)
	defer closeCache()

	client := playstore.NewClient(pc.StoreURL,
		playstore.WithChunkSize(pc.ChunkSize),
		playstore.WithRequestTimeout(pc.RequestTimeout),
	)
	pub := publisher.New(provider, client,
		publisher.WithPollInterval(pc.PollInterval),
		publisher.WithPollBudget(pc.PollBudget),
		publisher.WithBuildInfo(cfg.Build.Info()),
	)

	if !opts.quiet {
		bar := newProgressBar()
		sub := pub.Subscribe(func(s types.ProgressSnapshot) {
			bar.Describe(s.Message)
			bar.Set64(int64(s.FractionComplete * barScale))
		})
		defer sub.Unsubscribe()
		defer bar.Finish()
	}

	result, err := pub.PublishAndWait(ctx, settings)
	if err != nil {
		return err
	}

	log.Info().Str("edit_id", result.EditID).Time("committed_at", result.CommittedAt).Msg("Release published")
	fmt.Fprintf(os.Stdout, "\nCommitted edit %s\n", result.EditID)
	return nil
}

// newCredentialProvider builds the token provider, sharing tokens through
// Redis when configured
func newCredentialProvider(pc config.PublisherConfig) (*credentials.Provider, func()) {
	opts := []credentials.Option{}
	if pc.TokenURL != "" {
		opts = append(opts, credentials.WithTokenURL(pc.TokenURL))
	}

	closer := func() {}
	if pc.TokenCache == "redis" {
		cache, err := common.NewCache(&cfg.Redis)
		if err != nil {
			log.Warn().Err(err).Msg("Redis token cache unavailable, keeping tokens in memory")
		} else {
			opts = append(opts, credentials.WithCache(credentials.NewRedisTokenCache(cache)))
			closer = func() { cache.Close() }
		}
	}
	return credentials.NewProvider(opts...), closer
}

func newProgressBar() *progressbar.ProgressBar {
	return progressbar.NewOptions64(
		barScale,
		progressbar.OptionSetDescription("Uploading"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionSetRenderBlankState(true),
		progressbar.OptionClearOnFinish(),
	)
}
