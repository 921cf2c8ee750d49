package types

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// AppBundleExtension marks an artifact as an app bundle rather than a package
const AppBundleExtension = ".aab"

// Default release tracks offered by the store
var Tracks = []string{"internal", "alpha", "beta", "production"}

// Release statuses accepted for a track release
const (
	ReleaseStatusCompleted  = "completed"
	ReleaseStatusInProgress = "inProgress"
	ReleaseStatusDraft      = "draft"
	ReleaseStatusHalted     = "halted"
)

// ReleaseStatuses lists every valid track release status
var ReleaseStatuses = []string{
	ReleaseStatusCompleted,
	ReleaseStatusInProgress,
	ReleaseStatusDraft,
	ReleaseStatusHalted,
}

// BuildInfo carries the values the build system knows about the artifact.
// They are used to fill in settings the caller left empty.
type BuildInfo struct {
	ApplicationID string `json:"application_id" yaml:"application_id"`
	Version       string `json:"version" yaml:"version"`
}

// DistributionSettings describes a single publish of one artifact to one track
type DistributionSettings struct {
	PackageName          string  `json:"package_name" yaml:"package_name"`
	ArtifactPath         string  `json:"artifact_path" yaml:"artifact_path"`
	CredentialPath       string  `json:"credential_path" yaml:"credential_path"`
	Track                string  `json:"track" yaml:"track"`
	TrackStatus          string  `json:"track_status" yaml:"track_status"`
	ReleaseName          string  `json:"release_name" yaml:"release_name"`
	ReleaseNotes         string  `json:"release_notes" yaml:"release_notes"`
	ReleaseNotesLanguage string  `json:"release_notes_language" yaml:"release_notes_language"`
	UserFraction         float64 `json:"user_fraction" yaml:"user_fraction"`
}

// IsBundle reports whether the artifact is an app bundle, judged by its extension
func (s DistributionSettings) IsBundle() bool {
	return strings.EqualFold(filepath.Ext(s.ArtifactPath), AppBundleExtension)
}

// WithDefaults returns a copy of the settings with empty fields filled from
// the build information and the store defaults.
func (s DistributionSettings) WithDefaults(build BuildInfo) DistributionSettings {
	out := s
	if out.PackageName == "" {
		out.PackageName = build.ApplicationID
	}
	if out.ReleaseName == "" {
		out.ReleaseName = build.Version
	}
	if out.ReleaseNotes == "" {
		out.ReleaseNotes = build.Version
	}
	if out.ReleaseNotesLanguage == "" {
		out.ReleaseNotesLanguage = "en"
	}
	if out.Track == "" {
		out.Track = Tracks[0]
	}
	if out.TrackStatus == "" {
		out.TrackStatus = ReleaseStatusCompleted
	}
	// A staged rollout needs an explicit fraction; everything else ships to everyone.
	if out.UserFraction == 0 && out.TrackStatus != ReleaseStatusInProgress {
		out.UserFraction = 1
	}
	return out
}

// Release builds the track release that places the given version codes on
// the configured track.
func (s DistributionSettings) Release(versionCodes ...int64) TrackRelease {
	release := TrackRelease{
		Track:        s.Track,
		Name:         s.ReleaseName,
		VersionCodes: versionCodes,
		Status:       s.TrackStatus,
	}
	if s.TrackStatus == ReleaseStatusInProgress || s.TrackStatus == ReleaseStatusHalted {
		release.UserFraction = s.UserFraction
	}
	if s.ReleaseNotes != "" {
		release.ReleaseNotes = []ReleaseNote{{Language: s.ReleaseNotesLanguage, Text: s.ReleaseNotes}}
	}
	return release
}

// Credential is an authorized identity able to call the remote store
type Credential struct {
	ClientEmail string    `json:"client_email"`
	ProjectID   string    `json:"project_id"`
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	Expiry      time.Time `json:"expiry"`
}

// Valid reports whether the credential carries a token that has not expired
func (c Credential) Valid(now time.Time) bool {
	return c.AccessToken != "" && (c.Expiry.IsZero() || now.Before(c.Expiry))
}

// AuthorizationHeader returns the value for the HTTP Authorization header
func (c Credential) AuthorizationHeader() string {
	tokenType := c.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	return tokenType + " " + c.AccessToken
}

// EditSession is a remote edit that scopes every write of one publish
type EditSession struct {
	ID          string    `json:"id"`
	PackageName string    `json:"package_name"`
	ExpiresAt   time.Time `json:"expires_at"`

	// Credential is the identity that opened the edit
	Credential Credential `json:"-"`
}

// Expired reports whether the edit can no longer be committed
func (e EditSession) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// UploadStatus is the state of an artifact transfer
type UploadStatus int

const (
	UploadNotStarted UploadStatus = iota
	UploadRunning
	UploadCompleted
	UploadFailed
)

// String returns the status name
func (s UploadStatus) String() string {
	switch s {
	case UploadNotStarted:
		return "NotStarted"
	case UploadRunning:
		return "Running"
	case UploadCompleted:
		return "Completed"
	case UploadFailed:
		return "Failed"
	default:
		return fmt.Sprintf("UploadStatus(%d)", int(s))
	}
}

// Terminal reports whether no further progress will follow
func (s UploadStatus) Terminal() bool {
	return s == UploadCompleted || s == UploadFailed
}

// ArtifactRef identifies an artifact the store accepted
type ArtifactRef struct {
	VersionCode int64  `json:"versionCode"`
	SHA256      string `json:"sha256"`
}

// UploadProgress is one observation of a transfer
type UploadProgress struct {
	BytesSent  int64
	TotalBytes int64
	Status     UploadStatus
	// Err holds the failure detail, if the transfer reported one
	Err error
	// Artifact is set once the store accepted the upload
	Artifact *ArtifactRef
}

// ProgressSnapshot is the caller-facing view of a publish
type ProgressSnapshot struct {
	Title            string  `json:"title"`
	FractionComplete float64 `json:"fraction_complete"`
	Message          string  `json:"message"`
	IsDone           bool    `json:"is_done"`
	Failed           bool    `json:"failed"`
}

// ReleaseNote is a localized "what's new" text
type ReleaseNote struct {
	Language string `json:"language"`
	Text     string `json:"text"`
}

// TrackRelease places version codes on a track
type TrackRelease struct {
	Track        string        `json:"track"`
	Name         string        `json:"name,omitempty"`
	VersionCodes []int64       `json:"versionCodes"`
	Status       string        `json:"status"`
	UserFraction float64       `json:"userFraction,omitempty"`
	ReleaseNotes []ReleaseNote `json:"releaseNotes,omitempty"`
}

// CommitResult is returned when an edit has been committed
type CommitResult struct {
	EditID      string    `json:"id"`
	CommittedAt time.Time `json:"committed_at"`
}

// TransferRequest describes one artifact upload into an open edit
type TransferRequest struct {
	Session     EditSession
	FilePath    string
	Size        int64
	Bundle      bool
	ContentType string
}
