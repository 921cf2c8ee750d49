// Package emulator is a sandbox implementation of the store publishing API.
// It keeps edits, uploaded artifacts and track releases in a database so that
// publishing pipelines can be exercised without touching a real store.
package emulator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/lgulliver/storepush/internal/common"
	"github.com/lgulliver/storepush/internal/storage"
	"github.com/lgulliver/storepush/pkg/types"
	"github.com/lgulliver/storepush/pkg/utils"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Artifact kinds, as they appear in upload URLs
const (
	KindAPK    = "apks"
	KindBundle = "bundles"
)

// DefaultMaxUploadSize bounds a single artifact
const DefaultMaxUploadSize = 4 << 30

// Options tune the emulator service
type Options struct {
	EditLifetime  time.Duration
	MaxUploadSize int64
	Now           func() time.Time
}

// Service implements the edit, track and upload operations
type Service struct {
	db      *common.Database
	blobs   storage.BlobStorage
	uploads *UploadManager

	editLifetime  time.Duration
	maxUploadSize int64
	now           func() time.Time
}

// NewService creates the emulator service
func NewService(db *common.Database, blobs storage.BlobStorage, uploads *UploadManager, opts Options) *Service {
	if opts.EditLifetime <= 0 {
		opts.EditLifetime = time.Hour
	}
	if opts.MaxUploadSize <= 0 {
		opts.MaxUploadSize = DefaultMaxUploadSize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		db:            db,
		blobs:         blobs,
		uploads:       uploads,
		editLifetime:  opts.EditLifetime,
		maxUploadSize: opts.MaxUploadSize,
		now:           opts.Now,
	}
}

// InsertEdit opens a new edit for a package
func (s *Service) InsertEdit(ctx context.Context, packageName string, account *types.ServiceAccount) (*types.Edit, error) {
	edit := &types.Edit{
		PackageName: packageName,
		State:       types.EditStateOpen,
		ExpiresAt:   s.now().Add(s.editLifetime),
	}
	if account != nil {
		edit.OpenedBy = account.ClientEmail
	}

	if err := s.db.WithContext(ctx).Create(edit).Error; err != nil {
		return nil, fmt.Errorf("failed to create edit: %w", err)
	}

	log.Info().
		Str("edit_id", edit.ID.String()).
		Str("package", packageName).
		Str("opened_by", edit.OpenedBy).
		Time("expires_at", edit.ExpiresAt).
		Msg("Inserted edit")
	return edit, nil
}

// GetEdit returns an edit of the package
func (s *Service) GetEdit(ctx context.Context, packageName, editID string) (*types.Edit, error) {
	id, err := uuid.Parse(editID)
	if err != nil {
		return nil, notFound("Edit %s not found", editID)
	}

	var edit types.Edit
	err = s.db.WithContext(ctx).Where("id = ? AND package_name = ?", id, packageName).First(&edit).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFound("Edit %s not found", editID)
		}
		return nil, fmt.Errorf("failed to get edit: %w", err)
	}
	return &edit, nil
}

// openEdit returns an edit that still accepts changes
func (s *Service) openEdit(ctx context.Context, packageName, editID string) (*types.Edit, error) {
	edit, err := s.GetEdit(ctx, packageName, editID)
	if err != nil {
		return nil, err
	}
	if edit.State != types.EditStateOpen {
		return nil, preconditionFailed("Edit %s has already been %s", editID, edit.State)
	}
	if !s.now().Before(edit.ExpiresAt) {
		return nil, preconditionFailed("Edit %s expired at %s", editID, edit.ExpiresAt.Format(time.RFC3339))
	}
	return edit, nil
}

// CommitEdit makes every staged track release of the edit live
func (s *Service) CommitEdit(ctx context.Context, packageName, editID string) (*types.Edit, error) {
	edit, err := s.openEdit(ctx, packageName, editID)
	if err != nil {
		return nil, err
	}

	promoted := 0
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var staged []types.TrackRecord
		if err := tx.Where("edit_id = ?", edit.ID).Find(&staged).Error; err != nil {
			return fmt.Errorf("failed to load staged releases: %w", err)
		}

		for i := range staged {
			record := &staged[i]
			if err := tx.Model(&types.TrackRecord{}).
				Where("package_name = ? AND track = ? AND live = ?", packageName, record.Track, true).
				Update("live", false).Error; err != nil {
				return fmt.Errorf("failed to retire live release: %w", err)
			}
			if err := tx.Model(record).Update("live", true).Error; err != nil {
				return fmt.Errorf("failed to publish release: %w", err)
			}
			promoted++
		}

		committedAt := s.now()
		edit.State = types.EditStateCommitted
		edit.CommittedAt = &committedAt
		if err := tx.Save(edit).Error; err != nil {
			return fmt.Errorf("failed to commit edit: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("edit_id", editID).
		Str("package", packageName).
		Int("releases", promoted).
		Msg("Committed edit")
	return edit, nil
}

// UpdateTrack stages a release on a track of the edit
func (s *Service) UpdateTrack(ctx context.Context, packageName, editID, track string, release types.TrackRelease) (*types.TrackRecord, error) {
	edit, err := s.openEdit(ctx, packageName, editID)
	if err != nil {
		return nil, err
	}

	if release.Track == "" {
		release.Track = track
	}
	if release.Track != track {
		return nil, badRequest("Track in body %q does not match %q", release.Track, track)
	}
	if err := validateRelease(release); err != nil {
		return nil, err
	}
	if err := s.checkVersionCodes(ctx, edit, release.VersionCodes); err != nil {
		return nil, err
	}

	live, err := s.liveRelease(ctx, packageName, track)
	if err != nil {
		return nil, err
	}
	if live != nil && utils.IsRegression(live.Name, release.Name) {
		return nil, badRequest("Release %s is older than the live release %s on track %s", release.Name, live.Name, track)
	}

	var record types.TrackRecord
	err = s.db.WithContext(ctx).Where("edit_id = ? AND track = ?", edit.ID, track).First(&record).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to load staged release: %w", err)
	}

	record.EditID = edit.ID
	record.PackageName = packageName
	record.Track = track
	record.Name = release.Name
	record.VersionCodes = release.VersionCodes
	record.Status = release.Status
	record.UserFraction = release.UserFraction
	record.ReleaseNotes = release.ReleaseNotes
	if err := s.db.WithContext(ctx).Save(&record).Error; err != nil {
		return nil, fmt.Errorf("failed to save release: %w", err)
	}

	log.Info().
		Str("edit_id", editID).
		Str("track", track).
		Str("release", release.Name).
		Str("status", release.Status).
		Interface("version_codes", release.VersionCodes).
		Msg("Staged track release")
	return &record, nil
}

// GetTrack returns the release staged in the edit, or the live one
func (s *Service) GetTrack(ctx context.Context, packageName, editID, track string) (types.TrackRelease, error) {
	edit, err := s.GetEdit(ctx, packageName, editID)
	if err != nil {
		return types.TrackRelease{}, err
	}

	var record types.TrackRecord
	err = s.db.WithContext(ctx).Where("edit_id = ? AND track = ?", edit.ID, track).First(&record).Error
	if err == nil {
		return record.Release(), nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return types.TrackRelease{}, fmt.Errorf("failed to load release: %w", err)
	}

	live, err := s.liveRelease(ctx, packageName, track)
	if err != nil {
		return types.TrackRelease{}, err
	}
	if live == nil {
		return types.TrackRelease{}, notFound("Track %s has no release", track)
	}
	return live.Release(), nil
}

func (s *Service) liveRelease(ctx context.Context, packageName, track string) (*types.TrackRecord, error) {
	var record types.TrackRecord
	err := s.db.WithContext(ctx).
		Where("package_name = ? AND track = ? AND live = ?", packageName, track, true).
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load live release: %w", err)
	}
	return &record, nil
}

// checkVersionCodes requires every version code to be uploaded in this edit
// or in a committed one
func (s *Service) checkVersionCodes(ctx context.Context, edit *types.Edit, codes []int64) error {
	if len(codes) == 0 {
		return nil
	}

	var known []int64
	err := s.db.WithContext(ctx).
		Model(&types.StoredArtifact{}).
		Joins("JOIN edits ON edits.id = stored_artifacts.edit_id").
		Where("stored_artifacts.package_name = ? AND stored_artifacts.version_code IN ?", edit.PackageName, codes).
		Where("edits.id = ? OR edits.state = ?", edit.ID, types.EditStateCommitted).
		Pluck("stored_artifacts.version_code", &known).Error
	if err != nil {
		return fmt.Errorf("failed to look up version codes: %w", err)
	}

	for _, code := range codes {
		if !slices.Contains(known, code) {
			return badRequest("Version code %d has not been uploaded", code)
		}
	}
	return nil
}

func validateRelease(release types.TrackRelease) error {
	if !slices.Contains(types.ReleaseStatuses, release.Status) {
		return badRequest("Unknown release status %q", release.Status)
	}
	if release.Status != types.ReleaseStatusDraft && len(release.VersionCodes) == 0 {
		return badRequest("A %s release needs at least one version code", release.Status)
	}

	switch release.Status {
	case types.ReleaseStatusInProgress, types.ReleaseStatusHalted:
		if release.UserFraction <= 0 || release.UserFraction > 1 {
			return badRequest("User fraction %v must be in (0, 1] for a %s release", release.UserFraction, release.Status)
		}
	default:
		if release.UserFraction != 0 {
			return badRequest("User fraction can only be set on staged rollouts")
		}
	}

	if release.Track == "production" && utils.IsPrerelease(release.Name) {
		return badRequest("Prerelease %s cannot be released to production", release.Name)
	}
	return nil
}

// StartUpload opens a resumable upload into an edit
func (s *Service) StartUpload(ctx context.Context, packageName, editID, kind, contentType string, total int64) (*UploadSession, error) {
	if kind != KindAPK && kind != KindBundle {
		return nil, notFound("Unknown artifact kind %s", kind)
	}
	edit, err := s.openEdit(ctx, packageName, editID)
	if err != nil {
		return nil, err
	}
	if total > s.maxUploadSize {
		return nil, apiError(http.StatusRequestEntityTooLarge, "Upload of %s exceeds the limit of %s", utils.FormatBytes(total), utils.FormatBytes(s.maxUploadSize))
	}

	return s.uploads.Start(edit.ID, packageName, kind, contentType, total), nil
}

// Upload returns an upload session that is still receiving chunks
func (s *Service) Upload(uploadID string) (*UploadSession, bool) {
	return s.uploads.Get(uploadID)
}

// AppendUpload stores a chunk of a resumable upload. Once the upload is
// complete the artifact is registered and its reference returned.
func (s *Service) AppendUpload(ctx context.Context, uploadID string, start int64, chunk io.Reader, total int64) (*UploadSession, *types.ArtifactRef, error) {
	session, err := s.uploads.Append(ctx, uploadID, start, chunk, total)
	if err != nil {
		return nil, nil, err
	}
	if !session.Complete() {
		return session, nil, nil
	}

	artifact, err := s.finishUpload(ctx, session)
	if err != nil {
		return nil, nil, err
	}
	return session, artifact, nil
}

func (s *Service) finishUpload(ctx context.Context, session *UploadSession) (*types.ArtifactRef, error) {
	edit, err := s.openEdit(ctx, session.PackageName, session.EditID.String())
	if err != nil {
		s.uploads.Cancel(ctx, session.ID)
		return nil, err
	}

	finalPath := fmt.Sprintf("applications/%s/%s/%s", session.PackageName, session.Kind, session.ID)
	info, err := s.uploads.Finish(ctx, session.ID, finalPath)
	if err != nil {
		return nil, err
	}

	detected, err := s.sniff(ctx, finalPath)
	if err != nil {
		return nil, err
	}
	if !isZip(detected) {
		s.discard(ctx, finalPath)
		return nil, apiError(http.StatusUnsupportedMediaType, "Uploaded %s is %s, not an Android archive", session.Kind, detected.String())
	}

	var duplicate types.StoredArtifact
	err = s.db.WithContext(ctx).Where("package_name = ? AND sha256 = ?", session.PackageName, info.SHA256).First(&duplicate).Error
	if err == nil {
		s.discard(ctx, finalPath)
		return nil, conflict("Artifact with sha256 %s was already uploaded as version code %d", info.SHA256, duplicate.VersionCode)
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to check for duplicate artifact: %w", err)
	}

	artifact := &types.StoredArtifact{
		EditID:      edit.ID,
		PackageName: session.PackageName,
		Kind:        session.Kind,
		ContentType: detected.String(),
		Size:        info.Size,
		SHA256:      info.SHA256,
		StoragePath: finalPath,
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var latest int64
		if err := tx.Model(&types.StoredArtifact{}).
			Where("package_name = ?", session.PackageName).
			Select("COALESCE(MAX(version_code), 0)").
			Scan(&latest).Error; err != nil {
			return fmt.Errorf("failed to assign version code: %w", err)
		}
		artifact.VersionCode = latest + 1
		return tx.Create(artifact).Error
	})
	if err != nil {
		s.discard(ctx, finalPath)
		return nil, fmt.Errorf("failed to save artifact: %w", err)
	}

	log.Info().
		Str("edit_id", edit.ID.String()).
		Str("package", session.PackageName).
		Str("kind", session.Kind).
		Str("mime", detected.String()).
		Int64("version_code", artifact.VersionCode).
		Str("size", utils.FormatBytes(info.Size)).
		Msg("Registered uploaded artifact")

	return &types.ArtifactRef{VersionCode: artifact.VersionCode, SHA256: artifact.SHA256}, nil
}

func (s *Service) sniff(ctx context.Context, path string) (*mimetype.MIME, error) {
	reader, err := s.blobs.Open(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to open uploaded artifact: %w", err)
	}
	defer reader.Close()

	detected, err := mimetype.DetectReader(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to detect artifact type: %w", err)
	}
	return detected, nil
}

func (s *Service) discard(ctx context.Context, path string) {
	if err := s.blobs.Delete(ctx, path); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("Failed to delete rejected artifact")
	}
}

// isZip reports whether the detected type is a zip archive or derived from one
func isZip(detected *mimetype.MIME) bool {
	for m := detected; m != nil; m = m.Parent() {
		if m.Is("application/zip") {
			return true
		}
	}
	return false
}
