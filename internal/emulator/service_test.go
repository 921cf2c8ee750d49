package emulator

import (
	"archive/zip"
	"bytes"
	"context"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/lgulliver/storepush/internal/common"
	"github.com/lgulliver/storepush/internal/storage"
	"github.com/lgulliver/storepush/pkg/config"
	"github.com/lgulliver/storepush/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPackage = "com.example.app"

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time { return c.now }

func setupTestDB(t *testing.T) *common.Database {
	t.Helper()
	db, err := common.NewDatabase(&config.DatabaseConfig{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "emulator.db")})
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { db.Close() })
	return db
}

func setupTestService(t *testing.T) (*Service, *testClock) {
	t.Helper()
	blobs, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	uploads := NewUploadManager(blobs, time.Hour)
	t.Cleanup(uploads.Close)

	clock := &testClock{now: time.Now()}
	service := NewService(setupTestDB(t), blobs, uploads, Options{
		EditLifetime:  time.Hour,
		MaxUploadSize: 1 << 20,
		Now:           clock.Now,
	})
	return service, clock
}

// androidArchive builds a small zip that passes the artifact type check
func androidArchive(t *testing.T, marker string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("AndroidManifest.xml")
	require.NoError(t, err)
	_, err = w.Write([]byte("<manifest package=\"" + testPackage + "\">" + marker + "</manifest>"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func requireStatus(t *testing.T, err error, code int) {
	t.Helper()
	require.Error(t, err)
	got, _ := statusOf(err)
	assert.Equal(t, code, got, err.Error())
}

// uploadArtifact pushes data into the edit in a single chunk
func uploadArtifact(t *testing.T, service *Service, editID, kind string, data []byte) *types.ArtifactRef {
	t.Helper()
	ctx := context.Background()
	session, err := service.StartUpload(ctx, testPackage, editID, kind, "application/octet-stream", int64(len(data)))
	require.NoError(t, err)

	_, artifact, err := service.AppendUpload(ctx, session.ID, 0, bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	require.NotNil(t, artifact)
	return artifact
}

func TestService_InsertAndGetEdit(t *testing.T) {
	service, clock := setupTestService(t)
	ctx := context.Background()

	edit, err := service.InsertEdit(ctx, testPackage, &types.ServiceAccount{ClientEmail: "ci@example.com"})
	require.NoError(t, err)
	assert.Equal(t, types.EditStateOpen, edit.State)
	assert.Equal(t, "ci@example.com", edit.OpenedBy)
	assert.WithinDuration(t, clock.now.Add(time.Hour), edit.ExpiresAt, time.Second)

	loaded, err := service.GetEdit(ctx, testPackage, edit.ID.String())
	require.NoError(t, err)
	assert.Equal(t, edit.ID, loaded.ID)

	_, err = service.GetEdit(ctx, "com.example.other", edit.ID.String())
	requireStatus(t, err, http.StatusNotFound)

	_, err = service.GetEdit(ctx, testPackage, "not-a-uuid")
	requireStatus(t, err, http.StatusNotFound)
}

func TestService_UploadAssignsVersionCodes(t *testing.T) {
	service, _ := setupTestService(t)
	ctx := context.Background()

	edit, err := service.InsertEdit(ctx, testPackage, nil)
	require.NoError(t, err)

	first := uploadArtifact(t, service, edit.ID.String(), KindBundle, androidArchive(t, "1"))
	second := uploadArtifact(t, service, edit.ID.String(), KindAPK, androidArchive(t, "2"))

	assert.Equal(t, int64(1), first.VersionCode)
	assert.Equal(t, int64(2), second.VersionCode)
	assert.Len(t, first.SHA256, 64)
	assert.NotEqual(t, first.SHA256, second.SHA256)

	var stored []types.StoredArtifact
	require.NoError(t, service.db.WithContext(ctx).Order("version_code").Find(&stored).Error)
	require.Len(t, stored, 2)
	assert.Equal(t, KindBundle, stored[0].Kind)
	assert.Equal(t, edit.ID, stored[1].EditID)
}

func TestService_UploadInChunks(t *testing.T) {
	service, _ := setupTestService(t)
	ctx := context.Background()

	edit, err := service.InsertEdit(ctx, testPackage, nil)
	require.NoError(t, err)
	data := androidArchive(t, strings.Repeat("x", 300))

	session, err := service.StartUpload(ctx, testPackage, edit.ID.String(), KindBundle, "", UnknownTotal)
	require.NoError(t, err)

	half := int64(len(data) / 2)
	progress, artifact, err := service.AppendUpload(ctx, session.ID, 0, bytes.NewReader(data[:half]), UnknownTotal)
	require.NoError(t, err)
	assert.Nil(t, artifact)
	assert.Equal(t, half, progress.Received)

	_, _, err = service.AppendUpload(ctx, session.ID, 0, bytes.NewReader(data[:half]), UnknownTotal)
	requireStatus(t, err, http.StatusBadRequest)

	_, artifact, err = service.AppendUpload(ctx, session.ID, half, bytes.NewReader(data[half:]), int64(len(data)))
	require.NoError(t, err)
	require.NotNil(t, artifact)
	assert.Equal(t, int64(1), artifact.VersionCode)

	_, ok := service.Upload(session.ID)
	assert.False(t, ok)
}

func TestService_UploadRejections(t *testing.T) {
	service, _ := setupTestService(t)
	ctx := context.Background()

	edit, err := service.InsertEdit(ctx, testPackage, nil)
	require.NoError(t, err)
	editID := edit.ID.String()

	t.Run("unknown kind", func(t *testing.T) {
		_, err := service.StartUpload(ctx, testPackage, editID, "obbs", "", 10)
		requireStatus(t, err, http.StatusNotFound)
	})

	t.Run("too large", func(t *testing.T) {
		_, err := service.StartUpload(ctx, testPackage, editID, KindAPK, "", 2<<20)
		requireStatus(t, err, http.StatusRequestEntityTooLarge)
	})

	t.Run("not an archive", func(t *testing.T) {
		data := []byte("plain text is not an android package")
		session, err := service.StartUpload(ctx, testPackage, editID, KindAPK, "", int64(len(data)))
		require.NoError(t, err)
		_, _, err = service.AppendUpload(ctx, session.ID, 0, bytes.NewReader(data), int64(len(data)))
		requireStatus(t, err, http.StatusUnsupportedMediaType)
	})

	t.Run("empty upload", func(t *testing.T) {
		session, err := service.StartUpload(ctx, testPackage, editID, KindBundle, "", 0)
		require.NoError(t, err)
		_, _, err = service.AppendUpload(ctx, session.ID, 0, bytes.NewReader(nil), 0)
		requireStatus(t, err, http.StatusUnsupportedMediaType)
	})

	t.Run("duplicate", func(t *testing.T) {
		data := androidArchive(t, "dup")
		uploadArtifact(t, service, editID, KindBundle, data)

		session, err := service.StartUpload(ctx, testPackage, editID, KindBundle, "", int64(len(data)))
		require.NoError(t, err)
		_, _, err = service.AppendUpload(ctx, session.ID, 0, bytes.NewReader(data), int64(len(data)))
		requireStatus(t, err, http.StatusConflict)
	})

	t.Run("unknown session", func(t *testing.T) {
		_, _, err := service.AppendUpload(ctx, "missing", 0, bytes.NewReader(nil), 0)
		requireStatus(t, err, http.StatusNotFound)
	})
}

func TestService_TrackLifecycle(t *testing.T) {
	service, _ := setupTestService(t)
	ctx := context.Background()

	edit, err := service.InsertEdit(ctx, testPackage, nil)
	require.NoError(t, err)
	editID := edit.ID.String()
	artifact := uploadArtifact(t, service, editID, KindBundle, androidArchive(t, "v1"))

	release := types.TrackRelease{
		Name:         "1.0.0",
		VersionCodes: []int64{artifact.VersionCode},
		Status:       types.ReleaseStatusCompleted,
		ReleaseNotes: []types.ReleaseNote{{Language: "en", Text: "First"}},
	}
	record, err := service.UpdateTrack(ctx, testPackage, editID, "beta", release)
	require.NoError(t, err)
	assert.Equal(t, "beta", record.Track)
	assert.False(t, record.Live)

	staged, err := service.GetTrack(ctx, testPackage, editID, "beta")
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", staged.Name)

	committed, err := service.CommitEdit(ctx, testPackage, editID)
	require.NoError(t, err)
	assert.Equal(t, types.EditStateCommitted, committed.State)
	require.NotNil(t, committed.CommittedAt)

	live, err := service.liveRelease(ctx, testPackage, "beta")
	require.NoError(t, err)
	require.NotNil(t, live)
	assert.Equal(t, []int64{artifact.VersionCode}, live.VersionCodes)

	// a committed edit is frozen
	_, err = service.UpdateTrack(ctx, testPackage, editID, "beta", release)
	requireStatus(t, err, http.StatusPreconditionFailed)
	_, err = service.CommitEdit(ctx, testPackage, editID)
	requireStatus(t, err, http.StatusPreconditionFailed)

	// the next edit sees the live release and may reuse its version code
	next, err := service.InsertEdit(ctx, testPackage, nil)
	require.NoError(t, err)
	fromLive, err := service.GetTrack(ctx, testPackage, next.ID.String(), "beta")
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", fromLive.Name)

	release.Track = "production"
	release.Name = "1.1.0"
	_, err = service.UpdateTrack(ctx, testPackage, next.ID.String(), "production", release)
	require.NoError(t, err)

	_, err = service.GetTrack(ctx, testPackage, next.ID.String(), "alpha")
	requireStatus(t, err, http.StatusNotFound)
}

func TestService_UpdateTrackValidation(t *testing.T) {
	service, _ := setupTestService(t)
	ctx := context.Background()

	edit, err := service.InsertEdit(ctx, testPackage, nil)
	require.NoError(t, err)
	editID := edit.ID.String()
	artifact := uploadArtifact(t, service, editID, KindBundle, androidArchive(t, "v"))
	codes := []int64{artifact.VersionCode}

	tests := []struct {
		name    string
		track   string
		release types.TrackRelease
	}{
		{name: "unknown status", track: "beta", release: types.TrackRelease{Name: "1.0.0", VersionCodes: codes, Status: "live"}},
		{name: "no version codes", track: "beta", release: types.TrackRelease{Name: "1.0.0", Status: types.ReleaseStatusCompleted}},
		{name: "unknown version code", track: "beta", release: types.TrackRelease{Name: "1.0.0", VersionCodes: []int64{99}, Status: types.ReleaseStatusCompleted}},
		{name: "staged rollout without fraction", track: "beta", release: types.TrackRelease{Name: "1.0.0", VersionCodes: codes, Status: types.ReleaseStatusInProgress}},
		{name: "fraction above one", track: "beta", release: types.TrackRelease{Name: "1.0.0", VersionCodes: codes, Status: types.ReleaseStatusHalted, UserFraction: 1.5}},
		{name: "fraction on completed", track: "beta", release: types.TrackRelease{Name: "1.0.0", VersionCodes: codes, Status: types.ReleaseStatusCompleted, UserFraction: 0.5}},
		{name: "prerelease on production", track: "production", release: types.TrackRelease{Name: "1.0.0-rc.1", VersionCodes: codes, Status: types.ReleaseStatusCompleted}},
		{name: "track mismatch", track: "beta", release: types.TrackRelease{Track: "alpha", Name: "1.0.0", VersionCodes: codes, Status: types.ReleaseStatusCompleted}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := service.UpdateTrack(ctx, testPackage, editID, tt.track, tt.release)
			requireStatus(t, err, http.StatusBadRequest)
		})
	}

	_, err = service.UpdateTrack(ctx, testPackage, editID, "beta", types.TrackRelease{Name: "1.0.0", Status: types.ReleaseStatusDraft})
	assert.NoError(t, err)
	_, err = service.UpdateTrack(ctx, testPackage, editID, "beta", types.TrackRelease{
		Name: "1.0.0", VersionCodes: codes, Status: types.ReleaseStatusInProgress, UserFraction: 0.1,
	})
	assert.NoError(t, err)
}

func TestService_RejectsRegression(t *testing.T) {
	service, _ := setupTestService(t)
	ctx := context.Background()

	edit, err := service.InsertEdit(ctx, testPackage, nil)
	require.NoError(t, err)
	artifact := uploadArtifact(t, service, edit.ID.String(), KindBundle, androidArchive(t, "v2"))
	_, err = service.UpdateTrack(ctx, testPackage, edit.ID.String(), "beta", types.TrackRelease{
		Name: "2.0.0", VersionCodes: []int64{artifact.VersionCode}, Status: types.ReleaseStatusCompleted,
	})
	require.NoError(t, err)
	_, err = service.CommitEdit(ctx, testPackage, edit.ID.String())
	require.NoError(t, err)

	next, err := service.InsertEdit(ctx, testPackage, nil)
	require.NoError(t, err)
	_, err = service.UpdateTrack(ctx, testPackage, next.ID.String(), "beta", types.TrackRelease{
		Name: "1.9.0", VersionCodes: []int64{artifact.VersionCode}, Status: types.ReleaseStatusCompleted,
	})
	requireStatus(t, err, http.StatusBadRequest)
}

func TestService_UncommittedVersionCodesStayInTheirEdit(t *testing.T) {
	service, _ := setupTestService(t)
	ctx := context.Background()

	first, err := service.InsertEdit(ctx, testPackage, nil)
	require.NoError(t, err)
	artifact := uploadArtifact(t, service, first.ID.String(), KindBundle, androidArchive(t, "draft"))

	second, err := service.InsertEdit(ctx, testPackage, nil)
	require.NoError(t, err)
	_, err = service.UpdateTrack(ctx, testPackage, second.ID.String(), "beta", types.TrackRelease{
		Name: "1.0.0", VersionCodes: []int64{artifact.VersionCode}, Status: types.ReleaseStatusCompleted,
	})
	requireStatus(t, err, http.StatusBadRequest)
}

func TestService_ExpiredEdit(t *testing.T) {
	service, clock := setupTestService(t)
	ctx := context.Background()

	edit, err := service.InsertEdit(ctx, testPackage, nil)
	require.NoError(t, err)

	clock.now = clock.now.Add(2 * time.Hour)

	_, err = service.StartUpload(ctx, testPackage, edit.ID.String(), KindBundle, "", 10)
	requireStatus(t, err, http.StatusPreconditionFailed)
	_, err = service.CommitEdit(ctx, testPackage, edit.ID.String())
	requireStatus(t, err, http.StatusPreconditionFailed)

	// reads still work
	_, err = service.GetEdit(ctx, testPackage, edit.ID.String())
	assert.NoError(t, err)
}

func TestService_EditExpiresDuringUpload(t *testing.T) {
	service, clock := setupTestService(t)
	ctx := context.Background()

	edit, err := service.InsertEdit(ctx, testPackage, nil)
	require.NoError(t, err)
	data := androidArchive(t, "late")

	session, err := service.StartUpload(ctx, testPackage, edit.ID.String(), KindBundle, "", int64(len(data)))
	require.NoError(t, err)

	clock.now = clock.now.Add(2 * time.Hour)
	_, _, err = service.AppendUpload(ctx, session.ID, 0, bytes.NewReader(data), int64(len(data)))
	requireStatus(t, err, http.StatusPreconditionFailed)

	_, ok := service.Upload(session.ID)
	assert.False(t, ok)
}
