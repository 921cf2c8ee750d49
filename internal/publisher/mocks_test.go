package publisher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/lgulliver/storepush/pkg/types"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockCredentialProvider implements CredentialProvider for testing
type MockCredentialProvider struct {
	mock.Mock
}

func (m *MockCredentialProvider) LoadCredential(ctx context.Context, path string) (types.Credential, error) {
	args := m.Called(ctx, path)
	return args.Get(0).(types.Credential), args.Error(1)
}

// MockRemoteStore implements RemoteStore for testing
type MockRemoteStore struct {
	mock.Mock
}

func (m *MockRemoteStore) OpenEdit(ctx context.Context, cred types.Credential, packageName string) (types.EditSession, error) {
	args := m.Called(ctx, cred, packageName)
	return args.Get(0).(types.EditSession), args.Error(1)
}

func (m *MockRemoteStore) UpdateTrack(ctx context.Context, session types.EditSession, release types.TrackRelease) error {
	args := m.Called(ctx, session, release)
	return args.Error(0)
}

func (m *MockRemoteStore) CommitEdit(ctx context.Context, session types.EditSession) (types.CommitResult, error) {
	args := m.Called(ctx, session)
	return args.Get(0).(types.CommitResult), args.Error(1)
}

func (m *MockRemoteStore) StartTransfer(ctx context.Context, req types.TransferRequest) (TransferHandle, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(TransferHandle), args.Error(1)
}

// scriptedTransfer replays a fixed sequence of observations. The last one
// repeats once the script is exhausted.
type scriptedTransfer struct {
	mu    sync.Mutex
	steps []types.UploadProgress
	next  int
	polls int
}

func newScriptedTransfer(steps ...types.UploadProgress) *scriptedTransfer {
	return &scriptedTransfer{steps: steps}
}

func (s *scriptedTransfer) Poll() types.UploadProgress {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.polls++
	p := s.steps[s.next]
	if s.next < len(s.steps)-1 {
		s.next++
	}
	return p
}

func (s *scriptedTransfer) Polls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.polls
}

// recorder collects snapshots delivered to an observer
type recorder struct {
	mu        sync.Mutex
	snapshots []types.ProgressSnapshot
}

func (r *recorder) observe(s types.ProgressSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshots = append(r.snapshots, s)
}

func (r *recorder) all() []types.ProgressSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.ProgressSnapshot, len(r.snapshots))
	copy(out, r.snapshots)
	return out
}

func (r *recorder) fractions() []float64 {
	var out []float64
	for _, s := range r.all() {
		out = append(out, s.FractionComplete)
	}
	return out
}

func (r *recorder) last() types.ProgressSnapshot {
	all := r.all()
	if len(all) == 0 {
		return types.ProgressSnapshot{}
	}
	return all[len(all)-1]
}

func running(sent, total int64) types.UploadProgress {
	return types.UploadProgress{BytesSent: sent, TotalBytes: total, Status: types.UploadRunning}
}

func completed(sent int64, versionCode int64) types.UploadProgress {
	return types.UploadProgress{
		BytesSent:  sent,
		TotalBytes: sent,
		Status:     types.UploadCompleted,
		Artifact:   &types.ArtifactRef{VersionCode: versionCode, SHA256: "abc"},
	}
}

func writeArtifact(t *testing.T, name string, size int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0644))
	return path
}

func testCredential() types.Credential {
	return types.Credential{
		ClientEmail: "ci@example.iam.gserviceaccount.com",
		AccessToken: "token",
		TokenType:   "Bearer",
		Expiry:      time.Now().Add(time.Hour),
	}
}

func testSession() types.EditSession {
	return types.EditSession{
		ID:          "edit-1",
		PackageName: "com.example.app",
		ExpiresAt:   time.Now().Add(time.Hour),
	}
}

func testSettings(artifact string) types.DistributionSettings {
	return types.DistributionSettings{
		PackageName:    "com.example.app",
		ArtifactPath:   artifact,
		CredentialPath: "/keys/service-account.json",
		Track:          "internal",
		ReleaseName:    "1.2.0",
		ReleaseNotes:   "Bug fixes",
	}
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}
