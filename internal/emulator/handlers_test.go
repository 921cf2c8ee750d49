package emulator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/lgulliver/storepush/internal/auth"
	"github.com/lgulliver/storepush/internal/credentials"
	"github.com/lgulliver/storepush/pkg/config"
	"github.com/lgulliver/storepush/pkg/types"
	"github.com/lgulliver/storepush/pkg/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testSecret = "emulator-test-secret"
	testEmail  = "ci@example.iam.gserviceaccount.com"
)

type testServer struct {
	router *gin.Engine
	auth   *auth.Service
	token  string
}

func setupTestRouter(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	service, _ := setupTestService(t)
	authService := auth.NewService(service.db, nil, &config.AuthConfig{
		JWTSecret:       testSecret,
		TokenExpiration: time.Hour,
	})

	_, publicKey, err := credentials.GenerateKey(testEmail, "example", "http://example.com/token")
	require.NoError(t, err)
	_, err = authService.RegisterAccount(context.Background(), &types.RegisterAccountRequest{
		ClientEmail:  testEmail,
		PublicKeyPEM: publicKey,
	})
	require.NoError(t, err)

	token, err := utils.GenerateAccessToken(testEmail, credentials.Scope, testSecret, time.Hour)
	require.NoError(t, err)

	return &testServer{router: NewRouter(authService, service), auth: authService, token: token}
}

func (s *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	if req.Header.Get("Authorization") == "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *testServer) insertEdit(t *testing.T) string {
	t.Helper()
	w := s.do(httptest.NewRequest(http.MethodPost, "/androidpublisher/v3/applications/"+testPackage+"/edits", nil))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var edit types.EditResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &edit))
	require.NotEmpty(t, edit.ID)
	require.NotEmpty(t, edit.ExpiryTimeSeconds)
	return edit.ID
}

// startUpload returns the upload path from the Location header
func (s *testServer) startUpload(t *testing.T, editID string, total int) string {
	t.Helper()
	target := fmt.Sprintf("/upload/androidpublisher/v3/applications/%s/edits/%s/bundles?uploadType=resumable", testPackage, editID)
	req := httptest.NewRequest(http.MethodPost, target, nil)
	req.Header.Set("X-Upload-Content-Length", fmt.Sprint(total))
	req.Header.Set("X-Upload-Content-Type", "application/octet-stream")
	w := s.do(req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	location, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "example.com", location.Host)
	return location.Path
}

func (s *testServer) putChunk(path string, body []byte, contentRange string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPut, path, bytes.NewReader(body))
	if contentRange != "" {
		req.Header.Set("Content-Range", contentRange)
	}
	return s.do(req)
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) types.ErrorDetail {
	t.Helper()
	var body types.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body.Error
}

func TestHandlers_Health(t *testing.T) {
	s := setupTestRouter(t)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "healthy")
}

func TestHandlers_Token(t *testing.T) {
	s := setupTestRouter(t)

	key, publicKey, err := credentials.GenerateKey("deploy@example.iam.gserviceaccount.com", "example", "http://example.com/token")
	require.NoError(t, err)

	body, _ := json.Marshal(map[string]string{"client_email": key.ClientEmail, "public_key": publicKey})
	req := httptest.NewRequest(http.MethodPost, "/emulator/v1/serviceAccounts", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.NotContains(t, w.Body.String(), "PUBLIC KEY")

	privateKey, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(key.PrivateKey))
	require.NoError(t, err)
	sign := func(audience string) string {
		signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
			"iss":   key.ClientEmail,
			"aud":   audience,
			"scope": credentials.Scope,
			"iat":   time.Now().Unix(),
			"exp":   time.Now().Add(time.Hour).Unix(),
		}).SignedString(privateKey)
		require.NoError(t, err)
		return signed
	}
	exchange := func(grantType, assertion string) *httptest.ResponseRecorder {
		form := url.Values{"grant_type": {grantType}, "assertion": {assertion}}
		req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		w := httptest.NewRecorder()
		s.router.ServeHTTP(w, req)
		return w
	}

	w = exchange(auth.JWTBearerGrant, sign("http://example.com/token"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var token types.AuthToken
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &token))
	assert.Equal(t, "Bearer", token.TokenType)

	account, err := s.auth.ValidateToken(context.Background(), token.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, key.ClientEmail, account.ClientEmail)

	w = exchange(auth.JWTBearerGrant, sign("http://elsewhere.test/token"))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	var oauthErr types.TokenErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &oauthErr))
	assert.Equal(t, "invalid_grant", oauthErr.Error)

	w = exchange("password", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "unsupported_grant_type")
}

func TestHandlers_RequiresAuthentication(t *testing.T) {
	s := setupTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/androidpublisher/v3/applications/"+testPackage+"/edits", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	w := s.do(req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "UNAUTHENTICATED", decodeError(t, w).Status)

	req = httptest.NewRequest(http.MethodPut, "/upload/resumable/abc", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	assert.Equal(t, http.StatusUnauthorized, s.do(req).Code)
}

func TestHandlers_PublishFlow(t *testing.T) {
	s := setupTestRouter(t)
	editID := s.insertEdit(t)

	w := s.do(httptest.NewRequest(http.MethodGet, "/androidpublisher/v3/applications/"+testPackage+"/edits/"+editID, nil))
	require.Equal(t, http.StatusOK, w.Code)

	data := androidArchive(t, strings.Repeat("payload", 40))
	path := s.startUpload(t, editID, len(data))

	half := len(data) / 2
	w = s.putChunk(path, data[:half], fmt.Sprintf("bytes 0-%d/%d", half-1, len(data)))
	require.Equal(t, http.StatusPermanentRedirect, w.Code, w.Body.String())
	assert.Equal(t, fmt.Sprintf("bytes=0-%d", half-1), w.Header().Get("Range"))
	assert.Empty(t, w.Header().Get("Location"))

	// status query
	w = s.putChunk(path, nil, fmt.Sprintf("bytes */%d", len(data)))
	require.Equal(t, http.StatusPermanentRedirect, w.Code, w.Body.String())
	assert.Equal(t, fmt.Sprintf("bytes=0-%d", half-1), w.Header().Get("Range"))

	w = s.putChunk(path, data[half:], fmt.Sprintf("bytes %d-%d/%d", half, len(data)-1, len(data)))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var artifact types.ArtifactRef
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &artifact))
	assert.Equal(t, int64(1), artifact.VersionCode)
	assert.Equal(t, utils.ComputeSHA256(data), artifact.SHA256)

	release := types.TrackRelease{
		Track:        "internal",
		Name:         "1.0.0",
		VersionCodes: []int64{artifact.VersionCode},
		Status:       types.ReleaseStatusCompleted,
	}
	body, _ := json.Marshal(release)
	trackPath := fmt.Sprintf("/androidpublisher/v3/applications/%s/edits/%s/tracks/internal", testPackage, editID)
	req := httptest.NewRequest(http.MethodPut, trackPath, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w = s.do(req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(httptest.NewRequest(http.MethodGet, trackPath, nil))
	require.Equal(t, http.StatusOK, w.Code)
	var staged types.TrackRelease
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &staged))
	assert.Equal(t, release.VersionCodes, staged.VersionCodes)

	commitPath := fmt.Sprintf("/androidpublisher/v3/applications/%s/edits/%s/commit", testPackage, editID)
	w = s.do(httptest.NewRequest(http.MethodPost, commitPath, nil))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(httptest.NewRequest(http.MethodPost, commitPath, nil))
	assert.Equal(t, http.StatusPreconditionFailed, w.Code)
	assert.Equal(t, "FAILED_PRECONDITION", decodeError(t, w).Status)
}

func TestHandlers_SingleRequestUpload(t *testing.T) {
	s := setupTestRouter(t)
	editID := s.insertEdit(t)

	data := androidArchive(t, "single")
	path := s.startUpload(t, editID, len(data))

	w := s.putChunk(path, data, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestHandlers_UploadErrors(t *testing.T) {
	s := setupTestRouter(t)
	editID := s.insertEdit(t)

	t.Run("not resumable", func(t *testing.T) {
		target := fmt.Sprintf("/upload/androidpublisher/v3/applications/%s/edits/%s/bundles?uploadType=media", testPackage, editID)
		w := s.do(httptest.NewRequest(http.MethodPost, target, nil))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("unknown edit", func(t *testing.T) {
		target := fmt.Sprintf("/upload/androidpublisher/v3/applications/%s/edits/%s/bundles?uploadType=resumable", testPackage, "nope")
		w := s.do(httptest.NewRequest(http.MethodPost, target, nil))
		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Equal(t, "NOT_FOUND", decodeError(t, w).Status)
	})

	t.Run("wrong offset", func(t *testing.T) {
		data := androidArchive(t, "offset")
		path := s.startUpload(t, editID, len(data))
		w := s.putChunk(path, data[10:], fmt.Sprintf("bytes 10-%d/%d", len(data)-1, len(data)))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("bad content range", func(t *testing.T) {
		path := s.startUpload(t, editID, 10)
		w := s.putChunk(path, []byte("x"), "items 0-0/10")
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("not an archive", func(t *testing.T) {
		data := []byte("#!/bin/sh\necho not an app\n")
		path := s.startUpload(t, editID, len(data))
		w := s.putChunk(path, data, fmt.Sprintf("bytes 0-%d/%d", len(data)-1, len(data)))
		assert.Equal(t, http.StatusUnsupportedMediaType, w.Code)
	})
}

func TestParseContentRange(t *testing.T) {
	tests := []struct {
		header  string
		length  int64
		want    contentRange
		wantErr bool
	}{
		{header: "", length: 5, want: contentRange{start: 0, length: 5, total: 5}},
		{header: "bytes 0-9/20", want: contentRange{start: 0, length: 10, total: 20}},
		{header: "bytes 10-19/20", want: contentRange{start: 10, length: 10, total: 20}},
		{header: "bytes 0-9/*", want: contentRange{start: 0, length: 10, total: UnknownTotal}},
		{header: "bytes */20", want: contentRange{total: 20, query: true}},
		{header: "", length: -1, wantErr: true},
		{header: "bytes */*", wantErr: true},
		{header: "bytes 5-2/20", wantErr: true},
		{header: "bytes 0-20/20", wantErr: true},
		{header: "bytes 0-a/20", wantErr: true},
		{header: "bytes 0-9", wantErr: true},
		{header: "0-9/20", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.header, func(t *testing.T) {
			got, err := parseContentRange(tt.header, tt.length)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
