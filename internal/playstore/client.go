// Package playstore is an HTTP client for the store publishing API. It opens
// edits, stages track releases, commits edits and streams artifacts through
// resumable uploads.
package playstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/lgulliver/storepush/pkg/types"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultBaseURL is the public store API
	DefaultBaseURL = "https://androidpublisher.googleapis.com"
	// DefaultChunkSize is the size of one resumable upload request
	DefaultChunkSize = 8 << 20
	// DefaultRequestTimeout bounds a single API request
	DefaultRequestTimeout = 600 * time.Second

	apiPath = "/androidpublisher/v3/applications"
)

// APIError is a failed store API call
type APIError struct {
	StatusCode int
	Status     string
	Message    string
}

func (e *APIError) Error() string {
	if e.Status == "" {
		return fmt.Sprintf("store returned %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("store returned %d %s: %s", e.StatusCode, e.Status, e.Message)
}

// Client talks to the store publishing API
type Client struct {
	baseURL        string
	http           *http.Client
	chunkSize      int64
	requestTimeout time.Duration
	now            func() time.Time
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient sets the HTTP client
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) { c.http = client }
}

// WithChunkSize sets the size of each upload request
func WithChunkSize(size int64) Option {
	return func(c *Client) {
		if size > 0 {
			c.chunkSize = size
		}
	}
}

// WithRequestTimeout bounds every request, including each upload chunk
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.requestTimeout = d
		}
	}
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// NewClient creates a store client. An empty baseURL selects the public API.
func NewClient(baseURL string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL:        strings.TrimRight(baseURL, "/"),
		http:           &http.Client{},
		chunkSize:      DefaultChunkSize,
		requestTimeout: DefaultRequestTimeout,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) editURL(packageName, editID string, parts ...string) string {
	u := fmt.Sprintf("%s%s/%s/edits", c.baseURL, apiPath, url.PathEscape(packageName))
	if editID != "" {
		u += "/" + url.PathEscape(editID)
	}
	for _, p := range parts {
		u += "/" + url.PathEscape(p)
	}
	return u
}

// OpenEdit inserts a new edit for the package
func (c *Client) OpenEdit(ctx context.Context, cred types.Credential, packageName string) (types.EditSession, error) {
	var resp types.EditResponse
	if err := c.do(ctx, cred, http.MethodPost, c.editURL(packageName, ""), nil, &resp); err != nil {
		return types.EditSession{}, err
	}
	if resp.ID == "" {
		return types.EditSession{}, fmt.Errorf("store returned an edit without an id")
	}

	session := types.EditSession{ID: resp.ID, PackageName: packageName, Credential: cred}
	if resp.ExpiryTimeSeconds != "" {
		secs, err := strconv.ParseInt(resp.ExpiryTimeSeconds, 10, 64)
		if err != nil {
			return types.EditSession{}, fmt.Errorf("invalid edit expiry %q: %w", resp.ExpiryTimeSeconds, err)
		}
		session.ExpiresAt = time.Unix(secs, 0)
	}

	log.Debug().Str("edit_id", session.ID).Str("package", packageName).Time("expires_at", session.ExpiresAt).Msg("Opened edit")
	return session, nil
}

// UpdateTrack stages a release on a track of the edit
func (c *Client) UpdateTrack(ctx context.Context, session types.EditSession, release types.TrackRelease) error {
	target := c.editURL(session.PackageName, session.ID, "tracks", release.Track)
	return c.do(ctx, session.Credential, http.MethodPut, target, release, nil)
}

// CommitEdit publishes the edit
func (c *Client) CommitEdit(ctx context.Context, session types.EditSession) (types.CommitResult, error) {
	var resp types.EditResponse
	target := c.editURL(session.PackageName, session.ID, "commit")
	if err := c.do(ctx, session.Credential, http.MethodPost, target, nil, &resp); err != nil {
		return types.CommitResult{}, err
	}

	id := resp.ID
	if id == "" {
		id = session.ID
	}
	return types.CommitResult{EditID: id, CommittedAt: c.now()}, nil
}

// do sends a JSON request and decodes a JSON response into out
func (c *Client) do(ctx context.Context, cred types.Credential, method, target string, in, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", cred.AuthorizationHeader())
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return readAPIError(resp)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func readAPIError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	apiErr := &APIError{StatusCode: resp.StatusCode}
	var body types.ErrorResponse
	if json.Unmarshal(data, &body) == nil && body.Error.Message != "" {
		apiErr.Status = body.Error.Status
		apiErr.Message = body.Error.Message
		return apiErr
	}

	apiErr.Message = strings.TrimSpace(string(data))
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}
