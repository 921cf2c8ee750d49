package playstore

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/gabriel-vasile/mimetype"
	"github.com/lgulliver/storepush/internal/publisher"
	"github.com/lgulliver/storepush/pkg/types"
	"github.com/lgulliver/storepush/pkg/utils"
	"github.com/rs/zerolog/log"
)

const uploadPath = "/upload" + apiPath

// Transfer is a resumable upload running in the background
type Transfer struct {
	mu       sync.Mutex
	progress types.UploadProgress
}

// Poll returns the latest progress of the transfer
func (t *Transfer) Poll() types.UploadProgress {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.progress
}

func (t *Transfer) sent(n int64) {
	t.mu.Lock()
	t.progress.BytesSent = n
	t.mu.Unlock()
}

func (t *Transfer) finish(sent int64, artifact *types.ArtifactRef) {
	t.mu.Lock()
	t.progress.BytesSent = sent
	t.progress.Status = types.UploadCompleted
	t.progress.Artifact = artifact
	t.mu.Unlock()
}

func (t *Transfer) fail(err error) {
	t.mu.Lock()
	t.progress.Status = types.UploadFailed
	t.progress.Err = err
	t.mu.Unlock()
}

// StartTransfer opens a resumable upload into the edit and streams the file
// in the background. The transfer stops when ctx is cancelled.
func (c *Client) StartTransfer(ctx context.Context, req types.TransferRequest) (publisher.TransferHandle, error) {
	file, err := os.Open(req.FilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open artifact: %w", err)
	}

	if detected, err := mimetype.DetectFile(req.FilePath); err == nil {
		log.Debug().Str("artifact", req.FilePath).Str("mime", detected.String()).Msg("Detected artifact type")
		if !isArchive(detected) {
			log.Warn().Str("artifact", req.FilePath).Str("mime", detected.String()).Msg("Artifact does not look like an Android archive")
		}
	}

	location, err := c.openUpload(ctx, req)
	if err != nil {
		file.Close()
		return nil, err
	}

	t := &Transfer{progress: types.UploadProgress{TotalBytes: req.Size, Status: types.UploadRunning}}
	go func() {
		defer file.Close()
		c.stream(ctx, t, req, file, location)
	}()
	return t, nil
}

// openUpload starts a resumable session and returns its upload URL
func (c *Client) openUpload(ctx context.Context, req types.TransferRequest) (string, error) {
	kind := "apks"
	if req.Bundle {
		kind = "bundles"
	}
	target := fmt.Sprintf("%s%s/%s/edits/%s/%s?uploadType=resumable",
		c.baseURL, uploadPath, req.Session.PackageName, req.Session.ID, kind)

	reqCtx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, target, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create upload request: %w", err)
	}
	httpReq.Header.Set("Authorization", req.Session.Credential.AuthorizationHeader())
	httpReq.Header.Set("X-Upload-Content-Length", strconv.FormatInt(req.Size, 10))
	httpReq.Header.Set("X-Upload-Content-Type", req.ContentType)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("failed to start upload: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", readAPIError(resp)
	}
	location := resp.Header.Get("Location")
	if location == "" {
		return "", fmt.Errorf("store did not return an upload location")
	}

	log.Debug().
		Str("edit_id", req.Session.ID).
		Str("kind", kind).
		Str("size", utils.FormatBytes(req.Size)).
		Msg("Opened resumable upload")
	return location, nil
}

func (c *Client) stream(ctx context.Context, t *Transfer, req types.TransferRequest, file *os.File, location string) {
	var offset int64
	for {
		if err := ctx.Err(); err != nil {
			t.fail(err)
			return
		}

		length := min(c.chunkSize, req.Size-offset)
		chunk := io.NewSectionReader(file, offset, length)

		next, artifact, err := c.putChunk(ctx, req, location, chunk, offset, length)
		if err != nil {
			log.Error().Err(err).Str("edit_id", req.Session.ID).Int64("offset", offset).Msg("Upload chunk failed")
			t.fail(err)
			return
		}
		if artifact != nil {
			log.Info().
				Str("edit_id", req.Session.ID).
				Int64("version_code", artifact.VersionCode).
				Msg("Store accepted artifact")
			t.finish(next, artifact)
			return
		}
		if next <= offset && length > 0 {
			t.fail(fmt.Errorf("store made no progress at byte %d", offset))
			return
		}
		if next >= req.Size {
			t.fail(fmt.Errorf("store received all %d bytes but did not accept the artifact", req.Size))
			return
		}

		offset = next
		t.sent(offset)
	}
}

// putChunk sends one chunk. It returns the offset the store wants next, or
// the accepted artifact and the end of the final chunk once the upload is
// complete.
func (c *Client) putChunk(ctx context.Context, req types.TransferRequest, location string, chunk io.Reader, offset, length int64) (int64, *types.ArtifactRef, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPut, location, chunk)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create chunk request: %w", err)
	}
	httpReq.ContentLength = length
	if length == 0 {
		httpReq.Body = http.NoBody
		httpReq.Header.Set("Content-Range", fmt.Sprintf("bytes */%d", req.Size))
	} else {
		httpReq.Header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", offset, offset+length-1, req.Size))
	}
	httpReq.Header.Set("Authorization", req.Session.Credential.AuthorizationHeader())
	httpReq.Header.Set("Content-Type", req.ContentType)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to upload chunk: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusPermanentRedirect:
		io.Copy(io.Discard, resp.Body)
		next, err := parseRange(resp.Header.Get("Range"))
		if err != nil {
			return 0, nil, err
		}
		return next, nil, nil
	case http.StatusOK, http.StatusCreated:
		var artifact types.ArtifactRef
		if err := json.NewDecoder(resp.Body).Decode(&artifact); err != nil {
			return 0, nil, fmt.Errorf("failed to decode upload response: %w", err)
		}
		return offset + length, &artifact, nil
	default:
		return 0, nil, readAPIError(resp)
	}
}

func isArchive(detected *mimetype.MIME) bool {
	for m := detected; m != nil; m = m.Parent() {
		if m.Is("application/zip") {
			return true
		}
	}
	return false
}

// parseRange reads "bytes=0-n" and returns n+1. No header means nothing
// has been stored yet.
func parseRange(header string) (int64, error) {
	if header == "" {
		return 0, nil
	}
	rest, ok := strings.CutPrefix(header, "bytes=")
	if !ok {
		return 0, fmt.Errorf("invalid Range header %q", header)
	}
	_, end, ok := strings.Cut(rest, "-")
	if !ok {
		return 0, fmt.Errorf("invalid Range header %q", header)
	}
	last, err := strconv.ParseInt(end, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid Range header %q", header)
	}
	return last + 1, nil
}
