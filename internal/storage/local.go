package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/lgulliver/storepush/pkg/utils"
	"github.com/rs/zerolog/log"
)

// ErrNotFound is returned when a blob does not exist
var ErrNotFound = errors.New("blob not found")

// LocalStorage implements BlobStorage on the local filesystem
type LocalStorage struct {
	basePath string
	mutex    sync.RWMutex
}

// NewLocalStorage creates a new local storage instance
func NewLocalStorage(basePath string) (*LocalStorage, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		log.Error().Err(err).Str("path", basePath).Msg("failed to create storage directory")
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	log.Info().Str("path", basePath).Msg("local storage initialized")
	return &LocalStorage{basePath: basePath}, nil
}

// resolve maps a blob path below the base directory
func (ls *LocalStorage) resolve(path string) (string, error) {
	clean := filepath.Clean("/" + path)
	if clean == "/" {
		return "", fmt.Errorf("invalid blob path: %q", path)
	}
	full := filepath.Join(ls.basePath, clean)
	if !strings.HasPrefix(full, filepath.Clean(ls.basePath)+string(os.PathSeparator)) {
		return "", fmt.Errorf("invalid blob path: %q", path)
	}
	return full, nil
}

// Store writes content to a temporary file and renames it into place
func (ls *LocalStorage) Store(ctx context.Context, path string, content io.Reader) (BlobInfo, error) {
	if err := ctx.Err(); err != nil {
		return BlobInfo{}, err
	}
	fullPath, err := ls.resolve(path)
	if err != nil {
		return BlobInfo{}, err
	}

	ls.mutex.Lock()
	defer ls.mutex.Unlock()

	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return BlobInfo{}, fmt.Errorf("failed to create directory: %w", err)
	}

	tempPath := fmt.Sprintf("%s.tmp.%d", fullPath, time.Now().UnixNano())
	tempFile, err := os.Create(tempPath)
	if err != nil {
		return BlobInfo{}, fmt.Errorf("failed to create temporary file: %w", err)
	}
	defer func() {
		tempFile.Close()
		os.Remove(tempPath)
	}()

	hasher := sha256.New()
	written, err := io.Copy(io.MultiWriter(tempFile, hasher), content)
	if err != nil {
		return BlobInfo{}, fmt.Errorf("failed to write content: %w", err)
	}
	if err := tempFile.Sync(); err != nil {
		return BlobInfo{}, fmt.Errorf("failed to sync temporary file: %w", err)
	}
	tempFile.Close()

	if err := os.Rename(tempPath, fullPath); err != nil {
		return BlobInfo{}, fmt.Errorf("failed to move file to final location: %w", err)
	}

	info := BlobInfo{Path: path, Size: written, SHA256: hex.EncodeToString(hasher.Sum(nil))}
	log.Debug().Str("path", path).Int64("size", written).Str("sha256", info.SHA256).Msg("blob stored")
	return info, nil
}

// Append writes a chunk to the end of a staging blob, creating it if needed
func (ls *LocalStorage) Append(ctx context.Context, path string, chunk io.Reader) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	fullPath, err := ls.resolve(path)
	if err != nil {
		return 0, err
	}

	ls.mutex.Lock()
	defer ls.mutex.Unlock()

	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return 0, fmt.Errorf("failed to create directory: %w", err)
	}

	file, err := os.OpenFile(fullPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return 0, fmt.Errorf("failed to open staging blob: %w", err)
	}
	defer file.Close()

	if _, err := io.Copy(file, chunk); err != nil {
		return 0, fmt.Errorf("failed to append chunk: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		return 0, fmt.Errorf("failed to stat staging blob: %w", err)
	}
	return info.Size(), nil
}

// Truncate shortens a staging blob, dropping a rejected chunk
func (ls *LocalStorage) Truncate(ctx context.Context, path string, size int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	fullPath, err := ls.resolve(path)
	if err != nil {
		return err
	}

	ls.mutex.Lock()
	defer ls.mutex.Unlock()

	if err := os.Truncate(fullPath, size); err != nil && !(os.IsNotExist(err) && size == 0) {
		return fmt.Errorf("failed to truncate staging blob: %w", err)
	}
	return nil
}

// Promote renames a staging blob to its final path and computes its digest
func (ls *LocalStorage) Promote(ctx context.Context, from, to string) (BlobInfo, error) {
	if err := ctx.Err(); err != nil {
		return BlobInfo{}, err
	}
	src, err := ls.resolve(from)
	if err != nil {
		return BlobInfo{}, err
	}
	dst, err := ls.resolve(to)
	if err != nil {
		return BlobInfo{}, err
	}

	ls.mutex.Lock()
	defer ls.mutex.Unlock()

	if _, err := os.Stat(src); os.IsNotExist(err) {
		// an empty upload never appended anything
		if err := os.MkdirAll(filepath.Dir(src), 0755); err != nil {
			return BlobInfo{}, fmt.Errorf("failed to create directory: %w", err)
		}
		if err := os.WriteFile(src, nil, 0644); err != nil {
			return BlobInfo{}, fmt.Errorf("failed to create empty blob: %w", err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return BlobInfo{}, fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.Rename(src, dst); err != nil {
		return BlobInfo{}, fmt.Errorf("failed to promote blob: %w", err)
	}

	file, err := os.Open(dst)
	if err != nil {
		return BlobInfo{}, fmt.Errorf("failed to open promoted blob: %w", err)
	}
	defer file.Close()

	counter := &countingReader{r: file}
	digest, err := utils.ComputeSHA256FromReader(counter)
	if err != nil {
		return BlobInfo{}, fmt.Errorf("failed to digest blob: %w", err)
	}

	info := BlobInfo{Path: to, Size: counter.n, SHA256: digest}
	log.Info().
		Str("from", from).
		Str("to", to).
		Int64("size", info.Size).
		Str("sha256", info.SHA256).
		Msg("blob promoted")
	return info, nil
}

// Open opens a blob for reading
func (ls *LocalStorage) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fullPath, err := ls.resolve(path)
	if err != nil {
		return nil, err
	}

	ls.mutex.RLock()
	defer ls.mutex.RUnlock()

	file, err := os.Open(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	return file, nil
}

// Size returns the size of a blob; missing blobs have size 0
func (ls *LocalStorage) Size(ctx context.Context, path string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	fullPath, err := ls.resolve(path)
	if err != nil {
		return 0, err
	}

	ls.mutex.RLock()
	defer ls.mutex.RUnlock()

	info, err := os.Stat(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get file info: %w", err)
	}
	return info.Size(), nil
}

// Delete removes a blob
func (ls *LocalStorage) Delete(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	fullPath, err := ls.resolve(path)
	if err != nil {
		return err
	}

	ls.mutex.Lock()
	defer ls.mutex.Unlock()

	if err := os.Remove(fullPath); err != nil && !os.IsNotExist(err) {
		log.Error().Err(err).Str("path", path).Msg("failed to delete blob")
		return fmt.Errorf("failed to delete file: %w", err)
	}
	return nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
