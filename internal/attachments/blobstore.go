package attachments

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/MarcoPoloResearchLab/fieldcare/internal/apperr"
)

const metaSuffix = ".meta"

// BlobInfo describes a stored blob.
type BlobInfo struct {
	Key         string `json:"key"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
	Checksum    string `json:"checksum"`
}

// blobStore keeps immutable blobs in one directory, each with a JSON sidecar.
type blobStore struct {
	dir string
	// mu orders publishes against reads so a sidecar always matches its data.
	mu sync.RWMutex
}

func newBlobStore(dir string) (*blobStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("attachments: create directory %s: %w", dir, err)
	}
	return &blobStore{dir: dir}, nil
}

// fileName maps an arbitrary key to a safe file name.
func fileName(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// save streams reader to a private temp file, hashing on the fly, then
// publishes data and sidecar together so concurrent saves of one key never mix.
func (b *blobStore) save(key, contentType string, reader io.Reader) (BlobInfo, error) {
	fullPath := filepath.Join(b.dir, fileName(key))

	hasher := sha256.New()
	var size int64
	dataPath, err := writeTemp(b.dir, func(file *os.File) error {
		written, err := io.Copy(file, io.TeeReader(reader, hasher))
		size = written
		return err
	})
	if err != nil {
		return BlobInfo{}, apperr.Storage("attachments.write", err)
	}

	info := BlobInfo{Key: key, ContentType: contentType, Size: size, Checksum: hex.EncodeToString(hasher.Sum(nil))}
	meta, err := json.Marshal(info)
	if err != nil {
		_ = os.Remove(dataPath)
		return BlobInfo{}, apperr.Storage("attachments.meta", err)
	}
	metaPath, err := writeTemp(b.dir, func(file *os.File) error {
		_, err := file.Write(meta)
		return err
	})
	if err != nil {
		_ = os.Remove(dataPath)
		return BlobInfo{}, apperr.Storage("attachments.meta", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := os.Rename(dataPath, fullPath); err != nil {
		_ = os.Remove(dataPath)
		_ = os.Remove(metaPath)
		return BlobInfo{}, apperr.Storage("attachments.rename", err)
	}
	if err := os.Rename(metaPath, fullPath+metaSuffix); err != nil {
		_ = os.Remove(metaPath)
		return BlobInfo{}, apperr.Storage("attachments.rename", err)
	}
	return info, nil
}

// writeTemp creates a uniquely named file in dir, fills it and syncs it.
// The caller owns the returned path.
func writeTemp(dir string, fill func(*os.File) error) (string, error) {
	file, err := os.CreateTemp(dir, ".blob-*.tmp")
	if err != nil {
		return "", err
	}
	path := file.Name()
	if err := fill(file); err != nil {
		_ = file.Close()
		_ = os.Remove(path)
		return "", err
	}
	if err := file.Sync(); err != nil {
		_ = file.Close()
		_ = os.Remove(path)
		return "", err
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(path)
		return "", err
	}
	return path, nil
}

// stat reads the sidecar of key. A blob without its data file counts as missing.
func (b *blobStore) stat(key string) (BlobInfo, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	fullPath := filepath.Join(b.dir, fileName(key))
	meta, err := os.ReadFile(fullPath + metaSuffix)
	if errors.Is(err, os.ErrNotExist) {
		return BlobInfo{}, apperr.NotFoundf("attachment %s is not cached", key)
	}
	if err != nil {
		return BlobInfo{}, apperr.Storage("attachments.stat", err)
	}
	if _, err := os.Stat(fullPath); errors.Is(err, os.ErrNotExist) {
		return BlobInfo{}, apperr.NotFoundf("attachment %s is not cached", key)
	}
	var info BlobInfo
	if err := json.Unmarshal(meta, &info); err != nil {
		return BlobInfo{}, apperr.Storage("attachments.meta", err)
	}
	return info, nil
}

func (b *blobStore) open(key string) (*os.File, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	file, err := os.Open(filepath.Join(b.dir, fileName(key)))
	if errors.Is(err, os.ErrNotExist) {
		return nil, apperr.NotFoundf("attachment %s is not cached", key)
	}
	if err != nil {
		return nil, apperr.Storage("attachments.open", err)
	}
	return file, nil
}
