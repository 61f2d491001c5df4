// Package attachments caches photo blobs outside the structured store: photos
// downloaded from the authority and photos captured on the device.
package attachments

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/fieldcare/internal/apperr"
	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

const (
	// UploadPathPrefix is the path under which captured photos are served.
	UploadPathPrefix = "/cache-upload/images"
	// FilesPathPrefix is the path under which authority photos are served.
	FilesPathPrefix = "/sites/default/files/"

	sniffLength = 3072
)

var localURLPattern = regexp.MustCompile(`/cache-upload/images`)

var (
	cacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fieldcare_attachment_cache_hits_total",
		Help: "Attachment reads served from the local cache.",
	})
	cacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fieldcare_attachment_cache_misses_total",
		Help: "Attachment reads that were not in the local cache.",
	})
	remoteFetchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fieldcare_attachment_remote_fetches_total",
		Help: "Attachment fetches from the authority by outcome.",
	}, []string{"outcome"})
	capturesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fieldcare_attachment_captures_total",
		Help: "Photos captured on the device.",
	})
)

var errMissingDirectory = errors.New("attachments: directory is required")

// IsLocalURL reports whether a photo reference points at a locally captured blob.
func IsLocalURL(raw string) bool {
	return localURLPattern.MatchString(raw)
}

// Blob is an open attachment. The caller must close Body.
type Blob struct {
	Body        io.ReadCloser
	ContentType string
	Size        int64
	// Cached is false when the blob is streamed straight from the authority.
	Cached bool
}

// Config configures a Cache.
type Config struct {
	Dir string
	// RemoteBaseURL is the authority origin used for live fetches. Empty disables them.
	RemoteBaseURL string
	IndexSize     int
	IndexTTL      time.Duration
	HTTPClient    *http.Client
	Logger        *zap.Logger
}

// Cache serves and accepts photo blobs.
type Cache struct {
	photos     *blobStore
	uploads    *blobStore
	index      *expirable.LRU[string, BlobInfo]
	remoteBase *url.URL
	client     *http.Client
	logger     *zap.Logger
}

// NewCache constructs a Cache rooted at cfg.Dir.
func NewCache(cfg Config) (*Cache, error) {
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, errMissingDirectory
	}
	photos, err := newBlobStore(filepath.Join(cfg.Dir, "photos"))
	if err != nil {
		return nil, err
	}
	uploads, err := newBlobStore(filepath.Join(cfg.Dir, "uploads"))
	if err != nil {
		return nil, err
	}

	var remoteBase *url.URL
	if cfg.RemoteBaseURL != "" {
		remoteBase, err = url.Parse(cfg.RemoteBaseURL)
		if err != nil || remoteBase.Scheme == "" || remoteBase.Host == "" {
			return nil, fmt.Errorf("attachments: invalid remote base url %q", cfg.RemoteBaseURL)
		}
	}

	size := cfg.IndexSize
	if size <= 0 {
		size = 512
	}
	ttl := cfg.IndexTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Cache{
		photos:     photos,
		uploads:    uploads,
		index:      expirable.NewLRU[string, BlobInfo](size, nil, ttl),
		remoteBase: remoteBase,
		client:     client,
		logger:     logger,
	}, nil
}

// Photo serves an authority photo by request path. Cached copies win; otherwise
// the photo is streamed from the authority without being stored.
func (c *Cache) Photo(ctx context.Context, path string) (Blob, error) {
	info, err := c.lookupPhoto(path)
	if err == nil {
		file, openErr := c.photos.open(path)
		if openErr == nil {
			return Blob{Body: file, ContentType: info.ContentType, Size: info.Size, Cached: true}, nil
		}
		c.index.Remove(path)
		err = openErr
	}
	if !errors.Is(err, apperr.ErrNotFound) {
		return Blob{}, err
	}

	response, err := c.fetch(ctx, path)
	if err != nil {
		return Blob{}, err
	}
	return Blob{
		Body:        response.Body,
		ContentType: response.Header.Get("Content-Type"),
		Size:        response.ContentLength,
	}, nil
}

// Populate downloads rawURL from the authority into the cache so later reads
// of its path are served locally.
func (c *Cache) Populate(ctx context.Context, rawURL string) (BlobInfo, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Path == "" {
		return BlobInfo{}, apperr.BadRequestf("invalid photo url %q", rawURL)
	}
	response, err := c.fetch(ctx, parsed.Path)
	if err != nil {
		return BlobInfo{}, err
	}
	defer response.Body.Close()

	contentType, body, err := sniff(response.Body, response.Header.Get("Content-Type"))
	if err != nil {
		return BlobInfo{}, apperr.Storage("attachments.populate", err)
	}
	info, err := c.photos.save(parsed.Path, contentType, body)
	if err != nil {
		return BlobInfo{}, err
	}
	c.index.Add(parsed.Path, info)
	c.logger.Debug("photo cached", zap.String("path", parsed.Path), zap.Int64("size", info.Size))
	return info, nil
}

// Capture stores a newly taken photo and returns the local URL that entity
// payloads should reference.
func (c *Cache) Capture(reader io.Reader, declaredType string) (string, BlobInfo, error) {
	id := uuid.NewString()
	contentType, body, err := sniff(reader, declaredType)
	if err != nil {
		return "", BlobInfo{}, apperr.BadRequestf("unreadable upload: %v", err)
	}
	info, err := c.uploads.save(id, contentType, body)
	if err != nil {
		return "", BlobInfo{}, err
	}
	capturesTotal.Inc()
	return UploadPathPrefix + "/" + id, info, nil
}

// OpenUpload opens a captured photo by id.
func (c *Cache) OpenUpload(id string) (Blob, error) {
	if _, err := uuid.Parse(id); err != nil {
		return Blob{}, apperr.NotFoundf("unknown upload %s", id)
	}
	info, err := c.uploads.stat(id)
	if err != nil {
		return Blob{}, err
	}
	file, err := c.uploads.open(id)
	if err != nil {
		return Blob{}, err
	}
	return Blob{Body: file, ContentType: info.ContentType, Size: info.Size, Cached: true}, nil
}

func (c *Cache) lookupPhoto(path string) (BlobInfo, error) {
	if info, ok := c.index.Get(path); ok {
		cacheHitsTotal.Inc()
		return info, nil
	}
	info, err := c.photos.stat(path)
	if err != nil {
		cacheMissesTotal.Inc()
		return BlobInfo{}, err
	}
	cacheHitsTotal.Inc()
	c.index.Add(path, info)
	return info, nil
}

func (c *Cache) fetch(ctx context.Context, path string) (*http.Response, error) {
	if c.remoteBase == nil {
		return nil, apperr.NotFoundf("photo %s is not cached and no remote is configured", path)
	}
	target := c.remoteBase.ResolveReference(&url.URL{Path: path})
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), http.NoBody)
	if err != nil {
		return nil, apperr.BadRequestf("invalid photo path %q", path)
	}
	response, err := c.client.Do(request)
	if err != nil {
		remoteFetchesTotal.WithLabelValues("error").Inc()
		c.logger.Warn("photo fetch failed", zap.String("url", target.String()), zap.Error(err))
		return nil, fmt.Errorf("attachments: fetch %s: %w", target.String(), err)
	}
	if response.StatusCode != http.StatusOK {
		_ = response.Body.Close()
		remoteFetchesTotal.WithLabelValues("status_" + strconv.Itoa(response.StatusCode)).Inc()
		if response.StatusCode == http.StatusNotFound {
			return nil, apperr.NotFoundf("photo %s not found on remote", path)
		}
		return nil, fmt.Errorf("attachments: fetch %s: unexpected status %d", target.String(), response.StatusCode)
	}
	remoteFetchesTotal.WithLabelValues("ok").Inc()
	return response, nil
}

// sniff detects the content type from the first bytes and returns a reader
// that still yields the full stream. A specific declared type is kept.
func sniff(reader io.Reader, declared string) (string, io.Reader, error) {
	buffered := bufio.NewReaderSize(reader, sniffLength)
	header, err := buffered.Peek(sniffLength)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return "", nil, err
	}
	declared = strings.TrimSpace(declared)
	if declared != "" && declared != "application/octet-stream" {
		return declared, buffered, nil
	}
	return mimetype.Detect(header).String(), buffered, nil
}
