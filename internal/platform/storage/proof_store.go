// Package storage persists delivery-proof images in Cloud Storage.
package storage

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	gcs "cloud.google.com/go/storage"
	"github.com/oklog/ulid/v2"

	"github.com/plankworks/api/internal/services"
)

const (
	defaultMaxProofBytes = 10 << 20
	sniffLength          = 512
	gcsScheme            = "gs://"
)

var (
	// ErrProofTooLarge is returned when the upload exceeds the configured limit.
	ErrProofTooLarge = errors.New("storage: proof exceeds size limit")
	// ErrProofContentType is returned when the upload is not an accepted image type.
	ErrProofContentType = errors.New("storage: proof content type not allowed")
	// ErrInvalidRef is returned when a reference does not point into the proof bucket.
	ErrInvalidRef = errors.New("storage: invalid object reference")
)

var allowedProofTypes = map[string]struct{}{
	"image/jpeg": {},
	"image/png":  {},
	"image/webp": {},
}

// ObjectStore is the slice of a bucket the proof store needs.
type ObjectStore interface {
	NewWriter(ctx context.Context, object, contentType string) io.WriteCloser
	Delete(ctx context.Context, object string) error
}

// ProofStore writes proof images under orders/{orderId}/delivery-proofs/ and returns gs:// refs.
type ProofStore struct {
	objects  ObjectStore
	bucket   string
	maxBytes int64
	newID    func() string
}

var _ services.ProofStore = (*ProofStore)(nil)

// ProofStoreOption customises the proof store.
type ProofStoreOption func(*ProofStore)

// WithMaxProofBytes caps the accepted upload size.
func WithMaxProofBytes(limit int64) ProofStoreOption {
	return func(s *ProofStore) {
		if limit > 0 {
			s.maxBytes = limit
		}
	}
}

// WithUploadIDGenerator overrides the id used in object names.
func WithUploadIDGenerator(gen func() string) ProofStoreOption {
	return func(s *ProofStore) {
		if gen != nil {
			s.newID = gen
		}
	}
}

// NewProofStore constructs a proof store writing into bucket.
func NewProofStore(objects ObjectStore, bucket string, opts ...ProofStoreOption) (*ProofStore, error) {
	if objects == nil {
		return nil, errors.New("storage: object store is required")
	}
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errors.New("storage: bucket name is required")
	}
	store := &ProofStore{
		objects:  objects,
		bucket:   bucket,
		maxBytes: defaultMaxProofBytes,
		newID:    func() string { return "prf_" + strings.ToLower(ulid.Make().String()) },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}
	return store, nil
}

// Upload streams the proof into the bucket. The content type is sniffed from the bytes rather
// than trusted from the client; a declared type that disagrees is rejected.
func (s *ProofStore) Upload(ctx context.Context, obj services.ProofObject) (string, error) {
	if obj.Body == nil {
		return "", errors.New("storage: proof body is required")
	}
	if obj.Size > s.maxBytes {
		return "", fmt.Errorf("%w: %d > %d bytes", ErrProofTooLarge, obj.Size, s.maxBytes)
	}

	body := bufio.NewReaderSize(obj.Body, sniffLength)
	head, err := body.Peek(sniffLength)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return "", fmt.Errorf("storage: read proof: %w", err)
	}
	contentType := http.DetectContentType(head)
	if _, ok := allowedProofTypes[contentType]; !ok {
		return "", fmt.Errorf("%w: %s", ErrProofContentType, contentType)
	}
	if declared := normaliseContentType(obj.ContentType); declared != "" && declared != contentType {
		return "", fmt.Errorf("%w: declared %s but received %s", ErrProofContentType, declared, contentType)
	}

	object, err := BuildObjectPath(PurposeDeliveryProof, PathParams{
		OrderID:  obj.OrderID,
		UploadID: s.newID(),
		FileName: obj.FileName,
	})
	if err != nil {
		return "", err
	}

	w := s.objects.NewWriter(ctx, object, contentType)
	written, err := io.Copy(w, io.LimitReader(body, s.maxBytes+1))
	if err == nil && written > s.maxBytes {
		err = fmt.Errorf("%w: more than %d bytes", ErrProofTooLarge, s.maxBytes)
	}
	if err != nil {
		_ = w.Close()
		_ = s.objects.Delete(context.WithoutCancel(ctx), object)
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("storage: finalise proof: %w", err)
	}
	return gcsScheme + s.bucket + "/" + object, nil
}

// Delete removes an object previously returned by Upload. Missing objects are not an error.
func (s *ProofStore) Delete(ctx context.Context, ref string) error {
	object, err := s.objectFromRef(ref)
	if err != nil {
		return err
	}
	if err := s.objects.Delete(ctx, object); err != nil && !errors.Is(err, gcs.ErrObjectNotExist) {
		return fmt.Errorf("storage: delete proof: %w", err)
	}
	return nil
}

func (s *ProofStore) objectFromRef(ref string) (string, error) {
	prefix := gcsScheme + s.bucket + "/"
	ref = strings.TrimSpace(ref)
	if !strings.HasPrefix(ref, prefix) || len(ref) == len(prefix) {
		return "", fmt.Errorf("%w: %q", ErrInvalidRef, ref)
	}
	return strings.TrimPrefix(ref, prefix), nil
}

func normaliseContentType(value string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	if idx := strings.Index(value, ";"); idx >= 0 {
		value = strings.TrimSpace(value[:idx])
	}
	if value == "image/jpg" {
		return "image/jpeg"
	}
	return value
}

// BucketObjects adapts a Cloud Storage bucket to ObjectStore.
type BucketObjects struct {
	bucket *gcs.BucketHandle
}

// NewBucketObjects binds the object store to bucket on client.
func NewBucketObjects(client *gcs.Client, bucket string) (*BucketObjects, error) {
	if client == nil {
		return nil, errors.New("storage: client is required")
	}
	if strings.TrimSpace(bucket) == "" {
		return nil, errors.New("storage: bucket name is required")
	}
	return &BucketObjects{bucket: client.Bucket(strings.TrimSpace(bucket))}, nil
}

func (b *BucketObjects) NewWriter(ctx context.Context, object, contentType string) io.WriteCloser {
	w := b.bucket.Object(object).If(gcs.Conditions{DoesNotExist: true}).NewWriter(ctx)
	w.ContentType = contentType
	w.CacheControl = "private, max-age=0"
	return w
}

func (b *BucketObjects) Delete(ctx context.Context, object string) error {
	return b.bucket.Object(object).Delete(ctx)
}

// MemoryObjects keeps objects in process for local runs and tests.
type MemoryObjects struct {
	mu      sync.Mutex
	objects map[string]memoryObject
}

type memoryObject struct {
	ContentType string
	Data        []byte
}

// NewMemoryObjects constructs an empty in-process object store.
func NewMemoryObjects() *MemoryObjects {
	return &MemoryObjects{objects: make(map[string]memoryObject)}
}

func (m *MemoryObjects) NewWriter(_ context.Context, object, contentType string) io.WriteCloser {
	return &memoryWriter{store: m, object: object, contentType: contentType}
}

func (m *MemoryObjects) Delete(_ context.Context, object string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[object]; !ok {
		return gcs.ErrObjectNotExist
	}
	delete(m.objects, object)
	return nil
}

// Object returns the stored bytes and content type of object.
func (m *MemoryObjects) Object(object string) ([]byte, string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[object]
	return obj.Data, obj.ContentType, ok
}

// Len reports how many objects are stored.
func (m *MemoryObjects) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}

type memoryWriter struct {
	store       *MemoryObjects
	object      string
	contentType string
	buf         []byte
}

func (w *memoryWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	return len(p), nil
}

func (w *memoryWriter) Close() error {
	w.store.mu.Lock()
	defer w.store.mu.Unlock()
	w.store.objects[w.object] = memoryObject{ContentType: w.contentType, Data: w.buf}
	return nil
}
