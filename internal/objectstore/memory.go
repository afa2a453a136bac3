package objectstore

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

var ErrBadSignature = errors.New("invalid or expired upload signature")

type memObject struct {
	data        []byte
	contentType string
}

// Memory keeps objects in process. Its presigned targets point at the server's
// own /objects route, which checks the HMAC before calling Put.
type Memory struct {
	mu      sync.RWMutex
	objects map[string]memObject
	baseURL string
	secret  []byte
	now     func() time.Time
}

var _ Store = (*Memory)(nil)

func NewMemory(baseURL string, secret []byte) *Memory {
	return &Memory{
		objects: make(map[string]memObject),
		baseURL: strings.TrimSuffix(baseURL, "/"),
		secret:  secret,
		now:     time.Now,
	}
}

func (m *Memory) sign(key, contentType string, expires int64) string {
	mac := hmac.New(sha256.New, m.secret)
	fmt.Fprintf(mac, "%s\n%s\n%d", key, contentType, expires)
	return hex.EncodeToString(mac.Sum(nil))
}

func (m *Memory) PresignPut(_ context.Context, key, contentType string, ttl time.Duration) (Target, error) {
	expiresAt := m.now().Add(ttl)
	exp := expiresAt.Unix()
	q := url.Values{}
	q.Set("expires", strconv.FormatInt(exp, 10))
	q.Set("sig", m.sign(key, contentType, exp))
	return Target{
		URL:       m.baseURL + "/objects/" + key + "?" + q.Encode(),
		Method:    http.MethodPut,
		Headers:   map[string]string{"Content-Type": contentType},
		ExpiresAt: expiresAt,
	}, nil
}

// Verify checks a presigned write issued by PresignPut.
func (m *Memory) Verify(key, contentType, expires, sig string) error {
	exp, err := strconv.ParseInt(expires, 10, 64)
	if err != nil || m.now().Unix() > exp {
		return ErrBadSignature
	}
	if !hmac.Equal([]byte(sig), []byte(m.sign(key, contentType, exp))) {
		return ErrBadSignature
	}
	return nil
}

func (m *Memory) Stat(_ context.Context, key string) (ObjectInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	obj, ok := m.objects[key]
	if !ok {
		return ObjectInfo{}, fmt.Errorf("objectstore.Memory.Stat: %w", ErrObjectNotFound)
	}
	return ObjectInfo{Key: key, Size: int64(len(obj.data)), ContentType: obj.contentType}, nil
}

func (m *Memory) Get(_ context.Context, key string) (io.ReadCloser, ObjectInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	obj, ok := m.objects[key]
	if !ok {
		return nil, ObjectInfo{}, fmt.Errorf("objectstore.Memory.Get: %w", ErrObjectNotFound)
	}
	info := ObjectInfo{Key: key, Size: int64(len(obj.data)), ContentType: obj.contentType}
	return io.NopCloser(bytes.NewReader(obj.data)), info, nil
}

func (m *Memory) Put(ctx context.Context, key string, r io.Reader, _ int64, contentType string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("objectstore.Memory.Put: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("objectstore.Memory.Put: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = memObject{data: data, contentType: contentType}
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.objects, key)
	return nil
}

func (m *Memory) URL(key string) string {
	return m.baseURL + "/objects/" + key
}

// Len reports how many objects are stored.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}
