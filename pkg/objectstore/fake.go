package objectstore

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"sort"
	"strings"
	"sync"

	"github.com/cuemby/cloudburst/pkg/errs"
)

// Fake is an in-memory Client used by the dispatcher, session core, and
// worker runtime test suites, in place of live S3. It implements the same
// conditional-put-by-ETag semantics the detached session core's atomic
// claim protocol (D1) and manifest CAS (I5, P1, P2) depend on.
type Fake struct {
	mu      sync.Mutex
	objects map[string]fakeObject
}

type fakeObject struct {
	data []byte
	etag string
}

// NewFake returns an empty in-memory object store.
func NewFake() *Fake {
	return &Fake{objects: make(map[string]fakeObject)}
}

func computeETag(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

func (f *Fake) Put(_ context.Context, key string, data []byte, opts PutOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	existing, ok := f.objects[key]
	if opts.IfMatch != "" {
		if !ok || existing.etag != opts.IfMatch {
			return "", errs.E(errs.PreconditionFailed, "put "+key, nil)
		}
	}

	etag := computeETag(data)
	cp := make([]byte, len(data))
	copy(cp, data)
	f.objects[key] = fakeObject{data: cp, etag: etag}
	return etag, nil
}

func (f *Fake) Get(_ context.Context, key string) ([]byte, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	obj, ok := f.objects[key]
	if !ok {
		return nil, "", errs.E(errs.NotFound, "get "+key, nil)
	}
	cp := make([]byte, len(obj.data))
	copy(cp, obj.data)
	return cp, obj.etag, nil
}

func (f *Fake) Head(_ context.Context, key string) (bool, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	obj, ok := f.objects[key]
	if !ok {
		return false, "", nil
	}
	return true, obj.etag, nil
}

func (f *Fake) List(_ context.Context, prefix string, _ string) (ListPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return ListPage{Keys: keys}, nil
}

func (f *Fake) Delete(_ context.Context, keys []string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := 0
	for _, k := range keys {
		if _, ok := f.objects[k]; ok {
			delete(f.objects, k)
			n++
		}
	}
	return n, nil
}

var _ Client = (*Fake)(nil)
