package natsclient

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// ErrObjectNotFound indicates the named object does not exist in the bucket
var ErrObjectNotFound = errors.New("object not found")

// ObjectInfo describes one stored object
type ObjectInfo struct {
	Name    string
	Size    uint64
	ModTime time.Time
}

// ObjectBucket provides immutable object storage on a JetStream ObjectStore
// bucket. Writes never replace existing objects: the registry addresses every
// object by content fingerprint, so a name collision is by definition the
// same bytes.
type ObjectBucket struct {
	bucket  jetstream.ObjectStore
	timeout time.Duration
}

// NewObjectBucket wraps an ObjectStore bucket
func NewObjectBucket(bucket jetstream.ObjectStore) *ObjectBucket {
	return &ObjectBucket{bucket: bucket, timeout: 10 * time.Second}
}

func (b *ObjectBucket) applyTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if b.timeout > 0 {
		return context.WithTimeout(ctx, b.timeout)
	}
	return ctx, func() {}
}

// Put stores an object under name. Re-putting an existing name is a no-op.
func (b *ObjectBucket) Put(ctx context.Context, name string, data []byte) error {
	ctx, cancel := b.applyTimeout(ctx)
	defer cancel()

	if _, err := b.bucket.GetInfo(ctx, name); err == nil {
		return nil // already stored, content-addressed names never change
	}

	if _, err := b.bucket.PutBytes(ctx, name, data); err != nil {
		return fmt.Errorf("objectstore put %s: %w", name, err)
	}
	return nil
}

// Get retrieves an object's bytes by name
func (b *ObjectBucket) Get(ctx context.Context, name string) ([]byte, error) {
	ctx, cancel := b.applyTimeout(ctx)
	defer cancel()

	data, err := b.bucket.GetBytes(ctx, name)
	if err != nil {
		if errors.Is(err, jetstream.ErrObjectNotFound) {
			return nil, ErrObjectNotFound
		}
		return nil, fmt.Errorf("objectstore get %s: %w", name, err)
	}
	return data, nil
}

// List returns objects whose names start with prefix, ordered oldest to
// newest by modification time. An empty bucket yields an empty slice.
func (b *ObjectBucket) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	ctx, cancel := b.applyTimeout(ctx)
	defer cancel()

	infos, err := b.bucket.List(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoObjectsFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("objectstore list: %w", err)
	}

	var out []ObjectInfo
	for _, info := range infos {
		if !strings.HasPrefix(info.Name, prefix) {
			continue
		}
		out = append(out, ObjectInfo{Name: info.Name, Size: info.Size, ModTime: info.ModTime})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModTime.Before(out[j].ModTime) })
	return out, nil
}
