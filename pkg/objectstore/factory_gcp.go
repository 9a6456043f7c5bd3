//go:build gcp

package objectstore

import "context"

func newGCSStore(ctx context.Context, bucket string) (Store, error) {
	return NewGCSStore(ctx, GCSConfig{Bucket: bucket})
}
