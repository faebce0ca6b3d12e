/*
Copyright © 2018 the SAMAzure authors.
This file is part of SAMAzure.

SAMAzure is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

SAMAzure is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with SAMAzure.  If not, see <http://www.gnu.org/licenses/>.
*/

package cloud

import (
	"context"
	"fmt"
	"io"

	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"
)

// readBlob copies the given blob from the given bucket to w.
func readBlob(ctx context.Context, bucket *blob.Bucket, key string, w io.Writer) error {
	r, err := bucket.NewReader(ctx, key, nil)
	if gcerrors.Code(err) == gcerrors.NotFound {
		return fmt.Errorf("cloud: blob %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("cloud: reading blob %s: %v", key, err)
	}
	defer r.Close()
	if _, err = io.Copy(w, r); err != nil {
		return fmt.Errorf("cloud: reading blob %s: %v", key, err)
	}
	return nil
}

// writeBlob writes the data in r to the given bucket.
func writeBlob(ctx context.Context, bucket *blob.Bucket, key string, r io.Reader) error {
	w, err := bucket.NewWriter(ctx, key, &blob.WriterOptions{})
	if err != nil {
		return fmt.Errorf("cloud: creating writer for blob %s: %v", key, err)
	}
	if _, err = io.Copy(w, r); err != nil {
		w.Close()
		return fmt.Errorf("cloud: copying blob %s: %v", key, err)
	}
	if err = w.Close(); err != nil {
		return fmt.Errorf("cloud: writing blob %s: %v", key, err)
	}
	return nil
}

// copyBlob copies a blob between buckets.
func copyBlob(ctx context.Context, src, dst *blob.Bucket, srcKey, dstKey string) error {
	r, err := src.NewReader(ctx, srcKey, nil)
	if gcerrors.Code(err) == gcerrors.NotFound {
		return fmt.Errorf("cloud: blob %s: %w", srcKey, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("cloud: reading blob %s: %v", srcKey, err)
	}
	defer r.Close()
	return writeBlob(ctx, dst, dstKey, r)
}

// blobSizes returns the sizes of all blobs in the bucket whose
// keys start with prefix.
func blobSizes(ctx context.Context, bucket *blob.Bucket, prefix string) (map[string]int64, error) {
	o := make(map[string]int64)
	iter := bucket.List(&blob.ListOptions{Prefix: prefix})
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("cloud: listing blobs: %v", err)
		}
		if obj.IsDir {
			continue
		}
		o[obj.Key] = obj.Size
	}
	return o, nil
}
