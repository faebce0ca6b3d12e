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
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"gocloud.dev/blob"
	"golang.org/x/sync/errgroup"
)

// Output downloads the outputs of the tasks of m into dir, which is
// created if needed, and returns the paths of the downloaded files.
// Outputs that are missing are skipped, and reported in an error
// wrapping ErrNotFound once the others have been downloaded.
func (c *Client) Output(ctx context.Context, m *Manifest, dir string) ([]string, error) {
	if err := c.Fs.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("cloud: creating results directory: %v", err)
	}
	bucket, err := c.Store.Bucket(ctx, m.Container)
	if err != nil {
		return nil, err
	}
	defer bucket.Close()

	var (
		mu             sync.Mutex
		files, missing []string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.Concurrency)
	for _, name := range m.Outputs() {
		name := name
		g.Go(func() error {
			p := filepath.Join(dir, name)
			f, err := c.Fs.Create(p)
			if err != nil {
				return fmt.Errorf("cloud: creating %s: %v", p, err)
			}
			err = readBlob(gctx, bucket, name, f)
			if cerr := f.Close(); err == nil {
				err = cerr
			}
			mu.Lock()
			defer mu.Unlock()
			if errors.Is(err, ErrNotFound) {
				c.Fs.Remove(p)
				missing = append(missing, name)
				return nil
			}
			if err != nil {
				return err
			}
			files = append(files, p)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	sort.Strings(files)
	c.Log.WithFields(logrus.Fields{"dir": dir, "files": len(files)}).Info("cloud: downloaded results")
	if len(missing) > 0 {
		sort.Strings(missing)
		return files, fmt.Errorf("cloud: %d of %d outputs (%s): %w",
			len(missing), len(m.Tasks), strings.Join(missing, ", "), ErrNotFound)
	}
	return files, nil
}

// Archive copies the outputs of the tasks of m into dst under prefix,
// so they are kept after the project container is deleted.
func (c *Client) Archive(ctx context.Context, m *Manifest, dst *blob.Bucket, prefix string) error {
	src, err := c.Store.Bucket(ctx, m.Container)
	if err != nil {
		return err
	}
	defer src.Close()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.Concurrency)
	for _, name := range m.Outputs() {
		name := name
		g.Go(func() error {
			return copyBlob(gctx, src, dst, name, path.Join(prefix, name))
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("cloud: archiving %s: %w", m.Project, err)
	}
	c.Log.WithFields(logrus.Fields{"project": m.Project, "prefix": prefix, "files": len(m.Tasks)}).Info("cloud: archived results")
	return nil
}
