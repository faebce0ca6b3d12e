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
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/kr/pretty"
	"github.com/spf13/afero"
	"gocloud.dev/blob"
)

func TestLocalStore(t *testing.T) {
	ctx := context.Background()
	s, err := NewLocalStore(t.TempDir(), []byte("secret"))
	if err != nil {
		t.Fatal(err)
	}

	created, err := s.CreateContainer(ctx, "proj")
	if err != nil || !created {
		t.Fatalf("create: %v %v", created, err)
	}
	created, err = s.CreateContainer(ctx, "proj")
	if err != nil || created {
		t.Fatalf("create existing: %v %v", created, err)
	}

	b, err := s.Bucket(ctx, "proj")
	if err != nil {
		t.Fatal(err)
	}
	if err := b.WriteAll(ctx, "surfaces.json", []byte(`{"surfaces":[]}`), nil); err != nil {
		t.Fatal(err)
	}
	signed, err := b.SignedURL(ctx, "surfaces.json", &blob.SignedURLOptions{Expiry: time.Hour})
	if err != nil {
		t.Fatal(err)
	}
	b.Close()

	t.Run("Resolve", func(t *testing.T) {
		r, err := s.Resolve(ctx, signed)
		if err != nil {
			t.Fatal(err)
		}
		defer r.Close()
		data, err := io.ReadAll(r)
		if err != nil {
			t.Fatal(err)
		}
		if string(data) != `{"surfaces":[]}` {
			t.Errorf("resolved %q", data)
		}
	})

	t.Run("tampered", func(t *testing.T) {
		bad := strings.Replace(signed, "surfaces.json", "sky_mtx.json", 1)
		if _, err := s.Resolve(ctx, bad); err == nil {
			t.Error("tampered URL was resolved")
		}
		other, err := NewLocalStore(s.Root, []byte("other secret"))
		if err != nil {
			t.Fatal(err)
		}
		if _, err := other.Resolve(ctx, signed); err == nil {
			t.Error("URL resolved with the wrong secret")
		}
	})

	t.Run("ContainerURL", func(t *testing.T) {
		u, err := s.ContainerURL(ctx, "proj", time.Hour)
		if err != nil {
			t.Fatal(err)
		}
		if !strings.HasPrefix(u, "file://") || !strings.HasSuffix(u, "/proj") {
			t.Errorf("container URL %s", u)
		}
	})

	if err := s.DeleteContainer(ctx, "proj"); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteContainer(ctx, "proj"); !errors.Is(err, ErrNotFound) {
		t.Errorf("deleting missing container: %v", err)
	}
	if _, err := s.Bucket(ctx, "proj"); !errors.Is(err, ErrNotFound) {
		t.Errorf("opening missing container: %v", err)
	}
	if _, err := NewLocalStore(t.TempDir(), nil); err == nil {
		t.Error("expected an error without a secret")
	}
}

func TestManifest(t *testing.T) {
	fs := afero.NewMemMapFs()
	m := stubManifest()
	m.Workload = "radiance"
	m.CaseDir = "cases/office"
	m.Fingerprint = "0123abcd"
	m.Created = time.Date(2018, 10, 22, 13, 45, 1, 0, time.UTC)
	if err := m.Save(fs, "state/stub.toml"); err != nil {
		t.Fatal(err)
	}
	got, err := LoadManifest(fs, "state/stub.toml")
	if err != nil {
		t.Fatal(err)
	}
	if !got.Created.Equal(m.Created) {
		t.Errorf("created %v != %v", got.Created, m.Created)
	}
	got.Created, m.Created = time.Time{}, time.Time{}
	if !reflect.DeepEqual(got, m) {
		t.Error(pretty.Diff(got, m))
	}

	if _, err := LoadManifest(fs, "state/missing.toml"); err == nil {
		t.Error("expected an error for a missing manifest")
	}
}

func TestOpenBucket(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "archive")
	b, err := OpenBucket(ctx, "file://"+filepath.ToSlash(dir))
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()
	if err := b.WriteAll(ctx, "proj/a_result.json", []byte("{}"), nil); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "proj", "a_result.json")); err != nil {
		t.Error(err)
	}
	if _, err := OpenBucket(ctx, "ftp://archive"); err == nil || !strings.Contains(err.Error(), "ftp") {
		t.Errorf("unsupported provider: %v", err)
	}
}

func TestAzureStore(t *testing.T) {
	ctx := context.Background()
	// "a2V5" is a base64 encoded key; nothing here contacts the service.
	s, err := NewAzureStore("acct", "a2V5", "core.windows.net")
	if err != nil {
		t.Fatal(err)
	}
	b, err := s.Bucket(ctx, "proj")
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()
	signed, err := b.SignedURL(ctx, "surfaces.json", &blob.SignedURLOptions{Expiry: time.Hour})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(signed, "https://acct.blob.core.windows.net/proj/surfaces.json?") || !strings.Contains(signed, "sig=") {
		t.Errorf("blob URL %s", signed)
	}
	u, err := s.ContainerURL(ctx, "proj", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(u, "https://acct.blob.core.windows.net/proj?") || !strings.Contains(u, "sp=") {
		t.Errorf("container URL %s", u)
	}
}
