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
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/sas"
	"gocloud.dev/blob"
	"gocloud.dev/blob/azureblob"
	"gocloud.dev/blob/fileblob"
)

// Store is a blob storage account holding one container per project.
type Store interface {
	// CreateContainer creates the named container. created is false
	// if the container already existed.
	CreateContainer(ctx context.Context, name string) (created bool, err error)

	DeleteContainer(ctx context.Context, name string) error

	// Bucket opens the named container for reading and writing.
	// The bucket must support SignedURL.
	Bucket(ctx context.Context, name string) (*blob.Bucket, error)

	// ContainerURL returns a URL of the named container that allows
	// tasks to write to it until the expiry duration has passed.
	ContainerURL(ctx context.Context, name string, expiry time.Duration) (string, error)
}

// AzureStore is an Azure storage account accessed with a shared key.
type AzureStore struct {
	Account string

	client *azblob.Client
	cred   *azblob.SharedKeyCredential
}

// NewAzureStore returns a store for the given storage account.
// endpointSuffix is usually "core.windows.net".
func NewAzureStore(account, key, endpointSuffix string) (*AzureStore, error) {
	cred, err := azblob.NewSharedKeyCredential(account, key)
	if err != nil {
		return nil, fmt.Errorf("cloud: storage credentials: %w", err)
	}
	serviceURL := fmt.Sprintf("https://%s.blob.%s/", account, endpointSuffix)
	client, err := azblob.NewClientWithSharedKeyCredential(serviceURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("cloud: storage client: %w", err)
	}
	return &AzureStore{Account: account, client: client, cred: cred}, nil
}

func (s *AzureStore) CreateContainer(ctx context.Context, name string) (bool, error) {
	_, err := s.client.CreateContainer(ctx, name, nil)
	if bloberror.HasCode(err, bloberror.ContainerAlreadyExists) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("cloud: creating container %s: %w", name, err)
	}
	return true, nil
}

func (s *AzureStore) DeleteContainer(ctx context.Context, name string) error {
	_, err := s.client.DeleteContainer(ctx, name, nil)
	if bloberror.HasCode(err, bloberror.ContainerNotFound) {
		return fmt.Errorf("cloud: container %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("cloud: deleting container %s: %w", name, err)
	}
	return nil
}

// Bucket opens a container whose signed URLs use the account's shared key.
func (s *AzureStore) Bucket(ctx context.Context, name string) (*blob.Bucket, error) {
	cc := s.client.ServiceClient().NewContainerClient(name)
	return azureblob.OpenBucket(ctx, cc, nil)
}

// ContainerURL returns a container SAS URL with read and write access.
func (s *AzureStore) ContainerURL(ctx context.Context, name string, expiry time.Duration) (string, error) {
	perms := sas.ContainerPermissions{Read: true, Write: true, Create: true, List: true}
	qp, err := sas.BlobSignatureValues{
		Protocol:      sas.ProtocolHTTPS,
		StartTime:     time.Now().UTC().Add(-5 * time.Minute),
		ExpiryTime:    time.Now().UTC().Add(expiry),
		Permissions:   perms.String(),
		ContainerName: name,
	}.SignWithSharedKey(s.cred)
	if err != nil {
		return "", fmt.Errorf("cloud: signing container %s: %w", name, err)
	}
	return strings.TrimSuffix(s.client.URL(), "/") + "/" + name + "?" + qp.Encode(), nil
}

// Resolver opens the blob at a signed URL.
type Resolver interface {
	Resolve(ctx context.Context, signedURL string) (io.ReadCloser, error)
}

// LocalStore keeps containers as directories under Root. Signed URLs are
// HMAC-signed http URLs that only the same LocalStore can resolve.
type LocalStore struct {
	Root string

	base *url.URL
	key  []byte
}

// NewLocalStore returns a store rooted at the directory root, which is
// created if needed. secret signs the store's URLs.
func NewLocalStore(root string, secret []byte) (*LocalStore, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(root, os.ModePerm); err != nil {
		return nil, fmt.Errorf("cloud: creating local store: %v", err)
	}
	if len(secret) == 0 {
		return nil, fmt.Errorf("cloud: local store needs a signing secret")
	}
	return &LocalStore{
		Root: root,
		base: &url.URL{Scheme: "http", Host: "localhost", Path: "/samazure/"},
		key:  secret,
	}, nil
}

func (s *LocalStore) dir(name string) string { return filepath.Join(s.Root, name) }

func (s *LocalStore) signer(name string) *fileblob.URLSignerHMAC {
	return fileblob.NewURLSignerHMAC(s.base.ResolveReference(&url.URL{Path: name}), s.key)
}

func (s *LocalStore) CreateContainer(ctx context.Context, name string) (bool, error) {
	err := os.Mkdir(s.dir(name), os.ModePerm)
	if os.IsExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("cloud: creating container %s: %v", name, err)
	}
	return true, nil
}

func (s *LocalStore) DeleteContainer(ctx context.Context, name string) error {
	if _, err := os.Stat(s.dir(name)); os.IsNotExist(err) {
		return fmt.Errorf("cloud: container %s: %w", name, ErrNotFound)
	}
	if err := os.RemoveAll(s.dir(name)); err != nil {
		return fmt.Errorf("cloud: deleting container %s: %v", name, err)
	}
	return nil
}

func (s *LocalStore) Bucket(ctx context.Context, name string) (*blob.Bucket, error) {
	if _, err := os.Stat(s.dir(name)); err != nil {
		return nil, fmt.Errorf("cloud: container %s: %w", name, ErrNotFound)
	}
	return fileblob.OpenBucket(s.dir(name), &fileblob.Options{URLSigner: s.signer(name)})
}

// ContainerURL returns a file URL of the container directory.
// Local containers do not expire.
func (s *LocalStore) ContainerURL(ctx context.Context, name string, expiry time.Duration) (string, error) {
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(s.dir(name))}).String(), nil
}

// Resolve opens the blob at a URL signed by one of the store's buckets.
func (s *LocalStore) Resolve(ctx context.Context, signedURL string) (io.ReadCloser, error) {
	u, err := url.Parse(signedURL)
	if err != nil {
		return nil, fmt.Errorf("cloud: parsing signed URL: %v", err)
	}
	name := path.Base(u.Path)
	key, err := s.signer(name).KeyFromURL(ctx, u)
	if err != nil {
		return nil, fmt.Errorf("cloud: invalid signed URL for container %s: %v", name, err)
	}
	b, err := s.Bucket(ctx, name)
	if err != nil {
		return nil, err
	}
	r, err := b.NewReader(ctx, key, nil)
	if err != nil {
		b.Close()
		return nil, err
	}
	return &bucketReader{Reader: r, bucket: b}, nil
}

// bucketReader closes its bucket along with the reader.
type bucketReader struct {
	*blob.Reader
	bucket *blob.Bucket
}

func (r *bucketReader) Close() error {
	err := r.Reader.Close()
	if err2 := r.bucket.Close(); err == nil {
		err = err2
	}
	return err
}
