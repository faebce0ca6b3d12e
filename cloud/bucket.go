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
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/azureblob" // register the azblob:// scheme
	"gocloud.dev/blob/fileblob"
	"gocloud.dev/blob/gcsblob"
	"gocloud.dev/blob/s3blob"
	"gocloud.dev/gcp"
)

// OpenBucket opens the bucket at location, which has the form
// "provider://name[/prefix]". The providers are "file" for a local
// directory, which is created if needed, "azblob" for an Azure storage
// container (the account is read from AZURE_STORAGE_ACCOUNT and
// AZURE_STORAGE_KEY), "gs" for Google Cloud Storage and "s3" for AWS S3.
// For the cloud providers, a path after the bucket name restricts the
// returned bucket to the keys under it.
func OpenBucket(ctx context.Context, location string) (*blob.Bucket, error) {
	u, err := url.Parse(location)
	if err != nil {
		return nil, fmt.Errorf("cloud: bucket location: %v", err)
	}
	var b *blob.Bucket
	switch u.Scheme {
	case "file":
		return fileblob.OpenBucket(filepath.FromSlash(u.Host+u.Path), &fileblob.Options{CreateDir: true})
	case "azblob":
		b, err = blob.OpenBucket(ctx, "azblob://"+u.Host)
	case "gs":
		b, err = gsBucket(ctx, u.Host)
	case "s3":
		b, err = s3Bucket(ctx, u.Host)
	default:
		return nil, fmt.Errorf("cloud: unsupported bucket provider %q in %s", u.Scheme, location)
	}
	if err != nil {
		return nil, fmt.Errorf("cloud: opening %s: %v", location, err)
	}
	if prefix := strings.Trim(u.Path, "/"); prefix != "" {
		return blob.PrefixedBucket(b, prefix+"/"), nil
	}
	return b, nil
}

// gsBucket opens a Google Cloud Storage bucket with the application
// default credentials.
func gsBucket(ctx context.Context, name string) (*blob.Bucket, error) {
	creds, err := gcp.DefaultCredentials(ctx)
	if err != nil {
		return nil, err
	}
	c, err := gcp.NewHTTPClient(gcp.DefaultTransport(), gcp.CredentialsTokenSource(creds))
	if err != nil {
		return nil, err
	}
	return gcsblob.OpenBucket(ctx, c, name, nil)
}

// s3Bucket opens an S3 bucket in the region AWS_REGION (default
// us-east-1), with credentials from the environment or the shared
// credentials file.
func s3Bucket(ctx context.Context, name string) (*blob.Bucket, error) {
	region := os.Getenv("AWS_REGION")
	if region == "" {
		region = "us-east-1"
	}
	cfg := aws.NewConfig().
		WithRegion(region).
		WithCredentials(credentials.NewChainCredentials([]credentials.Provider{
			&credentials.EnvProvider{},
			&credentials.SharedCredentialsProvider{},
		}))
	s, err := session.NewSession(cfg)
	if err != nil {
		return nil, fmt.Errorf("cloud: creating AWS session: %v", err)
	}
	return s3blob.OpenBucket(ctx, s, name, nil)
}
