/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package s3 implements staging on an S3 bucket, uploading result streams
// through the transfer manager so large artefacts never buffer in memory.
package s3

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"k8s.io/utils/clock"

	"github.com/datagate-io/datagate/pkg/config"
	"github.com/datagate-io/datagate/pkg/errors"
	"github.com/datagate-io/datagate/pkg/staging"
)

func init() {
	staging.Register("s3", func(ctx context.Context, backend config.Backend, _ clock.Clock) (staging.Interface, error) {
		cfg := Config{}
		if err := backend.Decode(&cfg); err != nil {
			return nil, err
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, errors.ServiceUnavailable("loading aws configuration, %s", err)
		}
		client := awss3.NewFromConfig(awsCfg)
		return NewStaging(client, manager.NewUploader(client), cfg)
	})
}

type Config struct {
	Bucket  string `mapstructure:"bucket"`
	Prefix  string `mapstructure:"prefix"`
	BaseURL string `mapstructure:"base_url"`
}

// Client is the subset of the S3 API the staging store uses; narrowed for fakes.
type Client interface {
	GetObject(ctx context.Context, in *awss3.GetObjectInput, opts ...func(*awss3.Options)) (*awss3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, in *awss3.DeleteObjectInput, opts ...func(*awss3.Options)) (*awss3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *awss3.ListObjectsV2Input, opts ...func(*awss3.Options)) (*awss3.ListObjectsV2Output, error)
}

// Uploader is the subset of the transfer manager the staging store uses.
type Uploader interface {
	Upload(ctx context.Context, in *awss3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

type Staging struct {
	client   Client
	uploader Uploader
	bucket   string
	prefix   string
	baseURL  string
}

func NewStaging(client Client, uploader Uploader, cfg Config) (*Staging, error) {
	if cfg.Bucket == "" {
		return nil, errors.InvalidArgument("s3 staging requires a bucket")
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = fmt.Sprintf("https://%s.s3.amazonaws.com", cfg.Bucket)
	}
	return &Staging{
		client:   client,
		uploader: uploader,
		bucket:   cfg.Bucket,
		prefix:   strings.Trim(cfg.Prefix, "/"),
		baseURL:  strings.TrimRight(baseURL, "/"),
	}, nil
}

func (s *Staging) Create(ctx context.Context, id string, r io.Reader, contentType string) (string, int64, error) {
	key := s.withPrefix(staging.ObjectKey(id, contentType))
	counter := &countingReader{r: r}
	_, err := s.uploader.Upload(ctx, &awss3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        counter,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", 0, errors.ServiceUnavailable("uploading staged data for %s, %s", id, err)
	}
	return s.baseURL + "/" + key, counter.n, nil
}

func (s *Staging) Open(ctx context.Context, id string) (io.ReadCloser, *staging.Object, error) {
	object, err := s.find(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	out, err := s.client.GetObject(ctx, &awss3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.withPrefix(object.Key)),
	})
	if err != nil {
		return nil, nil, classify(err, "getting staged data for %s", id)
	}
	return out.Body, object, nil
}

func (s *Staging) Delete(ctx context.Context, id string) error {
	object, err := s.find(ctx, id)
	if err != nil {
		return err
	}
	_, err = s.client.DeleteObject(ctx, &awss3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.withPrefix(object.Key)),
	})
	if err != nil {
		return classify(err, "deleting staged data for %s", id)
	}
	return nil
}

func (s *Staging) List(ctx context.Context) ([]staging.Object, error) {
	var out []staging.Object
	var token *string
	for {
		page, err := s.client.ListObjectsV2(ctx, &awss3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(s.prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, errors.ServiceUnavailable("listing staging bucket, %s", err)
		}
		for _, item := range page.Contents {
			key := s.stripPrefix(aws.ToString(item.Key))
			out = append(out, staging.Object{
				Key:          key,
				RequestID:    staging.RequestIDFromKey(key),
				ContentType:  staging.ContentTypeFromKey(key),
				Size:         aws.ToInt64(item.Size),
				LastModified: aws.ToTime(item.LastModified),
			})
		}
		if !aws.ToBool(page.IsTruncated) {
			break
		}
		token = page.NextContinuationToken
	}
	return out, nil
}

func (s *Staging) find(ctx context.Context, id string) (*staging.Object, error) {
	page, err := s.client.ListObjectsV2(ctx, &awss3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.withPrefix(id)),
	})
	if err != nil {
		return nil, errors.ServiceUnavailable("listing staging bucket for %s, %s", id, err)
	}
	for _, item := range page.Contents {
		key := s.stripPrefix(aws.ToString(item.Key))
		if staging.RequestIDFromKey(key) != id {
			continue
		}
		return &staging.Object{
			Key:          key,
			RequestID:    id,
			ContentType:  staging.ContentTypeFromKey(key),
			Size:         aws.ToInt64(item.Size),
			LastModified: aws.ToTime(item.LastModified),
		}, nil
	}
	return nil, errors.NotFound("no staged data for request %s", id)
}

func (s *Staging) withPrefix(key string) string {
	if s.prefix == "" {
		return key
	}
	return s.prefix + "/" + key
}

func (s *Staging) stripPrefix(key string) string {
	if s.prefix == "" {
		return key
	}
	return strings.TrimPrefix(key, s.prefix+"/")
}

func classify(err error, format string, args ...interface{}) error {
	var apiErr smithy.APIError
	if stderrors.As(err, &apiErr) && (apiErr.ErrorCode() == "NoSuchKey" || apiErr.ErrorCode() == "NotFound") {
		return errors.NotFound(format+", %s", append(args, err)...)
	}
	return errors.ServiceUnavailable(format+", %s", append(args, err)...)
}

// countingReader counts bytes as the uploader consumes them
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
