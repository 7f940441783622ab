// Copyright 2025 Quarry
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package schema

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3RepositoryConfig configures an S3-backed model repository. Explicit
// credentials are optional; without them the default AWS credential chain
// applies, so IAM roles work unchanged. Endpoint and ForcePathStyle support
// S3-compatible stores such as MinIO.
type S3RepositoryConfig struct {
	Bucket          string
	Prefix          string
	Region          string
	Endpoint        string
	ForcePathStyle  bool
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

// S3Repository loads model files from an S3 bucket.
type S3Repository struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Repository creates a repository reading from the configured bucket.
func NewS3Repository(ctx context.Context, cfg S3RepositoryConfig) (*S3Repository, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 schema repository: bucket is required")
	}

	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	optFns := []func(*config.LoadOptions) error{
		config.WithRegion(region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		creds := credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken)
		optFns = append(optFns, config.WithCredentialsProvider(creds))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("s3 schema repository: load AWS config: %w", err)
	}

	s3Options := []func(*s3.Options){}
	if cfg.Endpoint != "" {
		s3Options = append(s3Options, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	if cfg.ForcePathStyle {
		s3Options = append(s3Options, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	return &S3Repository{
		client: s3.NewFromConfig(awsCfg, s3Options...),
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

// DataSchemaFiles lists all YAML objects under the prefix and downloads
// their contents. Listing paginates through the full key set.
func (r *S3Repository) DataSchemaFiles(ctx context.Context) ([]SchemaFile, error) {
	var files []SchemaFile

	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(r.bucket),
	}
	if r.prefix != "" {
		input.Prefix = aws.String(r.prefix)
	}

	for {
		output, err := r.client.ListObjectsV2(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("list s3://%s/%s: %w", r.bucket, r.prefix, err)
		}

		for _, obj := range output.Contents {
			key := aws.ToString(obj.Key)
			if !isSchemaFile(key) {
				continue
			}
			content, err := r.readObject(ctx, key)
			if err != nil {
				return nil, err
			}
			files = append(files, SchemaFile{
				FileName: relativeName(key, r.prefix),
				Content:  content,
			})
		}

		if output.NextContinuationToken == nil {
			break
		}
		input.ContinuationToken = output.NextContinuationToken
	}

	sortFiles(files)
	return files, nil
}

func (r *S3Repository) readObject(ctx context.Context, key string) ([]byte, error) {
	output, err := r.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("get s3://%s/%s: %w", r.bucket, key, err)
	}
	defer output.Body.Close()

	content, err := io.ReadAll(output.Body)
	if err != nil {
		return nil, fmt.Errorf("read s3://%s/%s: %w", r.bucket, key, err)
	}
	return content, nil
}

var _ Repository = (*S3Repository)(nil)
