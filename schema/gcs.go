// Copyright 2025 Quarry
// SPDX-License-Identifier: BUSL-1.1
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

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GCSRepositoryConfig configures a Google Cloud Storage model repository.
// With no explicit credentials, Application Default Credentials apply.
// Endpoint targets an emulator.
type GCSRepositoryConfig struct {
	Bucket          string
	Prefix          string
	CredentialsFile string
	CredentialsJSON string
	Endpoint        string
}

// GCSRepository loads model files from a GCS bucket.
type GCSRepository struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCSRepository creates a repository reading from the configured bucket.
// Callers own the repository and should Close it when done.
func NewGCSRepository(ctx context.Context, cfg GCSRepositoryConfig) (*GCSRepository, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("gcs schema repository: bucket is required")
	}

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	} else if cfg.CredentialsJSON != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(cfg.CredentialsJSON)))
	}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("gcs schema repository: create client: %w", err)
	}

	return &GCSRepository{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

// DataSchemaFiles iterates all YAML objects under the prefix and downloads
// their contents.
func (r *GCSRepository) DataSchemaFiles(ctx context.Context) ([]SchemaFile, error) {
	var files []SchemaFile

	it := r.client.Bucket(r.bucket).Objects(ctx, &storage.Query{Prefix: r.prefix})
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list gs://%s/%s: %w", r.bucket, r.prefix, err)
		}
		if !isSchemaFile(attrs.Name) {
			continue
		}

		content, err := r.readObject(ctx, attrs.Name)
		if err != nil {
			return nil, err
		}
		files = append(files, SchemaFile{
			FileName: relativeName(attrs.Name, r.prefix),
			Content:  content,
		})
	}

	sortFiles(files)
	return files, nil
}

func (r *GCSRepository) readObject(ctx context.Context, name string) ([]byte, error) {
	reader, err := r.client.Bucket(r.bucket).Object(name).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("get gs://%s/%s: %w", r.bucket, name, err)
	}

	content, err := io.ReadAll(reader)
	closeErr := reader.Close()
	if err != nil {
		return nil, fmt.Errorf("read gs://%s/%s: %w", r.bucket, name, err)
	}
	if closeErr != nil {
		return nil, fmt.Errorf("read gs://%s/%s: %w", r.bucket, name, closeErr)
	}
	return content, nil
}

// Close releases the underlying client.
func (r *GCSRepository) Close() error {
	return r.client.Close()
}

var _ Repository = (*GCSRepository)(nil)
