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

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
)

// AzureRepositoryConfig configures an Azure Blob Storage model repository.
// Authentication picks the first method available: connection string, then
// shared account key, then DefaultAzureCredential (managed identity, CLI
// login and environment credentials).
type AzureRepositoryConfig struct {
	AccountName      string
	Container        string
	Prefix           string
	ConnectionString string
	AccountKey       string
}

// AzureRepository loads model files from an Azure Blob Storage container.
type AzureRepository struct {
	client    *azblob.Client
	container string
	prefix    string
}

// NewAzureRepository creates a repository reading from the configured
// container.
func NewAzureRepository(cfg AzureRepositoryConfig) (*AzureRepository, error) {
	if cfg.Container == "" {
		return nil, fmt.Errorf("azure schema repository: container is required")
	}

	var client *azblob.Client
	var err error

	switch {
	case cfg.ConnectionString != "":
		client, err = azblob.NewClientFromConnectionString(cfg.ConnectionString, nil)
	case cfg.AccountKey != "":
		if cfg.AccountName == "" {
			return nil, fmt.Errorf("azure schema repository: account name is required with an account key")
		}
		serviceURL := fmt.Sprintf("https://%s.blob.core.windows.net/", cfg.AccountName)
		cred, kerr := azblob.NewSharedKeyCredential(cfg.AccountName, cfg.AccountKey)
		if kerr != nil {
			return nil, fmt.Errorf("azure schema repository: shared key credential: %w", kerr)
		}
		client, err = azblob.NewClientWithSharedKeyCredential(serviceURL, cred, nil)
	default:
		if cfg.AccountName == "" {
			return nil, fmt.Errorf("azure schema repository: account name is required")
		}
		serviceURL := fmt.Sprintf("https://%s.blob.core.windows.net/", cfg.AccountName)
		cred, cerr := azidentity.NewDefaultAzureCredential(nil)
		if cerr != nil {
			return nil, fmt.Errorf("azure schema repository: default credential: %w", cerr)
		}
		client, err = azblob.NewClient(serviceURL, cred, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("azure schema repository: create client: %w", err)
	}

	return &AzureRepository{
		client:    client,
		container: cfg.Container,
		prefix:    cfg.Prefix,
	}, nil
}

// DataSchemaFiles pages through all YAML blobs under the prefix and
// downloads their contents.
func (r *AzureRepository) DataSchemaFiles(ctx context.Context) ([]SchemaFile, error) {
	var files []SchemaFile

	listOptions := &azblob.ListBlobsFlatOptions{}
	if r.prefix != "" {
		listOptions.Prefix = &r.prefix
	}

	pager := r.client.NewListBlobsFlatPager(r.container, listOptions)
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list %s/%s: %w", r.container, r.prefix, err)
		}

		for _, item := range resp.Segment.BlobItems {
			if item.Name == nil || !isSchemaFile(*item.Name) {
				continue
			}
			content, err := r.readBlob(ctx, *item.Name)
			if err != nil {
				return nil, err
			}
			files = append(files, SchemaFile{
				FileName: relativeName(*item.Name, r.prefix),
				Content:  content,
			})
		}
	}

	sortFiles(files)
	return files, nil
}

func (r *AzureRepository) readBlob(ctx context.Context, name string) ([]byte, error) {
	resp, err := r.client.DownloadStream(ctx, r.container, name, nil)
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", r.container, name, err)
	}

	content, err := io.ReadAll(resp.Body)
	closeErr := resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("read %s/%s: %w", r.container, name, err)
	}
	if closeErr != nil {
		return nil, fmt.Errorf("read %s/%s: %w", r.container, name, closeErr)
	}
	return content, nil
}

var _ Repository = (*AzureRepository)(nil)
