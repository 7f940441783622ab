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
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// isSchemaFile reports whether a file name looks like a YAML model file.
func isSchemaFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yml", ".yaml":
		return true
	}
	return false
}

// sortFiles orders files by name so compilation input is deterministic
// regardless of listing order.
func sortFiles(files []SchemaFile) {
	sort.Slice(files, func(i, j int) bool { return files[i].FileName < files[j].FileName })
}

// relativeName strips the repository prefix from an object key.
func relativeName(key, prefix string) string {
	return strings.TrimPrefix(strings.TrimPrefix(key, prefix), "/")
}

// FileRepository loads model files from a local directory tree. It walks
// subdirectories and picks up YAML files only.
type FileRepository struct {
	dir string
}

// NewFileRepository creates a repository rooted at dir. The directory must
// exist when DataSchemaFiles is called, not when the repository is created.
func NewFileRepository(dir string) *FileRepository {
	return &FileRepository{dir: dir}
}

// Dir returns the repository root directory.
func (r *FileRepository) Dir() string {
	return r.dir
}

// DataSchemaFiles reads every YAML file under the repository root. File
// names are slash-separated paths relative to the root.
func (r *FileRepository) DataSchemaFiles(ctx context.Context) ([]SchemaFile, error) {
	var files []SchemaFile

	err := filepath.WalkDir(r.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if d.IsDir() || !isSchemaFile(path) {
			return nil
		}

		content, rerr := os.ReadFile(path)
		if rerr != nil {
			return fmt.Errorf("read %s: %w", path, rerr)
		}
		rel, rerr := filepath.Rel(r.dir, path)
		if rerr != nil {
			return rerr
		}
		files = append(files, SchemaFile{
			FileName: filepath.ToSlash(rel),
			Content:  content,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", r.dir, err)
	}

	sortFiles(files)
	return files, nil
}
