// internal/storage/object_store.go
package storage

import (
	"context"
	"fmt"
	"path"
	"strings"
)

// ObjectStore 媒体对象存储。key 形如 videos/<file> 或 audio/<file>
type ObjectStore interface {
	Upload(ctx context.Context, data []byte, contentType, key string) (string, error)
	Delete(ctx context.Context, key string) error
	GetURL(ctx context.Context, key string) (string, error)
	List(ctx context.Context, prefix string) ([]string, error)
}

// LocalMediaStore 保存到本地 public/media 目录，通过 /media 路由提供访问
type LocalMediaStore struct {
	fs        *FileStorage
	urlPrefix string
}

// NewLocalMediaStore mediaDir 即 public/media 目录
func NewLocalMediaStore(mediaDir string) (*LocalMediaStore, error) {
	fs, err := NewFileStorage(mediaDir)
	if err != nil {
		return nil, err
	}
	for _, sub := range []string{"videos", "audio"} {
		if err := fs.SaveBytes(sub, ".keep", nil); err != nil {
			return nil, err
		}
	}
	return &LocalMediaStore{fs: fs, urlPrefix: "/media"}, nil
}

func cleanKey(key string) (string, error) {
	k := path.Clean(strings.TrimPrefix(key, "/"))
	if k == "." || strings.HasPrefix(k, "..") {
		return "", fmt.Errorf("invalid object key %q", key)
	}
	return k, nil
}

func (s *LocalMediaStore) Upload(ctx context.Context, data []byte, contentType, key string) (string, error) {
	k, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	dir, file := path.Split(k)
	if err := s.fs.SaveBytes(dir, file, data); err != nil {
		return "", err
	}
	return s.GetURL(ctx, k)
}

func (s *LocalMediaStore) Delete(ctx context.Context, key string) error {
	k, err := cleanKey(key)
	if err != nil {
		return err
	}
	dir, file := path.Split(k)
	return s.fs.DeleteFile(dir, file)
}

func (s *LocalMediaStore) GetURL(_ context.Context, key string) (string, error) {
	k, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	return s.urlPrefix + "/" + k, nil
}

// List 返回以 prefix 开头的 key，占位文件除外
func (s *LocalMediaStore) List(_ context.Context, prefix string) ([]string, error) {
	files, err := s.fs.ListFiles("")
	if err != nil {
		return nil, err
	}
	keys := []string{}
	for _, f := range files {
		if path.Base(f) == ".keep" || !strings.HasPrefix(f, prefix) {
			continue
		}
		keys = append(keys, f)
	}
	return keys, nil
}

// Close 停止底层存储的后台任务
func (s *LocalMediaStore) Close() {
	s.fs.Close()
}
