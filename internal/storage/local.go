package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"boardsync/internal/config"
)

// LocalStore 로컬 디스크 Blob Store (개발용, /uploads로 정적 제공)
type LocalStore struct {
	dir       string
	urlPrefix string
	folder    string
}

// NewLocalStore 업로드 디렉터리 생성
func NewLocalStore(cfg *config.LocalConfig, folder, publicBase string) (*LocalStore, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	prefix := strings.TrimRight(publicBase, "/") + "/" + strings.Trim(cfg.URLPrefix, "/")
	return &LocalStore{dir: cfg.Dir, urlPrefix: prefix, folder: folder}, nil
}

// Dir 업로드 루트 디렉터리
func (l *LocalStore) Dir() string { return l.dir }

// Upload 파일 저장
func (l *LocalStore) Upload(_ context.Context, blob Blob) (Uploaded, error) {
	if len(blob.Data) == 0 {
		return Uploaded{}, ErrEmptyBlob
	}

	key := ObjectKey(l.folder, blob.Kind, blob.Name)
	full := filepath.Join(l.dir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return Uploaded{}, fmt.Errorf("create dir for %s: %w", key, err)
	}
	if err := os.WriteFile(full, blob.Data, 0o644); err != nil {
		return Uploaded{}, fmt.Errorf("write %s: %w", key, err)
	}

	return Uploaded{URL: l.urlPrefix + "/" + key, Address: key}, nil
}

// Delete 파일 삭제 (이미 없으면 성공으로 간주)
func (l *LocalStore) Delete(_ context.Context, address string, _ Kind) error {
	clean := filepath.Clean("/" + address)
	full := filepath.Join(l.dir, filepath.FromSlash(clean))
	if err := os.Remove(full); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", address, err)
	}
	return nil
}
