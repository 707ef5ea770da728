package storage

import (
	"context"
	"errors"
	"path"
	"strings"

	"github.com/google/uuid"
)

var (
	ErrNotConfigured = errors.New("blob store not configured")
	ErrEmptyBlob     = errors.New("empty blob")
)

// Kind 업로드 네임스페이스 (image | video | raw)
type Kind string

const (
	KindImage Kind = "image"
	KindVideo Kind = "video"
	KindRaw   Kind = "raw"
)

// Folder 주소에 들어가는 네임스페이스 세그먼트 ("images", "videos", "raws")
func (k Kind) Folder() string {
	return string(k) + "s"
}

// ParseKind 문자열을 Kind로 변환 (알 수 없으면 raw)
func ParseKind(s string) Kind {
	switch strings.ToLower(s) {
	case "image":
		return KindImage
	case "video":
		return KindVideo
	default:
		return KindRaw
	}
}

// KindFromMIME MIME 주 타입으로 Kind 결정
func KindFromMIME(mimeType string) Kind {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return KindImage
	case strings.HasPrefix(mimeType, "video/"):
		return KindVideo
	default:
		return KindRaw
	}
}

// Blob 업로드할 파일
type Blob struct {
	Name     string
	MimeType string
	Kind     Kind
	Data     []byte
}

// Uploaded 업로드 결과. Address는 삭제 시 사용하는 content address.
type Uploaded struct {
	URL     string
	Address string
}

// Store Blob Store 어댑터 공통 인터페이스
type Store interface {
	Upload(ctx context.Context, blob Blob) (Uploaded, error)
	Delete(ctx context.Context, address string, kind Kind) error
}

// ObjectKey <folder>/<kind>s/<uuid><ext> 형태의 주소 생성
func ObjectKey(folder string, kind Kind, name string) string {
	ext := strings.ToLower(path.Ext(name))
	if len(ext) > 10 || strings.ContainsAny(ext, "/\\ ") {
		ext = ""
	}
	key := kind.Folder() + "/" + uuid.NewString() + ext
	if folder = strings.Trim(folder, "/"); folder != "" {
		key = folder + "/" + key
	}
	return key
}

var extKinds = map[string]Kind{
	".png": KindImage, ".jpg": KindImage, ".jpeg": KindImage, ".gif": KindImage,
	".webp": KindImage, ".svg": KindImage, ".bmp": KindImage, ".avif": KindImage,
	".mp4": KindVideo, ".webm": KindVideo, ".mov": KindVideo, ".mkv": KindVideo,
	".avi": KindVideo, ".m4v": KindVideo,
}

// KindOf 삭제할 Blob의 Kind. 업로드 시 기록한 kind가 있으면 그대로 쓰고
// 없으면(이전 버전이 저장한 레코드) 주소로 추론한다.
func KindOf(recorded, address, mimeType string) Kind {
	if recorded != "" {
		return ParseKind(recorded)
	}
	return KindFromAddress(address, mimeType)
}

// KindFromAddress content address의 파일 종류를 추론한다.
// 순서: 업로드 시 기록한 MIME > 주소의 네임스페이스 세그먼트 > 확장자.
func KindFromAddress(address, mimeType string) Kind {
	if mimeType != "" {
		return KindFromMIME(mimeType)
	}

	for _, seg := range strings.Split(address, "/") {
		switch seg {
		case KindImage.Folder():
			return KindImage
		case KindVideo.Folder():
			return KindVideo
		case KindRaw.Folder():
			return KindRaw
		}
	}

	if k, ok := extKinds[strings.ToLower(path.Ext(address))]; ok {
		return k
	}
	return KindRaw
}
