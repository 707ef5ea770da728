package assets

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"boardsync/internal/board"
	"boardsync/internal/storage"
)

var (
	ErrNotInline        = errors.New("record has no inline payload")
	ErrMalformedDataURI = errors.New("malformed data URI")
)

const defaultMIME = "application/octet-stream"

// Payload 업로드 대기 중인 인라인 에셋
type Payload struct {
	RecordID string
	Filename string
	MimeType string
	Kind     storage.Kind
	Data     []byte
}

// Blob 업로드용 Blob으로 변환
func (p *Payload) Blob() storage.Blob {
	return storage.Blob{Name: p.Filename, MimeType: p.MimeType, Kind: p.Kind, Data: p.Data}
}

// Extract 에셋 레코드의 props.src가 data URI면 디코딩한다.
// 에셋이 아니거나 이미 URL이면 ErrNotInline.
func Extract(rec board.Record) (*Payload, error) {
	asset, ok := rec.Asset()
	if !ok || !asset.HasInlineData() {
		return nil, ErrNotInline
	}

	headerMIME, data, err := DecodeDataURI(asset.Src)
	if err != nil {
		return nil, fmt.Errorf("record %s: %w", rec.ID, err)
	}

	mimeType := asset.MimeType
	if mimeType == "" {
		mimeType = headerMIME
	}
	if mimeType == "" {
		mimeType = defaultMIME
	}

	kind := storage.ParseKind(asset.AssetType)
	if kind == storage.KindRaw {
		kind = storage.KindFromMIME(mimeType)
	}

	name := asset.Name
	if name == "" {
		name = sanitize(rec.ID) + "." + Extension(mimeType)
	}

	return &Payload{
		RecordID: rec.ID,
		Filename: name,
		MimeType: mimeType,
		Kind:     kind,
		Data:     data,
	}, nil
}

// DecodeDataURI "data:[<mediatype>][;base64],<data>" 파싱.
// 헤더에 미디어 타입이 없으면 mimeType은 빈 문자열.
func DecodeDataURI(src string) (mimeType string, data []byte, err error) {
	if !strings.HasPrefix(src, "data:") {
		return "", nil, ErrMalformedDataURI
	}
	comma := strings.IndexByte(src, ',')
	if comma < 0 {
		return "", nil, fmt.Errorf("%w: missing comma", ErrMalformedDataURI)
	}

	header := src[len("data:"):comma]
	body := src[comma+1:]

	isBase64 := false
	for i, part := range strings.Split(header, ";") {
		part = strings.TrimSpace(part)
		switch {
		case i == 0 && strings.Contains(part, "/"):
			mimeType = strings.ToLower(part)
		case strings.EqualFold(part, "base64"):
			isBase64 = true
		}
	}

	if isBase64 {
		data, err = decodeBase64(body)
	} else {
		var s string
		s, err = url.PathUnescape(body)
		data = []byte(s)
	}
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrMalformedDataURI, err)
	}
	if len(data) == 0 {
		return "", nil, fmt.Errorf("%w: empty payload", ErrMalformedDataURI)
	}
	return mimeType, data, nil
}

var whitespace = regexp.MustCompile(`\s+`)

func decodeBase64(s string) ([]byte, error) {
	s = whitespace.ReplaceAllString(s, "")
	var lastErr error
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding,
		base64.RawStdEncoding,
		base64.URLEncoding,
		base64.RawURLEncoding,
	} {
		b, err := enc.DecodeString(s)
		if err == nil {
			return b, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// SniffMIME 내용으로 MIME 추정 (업로드 엔드포인트에서 Content-Type이 없을 때)
func SniffMIME(data []byte) string {
	mt := http.DetectContentType(data)
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = mt[:i]
	}
	return mt
}

var subtypeExt = map[string]string{
	"jpeg":         "jpg",
	"svg+xml":      "svg",
	"quicktime":    "mov",
	"octet-stream": "bin",
	"plain":        "txt",
	"x-matroska":   "mkv",
	"mpeg":         "mpg",
}

// Extension MIME 타입에서 파일 확장자 도출 (점 없이)
func Extension(mimeType string) string {
	slash := strings.IndexByte(mimeType, '/')
	if slash < 0 || slash == len(mimeType)-1 {
		return "bin"
	}
	sub := strings.ToLower(mimeType[slash+1:])
	if i := strings.IndexByte(sub, ';'); i >= 0 {
		sub = strings.TrimSpace(sub[:i])
	}
	if ext, ok := subtypeExt[sub]; ok {
		return ext
	}
	sub = strings.TrimPrefix(sub, "x-")
	if i := strings.LastIndexByte(sub, '+'); i >= 0 {
		sub = sub[i+1:]
	}
	if sub == "" {
		return "bin"
	}
	return sanitize(sub)
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

func sanitize(s string) string {
	s = unsafeChars.ReplaceAllString(s, "_")
	if s == "" {
		return "file"
	}
	return s
}
