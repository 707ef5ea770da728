package board

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
)

var (
	ErrInvalidRecord = errors.New("invalid board record")
	ErrTooDeep       = errors.New("board record exceeds traversal limits")
)

// typeName 판별자 값
const (
	TypeNameShape = "shape"
	TypeNameAsset = "asset"
)

// =============================================================================
// Record - 보드 레코드 (tldraw 스토어 레코드 한 건)
// =============================================================================

// Record 클라이언트가 보낸 JSON을 그대로 들고 다니면서
// 서버가 이해하는 필드만 Content로 노출한다.
type Record struct {
	ID       string
	TypeName string
	Content  Content

	raw json.RawMessage
	doc map[string]any
}

// Content 레코드 내용의 합 타입 (ShapeContent | AssetContent | UnknownContent)
type Content interface {
	contentKind() string
}

// ShapeContent 도형 레코드. 참조하는 에셋 id 목록을 가진다.
type ShapeContent struct {
	ShapeType string
	AssetIDs  []string
}

// AssetContent 바이너리 미디어 설명 레코드
type AssetContent struct {
	AssetType    string // image | video | ...
	Src          string // URL 또는 data URI
	MimeType     string // props.mimeType
	Name         string // props.name
	PublicID     string // meta.publicId (저장소 content address)
	MetaMimeType string // meta.mimeType (업로드 시점에 기록)
	MetaKind     string // meta.kind (업로드한 네임스페이스)
}

// UnknownContent 서버가 해석하지 않는 레코드 종류. 저장과 브로드캐스트만 한다.
type UnknownContent struct {
	Raw json.RawMessage
}

func (ShapeContent) contentKind() string   { return TypeNameShape }
func (AssetContent) contentKind() string   { return TypeNameAsset }
func (UnknownContent) contentKind() string { return "unknown" }

// HasInlineData src가 data URI인지 여부
func (a AssetContent) HasInlineData() bool {
	return len(a.Src) > 5 && a.Src[:5] == "data:"
}

// ParseRecord 단일 레코드 JSON을 파싱한다.
// id와 typeName이 비어있지 않은 문자열이어야 한다.
func ParseRecord(raw json.RawMessage, lim Limits) (Record, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if doc == nil {
		return Record{}, fmt.Errorf("%w: not an object", ErrInvalidRecord)
	}

	id, _ := doc["id"].(string)
	typeName, _ := doc["typeName"].(string)
	if id == "" || typeName == "" {
		return Record{}, fmt.Errorf("%w: missing id or typeName", ErrInvalidRecord)
	}

	// 깊이 상한 검사 + 도형이 참조하는 에셋 수집을 한 번의 순회로 처리
	var assetIDs []string
	_, err := Walk(doc, lim, func(t *Tree, idx int) bool {
		if typeName == TypeNameShape && t.Key(idx) == "assetId" {
			if path := t.Path(idx); len(path) > 0 && path[0] == "props" {
				if s, ok := t.Value(idx).(string); ok && s != "" {
					assetIDs = append(assetIDs, s)
				}
			}
		}
		return true
	})
	if err != nil {
		return Record{}, err
	}

	rec := Record{
		ID:       id,
		TypeName: typeName,
		raw:      append(json.RawMessage(nil), raw...),
		doc:      doc,
	}
	rec.Content = contentOf(doc, typeName, assetIDs, rec.raw)
	return rec, nil
}

func contentOf(doc map[string]any, typeName string, assetIDs []string, raw json.RawMessage) Content {
	switch typeName {
	case TypeNameShape:
		shapeType, _ := doc["type"].(string)
		return ShapeContent{ShapeType: shapeType, AssetIDs: assetIDs}
	case TypeNameAsset:
		props, _ := doc["props"].(map[string]any)
		meta, _ := doc["meta"].(map[string]any)
		a := AssetContent{}
		a.AssetType, _ = doc["type"].(string)
		a.Src, _ = props["src"].(string)
		a.MimeType, _ = props["mimeType"].(string)
		a.Name, _ = props["name"].(string)
		a.PublicID, _ = meta["publicId"].(string)
		a.MetaMimeType, _ = meta["mimeType"].(string)
		a.MetaKind, _ = meta["kind"].(string)
		return a
	default:
		return UnknownContent{Raw: raw}
	}
}

// Raw 원본(또는 해석 후 갱신된) JSON
func (r Record) Raw() json.RawMessage { return r.raw }

// MarshalJSON 클라이언트가 보낸 형태 그대로 직렬화
func (r Record) MarshalJSON() ([]byte, error) {
	if len(r.raw) == 0 {
		return []byte("null"), nil
	}
	return r.raw, nil
}

// Shape 도형이면 내용을 반환
func (r Record) Shape() (ShapeContent, bool) {
	s, ok := r.Content.(ShapeContent)
	return s, ok
}

// Asset 에셋이면 내용을 반환
func (r Record) Asset() (AssetContent, bool) {
	a, ok := r.Content.(AssetContent)
	return a, ok
}

// WithResolvedAsset 업로드 결과를 반영한 사본을 만든다.
// props.src = url, meta.publicId = publicID, meta.mimeType = mimeType, meta.kind = kind.
// 나머지 필드는 그대로 유지된다.
func (r Record) WithResolvedAsset(url, publicID, mimeType, kind string) (Record, error) {
	if _, ok := r.Asset(); !ok {
		return r, fmt.Errorf("%w: %s is not an asset", ErrInvalidRecord, r.ID)
	}

	doc := maps.Clone(r.doc)

	props, _ := doc["props"].(map[string]any)
	props = maps.Clone(props)
	if props == nil {
		props = map[string]any{}
	}
	props["src"] = url
	doc["props"] = props

	meta, _ := doc["meta"].(map[string]any)
	meta = maps.Clone(meta)
	if meta == nil {
		meta = map[string]any{}
	}
	meta["publicId"] = publicID
	if mimeType != "" {
		meta["mimeType"] = mimeType
	}
	if kind != "" {
		meta["kind"] = kind
	}
	doc["meta"] = meta

	raw, err := json.Marshal(doc)
	if err != nil {
		return r, fmt.Errorf("marshal resolved asset %s: %w", r.ID, err)
	}

	out := Record{ID: r.ID, TypeName: r.TypeName, raw: raw, doc: doc}
	out.Content = contentOf(doc, r.TypeName, nil, raw)
	return out, nil
}

// RecordsRaw 레코드 목록을 JSON 배열 원소로 변환
func RecordsRaw(records []Record) []json.RawMessage {
	out := make([]json.RawMessage, 0, len(records))
	for _, r := range records {
		out = append(out, r.raw)
	}
	return out
}
