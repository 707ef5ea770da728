package board

import (
	"bytes"
	"encoding/json"
)

// NormalizeRecords update 페이로드를 평탄화한다.
// 단일 레코드, 배열, 한 단계 중첩 배열을 받아 유효한 레코드만 돌려준다.
// dropped는 버려진 원소 수.
func NormalizeRecords(payload json.RawMessage, lim Limits) (records []Record, dropped int) {
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 || bytes.Equal(payload, []byte("null")) {
		return nil, 0
	}

	if payload[0] != '[' {
		rec, err := ParseRecord(payload, lim)
		if err != nil {
			return nil, 1
		}
		return []Record{rec}, 0
	}

	var outer []json.RawMessage
	if err := json.Unmarshal(payload, &outer); err != nil {
		return nil, 1
	}

	for _, item := range outer {
		item = bytes.TrimSpace(item)
		if len(item) > 0 && item[0] == '[' {
			var inner []json.RawMessage
			if err := json.Unmarshal(item, &inner); err != nil {
				dropped++
				continue
			}
			for _, in := range inner {
				rec, err := ParseRecord(in, lim)
				if err != nil {
					dropped++
					continue
				}
				records = append(records, rec)
			}
			continue
		}

		rec, err := ParseRecord(item, lim)
		if err != nil {
			dropped++
			continue
		}
		records = append(records, rec)
	}

	return records, dropped
}

// NormalizeIDs delete 페이로드(id 또는 id 배열)를 id 목록으로 변환한다.
// 빈 문자열과 문자열이 아닌 원소는 버리고 중복은 제거한다.
func NormalizeIDs(payload json.RawMessage) []string {
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 {
		return nil
	}

	var items []any
	if payload[0] == '[' {
		if err := json.Unmarshal(payload, &items); err != nil {
			return nil
		}
	} else {
		var one any
		if err := json.Unmarshal(payload, &one); err != nil {
			return nil
		}
		items = []any{one}
	}

	seen := make(map[string]struct{}, len(items))
	ids := make([]string, 0, len(items))
	for _, it := range items {
		id, ok := it.(string)
		if !ok || id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids
}
