package board

import (
	"fmt"
	"maps"
	"slices"
)

// Limits JSON 트리 순회 상한
type Limits struct {
	MaxDepth int
	MaxNodes int
}

// DefaultLimits 클라이언트 레코드 기본 상한
var DefaultLimits = Limits{MaxDepth: 64, MaxNodes: 100_000}

// node arena 노드 (부모는 인덱스로 참조)
type node struct {
	parent int
	depth  int
	key    string
	value  any
}

// Tree 디코딩된 JSON 값을 arena 형태로 펼친 트리
type Tree struct {
	nodes []node
}

// Visitor 노드 방문 콜백. false를 반환하면 해당 노드의 자식은 건너뛴다.
type Visitor func(t *Tree, idx int) bool

// Walk 재귀 없이 명시적 스택으로 v를 순회한다.
// 깊이나 노드 수가 상한을 넘으면 ErrTooDeep을 반환한다.
func Walk(v any, lim Limits, visit Visitor) (*Tree, error) {
	if lim.MaxDepth <= 0 {
		lim.MaxDepth = DefaultLimits.MaxDepth
	}
	if lim.MaxNodes <= 0 {
		lim.MaxNodes = DefaultLimits.MaxNodes
	}

	t := &Tree{nodes: []node{{parent: -1, depth: 0, value: v}}}
	stack := []int{0}

	for len(stack) > 0 {
		idx := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		n := t.nodes[idx]

		if visit != nil && !visit(t, idx) {
			continue
		}

		switch val := n.value.(type) {
		case map[string]any:
			if len(val) > 0 && n.depth+1 > lim.MaxDepth {
				return nil, fmt.Errorf("%w: depth > %d", ErrTooDeep, lim.MaxDepth)
			}
			for _, k := range slices.Sorted(maps.Keys(val)) {
				child := val[k]
				if len(t.nodes) >= lim.MaxNodes {
					return nil, fmt.Errorf("%w: more than %d nodes", ErrTooDeep, lim.MaxNodes)
				}
				t.nodes = append(t.nodes, node{parent: idx, depth: n.depth + 1, key: k, value: child})
				stack = append(stack, len(t.nodes)-1)
			}
		case []any:
			if len(val) > 0 && n.depth+1 > lim.MaxDepth {
				return nil, fmt.Errorf("%w: depth > %d", ErrTooDeep, lim.MaxDepth)
			}
			for i, child := range val {
				if len(t.nodes) >= lim.MaxNodes {
					return nil, fmt.Errorf("%w: more than %d nodes", ErrTooDeep, lim.MaxNodes)
				}
				t.nodes = append(t.nodes, node{parent: idx, depth: n.depth + 1, key: fmt.Sprintf("[%d]", i), value: child})
				stack = append(stack, len(t.nodes)-1)
			}
		}
	}

	return t, nil
}

// Len 방문한 노드 수
func (t *Tree) Len() int { return len(t.nodes) }

// Key 노드의 키 (배열 원소는 "[i]")
func (t *Tree) Key(idx int) string { return t.nodes[idx].key }

// Value 노드의 값
func (t *Tree) Value(idx int) any { return t.nodes[idx].value }

// Depth 루트 기준 깊이
func (t *Tree) Depth(idx int) int { return t.nodes[idx].depth }

// Path 루트부터 idx까지의 키 경로
func (t *Tree) Path(idx int) []string {
	var rev []string
	for i := idx; i > 0; i = t.nodes[i].parent {
		rev = append(rev, t.nodes[i].key)
	}
	path := make([]string, len(rev))
	for i, k := range rev {
		path[len(rev)-1-i] = k
	}
	return path
}

// FindStrings root 아래에서 key 이름을 가진 모든 문자열 값을 모은다.
// under가 비어있지 않으면 해당 최상위 키 아래에서만 찾는다.
func FindStrings(v any, key, under string, lim Limits) ([]string, error) {
	var out []string
	_, err := Walk(v, lim, func(t *Tree, idx int) bool {
		if under != "" && t.Depth(idx) == 1 && t.Key(idx) != under {
			return false
		}
		if t.Key(idx) == key {
			if s, ok := t.Value(idx).(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
