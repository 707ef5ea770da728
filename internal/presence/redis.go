package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultTTL heartbeat(25초)가 두 번 빠지면 offline으로 본다
const DefaultTTL = 60 * time.Second

// Member Redis에 저장될 접속 정보
type Member struct {
	ConnID        string `json:"connId"`
	UserID        string `json:"userId"`
	UserName      string `json:"userName"`
	ServerID      string `json:"serverId"`
	JoinedAt      int64  `json:"joinedAt"`
	LastHeartbeat int64  `json:"lastHeartbeat"`
}

// Manager room별 접속자 관리자.
// board:presence:<roomId> ZSET (member=connId, score=마지막 heartbeat unix초)와
// board:presence:<roomId>:members HASH (connId -> Member JSON)를 함께 쓴다.
type Manager struct {
	client   *redis.Client
	serverID string
	ttl      time.Duration
	now      func() time.Time
}

// NewManager 생성자
func NewManager(client *redis.Client, serverID string, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{
		client:   client,
		serverID: serverID,
		ttl:      ttl,
		now:      time.Now,
	}
}

// Key 생성 유틸
func roomKey(roomID string) string {
	return fmt.Sprintf("board:presence:%s", roomID)
}

func membersKey(roomID string) string {
	return fmt.Sprintf("board:presence:%s:members", roomID)
}

// Join 접속 등록
func (m *Manager) Join(ctx context.Context, roomID, connID, userID, userName string) error {
	now := m.now()
	data, err := json.Marshal(Member{
		ConnID:        connID,
		UserID:        userID,
		UserName:      userName,
		ServerID:      m.serverID,
		JoinedAt:      now.Unix(),
		LastHeartbeat: now.Unix(),
	})
	if err != nil {
		return err
	}

	_, err = m.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, roomKey(roomID), redis.Z{Score: float64(now.Unix()), Member: connID})
		pipe.HSet(ctx, membersKey(roomID), connID, data)
		// 모든 서버가 죽어도 키가 남지 않도록
		pipe.Expire(ctx, roomKey(roomID), 2*m.ttl)
		pipe.Expire(ctx, membersKey(roomID), 2*m.ttl)
		return nil
	})
	return err
}

// Touch 생존 신고 (score 갱신). 등록되지 않은 연결이면 아무것도 하지 않는다.
func (m *Manager) Touch(ctx context.Context, roomID, connID string) error {
	now := m.now()
	_, err := m.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAddXX(ctx, roomKey(roomID), redis.Z{Score: float64(now.Unix()), Member: connID})
		pipe.Expire(ctx, roomKey(roomID), 2*m.ttl)
		pipe.Expire(ctx, membersKey(roomID), 2*m.ttl)
		return nil
	})
	return err
}

// Leave 접속 해제
func (m *Manager) Leave(ctx context.Context, roomID, connID string) error {
	_, err := m.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, roomKey(roomID), connID)
		pipe.HDel(ctx, membersKey(roomID), connID)
		return nil
	})
	return err
}

// List room 접속자 조회. TTL이 지난 연결은 정리하고, 같은 유저의 여러 연결은 하나로 합친다.
func (m *Manager) List(ctx context.Context, roomID string) ([]Member, error) {
	cutoff := m.now().Add(-m.ttl).Unix()

	stale, err := m.client.ZRangeByScore(ctx, roomKey(roomID), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff, 10),
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(stale) > 0 {
		if _, err := m.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.ZRem(ctx, roomKey(roomID), toAny(stale)...)
			pipe.HDel(ctx, membersKey(roomID), stale...)
			return nil
		}); err != nil {
			return nil, err
		}
	}

	conns, err := m.client.ZRangeWithScores(ctx, roomKey(roomID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(conns) == 0 {
		return []Member{}, nil
	}

	ids := make([]string, len(conns))
	scores := make(map[string]int64, len(conns))
	for i, z := range conns {
		id, _ := z.Member.(string)
		ids[i] = id
		scores[id] = int64(z.Score)
	}

	// HMGET으로 한 번에 조회
	values, err := m.client.HMGet(ctx, membersKey(roomID), ids...).Result()
	if err != nil {
		return nil, err
	}

	byUser := make(map[string]Member)
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var member Member
		if err := json.Unmarshal([]byte(s), &member); err != nil {
			continue
		}
		member.LastHeartbeat = scores[ids[i]]
		if prev, ok := byUser[member.UserID]; ok && prev.LastHeartbeat >= member.LastHeartbeat {
			continue
		}
		byUser[member.UserID] = member
	}

	out := make([]Member, 0, len(byUser))
	for _, member := range byUser {
		out = append(out, member)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt != out[j].JoinedAt {
			return out[i].JoinedAt < out[j].JoinedAt
		}
		return out[i].UserID < out[j].UserID
	})
	return out, nil
}

// Clear room 접속 정보 전체 삭제 (보드 삭제 시)
func (m *Manager) Clear(ctx context.Context, roomID string) error {
	return m.client.Del(ctx, roomKey(roomID), membersKey(roomID)).Err()
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
