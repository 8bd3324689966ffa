package ws

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"medconnect/internal/metrics"
	"medconnect/internal/models"
	"medconnect/internal/service"

	"github.com/google/uuid"
)

// Registry 记录每个用户当前的在线连接，锁粒度为单个用户。
// 不同用户的注册、注销与查找互不阻塞。
type Registry struct {
	users sync.Map // int64 -> *userSlot
	conns sync.Map // connection id -> int64
	count atomic.Int64
	now   func() time.Time
}

type entry struct {
	conn   models.Connection
	handle service.Endpoint
}

// userSlot 在最后一个连接离开时标记 dead 并从 users 中摘除，
// 之后拿到旧 slot 的 Register 会重新获取。
type userSlot struct {
	mu    sync.Mutex
	conns map[string]entry
	dead  bool
}

func NewRegistry() *Registry {
	return &Registry{now: time.Now}
}

// Register 分配 connection_id 并把连接加入该用户的集合。
func (r *Registry) Register(id models.Identity, handle service.Endpoint) models.Connection {
	conn := models.Connection{
		ID:            uuid.NewString(),
		UserID:        id.UserID,
		Role:          id.Role,
		EstablishedAt: r.now().UTC(),
	}
	for {
		v, _ := r.users.LoadOrStore(id.UserID, &userSlot{})
		slot := v.(*userSlot)
		slot.mu.Lock()
		if slot.dead {
			slot.mu.Unlock()
			continue
		}
		if slot.conns == nil {
			slot.conns = make(map[string]entry)
		}
		slot.conns[conn.ID] = entry{conn: conn, handle: handle}
		slot.mu.Unlock()
		break
	}
	r.conns.Store(conn.ID, id.UserID)
	r.count.Add(1)
	metrics.WsConnections.Inc()
	return conn
}

// Unregister 移除连接，重复调用或未知 id 均为空操作。
func (r *Registry) Unregister(connID string) {
	v, ok := r.conns.LoadAndDelete(connID)
	if !ok {
		return
	}
	userID := v.(int64)
	sv, ok := r.users.Load(userID)
	if !ok {
		return
	}
	slot := sv.(*userSlot)
	slot.mu.Lock()
	if _, ok := slot.conns[connID]; ok {
		delete(slot.conns, connID)
		r.count.Add(-1)
		metrics.WsConnections.Dec()
	}
	if len(slot.conns) == 0 {
		slot.dead = true
		r.users.CompareAndDelete(userID, slot)
	}
	slot.mu.Unlock()
}

// Lookup 返回用户当前全部连接的投递句柄，按建立时间排序；离线时返回 nil。
func (r *Registry) Lookup(userID int64) []service.Endpoint {
	entries := r.entries(userID)
	if len(entries) == 0 {
		return nil
	}
	out := make([]service.Endpoint, len(entries))
	for i, e := range entries {
		out[i] = e.handle
	}
	return out
}

// Connections 与 Lookup 相同，但返回连接元数据。
func (r *Registry) Connections(userID int64) []models.Connection {
	entries := r.entries(userID)
	out := make([]models.Connection, len(entries))
	for i, e := range entries {
		out[i] = e.conn
	}
	return out
}

func (r *Registry) Online(userID int64) bool {
	v, ok := r.users.Load(userID)
	if !ok {
		return false
	}
	slot := v.(*userSlot)
	slot.mu.Lock()
	defer slot.mu.Unlock()
	return len(slot.conns) > 0
}

// Count 返回全部在线连接数。
func (r *Registry) Count() int { return int(r.count.Load()) }

func (r *Registry) entries(userID int64) []entry {
	v, ok := r.users.Load(userID)
	if !ok {
		return nil
	}
	slot := v.(*userSlot)
	slot.mu.Lock()
	out := make([]entry, 0, len(slot.conns))
	for _, e := range slot.conns {
		out = append(out, e)
	}
	slot.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].conn.EstablishedAt.Equal(out[j].conn.EstablishedAt) {
			return out[i].conn.ID < out[j].conn.ID
		}
		return out[i].conn.EstablishedAt.Before(out[j].conn.EstablishedAt)
	})
	return out
}

var _ service.Locator = (*Registry)(nil)
