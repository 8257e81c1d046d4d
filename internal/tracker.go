package internal

import (
	"fmt"
	"sync"
)

// Tracker 連接追蹤器
//
// 維護「連接 ↔ 房間」的雙向索引，讓斷線事件能在
// O(該連接所屬房間數) 的時間內解析出受影響的房間，
// 而不必掃描整個註冊表；反向索引則供廣播器查詢房間成員連接。
//
// 追蹤器只是反查索引，不是所有權邊：房間的權威成員列表在 Room 本身。
type Tracker struct {
	mu        sync.RWMutex
	connRooms map[string]map[string]struct{} // connID -> set(roomID)
	roomConns map[string]map[string]struct{} // roomID -> set(connID)
}

// NewTracker 創建連接追蹤器
func NewTracker() *Tracker {
	return &Tracker{
		connRooms: make(map[string]map[string]struct{}),
		roomConns: make(map[string]map[string]struct{}),
	}
}

// Bind 將連接綁定到房間（冪等）
func (t *Tracker) Bind(connID, roomID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.bindLocked(connID, roomID)
}

// BindExclusive 原子地認領連接的唯一房間綁定
//
// 「一個連接同時只參加一場比賽」的強制點：檢查與綁定在同一把寫鎖下
// 完成，同一連接對兩個房間的併發認領恰好一個會贏，輸家收到
// ErrAlreadyInRoom。綁定到同一房間的重複認領是冪等的。
func (t *Tracker) BindExclusive(connID, roomID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for bound := range t.connRooms[connID] {
		if bound != roomID {
			return fmt.Errorf("%w: %s", ErrAlreadyInRoom, bound)
		}
	}
	t.bindLocked(connID, roomID)
	return nil
}

func (t *Tracker) bindLocked(connID, roomID string) {
	if t.connRooms[connID] == nil {
		t.connRooms[connID] = make(map[string]struct{})
	}
	t.connRooms[connID][roomID] = struct{}{}

	if t.roomConns[roomID] == nil {
		t.roomConns[roomID] = make(map[string]struct{})
	}
	t.roomConns[roomID][connID] = struct{}{}
}

// Unbind 解除連接的所有綁定，回傳受影響的房間識別碼
//
// 斷線處理的入口：調用方對回傳的每個房間執行 leave。
func (t *Tracker) Unbind(connID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	rooms := t.connRooms[connID]
	if rooms == nil {
		return nil
	}

	affected := make([]string, 0, len(rooms))
	for roomID := range rooms {
		affected = append(affected, roomID)
		if conns := t.roomConns[roomID]; conns != nil {
			delete(conns, connID)
			if len(conns) == 0 {
				delete(t.roomConns, roomID)
			}
		}
	}
	delete(t.connRooms, connID)

	return affected
}

// UnbindFrom 解除連接與單一房間的綁定（顯式 leave 使用）
func (t *Tracker) UnbindFrom(connID, roomID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if rooms := t.connRooms[connID]; rooms != nil {
		delete(rooms, roomID)
		if len(rooms) == 0 {
			delete(t.connRooms, connID)
		}
	}
	if conns := t.roomConns[roomID]; conns != nil {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(t.roomConns, roomID)
		}
	}
}

// UnbindRoom 解除房間的所有綁定（房間銷毀時使用）
func (t *Tracker) UnbindRoom(roomID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for connID := range t.roomConns[roomID] {
		if rooms := t.connRooms[connID]; rooms != nil {
			delete(rooms, roomID)
			if len(rooms) == 0 {
				delete(t.connRooms, connID)
			}
		}
	}
	delete(t.roomConns, roomID)
}

// RoomsOf 查詢連接所屬的房間集合
func (t *Tracker) RoomsOf(connID string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	rooms := make([]string, 0, len(t.connRooms[connID]))
	for roomID := range t.connRooms[connID] {
		rooms = append(rooms, roomID)
	}
	return rooms
}

// ConnsIn 查詢綁定到房間的連接集合（廣播器使用）
func (t *Tracker) ConnsIn(roomID string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	conns := make([]string, 0, len(t.roomConns[roomID]))
	for connID := range t.roomConns[roomID] {
		conns = append(conns, connID)
	}
	return conns
}
