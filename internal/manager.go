package internal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// maxIDAttempts 房間識別碼碰撞時的重新生成上限
//
// 碰撞視為內部故障：觸發重新生成，絕不靜默覆蓋既有房間。
const maxIDAttempts = 5

// Broadcaster 廣播器介面
//
// 把「純狀態轉換」與「實際傳遞」分離的另一半：
// Manager 只對介面發布事件，生產環境由 WebSocket Hub 實現，
// 測試用記錄型假實現驗證順序與內容。
//
// 順序保證：對單一房間，Publish 的調用順序即變更套用順序
// （由每房間的操作鎖保證），實現方必須保序送達每個接收者。
// 送達已斷線的接收者是靜默無操作，不是錯誤。
type Broadcaster interface {
	Publish(roomID string, event Event)
}

// Manager 房間註冊表
//
// 房間存在性與成員關係的唯一權威來源。
//
// 系統設計考量：
//
//  1. 鎖的層次：
//     - m.mu 只保護 rooms map 本身（查找、插入、刪除），持有時間極短
//     - 每個房間的狀態由房間自己的鎖保護
//     - room.opMu 操作鎖把「套用變更 → 發布事件」整段串行化，
//       使廣播順序與變更順序一致
//     不同房間的操作完全並行，沒有全域熱點。
//
//  2. 取題不持鎖：
//     start 的外部取題在任何房間鎖之外進行（先取、後原子套用），
//     慢的外部調用不會卡住房間；取題期間房間狀態改變時，
//     套用階段會重新驗證並拒絕。
//
//  3. 精確銷毀：
//     成員清空的房間立即從註冊表移除（任何階段都一樣），
//     排行榜送達後的房間同樣立即拆除。
//     清掃迴圈只兜底回收被遺棄的閒置房間。
type Manager struct {
	rooms       map[string]*Room
	mu          sync.RWMutex
	tracker     *Tracker
	broadcaster Broadcaster
	source      QuestionSource
	fallback    *StaticSource
	cfg         *Config
	logger      *slog.Logger
	stopCh      chan struct{}
	wg          sync.WaitGroup
}

// NewManager 創建房間註冊表
//
// source 為 nil 時直接使用靜態題庫。
func NewManager(cfg *Config, source QuestionSource, logger *slog.Logger) *Manager {
	fallback := NewStaticSource()
	if source == nil {
		source = fallback
	}

	m := &Manager{
		rooms:    make(map[string]*Room),
		tracker:  NewTracker(),
		source:   source,
		fallback: fallback,
		cfg:      cfg,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}

	// 啟動清掃 goroutine（回收被遺棄的閒置房間）
	m.wg.Add(1)
	go m.sweepLoop()

	return m
}

// SetBroadcaster 安裝廣播器
//
// Hub 依賴 Manager（處理客戶端事件），Manager 依賴 Broadcaster（發布），
// 以後置注入解開建構順序。
func (m *Manager) SetBroadcaster(b Broadcaster) {
	m.broadcaster = b
}

// Tracker 連接追蹤器（供 Hub 的廣播路徑查詢房間成員連接）
func (m *Manager) Tracker() *Tracker {
	return m.tracker
}

// CreateRoom 創建房間
//
// capacity <= 0 時使用配置的預設容量。識別碼碰撞觸發重新生成。
func (m *Manager) CreateRoom(capacity int) (*Room, error) {
	if capacity <= 0 {
		capacity = m.cfg.Room.DefaultCapacity
	}
	if capacity < 2 || capacity > m.cfg.Room.MaxCapacity {
		return nil, fmt.Errorf("容量必須在 2-%d 之間", m.cfg.Room.MaxCapacity)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for attempt := 1; attempt <= maxIDAttempts; attempt++ {
		id := NewRoomID()
		if _, exists := m.rooms[id]; exists {
			// 內部故障：記錄並重新生成
			m.logger.Warn("房間識別碼碰撞", "room_id", id, "attempt", attempt)
			continue
		}

		room := NewRoom(id, capacity)
		m.rooms[id] = room

		m.logger.Info("房間已創建",
			"room_id", id,
			"capacity", capacity)

		return room, nil
	}

	return nil, fmt.Errorf("連續 %d 次識別碼碰撞，放棄創建", maxIDAttempts)
}

// GetRoom 獲取房間
//
// 未知識別碼回傳顯式的 ErrRoomNotFound，絕不回傳零值房間。
func (m *Manager) GetRoom(roomID string) (*Room, error) {
	m.mu.RLock()
	room, exists := m.rooms[roomID]
	m.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrRoomNotFound, roomID)
	}
	return room, nil
}

// JoinRoom 加入房間
//
// 一個連接同時只能參加一場比賽：綁定認領由追蹤器原子執行，
// 同一連接對兩個房間的併發加入只有一個會贏（見 Tracker.BindExclusive）；
// 綁定到同一房間的重複加入走房間層的冪等路徑。
func (m *Manager) JoinRoom(roomID, playerID, name string) error {
	room, err := m.GetRoom(roomID)
	if err != nil {
		return err
	}

	room.opMu.Lock()
	defer room.opMu.Unlock()

	// 查找與上鎖之間房間可能已被銷毀（最後一人斷線），
	// 重新驗證註冊表，避免綁定到殭屍房間
	if _, err := m.GetRoom(roomID); err != nil {
		return err
	}

	// 先原子認領綁定再套用加入，加入者自己也要收到成員更新；
	// 加入被房間拒絕（如已滿）時回滾認領
	if err := m.tracker.BindExclusive(playerID, roomID); err != nil {
		return err
	}

	events, err := room.Join(playerID, name)
	if err != nil {
		m.tracker.UnbindFrom(playerID, roomID)
		return err
	}

	m.publish(roomID, events)

	m.logger.Info("玩家加入房間",
		"room_id", roomID,
		"player_id", playerID,
		"player_name", name,
		"players", room.PlayerCount())

	return nil
}

// StartGame 開始比賽
//
// 流程（取題絕不在房間守衛內進行）：
//  1. 快速預檢階段（人未到齊立即失敗，不浪費外部調用）
//  2. 帶超時取題；失敗／超時以靜態題庫回退，從不向玩家暴露
//  3. 原子套用：鎖內重新驗證階段後儲存題目並轉換，
//     開始訊號與題目序列按序廣播
func (m *Manager) StartGame(ctx context.Context, roomID, difficulty string) error {
	room, err := m.GetRoom(roomID)
	if err != nil {
		return err
	}

	if err := room.CanStart(); err != nil {
		return err
	}

	if !ValidDifficulty(difficulty) {
		difficulty = m.cfg.Questions.DefaultDifficulty
	}

	questions := m.fetchQuestions(ctx, difficulty)

	room.opMu.Lock()
	defer room.opMu.Unlock()

	events, err := room.Start(questions)
	if err != nil {
		return err
	}
	m.publish(roomID, events)

	m.logger.Info("比賽開始",
		"room_id", roomID,
		"difficulty", difficulty,
		"questions", len(questions))

	return nil
}

// fetchQuestions 帶超時取題，失敗時回退靜態題庫
func (m *Manager) fetchQuestions(ctx context.Context, difficulty string) []Question {
	count := m.cfg.Questions.Count

	fetchCtx, cancel := context.WithTimeout(ctx, time.Duration(m.cfg.Questions.FetchTimeout))
	defer cancel()

	questions, err := m.source.FetchQuestions(fetchCtx, difficulty, count)
	if err == nil && len(questions) > 0 {
		return questions
	}

	// 題目來源故障只記錄，不影響比賽開始
	m.logger.Warn("題目來源失敗，改用靜態題庫",
		"difficulty", difficulty,
		"error", err)

	questions, err = m.fallback.FetchQuestions(context.Background(), difficulty, count)
	if err != nil {
		// 靜態題庫對已知難度不會失敗；此處只可能是難度校驗遺漏
		m.logger.Error("靜態題庫取題失敗", "difficulty", difficulty, "error", err)
		return nil
	}
	return questions
}

// SubmitAnswer 提交答案
func (m *Manager) SubmitAnswer(roomID, playerID string, question int, answer string) error {
	room, err := m.GetRoom(roomID)
	if err != nil {
		return err
	}

	room.opMu.Lock()
	defer room.opMu.Unlock()

	events, err := room.SubmitAnswer(playerID, question, answer)
	if err != nil {
		return err
	}
	m.publish(roomID, events)

	return nil
}

// UpdateScore 更新得分
func (m *Manager) UpdateScore(roomID, playerID string, runs, wickets int) error {
	room, err := m.GetRoom(roomID)
	if err != nil {
		return err
	}

	room.opMu.Lock()
	defer room.opMu.Unlock()

	events, err := room.AddScore(playerID, runs, wickets)
	if err != nil {
		return err
	}
	m.publish(roomID, events)

	return nil
}

// EndGame 結束比賽
//
// 排行榜廣播送出後房間立即拆除；冪等的重複調用回傳快取結果，
// 不重新廣播也不重複拆除。
func (m *Manager) EndGame(roomID string) ([]LeaderboardEntry, error) {
	room, err := m.GetRoom(roomID)
	if err != nil {
		return nil, err
	}

	room.opMu.Lock()
	defer room.opMu.Unlock()

	events, leaderboard, err := room.End()
	if err != nil {
		return nil, err
	}

	if len(events) > 0 {
		m.publish(roomID, events)
		m.removeRoom(roomID, "match_finished")
	}

	return leaderboard, nil
}

// LeaveRoom 離開房間
func (m *Manager) LeaveRoom(roomID, playerID string) error {
	room, err := m.GetRoom(roomID)
	if err != nil {
		return err
	}

	room.opMu.Lock()
	defer room.opMu.Unlock()

	events, empty, err := room.Leave(playerID)
	if err != nil {
		return err
	}

	m.tracker.UnbindFrom(playerID, roomID)

	if empty {
		m.removeRoom(roomID, "empty")
	} else {
		m.publish(roomID, events)
	}

	m.logger.Info("玩家離開房間",
		"room_id", roomID,
		"player_id", playerID)

	return nil
}

// Disconnect 處理連接斷線
//
// 斷線不可取消，必定執行到底：透過追蹤器在
// O(連接所屬房間數) 內解析受影響房間，逐一移除玩家。
func (m *Manager) Disconnect(playerID string) {
	for _, roomID := range m.tracker.Unbind(playerID) {
		room, err := m.GetRoom(roomID)
		if err != nil {
			continue
		}

		room.opMu.Lock()

		events, empty, err := room.Leave(playerID)
		if err != nil {
			// 成員早已移除（例如顯式 leave 與斷線競爭），無事可做
			if !errors.Is(err, ErrUnknownPlayer) {
				m.logger.Error("斷線清理失敗",
					"room_id", roomID,
					"player_id", playerID,
					"error", err)
			}
			room.opMu.Unlock()
			continue
		}

		if empty {
			m.removeRoom(roomID, "empty_after_disconnect")
		} else {
			m.publish(roomID, events)
		}

		room.opMu.Unlock()

		m.logger.Info("斷線玩家已移出房間",
			"room_id", roomID,
			"player_id", playerID)
	}
}

// publish 按序發布事件
func (m *Manager) publish(roomID string, events []Event) {
	if m.broadcaster == nil {
		return
	}
	for _, event := range events {
		m.broadcaster.Publish(roomID, event)
	}
}

// removeRoom 從註冊表移除房間並清理綁定
func (m *Manager) removeRoom(roomID, reason string) {
	m.mu.Lock()
	_, exists := m.rooms[roomID]
	delete(m.rooms, roomID)
	m.mu.Unlock()

	if !exists {
		return
	}

	m.tracker.UnbindRoom(roomID)

	m.logger.Info("房間已銷毀",
		"room_id", roomID,
		"reason", reason)
}

// sweepLoop 清掃被遺棄的閒置房間
func (m *Manager) sweepLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(time.Duration(m.cfg.Room.SweepInterval))
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sweep()
		case <-m.stopCh:
			return
		}
	}
}

// Sweep 執行一次清掃（公開方法供測試使用）
func (m *Manager) Sweep() {
	m.sweep()
}

func (m *Manager) sweep() {
	idleTimeout := time.Duration(m.cfg.Room.IdleTimeout)

	m.mu.RLock()
	var idle []string
	for roomID, room := range m.rooms {
		if room.IsIdle(idleTimeout) {
			idle = append(idle, roomID)
		}
	}
	m.mu.RUnlock()

	for _, roomID := range idle {
		m.removeRoom(roomID, "idle_timeout")
	}
}

// Stats 統計資訊
func (m *Manager) Stats() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()

	phaseCount := make(map[RoomPhase]int)
	totalPlayers := 0
	for _, room := range m.rooms {
		phaseCount[room.Phase()]++
		totalPlayers += room.PlayerCount()
	}

	return map[string]any{
		"total_rooms":   len(m.rooms),
		"total_players": totalPlayers,
		"by_phase":      phaseCount,
	}
}

// Stop 停止註冊表
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()

	m.mu.Lock()
	m.rooms = make(map[string]*Room)
	m.mu.Unlock()

	m.logger.Info("房間註冊表已停止")
}
