package internal

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// 系統設計問題：
//   如何管理雙人即時問答比賽的房間生命週期，處理並發操作，並保證狀態廣播有序一致？
//
// 核心挑戰：
//   1. 狀態管理：房間有嚴格的狀態轉換（open → ready → in_progress → finished）
//   2. 並發控制：多個連接同時操作（加入、答題、計分、斷線）
//   3. 廣播順序：每個房間的事件必須按變更順序送達所有成員
//   4. 資源回收：空房間立即銷毀，比賽結束後排行榜送達即拆除
//
// 設計方案：
//   ✅ 有限狀態機（FSM）- 規範狀態轉換，狀態單調前進、永不回退
//   ✅ 每房間獨立鎖 - 不同房間互不阻塞
//   ✅ 純轉換 + 事件列表 - 變更函數回傳有序事件，與實際傳遞解耦
//   ✅ 精確銷毀 - 成員清空即刻移除房間

// RoomPhase 房間階段
//
// 有限狀態機設計：
//
//	open → ready → in_progress → finished
//
// 狀態轉換規則：
//   - open → ready：加入的玩家達到容量上限（自動轉換）
//   - ready → in_progress：顯式 start（題目就緒後原子轉換，恰好一次）
//   - in_progress → finished：顯式 end（計算排行榜後轉換）
//   - 任何狀態：成員清空 → 房間直接銷毀（不經過 finished）
//
// 階段只會單調前進：玩家離開不會讓非空房間回退階段。
type RoomPhase string

const (
	PhaseOpen       RoomPhase = "open"        // 接受加入
	PhaseReady      RoomPhase = "ready"       // 容量已滿，等待開始
	PhaseInProgress RoomPhase = "in_progress" // 比賽進行中，接受答題與計分
	PhaseFinished   RoomPhase = "finished"    // 排行榜已計算，等待拆除
)

// 廣播事件類型
const (
	EventRoomCreated    = "room_created"
	EventPlayersUpdated = "players_updated"
	EventQuizStarted    = "quiz_started"
	EventQuestionSet    = "question_set"
	EventAnswerReceived = "answer_received"
	EventLeaderboard    = "leaderboard"
	EventError          = "error"
)

// Event 房間事件
//
// 變更操作回傳的事件按發生順序排列，
// 由 Manager 依序交給 Broadcaster 傳遞（見 manager.go 的操作鎖設計）。
type Event struct {
	Type string         `json:"event"`
	Data map[string]any `json:"data"`
}

// Score 玩家得分
//
// 計分策略（已定案）：增量累加（runs += delta），比賽期間單調不減。
// 增量必須非負，負值在進入狀態機前被拒絕。
type Score struct {
	Runs    int `json:"runs"`
	Wickets int `json:"wickets"`
}

// Player 玩家資訊
//
// ID 即連接識別碼，一個連接同時只屬於一個房間（由 Manager 配合 Tracker 強制）。
type Player struct {
	ID       string    `json:"player_id"`
	Name     string    `json:"player_name"`
	Score    Score     `json:"score"`
	JoinedAt time.Time `json:"joined_at"`
}

// AnswerRecord 答題記錄
//
// 只做留存與轉發，不判定正確性，計分是另一個顯式操作。
type AnswerRecord struct {
	PlayerID string    `json:"player_id"`
	Question int       `json:"question"`
	Answer   string    `json:"answer"`
	At       time.Time `json:"answered_at"`
}

// LeaderboardEntry 排行榜條目
type LeaderboardEntry struct {
	Rank     int    `json:"rank"`
	PlayerID string `json:"player_id"`
	Name     string `json:"player_name"`
	Score    Score  `json:"score"`
}

// Room 比賽房間
//
// 系統設計考量：
//
//  1. 並發控制（RWMutex）：
//     所有變更操作對單一房間串行化（寫鎖），
//     查詢（快照、人數、階段）使用讀鎖並發執行。
//     鎖是每房間獨立的，不相關的房間互不影響。
//
//  2. 純轉換 + 事件列表：
//     變更方法「狀態進、狀態 + 事件列表出」，不直接觸碰傳輸層。
//     好處：
//     - 單元測試不需要活的 WebSocket，斷言事件列表即可
//     - 廣播順序 = 事件回傳順序，由 Manager 的操作鎖保證
//
//  3. 玩家順序：
//     players 用切片而非 map，插入順序即加入順序，
//     排行榜的最終平手鍵（加入順序）因此天然穩定。
//
//  4. 資源管理（lastActive）：
//     正常流程結束即銷毀；被遺棄的房間（有人但無操作）
//     由 Manager 的清掃迴圈按 lastActive 超時回收。
type Room struct {
	ID        string
	Capacity  int
	CreatedAt time.Time

	// opMu 操作鎖：Manager 在「套用變更 → 發布事件」的整段期間持有，
	// 保證同一房間的廣播順序與變更順序一致。狀態本身由 mu 保護。
	opMu sync.Mutex

	mu          sync.RWMutex
	phase       RoomPhase
	players     []*Player
	questions   []Question
	answers     []AnswerRecord
	leaderboard []LeaderboardEntry
	lastActive  time.Time
}

// NewRoom 創建新房間
func NewRoom(id string, capacity int) *Room {
	now := time.Now()
	return &Room{
		ID:         id,
		Capacity:   capacity,
		CreatedAt:  now,
		phase:      PhaseOpen,
		players:    make([]*Player, 0, capacity),
		lastActive: now,
	}
}

// Join 加入玩家
//
// 狀態機驗證：
//   - 容量檢查：第 C+1 次加入必定以「房間已滿」失敗，絕不靜默排隊
//   - 階段檢查：只在 open 階段合法（未滿但已開始的房間拒絕為已開始）
//   - 冪等性：同一連接重複加入是無操作（成員列表不變，名稱不更新），
//     不產生事件、不回傳錯誤
//
// 狀態自動轉換：加入使人數達到容量時，open → ready。
func (r *Room) Join(playerID, name string) ([]Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// 冪等檢查先於階段檢查：已是成員的重複請求在任何階段都是良性的
	for _, p := range r.players {
		if p.ID == playerID {
			return nil, nil
		}
	}

	// 滿員檢查先於階段檢查：滿員房間的階段必然已離開 open，
	// 但第 C+1 次加入的拒絕理由是「房間已滿」而非「已開始」
	if len(r.players) >= r.Capacity {
		return nil, fmt.Errorf("%w: 房間 %s", ErrRoomFull, r.ID)
	}
	if r.phase != PhaseOpen {
		return nil, fmt.Errorf("%w: 房間 %s", ErrGameAlreadyStarted, r.ID)
	}

	r.players = append(r.players, &Player{
		ID:       playerID,
		Name:     name,
		JoinedAt: time.Now(),
	})

	// 人滿自動進入 ready（狀態機自動轉換）
	if len(r.players) == r.Capacity {
		r.phase = PhaseReady
	}

	r.lastActive = time.Now()

	return []Event{r.playersUpdatedLocked()}, nil
}

// CanStart 檢查是否可以開始比賽
//
// start 流程在取題（可能很慢的外部調用）之前先快速失敗，
// 取題完成後 Start 會在鎖內重新驗證（見 manager.go）。
func (r *Room) CanStart() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.canStartLocked()
}

func (r *Room) canStartLocked() error {
	switch r.phase {
	case PhaseReady:
		return nil
	case PhaseOpen:
		return fmt.Errorf("%w: 房間 %s（%d/%d）", ErrInsufficientPlayers, r.ID, len(r.players), r.Capacity)
	default:
		return fmt.Errorf("%w: 房間 %s", ErrGameAlreadyStarted, r.ID)
	}
}

// Start 開始比賽
//
// 題目已在鎖外取得（取題絕不在持有房間鎖時進行），這裡只做原子套用：
// 重新驗證階段（併發的 start 只有一個會贏，輸家收到 ErrGameAlreadyStarted）、
// 儲存題目序列、轉換到 in_progress，並按序發出開始訊號與題目內容。
// 玩家絕不會觀察到「已開始」卻收不到題目：兩個事件按此順序傳遞。
func (r *Room) Start(questions []Question) ([]Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.canStartLocked(); err != nil {
		return nil, err
	}

	r.questions = questions
	r.phase = PhaseInProgress
	r.lastActive = time.Now()

	return []Event{
		{Type: EventQuizStarted, Data: map[string]any{
			"room_id": r.ID,
			"phase":   r.phase,
		}},
		{Type: EventQuestionSet, Data: map[string]any{
			"room_id":   r.ID,
			"questions": questions,
		}},
	}, nil
}

// SubmitAnswer 提交答案
//
// 只在 in_progress 合法。記錄答案並向房間廣播「誰答了什麼」，
// 不做正確性判定，計分由顯式的 AddScore 操作處理。
func (r *Room) SubmitAnswer(playerID string, question int, answer string) ([]Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.phase != PhaseInProgress {
		return nil, fmt.Errorf("%w: 房間 %s", ErrGameNotStarted, r.ID)
	}
	if r.findPlayerLocked(playerID) == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPlayer, playerID)
	}

	r.answers = append(r.answers, AnswerRecord{
		PlayerID: playerID,
		Question: question,
		Answer:   answer,
		At:       time.Now(),
	})
	r.lastActive = time.Now()

	return []Event{
		{Type: EventAnswerReceived, Data: map[string]any{
			"room_id":   r.ID,
			"player_id": playerID,
			"question":  question,
			"answer":    answer,
		}},
	}, nil
}

// AddScore 累加得分
//
// 計分策略：只允許非負增量的累加（見 Score 的說明），
// 計數器在比賽期間單調不減。廣播更新後的戰況。
func (r *Room) AddScore(playerID string, runs, wickets int) ([]Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.phase != PhaseInProgress {
		return nil, fmt.Errorf("%w: 房間 %s", ErrGameNotStarted, r.ID)
	}
	if runs < 0 || wickets < 0 {
		return nil, fmt.Errorf("計分增量不可為負: runs=%d, wickets=%d", runs, wickets)
	}

	player := r.findPlayerLocked(playerID)
	if player == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPlayer, playerID)
	}

	player.Score.Runs += runs
	player.Score.Wickets += wickets
	r.lastActive = time.Now()

	return []Event{r.playersUpdatedLocked()}, nil
}

// End 結束比賽
//
// in_progress → finished：計算排行榜、快取、廣播。
// 從 finished 重複調用是冪等的：回傳快取的排行榜，不產生新事件。
//
// 排行榜比較器（已定案並由測試釘死）：
//  1. Runs 多者在前
//  2. 平手 → Wickets 少者在前（失誤少者勝）
//  3. 仍平手 → 加入順序早者在前（穩定排序天然保證）
func (r *Room) End() ([]Event, []LeaderboardEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.phase == PhaseFinished {
		return nil, r.leaderboard, nil
	}
	if r.phase != PhaseInProgress {
		return nil, nil, fmt.Errorf("%w: 房間 %s", ErrGameNotStarted, r.ID)
	}

	ranked := make([]*Player, len(r.players))
	copy(ranked, r.players)
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Score.Runs != ranked[j].Score.Runs {
			return ranked[i].Score.Runs > ranked[j].Score.Runs
		}
		return ranked[i].Score.Wickets < ranked[j].Score.Wickets
	})

	leaderboard := make([]LeaderboardEntry, len(ranked))
	for i, p := range ranked {
		leaderboard[i] = LeaderboardEntry{
			Rank:     i + 1,
			PlayerID: p.ID,
			Name:     p.Name,
			Score:    p.Score,
		}
	}

	r.leaderboard = leaderboard
	r.phase = PhaseFinished
	r.lastActive = time.Now()

	return []Event{
		{Type: EventLeaderboard, Data: map[string]any{
			"room_id":     r.ID,
			"leaderboard": leaderboard,
		}},
	}, leaderboard, nil
}

// Leave 移除玩家
//
// 在任何階段都合法（斷線不可取消，必須執行到底）。
// 回傳值 empty 表示房間已無成員，調用方必須立即銷毀房間，
// 即使比賽正在進行（比賽被遺棄）。
// 非空房間只廣播成員更新，階段不回退。
func (r *Room) Leave(playerID string) (events []Event, empty bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := -1
	for i, p := range r.players {
		if p.ID == playerID {
			idx = i
			break
		}
	}
	if idx == -1 {
		return nil, len(r.players) == 0, fmt.Errorf("%w: %s", ErrUnknownPlayer, playerID)
	}

	r.players = append(r.players[:idx], r.players[idx+1:]...)
	r.lastActive = time.Now()

	if len(r.players) == 0 {
		return nil, true, nil
	}

	return []Event{r.playersUpdatedLocked()}, false, nil
}

// Phase 當前階段
func (r *Room) Phase() RoomPhase {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.phase
}

// PlayerCount 玩家數量
func (r *Room) PlayerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.players)
}

// Players 玩家快照（按加入順序）
func (r *Room) Players() []Player {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.playersSnapshotLocked()
}

// HasPlayer 檢查成員資格
func (r *Room) HasPlayer(playerID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.findPlayerLocked(playerID) != nil
}

// Questions 題目快照
func (r *Room) Questions() []Question {
	r.mu.RLock()
	defer r.mu.RUnlock()
	qs := make([]Question, len(r.questions))
	copy(qs, r.questions)
	return qs
}

// Answers 答題記錄快照
func (r *Room) Answers() []AnswerRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	records := make([]AnswerRecord, len(r.answers))
	copy(records, r.answers)
	return records
}

// GetState 獲取房間狀態（用於序列化）
func (r *Room) GetState() map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return map[string]any{
		"room_id":         r.ID,
		"phase":           r.phase,
		"capacity":        r.Capacity,
		"current_players": len(r.players),
		"players":         r.playersSnapshotLocked(),
		"created_at":      r.CreatedAt,
	}
}

// IsIdle 檢查房間是否閒置超時（被遺棄的房間由清掃迴圈回收）
func (r *Room) IsIdle(timeout time.Duration) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return time.Since(r.lastActive) > timeout
}

// findPlayerLocked 查找成員（需持有鎖）
func (r *Room) findPlayerLocked(playerID string) *Player {
	for _, p := range r.players {
		if p.ID == playerID {
			return p
		}
	}
	return nil
}

// playersSnapshotLocked 成員列表快照（需持有鎖）
func (r *Room) playersSnapshotLocked() []Player {
	players := make([]Player, len(r.players))
	for i, p := range r.players {
		players[i] = *p
	}
	return players
}

// playersUpdatedLocked 構建成員更新事件（需持有鎖）
func (r *Room) playersUpdatedLocked() Event {
	return Event{
		Type: EventPlayersUpdated,
		Data: map[string]any{
			"room_id":         r.ID,
			"phase":           r.phase,
			"current_players": len(r.players),
			"players":         r.playersSnapshotLocked(),
		},
	}
}
