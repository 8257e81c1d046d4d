package internal_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/koopa0/system-design/14-realtime-quiz/internal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// published 一次廣播調用的記錄
type published struct {
	RoomID string
	Event  internal.Event
}

// recordingBroadcaster 記錄型廣播器
//
// 測試純轉換與傳遞分離的另一半：按調用順序記錄所有事件，
// 讓測試能斷言「廣播順序 = 變更順序」而不需要活的 WebSocket。
type recordingBroadcaster struct {
	mu     sync.Mutex
	events []published
}

func (b *recordingBroadcaster) Publish(roomID string, event internal.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, published{RoomID: roomID, Event: event})
}

// All 全部記錄的快照
func (b *recordingBroadcaster) All() []published {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]published, len(b.events))
	copy(out, b.events)
	return out
}

// ForRoom 單一房間的事件類型序列
func (b *recordingBroadcaster) ForRoom(roomID string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var types []string
	for _, p := range b.events {
		if p.RoomID == roomID {
			types = append(types, p.Event.Type)
		}
	}
	return types
}

// Reset 清空記錄
func (b *recordingBroadcaster) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = nil
}

// testLogger 靜默日誌器
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestManager 構建測試用註冊表與記錄型廣播器
func newTestManager(t *testing.T, source internal.QuestionSource) (*internal.Manager, *recordingBroadcaster) {
	t.Helper()

	cfg := internal.DefaultConfig()
	cfg.Questions.FetchTimeout = internal.Duration(200 * time.Millisecond)

	m := internal.NewManager(cfg, source, testLogger())
	t.Cleanup(m.Stop)

	b := &recordingBroadcaster{}
	m.SetBroadcaster(b)
	return m, b
}

// failingSource 總是失敗的題目來源
type failingSource struct{}

func (failingSource) FetchQuestions(ctx context.Context, difficulty string, count int) ([]internal.Question, error) {
	return nil, errors.New("上游服務不可用")
}

// blockingSource 阻塞到 context 取消的題目來源（模擬慢速外部服務）
type blockingSource struct{}

func (blockingSource) FetchQuestions(ctx context.Context, difficulty string, count int) ([]internal.Question, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

// TestManager_CreateRoom 測試創建房間
func TestManager_CreateRoom(t *testing.T) {
	tests := []struct {
		name     string
		capacity int
		wantErr  bool
		validate func(t *testing.T, room *internal.Room)
	}{
		{
			name:     "zero capacity uses default",
			capacity: 0,
			validate: func(t *testing.T, room *internal.Room) {
				assert.Equal(t, 2, room.Capacity)
			},
		},
		{
			name:     "explicit capacity honored",
			capacity: 4,
			validate: func(t *testing.T, room *internal.Room) {
				assert.Equal(t, 4, room.Capacity)
			},
		},
		{
			name:     "capacity of one rejected",
			capacity: 1,
			wantErr:  true,
		},
		{
			name:     "capacity above max rejected",
			capacity: 99,
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _ := newTestManager(t, nil)

			room, err := m.CreateRoom(tt.capacity)
			if tt.wantErr {
				require.Error(t, err)
				return
			}

			require.NoError(t, err)
			require.NotNil(t, room)
			assert.Len(t, room.ID, 6)
			assert.Equal(t, internal.PhaseOpen, room.Phase())

			// 註冊表可按識別碼取回
			got, err := m.GetRoom(room.ID)
			require.NoError(t, err)
			assert.Same(t, room, got)

			if tt.validate != nil {
				tt.validate(t, room)
			}
		})
	}
}

// TestManager_CreateRoom_UniqueIDs 批量創建的識別碼全部唯一
func TestManager_CreateRoom_UniqueIDs(t *testing.T) {
	m, _ := newTestManager(t, nil)

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		room, err := m.CreateRoom(2)
		require.NoError(t, err)
		assert.False(t, seen[room.ID], "識別碼重複: %s", room.ID)
		seen[room.ID] = true
	}
}

// TestManager_GetRoom_NotFound 未知識別碼回傳顯式錯誤
func TestManager_GetRoom_NotFound(t *testing.T) {
	m, _ := newTestManager(t, nil)

	_, err := m.GetRoom("NOSUCH")
	require.ErrorIs(t, err, internal.ErrRoomNotFound)
}

// TestManager_JoinRoom 測試加入房間
func TestManager_JoinRoom(t *testing.T) {
	t.Run("join binds connection and broadcasts", func(t *testing.T) {
		m, b := newTestManager(t, nil)
		room, _ := m.CreateRoom(2)

		require.NoError(t, m.JoinRoom(room.ID, "conn_a", "Alice"))

		assert.Equal(t, []string{room.ID}, m.Tracker().RoomsOf("conn_a"))
		assert.Equal(t, []string{internal.EventPlayersUpdated}, b.ForRoom(room.ID))
	})

	t.Run("join unknown room fails", func(t *testing.T) {
		m, _ := newTestManager(t, nil)
		err := m.JoinRoom("NOSUCH", "conn_a", "Alice")
		require.ErrorIs(t, err, internal.ErrRoomNotFound)
	})

	t.Run("one connection one match", func(t *testing.T) {
		m, _ := newTestManager(t, nil)
		room1, _ := m.CreateRoom(2)
		room2, _ := m.CreateRoom(2)

		require.NoError(t, m.JoinRoom(room1.ID, "conn_a", "Alice"))

		err := m.JoinRoom(room2.ID, "conn_a", "Alice")
		require.ErrorIs(t, err, internal.ErrAlreadyInRoom)
		assert.Equal(t, 0, room2.PlayerCount())
	})

	t.Run("failed join leaves no binding behind", func(t *testing.T) {
		m, _ := newTestManager(t, nil)
		room, _ := m.CreateRoom(2)
		require.NoError(t, m.JoinRoom(room.ID, "conn_a", "Alice"))
		require.NoError(t, m.JoinRoom(room.ID, "conn_b", "Bob"))

		err := m.JoinRoom(room.ID, "conn_c", "Carol")
		require.ErrorIs(t, err, internal.ErrRoomFull)

		// 被拒絕的連接不殘留綁定，之後可以加入別的房間
		assert.Empty(t, m.Tracker().RoomsOf("conn_c"))

		other, _ := m.CreateRoom(2)
		require.NoError(t, m.JoinRoom(other.ID, "conn_c", "Carol"))
	})

	t.Run("duplicate join same room is silent", func(t *testing.T) {
		m, b := newTestManager(t, nil)
		room, _ := m.CreateRoom(2)

		require.NoError(t, m.JoinRoom(room.ID, "conn_a", "Alice"))
		b.Reset()

		// 冪等：不報錯、不廣播
		require.NoError(t, m.JoinRoom(room.ID, "conn_a", "Alice"))
		assert.Empty(t, b.All())
		assert.Equal(t, 1, room.PlayerCount())
	})
}

// TestManager_StartGame 測試開始比賽
func TestManager_StartGame(t *testing.T) {
	t.Run("start before full fails fast", func(t *testing.T) {
		m, _ := newTestManager(t, nil)
		room, _ := m.CreateRoom(2)
		m.JoinRoom(room.ID, "conn_a", "Alice")

		err := m.StartGame(context.Background(), room.ID, internal.DifficultyEasy)
		require.ErrorIs(t, err, internal.ErrInsufficientPlayers)
	})

	t.Run("start with static source", func(t *testing.T) {
		m, b := newTestManager(t, nil)
		room, _ := m.CreateRoom(2)
		m.JoinRoom(room.ID, "conn_a", "Alice")
		m.JoinRoom(room.ID, "conn_b", "Bob")
		b.Reset()

		require.NoError(t, m.StartGame(context.Background(), room.ID, internal.DifficultyEasy))

		assert.Equal(t, internal.PhaseInProgress, room.Phase())
		assert.Len(t, room.Questions(), 5)

		// 開始訊號先於題目內容
		assert.Equal(t, []string{internal.EventQuizStarted, internal.EventQuestionSet}, b.ForRoom(room.ID))
	})

	t.Run("failing source falls back to static bank", func(t *testing.T) {
		m, _ := newTestManager(t, failingSource{})
		room, _ := m.CreateRoom(2)
		m.JoinRoom(room.ID, "conn_a", "Alice")
		m.JoinRoom(room.ID, "conn_b", "Bob")

		require.NoError(t, m.StartGame(context.Background(), room.ID, internal.DifficultyEasy))
		assert.Equal(t, internal.PhaseInProgress, room.Phase())
		assert.NotEmpty(t, room.Questions())
	})

	t.Run("slow source bounded by fetch timeout", func(t *testing.T) {
		m, _ := newTestManager(t, blockingSource{})
		room, _ := m.CreateRoom(2)
		m.JoinRoom(room.ID, "conn_a", "Alice")
		m.JoinRoom(room.ID, "conn_b", "Bob")

		started := time.Now()
		require.NoError(t, m.StartGame(context.Background(), room.ID, internal.DifficultyEasy))

		// 超時後回退靜態題庫，比賽照常開始
		assert.Less(t, time.Since(started), 2*time.Second)
		assert.Equal(t, internal.PhaseInProgress, room.Phase())
	})

	t.Run("invalid difficulty normalized to default", func(t *testing.T) {
		m, _ := newTestManager(t, nil)
		room, _ := m.CreateRoom(2)
		m.JoinRoom(room.ID, "conn_a", "Alice")
		m.JoinRoom(room.ID, "conn_b", "Bob")

		require.NoError(t, m.StartGame(context.Background(), room.ID, "nightmare"))
		assert.NotEmpty(t, room.Questions())
	})

	t.Run("second start rejected", func(t *testing.T) {
		m, _ := newTestManager(t, nil)
		room, _ := m.CreateRoom(2)
		m.JoinRoom(room.ID, "conn_a", "Alice")
		m.JoinRoom(room.ID, "conn_b", "Bob")

		require.NoError(t, m.StartGame(context.Background(), room.ID, internal.DifficultyEasy))
		err := m.StartGame(context.Background(), room.ID, internal.DifficultyEasy)
		require.ErrorIs(t, err, internal.ErrGameAlreadyStarted)
	})
}

// TestManager_FullMatch 端到端比賽流程
//
// 創建 → 兩人加入 → 開始 → 答題與計分 → 結束 → 排行榜 → 房間拆除。
func TestManager_FullMatch(t *testing.T) {
	m, b := newTestManager(t, nil)

	room, err := m.CreateRoom(2)
	require.NoError(t, err)
	roomID := room.ID

	// 兩位玩家加入，第二人使房間進入 ready
	require.NoError(t, m.JoinRoom(roomID, "conn_alice", "Alice"))
	require.NoError(t, m.JoinRoom(roomID, "conn_bob", "Bob"))
	assert.Equal(t, internal.PhaseReady, room.Phase())

	// 開始比賽
	require.NoError(t, m.StartGame(context.Background(), roomID, internal.DifficultyMedium))
	assert.Equal(t, internal.PhaseInProgress, room.Phase())

	// 答題與計分
	require.NoError(t, m.SubmitAnswer(roomID, "conn_alice", 0, "India"))
	require.NoError(t, m.UpdateScore(roomID, "conn_alice", 10, 0))
	require.NoError(t, m.SubmitAnswer(roomID, "conn_bob", 0, "Australia"))
	require.NoError(t, m.UpdateScore(roomID, "conn_bob", 15, 0))

	// 結束比賽：Bob 15 分勝出
	leaderboard, err := m.EndGame(roomID)
	require.NoError(t, err)
	require.Len(t, leaderboard, 2)
	assert.Equal(t, "Bob", leaderboard[0].Name)
	assert.Equal(t, 15, leaderboard[0].Score.Runs)
	assert.Equal(t, "Alice", leaderboard[1].Name)

	// 排行榜送達後房間立即拆除
	_, err = m.GetRoom(roomID)
	require.ErrorIs(t, err, internal.ErrRoomNotFound)
	assert.Empty(t, m.Tracker().ConnsIn(roomID))

	// 廣播順序 = 變更順序
	assert.Equal(t, []string{
		internal.EventPlayersUpdated, // Alice 加入
		internal.EventPlayersUpdated, // Bob 加入（ready）
		internal.EventQuizStarted,
		internal.EventQuestionSet,
		internal.EventAnswerReceived, // Alice 答題
		internal.EventPlayersUpdated, // Alice 計分
		internal.EventAnswerReceived, // Bob 答題
		internal.EventPlayersUpdated, // Bob 計分
		internal.EventLeaderboard,
	}, b.ForRoom(roomID))
}

// TestManager_EndGame_Idempotent 結束後的房間已拆除，重複結束回傳未找到
func TestManager_EndGame_Idempotent(t *testing.T) {
	m, _ := newTestManager(t, nil)
	room, _ := m.CreateRoom(2)
	m.JoinRoom(room.ID, "conn_a", "Alice")
	m.JoinRoom(room.ID, "conn_b", "Bob")
	m.StartGame(context.Background(), room.ID, internal.DifficultyEasy)

	_, err := m.EndGame(room.ID)
	require.NoError(t, err)

	_, err = m.EndGame(room.ID)
	require.ErrorIs(t, err, internal.ErrRoomNotFound)
}

// TestManager_LeaveRoom 測試離開房間
func TestManager_LeaveRoom(t *testing.T) {
	t.Run("leave broadcasts to remaining", func(t *testing.T) {
		m, b := newTestManager(t, nil)
		room, _ := m.CreateRoom(2)
		m.JoinRoom(room.ID, "conn_a", "Alice")
		m.JoinRoom(room.ID, "conn_b", "Bob")
		b.Reset()

		require.NoError(t, m.LeaveRoom(room.ID, "conn_a"))

		assert.Equal(t, []string{internal.EventPlayersUpdated}, b.ForRoom(room.ID))
		assert.Empty(t, m.Tracker().RoomsOf("conn_a"))
		assert.Equal(t, 1, room.PlayerCount())
	})

	t.Run("last leave destroys room", func(t *testing.T) {
		m, _ := newTestManager(t, nil)
		room, _ := m.CreateRoom(2)
		m.JoinRoom(room.ID, "conn_a", "Alice")

		require.NoError(t, m.LeaveRoom(room.ID, "conn_a"))

		_, err := m.GetRoom(room.ID)
		require.ErrorIs(t, err, internal.ErrRoomNotFound)
	})
}

// TestManager_Disconnect 斷線場景
//
// 斷線等同離開：第一人斷線後剩餘成員收到更新，
// 最後一人斷線使房間即刻銷毀，即使比賽正在進行。
func TestManager_Disconnect(t *testing.T) {
	m, b := newTestManager(t, nil)
	room, _ := m.CreateRoom(2)
	m.JoinRoom(room.ID, "conn_a", "Alice")
	m.JoinRoom(room.ID, "conn_b", "Bob")
	m.StartGame(context.Background(), room.ID, internal.DifficultyEasy)
	b.Reset()

	// Alice 斷線：Bob 收到成員更新，房間續存
	m.Disconnect("conn_a")
	assert.Equal(t, []string{internal.EventPlayersUpdated}, b.ForRoom(room.ID))
	assert.Equal(t, 1, room.PlayerCount())
	assert.Equal(t, internal.PhaseInProgress, room.Phase())

	// Bob 也斷線：房間清空，立即銷毀
	m.Disconnect("conn_b")
	_, err := m.GetRoom(room.ID)
	require.ErrorIs(t, err, internal.ErrRoomNotFound)
	assert.Empty(t, m.Tracker().ConnsIn(room.ID))
}

// TestManager_Disconnect_Unbound 未綁定連接的斷線是無操作
func TestManager_Disconnect_Unbound(t *testing.T) {
	m, b := newTestManager(t, nil)
	m.Disconnect("conn_ghost")
	assert.Empty(t, b.All())
}

// TestManager_Sweep 清掃回收被遺棄的閒置房間
func TestManager_Sweep(t *testing.T) {
	cfg := internal.DefaultConfig()
	cfg.Room.IdleTimeout = internal.Duration(20 * time.Millisecond)
	cfg.Room.SweepInterval = internal.Duration(time.Hour) // 只手動觸發

	m := internal.NewManager(cfg, nil, testLogger())
	t.Cleanup(m.Stop)

	abandoned, _ := m.CreateRoom(2)
	m.JoinRoom(abandoned.ID, "conn_a", "Alice")

	time.Sleep(40 * time.Millisecond)

	active, _ := m.CreateRoom(2)
	m.JoinRoom(active.ID, "conn_b", "Bob")

	m.Sweep()

	// 被遺棄者回收，活躍者保留
	_, err := m.GetRoom(abandoned.ID)
	require.ErrorIs(t, err, internal.ErrRoomNotFound)
	assert.Empty(t, m.Tracker().RoomsOf("conn_a"))

	_, err = m.GetRoom(active.ID)
	require.NoError(t, err)
}

// TestManager_Stats 統計資訊
func TestManager_Stats(t *testing.T) {
	m, _ := newTestManager(t, nil)

	r1, _ := m.CreateRoom(2)
	m.JoinRoom(r1.ID, "conn_a", "Alice")

	r2, _ := m.CreateRoom(2)
	m.JoinRoom(r2.ID, "conn_b", "Bob")
	m.JoinRoom(r2.ID, "conn_c", "Carol")

	stats := m.Stats()
	assert.Equal(t, 2, stats["total_rooms"])
	assert.Equal(t, 3, stats["total_players"])

	byPhase := stats["by_phase"].(map[internal.RoomPhase]int)
	assert.Equal(t, 1, byPhase[internal.PhaseOpen])
	assert.Equal(t, 1, byPhase[internal.PhaseReady])
}

// TestManager_BroadcastOrder_NoGaps 每個成員觀察到相同的事件序列
//
// 對併發計分斷言：總事件數正確，且每個 players_updated 的累計分數
// 相對前一個單調不減（沒有亂序也沒有遺漏）。
func TestManager_BroadcastOrder_NoGaps(t *testing.T) {
	m, b := newTestManager(t, nil)
	room, _ := m.CreateRoom(2)
	m.JoinRoom(room.ID, "conn_a", "Alice")
	m.JoinRoom(room.ID, "conn_b", "Bob")
	require.NoError(t, m.StartGame(context.Background(), room.ID, internal.DifficultyEasy))
	b.Reset()

	const updates = 20
	var wg sync.WaitGroup
	for i := 0; i < updates; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, m.UpdateScore(room.ID, "conn_a", 1, 0))
		}()
	}
	wg.Wait()

	events := b.ForRoom(room.ID)
	require.Len(t, events, updates)

	lastRuns := -1
	for _, p := range b.All() {
		if p.Event.Type != internal.EventPlayersUpdated {
			continue
		}
		players := p.Event.Data["players"].([]internal.Player)
		runs := players[0].Score.Runs
		require.Greater(t, runs, lastRuns, "廣播順序與變更順序不一致")
		lastRuns = runs
	}
	assert.Equal(t, updates, lastRuns)
}

// TestManager_ConcurrentJoinTwoRooms 同一連接併發加入兩個房間
//
// 「一個連接同時只參加一場比賽」必須在競爭下成立：
// 兩個加入同時出發，恰好一個成功，連接最終只綁定一個房間。
func TestManager_ConcurrentJoinTwoRooms(t *testing.T) {
	m, _ := newTestManager(t, nil)

	for i := 0; i < 200; i++ {
		r1, err := m.CreateRoom(2)
		require.NoError(t, err)
		r2, err := m.CreateRoom(2)
		require.NoError(t, err)

		start := make(chan struct{})
		results := make(chan error, 2)

		var wg sync.WaitGroup
		for _, roomID := range []string{r1.ID, r2.ID} {
			wg.Add(1)
			go func(roomID string) {
				defer wg.Done()
				<-start
				results <- m.JoinRoom(roomID, "conn_x", "Alice")
			}(roomID)
		}
		close(start)
		wg.Wait()
		close(results)

		var accepted, rejected int
		for err := range results {
			switch {
			case err == nil:
				accepted++
			case errors.Is(err, internal.ErrAlreadyInRoom):
				rejected++
			default:
				t.Fatalf("非預期的錯誤: %v", err)
			}
		}

		require.Equal(t, 1, accepted, "第 %d 輪：恰好一個加入成功", i)
		require.Equal(t, 1, rejected, "第 %d 輪：另一個被拒絕", i)
		require.Len(t, m.Tracker().RoomsOf("conn_x"), 1,
			"第 %d 輪：連接綁定到多個房間", i)

		// 清理本輪：斷線移除已加入的房間
		m.Disconnect("conn_x")
		require.Empty(t, m.Tracker().RoomsOf("conn_x"))
	}
}

// TestManager_ConcurrentJoin 併發加入：容量 2 恰好接受 2 個連接
func TestManager_ConcurrentJoin(t *testing.T) {
	const attempts = 40
	m, _ := newTestManager(t, nil)
	room, _ := m.CreateRoom(2)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if err := m.JoinRoom(room.ID, fmt.Sprintf("conn_%d", n), fmt.Sprintf("玩家%d", n)); err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 2, accepted)
	assert.Equal(t, 2, room.PlayerCount())
	assert.Len(t, m.Tracker().ConnsIn(room.ID), 2)
}

// TestManager_Stop 停止後註冊表清空
func TestManager_Stop(t *testing.T) {
	cfg := internal.DefaultConfig()
	m := internal.NewManager(cfg, nil, testLogger())

	room, _ := m.CreateRoom(2)
	m.Stop()

	_, err := m.GetRoom(room.ID)
	require.ErrorIs(t, err, internal.ErrRoomNotFound)
}
