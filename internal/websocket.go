package internal

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// 系統設計問題：
//   如何讓比賽的每一次狀態變更即時、保序地推送給房間內所有玩家？
//
// 核心挑戰：
//   1. 實時通信：加入、開始、答題、計分、排行榜都要立即推送
//   2. 連接管理：斷線必須解析為受影響房間的 leave（且不可取消）
//   3. 心跳機制：檢測死連接（網絡異常、客戶端崩潰）
//   4. 順序保證：單一房間的事件按變更順序送達每個接收者
//
// 設計方案：
//   ✅ WebSocket - 全雙工通信（低延遲、服務器推送）
//   ✅ Hub 模式 - 集中管理所有連接，實現 Broadcaster 介面
//   ✅ Ping/Pong 心跳 - 檢測死連接（54s/60s）
//   ✅ 每連接緩衝 channel - 先進先出，天然保序

// Hub WebSocket 連接中心
//
// 連接以服務器分配的識別碼（uuid）註冊；連接屬於哪些房間
// 由 Tracker 維護，Hub 的 Publish 據此定位接收者：
// 已解綁的連接自然不在接收者集合中，送達斷線者是靜默無操作。
type Hub struct {
	manager  *Manager
	logger   *slog.Logger
	upgrader websocket.Upgrader
	conns    map[string]*Connection // playerID -> Connection
	mu       sync.RWMutex
}

// Connection WebSocket 連接
type Connection struct {
	ID       string
	Conn     *websocket.Conn
	Send     chan []byte
	Hub      *Hub
	LastPing time.Time

	mu        sync.Mutex
	closed    bool      // Send 已關閉，sendEvent 不得再寫入
	closeOnce sync.Once // 確保 channel 只關閉一次
}

// closeSend 關閉發送通道
//
// closed 旗標與 close 在同一把鎖下更新：sendEvent 在鎖內檢查旗標後寫入，
// 不可能寫到已關閉的通道（寫關閉通道會 panic）。
func (c *Connection) closeSend() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.closed = true
		close(c.Send)
	})
}

// NewHub 創建 WebSocket Hub 並安裝為 Manager 的廣播器
func NewHub(manager *Manager, logger *slog.Logger) *Hub {
	hub := &Hub{
		manager: manager,
		logger:  logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// 在生產環境應該檢查來源
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		conns: make(map[string]*Connection),
	}

	manager.SetBroadcaster(hub)

	return hub
}

// Publish 向房間廣播事件（實現 Broadcaster）
//
// 順序保證：調用方（Manager）持有房間操作鎖時按序調用 Publish，
// 每個連接的 Send channel 先進先出，接收者看到的順序即變更順序。
func (hub *Hub) Publish(roomID string, event Event) {
	message, err := json.Marshal(event)
	if err != nil {
		hub.logger.Error("序列化事件失敗", "error", err, "event", event.Type)
		return
	}

	hub.mu.RLock()
	defer hub.mu.RUnlock()

	for _, playerID := range hub.manager.Tracker().ConnsIn(roomID) {
		conn, exists := hub.conns[playerID]
		if !exists {
			continue
		}
		select {
		case conn.Send <- message:
		default:
			// 慢客戶端緩衝區滿：丟棄事件，不拖累整個房間
			hub.logger.Warn("連接緩衝區滿，事件丟棄",
				"room_id", roomID,
				"player_id", playerID,
				"event", event.Type)
		}
	}
}

// ServeWS 處理 WebSocket 連接
//
// 連接識別碼由服務器分配並立即告知客戶端（connected 事件），
// 之後的 create-room / join-room 等事件都以這個身份執行。
func (hub *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := hub.upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.logger.Error("升級 WebSocket 失敗", "error", err)
		return
	}

	connection := &Connection{
		ID:       NewPlayerID(),
		Conn:     conn,
		Send:     make(chan []byte, 256),
		Hub:      hub,
		LastPing: time.Now(),
	}

	hub.register(connection)

	// 告知客戶端自己的身份
	connection.sendEvent(Event{
		Type: "connected",
		Data: map[string]any{"player_id": connection.ID},
	})

	go connection.writePump()
	go connection.readPump()

	hub.logger.Info("WebSocket 連接建立", "player_id", connection.ID)
}

// register 註冊連接
func (hub *Hub) register(conn *Connection) {
	hub.mu.Lock()
	defer hub.mu.Unlock()
	hub.conns[conn.ID] = conn
}

// unregister 取消註冊連接並觸發斷線清理
func (hub *Hub) unregister(conn *Connection) {
	hub.mu.Lock()
	if actual, exists := hub.conns[conn.ID]; exists && actual == conn {
		delete(hub.conns, conn.ID)
		conn.closeSend()
	}
	hub.mu.Unlock()

	// 斷線清理在鎖外進行：註冊表會回頭調用 Publish（需要讀鎖）
	hub.manager.Disconnect(conn.ID)

	hub.logger.Info("WebSocket 連接關閉", "player_id", conn.ID)
}

// ConnectionCount 當前連接數
func (hub *Hub) ConnectionCount() int {
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	return len(hub.conns)
}

// Stop 停止 Hub，關閉所有連接
func (hub *Hub) Stop() {
	hub.mu.Lock()
	for _, conn := range hub.conns {
		conn.closeSend()
		conn.Conn.Close()
	}
	hub.conns = make(map[string]*Connection)
	hub.mu.Unlock()

	hub.logger.Info("WebSocket Hub 已停止")
}

// clientMessage 客戶端事件格式
type clientMessage struct {
	Type       string `json:"type"`
	RoomID     string `json:"room_id,omitempty"`
	Name       string `json:"name,omitempty"`
	Capacity   int    `json:"capacity,omitempty"`
	Difficulty string `json:"difficulty,omitempty"`
	PlayerID   string `json:"player_id,omitempty"`
	Question   int    `json:"question,omitempty"`
	Answer     string `json:"answer,omitempty"`
	Runs       int    `json:"runs,omitempty"`
	Wickets    int    `json:"wickets,omitempty"`
}

// handleMessage 處理客戶端事件
//
// 錯誤只回傳給發起請求的連接（error 事件），
// 不影響其他玩家或其他房間；成功的變更由 Manager 廣播。
func (c *Connection) handleMessage(message []byte) {
	var msg clientMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		c.Hub.logger.Error("解析客戶端消息失敗",
			"error", err,
			"player_id", c.ID)
		c.sendError("無效的消息格式")
		return
	}

	manager := c.Hub.manager

	switch msg.Type {
	case "create-room":
		room, err := manager.CreateRoom(msg.Capacity)
		if err != nil {
			c.sendError(err.Error())
			return
		}
		c.sendEvent(Event{
			Type: EventRoomCreated,
			Data: map[string]any{"room_id": room.ID},
		})

	case "join-room":
		name := msg.Name
		if name == "" {
			name = "Player-" + c.ID[:8]
		}
		if err := manager.JoinRoom(msg.RoomID, c.ID, name); err != nil {
			c.sendError(err.Error())
		}

	case "start-game":
		if err := manager.StartGame(context.Background(), msg.RoomID, msg.Difficulty); err != nil {
			c.sendError(err.Error())
		}

	case "submit-answer":
		if err := manager.SubmitAnswer(msg.RoomID, c.ID, msg.Question, msg.Answer); err != nil {
			c.sendError(err.Error())
		}

	case "update-score":
		// 計分目標預設為自己，也允許回報對手得分
		playerID := msg.PlayerID
		if playerID == "" {
			playerID = c.ID
		}
		if err := manager.UpdateScore(msg.RoomID, playerID, msg.Runs, msg.Wickets); err != nil {
			c.sendError(err.Error())
		}

	case "end-game":
		if _, err := manager.EndGame(msg.RoomID); err != nil {
			c.sendError(err.Error())
		}

	case "leave-room":
		if err := manager.LeaveRoom(msg.RoomID, c.ID); err != nil {
			c.sendError(err.Error())
		}

	case "ping":
		c.sendEvent(Event{Type: "pong", Data: map[string]any{}})

	default:
		c.Hub.logger.Debug("收到未知消息類型",
			"type", msg.Type,
			"player_id", c.ID)
	}
}

// sendEvent 只發給本連接
//
// readPump 在 Hub 鎖之外調用，可能與關閉流程競爭，
// 寫入前在連接鎖內檢查 closed（見 closeSend）。
func (c *Connection) sendEvent(event Event) {
	message, err := json.Marshal(event)
	if err != nil {
		c.Hub.logger.Error("序列化事件失敗", "error", err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.Send <- message:
	default:
	}
}

// sendError 向本連接回傳錯誤事件
func (c *Connection) sendError(reason string) {
	c.sendEvent(Event{
		Type: EventError,
		Data: map[string]any{"reason": reason},
	})
}

// readPump 讀取客戶端消息
//
// 心跳機制（讀取端）：60 秒內未收到任何消息（包括 Pong）即關閉連接，
// 配合 writePump 的 54 秒 Ping（留 6 秒余量）。
// 連接結束時觸發 unregister → 註冊表的斷線清理。
func (c *Connection) readPump() {
	defer func() {
		c.Hub.unregister(c)
		c.Conn.Close()
	}()

	if err := c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second)); err != nil {
		c.Hub.logger.Error("設置讀取期限失敗", "error", err)
	}

	// Pong 處理器（收到 Pong 重置超時）
	c.Conn.SetPongHandler(func(string) error {
		if err := c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second)); err != nil {
			c.Hub.logger.Error("設置讀取期限失敗", "error", err)
		}
		c.mu.Lock()
		c.LastPing = time.Now()
		c.mu.Unlock()
		return nil
	})

	for {
		messageType, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.Hub.logger.Error("WebSocket 讀取錯誤",
					"error", err,
					"player_id", c.ID)
			}
			break
		}

		if messageType == websocket.TextMessage {
			c.handleMessage(message)
		}
	}
}

// writePump 寫入消息到客戶端
//
// 心跳機制（發送端）：54 秒 Ping 間隔避開常見的 60 秒代理超時。
// Send channel 緩衝發送，不阻塞業務邏輯；批量沖刷隊列中的積壓消息。
func (c *Connection) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			if err := c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
				c.Hub.logger.Error("設置寫入期限失敗", "error", err)
			}
			if !ok {
				// Hub 關閉了通道，優雅關閉連接
				deadline := time.Now().Add(time.Second)
				if err := c.Conn.SetWriteDeadline(deadline); err == nil {
					_ = c.Conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				}
				return
			}

			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

			// 批量發送隊列中的消息
			n := len(c.Send)
			for i := 0; i < n; i++ {
				if err := c.Conn.WriteMessage(websocket.TextMessage, <-c.Send); err != nil {
					c.Hub.logger.Error("發送消息失敗", "error", err)
					return
				}
			}

		case <-ticker.C:
			if err := c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
				c.Hub.logger.Error("設置寫入期限失敗", "error", err)
			}
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
