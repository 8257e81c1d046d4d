package internal

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"
)

// Handler HTTP 請求處理器
//
// HTTP 面只承擔房間創建與診斷查詢；比賽過程全部走 WebSocket。
type Handler struct {
	manager *Manager
	logger  *slog.Logger
}

// NewHandler 創建 HTTP 處理器
func NewHandler(manager *Manager, logger *slog.Logger) *Handler {
	return &Handler{
		manager: manager,
		logger:  logger,
	}
}

// Routes 設定路由
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	// 中間件鏈
	wrap := func(handler http.HandlerFunc) http.HandlerFunc {
		return h.recoverer(h.loggerMiddleware(handler))
	}

	mux.HandleFunc("POST /api/v1/rooms/create", wrap(h.createRoom))
	mux.HandleFunc("GET /api/v1/rooms/{room_id}", wrap(h.getRoomDetail))

	// 健康檢查
	mux.HandleFunc("GET /health", wrap(h.health))
	mux.HandleFunc("GET /stats", wrap(h.stats))

	return mux
}

// 請求結構
type createRoomRequest struct {
	// Capacity 座位數，0 表示使用預設（雙人）
	Capacity int `json:"capacity,omitempty"`

	// PlayerName 保留欄位：顯示名稱在 join-room 事件時才生效
	PlayerName string `json:"player_name,omitempty"`
}

// createRoom 創建房間
//
// 回應只承諾識別碼唯一，不承諾格式。創建不自動加入任何玩家，
// 加入透過實時通道的 join-room 事件進行。
func (h *Handler) createRoom(w http.ResponseWriter, r *http.Request) {
	var req createRoomRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.errorResponse(w, "無效的請求格式", http.StatusBadRequest)
			return
		}
	}

	room, err := h.manager.CreateRoom(req.Capacity)
	if err != nil {
		h.errorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	h.jsonResponse(w, map[string]any{
		"room_id":  room.ID,
		"capacity": room.Capacity,
		"phase":    room.Phase(),
	}, http.StatusCreated)
}

// getRoomDetail 房間診斷查詢：成員列表與人數，或明確的 404
func (h *Handler) getRoomDetail(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("room_id")

	room, err := h.manager.GetRoom(roomID)
	if err != nil {
		h.errorResponse(w, err.Error(), httpStatus(err))
		return
	}

	h.jsonResponse(w, room.GetState(), http.StatusOK)
}

// health 健康檢查
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	h.jsonResponse(w, map[string]any{
		"status": "healthy",
		"time":   time.Now().Unix(),
	}, http.StatusOK)
}

// stats 統計資訊
func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	h.jsonResponse(w, h.manager.Stats(), http.StatusOK)
}

// httpStatus 業務錯誤到 HTTP 狀態碼的映射
func httpStatus(err error) int {
	switch {
	case errors.Is(err, ErrRoomNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrRoomFull),
		errors.Is(err, ErrGameAlreadyStarted),
		errors.Is(err, ErrAlreadyInRoom):
		return http.StatusConflict
	case errors.Is(err, ErrInsufficientPlayers),
		errors.Is(err, ErrGameNotStarted),
		errors.Is(err, ErrUnknownPlayer):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// jsonResponse 返回 JSON 響應
func (h *Handler) jsonResponse(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("編碼 JSON 失敗", "error", err)
	}
}

// errorResponse 返回錯誤響應
func (h *Handler) errorResponse(w http.ResponseWriter, message string, status int) {
	h.jsonResponse(w, map[string]any{
		"error": message,
	}, status)
}

// loggerMiddleware 日誌中間件
func (h *Handler) loggerMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// 包裝 ResponseWriter 以獲取狀態碼
		ww := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next(ww, r)

		h.logger.Info("HTTP 請求",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.statusCode,
			"duration", time.Since(start))
	}
}

// recoverer panic 恢復中間件
func (h *Handler) recoverer(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				h.logger.Error("處理請求時發生 panic",
					"error", err,
					"method", r.Method,
					"path", r.URL.Path)

				h.errorResponse(w, "內部伺服器錯誤", http.StatusInternalServerError)
			}
		}()

		next(w, r)
	}
}

// responseWriter 包裝 ResponseWriter 以獲取狀態碼
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}
