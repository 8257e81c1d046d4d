package internal

import "errors"

// 錯誤分類設計：
//   所有業務錯誤都定義為哨兵錯誤（sentinel error），
//   調用方使用 errors.Is 判斷類型，傳輸層據此決定 HTTP 狀態碼或 WebSocket 錯誤事件。
//
// 錯誤影響範圍原則：
//   - 業務錯誤只回傳給發起請求的連接，不影響其他玩家或房間
//   - 題目來源失敗（ErrContentUnavailable）在內部以備用題庫恢復，不會暴露給玩家
//   - 任何錯誤都不會導致進程崩潰
var (
	// ErrRoomNotFound 房間不存在
	ErrRoomNotFound = errors.New("房間不存在")

	// ErrRoomFull 房間已滿（容量已達上限）
	ErrRoomFull = errors.New("房間已滿")

	// ErrInsufficientPlayers 人數不足，無法開始比賽
	ErrInsufficientPlayers = errors.New("玩家人數不足")

	// ErrGameAlreadyStarted 比賽已開始（保證 start 恰好執行一次）
	ErrGameAlreadyStarted = errors.New("比賽已開始")

	// ErrGameNotStarted 比賽尚未開始（答題、計分只在進行中合法）
	ErrGameNotStarted = errors.New("比賽尚未開始")

	// ErrUnknownPlayer 玩家不是房間成員
	ErrUnknownPlayer = errors.New("玩家不在房間內")

	// ErrAlreadyInRoom 連接已綁定到其他房間（一個連接同時只能參加一場比賽）
	ErrAlreadyInRoom = errors.New("玩家已在其他房間中")

	// ErrContentUnavailable 題目來源不可用（內部錯誤，以靜態題庫回退）
	ErrContentUnavailable = errors.New("題目來源不可用")
)
