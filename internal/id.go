package internal

import (
	"crypto/rand"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// 識別碼生成設計：
//   - 房間 ID：6 位大寫字母數字碼，方便玩家口頭分享（如 "X7K2PQ"）
//     碰撞機率低但非零，由 Manager 在註冊時檢查並重新生成
//   - 玩家／連接 ID：UUID v4，碰撞機率可忽略，無需協調
//
// 兩者都可以在多個併發變更路徑上無鎖調用（crypto/rand 與 uuid 內部已同步）。

const roomIDLength = 6

// NewRoomID 生成房間識別碼
func NewRoomID() string {
	const chars = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	b := make([]byte, roomIDLength)
	if _, err := rand.Read(b); err != nil {
		// 隨機讀取失敗時退回時間戳（極端情況）
		return fmt.Sprintf("T%05d", time.Now().UnixNano()%100000)
	}
	for i := range b {
		b[i] = chars[int(b[i])%len(chars)]
	}
	return string(b)
}

// NewPlayerID 生成玩家（連接）識別碼
func NewPlayerID() string {
	return uuid.NewString()
}
