// Package realtimequiz 提供了一個雙人即時問答比賽的協調服務。
//
// 實現了短生命週期的多人比賽房間，包含以下核心功能：
//
// 房間生命週期
//
// 每個房間沿嚴格的狀態機前進：
//   - open：創建完成，接受加入
//   - ready：座位滿員，等待開始
//   - in_progress：題目已下發，接受答題與計分
//   - finished：排行榜已廣播，房間拆除
//
// 狀態只會單調前進，成員清空的房間在任何階段都立即銷毀。
//
// # 即時同步
//
// 所有狀態變更透過 WebSocket 推送給房間內全部成員：
//   - 單一房間的事件嚴格按變更順序送達（每房間操作鎖 + 每連接 FIFO 緩衝）
//   - 心跳檢測（Ping/Pong，54s/60s）
//   - 斷線自動解析為受影響房間的離開事件
//
// 併發安全設計
//
// 採用了多層次的併發控制策略：
//   - 每房間獨立鎖，不相關的房間完全並行
//   - 連接追蹤器維護雙向索引，斷線清理 O(連接所屬房間數)
//   - 外部取題在房間守衛之外進行，帶有界超時與靜態題庫回退
//
// 題目來源
//
// 題目可來自遠端生成服務（聊天補全風格 API）或內建靜態板球題庫。
// 遠端失敗或超時一律回退靜態題庫，從不向玩家暴露失敗。
//
// 使用範例
//
// 啟動服務器：
//
//	cfg := internal.DefaultConfig()
//	manager := internal.NewManager(cfg, nil, logger)
//	hub := internal.NewHub(manager, logger)
//	handler := internal.NewHandler(manager, logger)
//
//	mux := http.NewServeMux()
//	mux.Handle("/", handler.Routes())
//	mux.HandleFunc("/ws", hub.ServeWS)
//	log.Fatal(http.ListenAndServe(":8080", mux))
//
// 客戶端流程（WebSocket 事件）：
//
//	→ {"type": "create-room"}              ← {"event": "room_created", ...}
//	→ {"type": "join-room", "room_id": ..} ← {"event": "players_updated", ...}
//	→ {"type": "start-game", ...}          ← {"event": "quiz_started"} + {"event": "question_set"}
//	→ {"type": "update-score", ...}        ← {"event": "players_updated", ...}
//	→ {"type": "end-game", ...}            ← {"event": "leaderboard", ...}
//
// 架構設計
//
// 系統採用分層架構設計：
//   - Handler 層：房間創建與診斷查詢（HTTP）
//   - Manager 層：房間註冊表，存在性與成員關係的唯一權威
//   - Room 層：狀態機與計分不變量，純轉換回傳事件列表
//   - Hub 層：WebSocket 連接管理與保序廣播
//
// 每層都有明確的職責邊界，透過介面進行交互，便於測試與擴展。
//
// 配置選項
//
// 支援多種運行時配置：
//   - -config：yaml 配置檔路徑
//   - -port：服務監聽端口（預設 8080）
//   - -log-level：日誌級別（debug/info/warn/error）
//   - -log-format：日誌格式（text/json）
package realtimequiz
