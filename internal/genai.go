package internal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// 遠端題目生成設計：
//   透過聊天補全（chat completions）風格的 API 請求生成服務產題。
//
// 系統設計考量：
//   1. 外部調用不可信任：可能超時、限流、回傳格式錯誤
//   2. 超時控制：http.Client 設置上限，單次請求再由 context 收緊
//   3. 回應清洗：模型輸出可能帶 markdown 圍欄，解析前先剝除
//   4. 失敗處理：任何錯誤都包裝為 ErrContentUnavailable，
//      由調用方（start 流程）以靜態題庫回退，從不向玩家暴露失敗

// GenAIConfig 生成服務配置
type GenAIConfig struct {
	BaseURL string        `yaml:"base_url"`
	Model   string        `yaml:"model"`
	APIKey  string        `yaml:"-"` // 從環境變數載入，不序列化
	Timeout time.Duration `yaml:"-"`
}

// GenAIClient 遠端題目生成客戶端
type GenAIClient struct {
	baseURL    string
	model      string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewGenAIClient 創建題目生成客戶端
func NewGenAIClient(cfg GenAIConfig, logger *slog.Logger) *GenAIClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &GenAIClient{
		baseURL: cfg.BaseURL,
		model:   cfg.Model,
		apiKey:  cfg.APIKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger,
	}
}

// 聊天補全請求／回應結構
type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// FetchQuestions 請求生成服務產出題目
//
// 實現 QuestionSource 介面。調用方應以 context 設置有界超時。
func (c *GenAIClient) FetchQuestions(ctx context.Context, difficulty string, count int) ([]Question, error) {
	if c.apiKey == "" {
		return nil, fmt.Errorf("%w: 未設置 API 金鑰", ErrContentUnavailable)
	}

	prompt := fmt.Sprintf(
		"Generate %d %s level cricket quiz questions with 4 options each. "+
			"Respond with only a JSON array, each element of the form "+
			`{"question": "...", "options": ["...", "...", "...", "..."], "answer": 0} `+
			"where answer is the index of the correct option.",
		count, difficulty,
	)

	body, err := json.Marshal(chatRequest{
		Model:    c.model,
		Messages: []chatMessage{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: 序列化請求失敗: %v", ErrContentUnavailable, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: 建立請求失敗: %v", ErrContentUnavailable, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: 請求失敗: %v", ErrContentUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: 讀取回應失敗: %v", ErrContentUnavailable, err)
	}

	if resp.StatusCode != http.StatusOK {
		c.logger.Warn("題目生成服務回傳非預期狀態",
			"status", resp.StatusCode,
			"body_length", len(respBody))
		return nil, fmt.Errorf("%w: 狀態碼 %d", ErrContentUnavailable, resp.StatusCode)
	}

	var chat chatResponse
	if err := json.Unmarshal(respBody, &chat); err != nil {
		return nil, fmt.Errorf("%w: 解析回應失敗: %v", ErrContentUnavailable, err)
	}
	if len(chat.Choices) == 0 {
		return nil, fmt.Errorf("%w: 回應中沒有內容", ErrContentUnavailable)
	}

	questions, err := parseGeneratedQuestions(chat.Choices[0].Message.Content, difficulty)
	if err != nil {
		return nil, err
	}
	if len(questions) == 0 {
		return nil, fmt.Errorf("%w: 生成結果為空", ErrContentUnavailable)
	}
	if len(questions) > count {
		questions = questions[:count]
	}

	c.logger.Debug("題目生成成功",
		"difficulty", difficulty,
		"requested", count,
		"received", len(questions))

	return questions, nil
}

// parseGeneratedQuestions 解析模型輸出的題目陣列
//
// 模型輸出常見兩種污染：markdown 代碼圍欄、前後綴說明文字。
// 先剝圍欄，再定位第一個 '[' 到最後一個 ']' 之間的 JSON。
func parseGeneratedQuestions(content, difficulty string) ([]Question, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")

	start := strings.Index(content, "[")
	end := strings.LastIndex(content, "]")
	if start == -1 || end == -1 || end < start {
		return nil, fmt.Errorf("%w: 回應中找不到 JSON 陣列", ErrContentUnavailable)
	}

	var questions []Question
	if err := json.Unmarshal([]byte(content[start:end+1]), &questions); err != nil {
		return nil, fmt.Errorf("%w: 解析題目失敗: %v", ErrContentUnavailable, err)
	}

	// 過濾格式不完整的題目（選項缺失或答案越界）
	valid := questions[:0]
	for _, q := range questions {
		if q.Prompt == "" || len(q.Options) < 2 || q.Answer < 0 || q.Answer >= len(q.Options) {
			continue
		}
		q.Difficulty = difficulty
		valid = append(valid, q)
	}
	return valid, nil
}
