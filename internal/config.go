package internal

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration 可從 yaml 字串解析的時間長度（如 "5s"、"2m"）
type Duration time.Duration

// UnmarshalYAML 實現 yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("無效的時間長度 %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Config 服務配置
type Config struct {
	Server    ServerConfig   `yaml:"server"`
	Room      RoomConfig     `yaml:"room"`
	Questions QuestionConfig `yaml:"questions"`
	Log       LogConfig      `yaml:"log"`
}

// ServerConfig HTTP 服務配置
type ServerConfig struct {
	Port         int      `yaml:"port"`
	ReadTimeout  Duration `yaml:"read_timeout"`
	WriteTimeout Duration `yaml:"write_timeout"`
	IdleTimeout  Duration `yaml:"idle_timeout"`
}

// RoomConfig 房間配置
type RoomConfig struct {
	// DefaultCapacity 預設座位數（參考行為為雙人對戰）
	DefaultCapacity int `yaml:"default_capacity"`

	// MaxCapacity 創建請求允許的容量上限（設計上泛化到 N 人）
	MaxCapacity int `yaml:"max_capacity"`

	// IdleTimeout 被遺棄房間的閒置回收閾值
	IdleTimeout Duration `yaml:"idle_timeout"`

	// SweepInterval 清掃迴圈間隔
	SweepInterval Duration `yaml:"sweep_interval"`
}

// QuestionConfig 題目來源配置
type QuestionConfig struct {
	// Count 每場比賽的題目數量
	Count int `yaml:"count"`

	// FetchTimeout 外部取題的有界超時（超時即回退靜態題庫）
	FetchTimeout Duration `yaml:"fetch_timeout"`

	// DefaultDifficulty 未指定或無效難度時的預設值
	DefaultDifficulty string `yaml:"default_difficulty"`

	// GenAI 遠端生成服務；BaseURL 為空時只用靜態題庫
	GenAI GenAIConfig `yaml:"genai"`

	// APIKeyEnv 存放金鑰的環境變數名稱（金鑰本身不進配置檔）
	APIKeyEnv string `yaml:"api_key_env"`
}

// LogConfig 日誌配置
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// DefaultConfig 返回預設配置
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  Duration(15 * time.Second),
			WriteTimeout: Duration(15 * time.Second),
			IdleTimeout:  Duration(60 * time.Second),
		},
		Room: RoomConfig{
			DefaultCapacity: 2,                          // 雙人對戰
			MaxCapacity:     8,                          // 泛化上限
			IdleTimeout:     Duration(30 * time.Minute), // 被遺棄房間回收閾值
			SweepInterval:   Duration(1 * time.Minute),
		},
		Questions: QuestionConfig{
			Count:             5,
			FetchTimeout:      Duration(5 * time.Second), // 外部取題預算
			DefaultDifficulty: DifficultyEasy,
			GenAI: GenAIConfig{
				BaseURL: "https://api.mistral.ai/v1",
				Model:   "mistral-tiny",
			},
			APIKeyEnv: "QUIZ_API_KEY",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadConfig 從 yaml 檔案載入配置，檔案中未出現的欄位保留預設值
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("讀取配置檔失敗: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("解析配置檔失敗: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 檢查配置合法性
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("無效的端口: %d", c.Server.Port)
	}
	if c.Room.DefaultCapacity < 2 {
		return fmt.Errorf("預設容量至少為 2")
	}
	if c.Room.MaxCapacity < c.Room.DefaultCapacity {
		return fmt.Errorf("容量上限 %d 小於預設容量 %d", c.Room.MaxCapacity, c.Room.DefaultCapacity)
	}
	if c.Questions.Count <= 0 {
		return fmt.Errorf("題目數量必須為正")
	}
	if !ValidDifficulty(c.Questions.DefaultDifficulty) {
		return fmt.Errorf("無效的預設難度: %s", c.Questions.DefaultDifficulty)
	}
	return nil
}
