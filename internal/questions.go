package internal

import (
	"context"
	"fmt"
	"math/rand"
)

// 題目來源設計：
//   核心只儲存與轉發題目，從不解讀其內容。
//   題目可以來自遠端生成服務（見 genai.go），也可以來自內建靜態題庫。
//   遠端服務可能很慢或失敗，所以 start 流程必須帶超時，
//   並在失敗時以靜態題庫回退：題目來源故障永遠不會讓比賽無法開始。

// 難度級別
const (
	DifficultyEasy   = "easy"
	DifficultyMedium = "medium"
	DifficultyHard   = "hard"
)

// Question 單一題目
//
// Answer 是 Options 中正確選項的索引。
// 核心只負責轉發，正確性判定由客戶端或顯式的計分事件處理。
type Question struct {
	Prompt     string   `json:"question"`
	Options    []string `json:"options"`
	Answer     int      `json:"answer"`
	Difficulty string   `json:"difficulty"`
}

// QuestionSource 題目來源介面
//
// FetchQuestions 是一次請求／回應調用，可能失敗或超出延遲預算。
// 調用方必須以 context 設置超時，並將失敗視為「改用靜態題庫」。
type QuestionSource interface {
	FetchQuestions(ctx context.Context, difficulty string, count int) ([]Question, error)
}

// StaticSource 靜態題庫（備用題目來源）
//
// 內建板球問答題組，按難度分級。永遠成功、零延遲，
// 作為遠端生成服務的回退方案。
type StaticSource struct {
	banks map[string][]Question
}

// NewStaticSource 創建靜態題庫
func NewStaticSource() *StaticSource {
	return &StaticSource{banks: defaultQuestionBanks()}
}

// FetchQuestions 從靜態題庫取題
//
// 洗牌後取前 count 題；count 超過題庫大小時循環補足。
func (s *StaticSource) FetchQuestions(_ context.Context, difficulty string, count int) ([]Question, error) {
	bank, ok := s.banks[difficulty]
	if !ok {
		return nil, fmt.Errorf("%w: 未知難度 %q", ErrContentUnavailable, difficulty)
	}
	if count <= 0 {
		count = len(bank)
	}

	shuffled := make([]Question, len(bank))
	copy(shuffled, bank)
	rand.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	result := make([]Question, 0, count)
	for i := 0; i < count; i++ {
		result = append(result, shuffled[i%len(shuffled)])
	}
	return result, nil
}

// defaultQuestionBanks 內建板球題庫
func defaultQuestionBanks() map[string][]Question {
	return map[string][]Question{
		DifficultyEasy: {
			{
				Prompt:     "Who won the 2011 Cricket World Cup?",
				Options:    []string{"India", "Australia", "England", "Pakistan"},
				Answer:     0,
				Difficulty: DifficultyEasy,
			},
			{
				Prompt:     "How many players are on a cricket team?",
				Options:    []string{"9", "10", "11", "12"},
				Answer:     2,
				Difficulty: DifficultyEasy,
			},
			{
				Prompt:     "How many stumps make up a wicket?",
				Options:    []string{"2", "3", "4", "5"},
				Answer:     1,
				Difficulty: DifficultyEasy,
			},
			{
				Prompt:     "How many balls are bowled in one over?",
				Options:    []string{"4", "5", "6", "8"},
				Answer:     2,
				Difficulty: DifficultyEasy,
			},
		},
		DifficultyMedium: {
			{
				Prompt:     "Who has the highest individual score in a Test match?",
				Options:    []string{"Sachin Tendulkar", "Brian Lara", "Virat Kohli", "Steve Smith"},
				Answer:     1,
				Difficulty: DifficultyMedium,
			},
			{
				Prompt:     "Which country won the first-ever Cricket World Cup in 1975?",
				Options:    []string{"India", "West Indies", "England", "Australia"},
				Answer:     1,
				Difficulty: DifficultyMedium,
			},
			{
				Prompt:     "Which bowler has taken the most Test wickets?",
				Options:    []string{"Shane Warne", "Anil Kumble", "Muttiah Muralitharan", "James Anderson"},
				Answer:     2,
				Difficulty: DifficultyMedium,
			},
			{
				Prompt:     "Who scored the first double century in ODI cricket?",
				Options:    []string{"Rohit Sharma", "Sachin Tendulkar", "Chris Gayle", "Martin Guptill"},
				Answer:     1,
				Difficulty: DifficultyMedium,
			},
		},
		DifficultyHard: {
			{
				Prompt:     "Who bowled the fastest recorded delivery in cricket?",
				Options:    []string{"Brett Lee", "Shoaib Akhtar", "Mitchell Starc", "Dale Steyn"},
				Answer:     1,
				Difficulty: DifficultyHard,
			},
			{
				Prompt:     "Which batsman has the most double centuries in Test cricket?",
				Options:    []string{"Sachin Tendulkar", "Don Bradman", "Kumar Sangakkara", "Virender Sehwag"},
				Answer:     1,
				Difficulty: DifficultyHard,
			},
			{
				Prompt:     "In which year was the first Test match played?",
				Options:    []string{"1844", "1864", "1877", "1890"},
				Answer:     2,
				Difficulty: DifficultyHard,
			},
			{
				Prompt:     "Who captained Australia during the 'Invincibles' tour of 1948?",
				Options:    []string{"Richie Benaud", "Don Bradman", "Lindsay Hassett", "Keith Miller"},
				Answer:     1,
				Difficulty: DifficultyHard,
			},
		},
	}
}

// ValidDifficulty 檢查難度是否有效
func ValidDifficulty(difficulty string) bool {
	switch difficulty {
	case DifficultyEasy, DifficultyMedium, DifficultyHard:
		return true
	}
	return false
}
