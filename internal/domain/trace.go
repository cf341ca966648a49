package domain

import "time"

// AgentSessionTrace — агрегат одной сессии агента. Изменяется только проектором.
type AgentSessionTrace struct {
	SessionID        string          `json:"sessionId"`
	User             UserInfo        `json:"user"`
	Environment      EnvironmentInfo `json:"environment"`
	StartedAt        time.Time       `json:"startedAt"`
	EndedAt          *time.Time      `json:"endedAt,omitempty"` // nil — сессия активна
	ActiveDurationMs int64           `json:"activeDurationMs"`
	Timeline         []TimelineEvent `json:"timeline"`
	Metrics          SessionMetrics  `json:"metrics"`
	Git              GitActivity     `json:"git"`
}

type UserInfo struct {
	ID string `json:"id"`
}

type EnvironmentInfo struct {
	ProjectPath string `json:"projectPath,omitempty"`
	GitRepo     string `json:"gitRepo,omitempty"`
	GitBranch   string `json:"gitBranch,omitempty"`
}

// SessionMetrics — накопительные счетчики и множества (с сохранением порядка вставки).
type SessionMetrics struct {
	PromptCount       int64    `json:"promptCount"`
	APICallCount      int64    `json:"apiCallCount"`
	ToolCallCount     int64    `json:"toolCallCount"`
	TotalCostUSD      float64  `json:"totalCostUsd"`
	TotalInputTokens  int64    `json:"totalInputTokens"`
	TotalOutputTokens int64    `json:"totalOutputTokens"`
	CacheReadTokens   int64    `json:"cacheReadTokens"`
	CacheWriteTokens  int64    `json:"cacheWriteTokens"`
	LinesAdded        int64    `json:"linesAdded"`
	LinesRemoved      int64    `json:"linesRemoved"`
	FilesTouched      []string `json:"filesTouched"`
	ModelsUsed        []string `json:"modelsUsed"`
	ToolsUsed         []string `json:"toolsUsed"`
}

type TokenUsage struct {
	Input  int64 `json:"input"`
	Output int64 `json:"output"`
}

// TimelineEvent — производный факт; после добавления в ленту не меняется.
type TimelineEvent struct {
	ID        string     `json:"id"` // = EventID исходного конверта
	Type      string     `json:"type"`
	Timestamp time.Time  `json:"timestamp"`
	PromptID  string     `json:"promptId,omitempty"`
	CostUSD   float64    `json:"costUsd"`
	Tokens    TokenUsage `json:"tokens"`
	Details   Fields     `json:"details,omitempty"`
}

type GitActivity struct {
	Commits      []CommitInfo      `json:"commits"`
	PullRequests []PullRequestInfo `json:"pullRequests"`
}

type CommitInfo struct {
	SHA          string    `json:"sha"`
	Message      string    `json:"message,omitempty"`
	Branch       string    `json:"branch,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
	PromptID     string    `json:"promptId,omitempty"`
	LinesAdded   int64     `json:"linesAdded"`
	LinesRemoved int64     `json:"linesRemoved"`
	FilesChanged []string  `json:"filesChanged,omitempty"`
}

type PullRequestInfo struct {
	Repo      string    `json:"repo"`
	PRNumber  int64     `json:"prNumber"`
	URL       string    `json:"url"`
	CreatedAt time.Time `json:"createdAt"`
}

// HasEvent — есть ли событие с таким id в ленте.
func (t *AgentSessionTrace) HasEvent(id string) bool {
	for i := range t.Timeline {
		if t.Timeline[i].ID == id {
			return true
		}
	}
	return false
}

// FindEvent возвращает событие ленты по id.
func (t *AgentSessionTrace) FindEvent(id string) (TimelineEvent, bool) {
	for i := range t.Timeline {
		if t.Timeline[i].ID == id {
			return t.Timeline[i], true
		}
	}
	return TimelineEvent{}, false
}

// Clone — глубокая копия, чтобы проектор оставался чистой функцией.
func (t *AgentSessionTrace) Clone() *AgentSessionTrace {
	if t == nil {
		return nil
	}
	out := *t
	if t.EndedAt != nil {
		ended := *t.EndedAt
		out.EndedAt = &ended
	}
	out.Timeline = make([]TimelineEvent, len(t.Timeline))
	for i, ev := range t.Timeline {
		ev.Details = ev.Details.Clone()
		out.Timeline[i] = ev
	}
	out.Metrics.FilesTouched = append([]string(nil), t.Metrics.FilesTouched...)
	out.Metrics.ModelsUsed = append([]string(nil), t.Metrics.ModelsUsed...)
	out.Metrics.ToolsUsed = append([]string(nil), t.Metrics.ToolsUsed...)
	out.Git.Commits = make([]CommitInfo, len(t.Git.Commits))
	for i, c := range t.Git.Commits {
		c.FilesChanged = append([]string(nil), c.FilesChanged...)
		out.Git.Commits[i] = c
	}
	out.Git.PullRequests = append([]PullRequestInfo(nil), t.Git.PullRequests...)
	return &out
}
