// Package projector сворачивает принятые конверты в агрегат сессии.
// Project — чистая функция: входной трейс не изменяется.
package projector

import (
	"strings"

	"github.com/xela07ax/agenttrace/internal/domain"
)

// UnknownUser — user.id, если payload первого события его не содержит.
const UnknownUser = "unknown_user"

var terminalTypes = map[string]struct{}{
	"session_end":    {},
	"sessionend":     {},
	"stop":           {},
	"task_completed": {},
	"taskcompleted":  {},
}

// IsTerminal — завершает ли событие сессию.
func IsTerminal(eventType string) bool {
	_, ok := terminalTypes[strings.ToLower(strings.TrimSpace(eventType))]
	return ok
}

// Projector хранит прайс; сам по себе состояния не имеет.
type Projector struct {
	prices *PriceTable
}

func New(prices *PriceTable) *Projector {
	if prices == nil {
		prices = DefaultPrices()
	}
	return &Projector{prices: prices}
}

var defaultProjector = New(nil)

// Project сворачивает конверт в трейс с прайсом по умолчанию.
func Project(trace *domain.AgentSessionTrace, env *domain.EventEnvelope) *domain.AgentSessionTrace {
	return defaultProjector.Project(trace, env)
}

// Project возвращает новый трейс. Повтор eventId возвращает трейс без изменений.
func (p *Projector) Project(trace *domain.AgentSessionTrace, env *domain.EventEnvelope) *domain.AgentSessionTrace {
	if env == nil {
		return trace
	}
	if trace != nil && trace.HasEvent(env.EventID) {
		return trace
	}

	fields := env.Fields()
	var next *domain.AgentSessionTrace
	if trace == nil {
		next = baseTrace(env, fields)
	} else {
		next = trace.Clone()
		fillEnvironment(&next.Environment, fields)
	}

	ev := p.timelineEvent(env, fields)
	next.Timeline = append(next.Timeline, ev)

	applyMetrics(&next.Metrics, env.EventType, ev, fields)
	applyTerminal(next, env)
	applyCommit(next, env, fields)
	applyPullRequest(next, env, fields)
	return next
}

func baseTrace(env *domain.EventEnvelope, fields domain.Fields) *domain.AgentSessionTrace {
	userID := fields.String("user_id", "userId")
	if userID == "" {
		userID = UnknownUser
	}
	t := &domain.AgentSessionTrace{
		SessionID: env.SessionID,
		User:      domain.UserInfo{ID: userID},
		StartedAt: env.EventTimestamp.UTC(),
		Timeline:  []domain.TimelineEvent{},
		Metrics: domain.SessionMetrics{
			FilesTouched: []string{},
			ModelsUsed:   []string{},
			ToolsUsed:    []string{},
		},
		Git: domain.GitActivity{
			Commits:      []domain.CommitInfo{},
			PullRequests: []domain.PullRequestInfo{},
		},
	}
	fillEnvironment(&t.Environment, fields)
	return t
}

// fillEnvironment заполняет только пустые поля окружения.
func fillEnvironment(e *domain.EnvironmentInfo, fields domain.Fields) {
	if e.ProjectPath == "" {
		e.ProjectPath = fields.String("project_path", "projectPath", "cwd")
	}
	if e.GitRepo == "" {
		e.GitRepo = fields.String("git_repo", "gitRepo")
	}
	if e.GitBranch == "" {
		e.GitBranch = fields.String("git_branch", "gitBranch")
	}
}

func usageOf(fields domain.Fields) Usage {
	var u Usage
	u.InputTokens, _ = fields.Int("input_tokens", "inputTokens")
	u.OutputTokens, _ = fields.Int("output_tokens", "outputTokens")
	u.CacheReadTokens, _ = fields.Int("cache_read_tokens", "cache_read_input_tokens", "cacheReadTokens")
	u.CacheWriteTokens, _ = fields.Int("cache_creation_tokens", "cache_write_tokens", "cache_creation_input_tokens", "cacheCreationTokens", "cacheWriteTokens")
	return u
}

// EventCost — явный cost_usd, если он положителен, иначе расчет по прайсу.
func (p *Projector) EventCost(fields domain.Fields) float64 {
	if explicit, ok := fields.Float("cost_usd", "costUsd"); ok && explicit > 0 {
		return RoundUSD(explicit)
	}
	return p.prices.Cost(fields.String("model"), usageOf(fields))
}

func (p *Projector) timelineEvent(env *domain.EventEnvelope, fields domain.Fields) domain.TimelineEvent {
	u := usageOf(fields)
	return domain.TimelineEvent{
		ID:        env.EventID,
		Type:      env.EventType,
		Timestamp: env.EventTimestamp.UTC(),
		PromptID:  env.PromptID,
		CostUSD:   p.EventCost(fields),
		Tokens:    domain.TokenUsage{Input: u.InputTokens, Output: u.OutputTokens},
		Details:   fields.Redacted(env.PrivacyTier),
	}
}

func applyMetrics(m *domain.SessionMetrics, eventType string, ev domain.TimelineEvent, fields domain.Fields) {
	t := strings.ToLower(eventType)
	if strings.Contains(t, "prompt") {
		m.PromptCount++
	}
	if strings.Contains(t, "api") {
		m.APICallCount++
	}
	if strings.Contains(t, "tool") {
		m.ToolCallCount++
	}

	u := usageOf(fields)
	m.TotalInputTokens += u.InputTokens
	m.TotalOutputTokens += u.OutputTokens
	m.CacheReadTokens += u.CacheReadTokens
	m.CacheWriteTokens += u.CacheWriteTokens
	m.TotalCostUSD = RoundUSD(m.TotalCostUSD + ev.CostUSD)

	if n, ok := fields.Int("lines_added", "linesAdded"); ok {
		m.LinesAdded += n
	}
	if n, ok := fields.Int("lines_removed", "linesRemoved"); ok {
		m.LinesRemoved += n
	}

	for _, f := range filesOf(fields) {
		m.FilesTouched = union(m.FilesTouched, f)
	}
	if model := fields.String("model"); model != "" {
		m.ModelsUsed = union(m.ModelsUsed, model)
	}
	if tool := fields.String("tool_name", "toolName"); tool != "" {
		m.ToolsUsed = union(m.ToolsUsed, tool)
	}
}

func filesOf(fields domain.Fields) []string {
	files := fields.StringSlice("files_changed", "filesChanged")
	if p := fields.String("file_path", "filePath"); p != "" {
		files = append(files, p)
	}
	if p := fields.Map("tool_input", "toolInput").String("file_path", "filePath"); p != "" {
		files = append(files, p)
	}
	return files
}

func union(set []string, v string) []string {
	for _, existing := range set {
		if existing == v {
			return set
		}
	}
	return append(set, v)
}

// applyTerminal фиксирует endedAt только первым терминальным событием.
func applyTerminal(t *domain.AgentSessionTrace, env *domain.EventEnvelope) {
	if t.EndedAt != nil || !IsTerminal(env.EventType) {
		return
	}
	ended := env.EventTimestamp.UTC()
	t.EndedAt = &ended
	t.ActiveDurationMs = max(0, ended.Sub(t.StartedAt).Milliseconds())
}

// applyCommit: нужен commit_sha и явный признак коммита (is_commit или commit_message).
// sha на событиях конца сессии без этих признаков — это статистика диффа, а не коммит.
func applyCommit(t *domain.AgentSessionTrace, env *domain.EventEnvelope, fields domain.Fields) {
	sha := fields.String("commit_sha", "commitSha")
	if sha == "" {
		return
	}
	isCommit, _ := fields.Bool("is_commit", "isCommit")
	message := fields.String("commit_message", "commitMessage")
	if !isCommit && message == "" {
		return
	}
	for _, c := range t.Git.Commits {
		if c.SHA == sha {
			return
		}
	}

	c := domain.CommitInfo{
		SHA:          sha,
		Message:      message,
		Branch:       fields.String("git_branch", "gitBranch"),
		Timestamp:    env.EventTimestamp.UTC(),
		PromptID:     env.PromptID,
		FilesChanged: fields.StringSlice("files_changed", "filesChanged"),
	}
	c.LinesAdded, _ = fields.Int("lines_added", "linesAdded")
	c.LinesRemoved, _ = fields.Int("lines_removed", "linesRemoved")
	t.Git.Commits = append(t.Git.Commits, c)
}

func applyPullRequest(t *domain.AgentSessionTrace, env *domain.EventEnvelope, fields domain.Fields) {
	url := fields.String("pr_url", "prUrl")
	repo := fields.String("pr_repo", "prRepo")
	number, ok := fields.Int("pr_number", "prNumber")
	if url == "" || repo == "" || !ok {
		return
	}
	for _, pr := range t.Git.PullRequests {
		if pr.Repo == repo && pr.PRNumber == number {
			return
		}
	}
	t.Git.PullRequests = append(t.Git.PullRequests, domain.PullRequestInfo{
		Repo:      repo,
		PRNumber:  number,
		URL:       url,
		CreatedAt: env.EventTimestamp.UTC(),
	})
}

// Replay сворачивает последовательность конвертов с нуля.
func (p *Projector) Replay(envs []*domain.EventEnvelope) *domain.AgentSessionTrace {
	var t *domain.AgentSessionTrace
	for _, env := range envs {
		t = p.Project(t, env)
	}
	return t
}
