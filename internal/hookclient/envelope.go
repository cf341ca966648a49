// Package hookclient превращает JSON хука агента в конверт и отправляет его коллектору.
package hookclient

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/xela07ax/agenttrace/internal/domain"
	"github.com/xela07ax/agenttrace/internal/normalize"
)

// Имена хуков агента → типы событий. PreToolUse намеренно не содержит "tool":
// вызов инструмента учитывается один раз, по PostToolUse.
var hookEventTypes = map[string]string{
	"SessionStart":     "session_start",
	"UserPromptSubmit": "user_prompt",
	"PreToolUse":       "action_requested",
	"PostToolUse":      "tool_result",
	"Notification":     "notification",
	"Stop":             "stop",
	"SubagentStop":     "subagent_stop",
	"PreCompact":       "pre_compact",
	"SessionEnd":       "session_end",
}

// EventType возвращает тип события для имени хука. Неизвестные имена
// переводятся в snake_case.
func EventType(hookName string) string {
	if t, ok := hookEventTypes[hookName]; ok {
		return t
	}
	return snakeCase(hookName)
}

func snakeCase(s string) string {
	var b strings.Builder
	prevLower := false
	for _, r := range strings.TrimSpace(s) {
		switch {
		case unicode.IsUpper(r):
			if prevLower {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			prevLower = false
		case r == '-' || r == ' ' || r == '.':
			b.WriteByte('_')
			prevLower = false
		default:
			b.WriteRune(r)
			prevLower = unicode.IsLower(r) || unicode.IsDigit(r)
		}
	}
	return b.String()
}

// Options — параметры сборки конверта.
type Options struct {
	PrivacyTier   domain.PrivacyTier
	SourceVersion string
	Now           func() time.Time
	NewID         func() string
}

// HookInput — разобранный stdin хука.
type HookInput struct {
	Fields domain.Fields
}

func (h HookInput) HookName() string {
	return h.Fields.String("hook_event_name", "hookEventName")
}

func (h HookInput) SessionID() string {
	return h.Fields.String("session_id", "sessionId")
}

// Cwd — рабочий каталог агента; в нем снимается git-состояние.
func (h HookInput) Cwd() string {
	return h.Fields.String("cwd", "project_path", "projectPath")
}

// ReadInput читает один JSON-объект хука.
func ReadInput(r io.Reader) (HookInput, error) {
	var obj map[string]any
	dec := json.NewDecoder(r)
	dec.UseNumber()
	if err := dec.Decode(&obj); err != nil {
		return HookInput{}, fmt.Errorf("hookclient: decode hook input: %w", err)
	}
	if obj == nil {
		return HookInput{}, fmt.Errorf("hookclient: hook input must be a JSON object")
	}
	return HookInput{Fields: domain.Fields(obj)}, nil
}

// BuildEnvelope собирает конверт из входа хука. Payload — сам вход хука.
func BuildEnvelope(in HookInput, opts Options) (domain.EventEnvelope, error) {
	name := in.HookName()
	if name == "" {
		return domain.EventEnvelope{}, fmt.Errorf("hookclient: hook_event_name is required")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if !opts.PrivacyTier.Valid() {
		opts.PrivacyTier = domain.TierMetadata
	}

	sessionID := in.SessionID()
	if sessionID == "" {
		sessionID = normalize.UnknownSession
	}
	now := opts.Now().UTC()

	payload := in.Fields.Clone()
	if _, ok := payload["timestamp"]; !ok {
		payload["timestamp"] = domain.FormatTimestamp(now)
	}

	return domain.EventEnvelope{
		SchemaVersion:  domain.SchemaVersion,
		Source:         domain.SourceHook,
		SourceVersion:  opts.SourceVersion,
		EventID:        opts.NewID(),
		SessionID:      sessionID,
		PromptID:       in.Fields.String("prompt_id", "promptId"),
		EventType:      EventType(name),
		EventTimestamp: now,
		IngestedAt:     now,
		PrivacyTier:    opts.PrivacyTier,
		Payload:        payload,
		Attributes:     map[string]string{"hook_event_name": name},
	}, nil
}
