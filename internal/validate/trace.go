package validate

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/xela07ax/agenttrace/internal/domain"
)

//go:embed trace.schema.json
var traceSchemaJSON string

const traceSchemaURL = "https://agenttrace.local/schemas/agent-session-trace.schema.json"

var (
	traceSchemaOnce sync.Once
	traceSchema     *jsonschema.Schema
	traceSchemaErr  error
)

func compiledTraceSchema() (*jsonschema.Schema, error) {
	traceSchemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(traceSchemaURL, strings.NewReader(traceSchemaJSON)); err != nil {
			traceSchemaErr = fmt.Errorf("trace schema load failed: %w", err)
			return
		}
		traceSchema, traceSchemaErr = c.Compile(traceSchemaURL)
	})
	return traceSchema, traceSchemaErr
}

// DecodeTrace разбирает и валидирует готовую трассу сессии.
func DecodeTrace(data []byte) Result[domain.AgentSessionTrace] {
	var input any
	if err := json.Unmarshal(data, &input); err != nil {
		return failed[domain.AgentSessionTrace]([]string{"body: invalid JSON: " + err.Error()})
	}
	return Trace(input)
}

// Trace валидирует структуру трассы (JSON Schema) и ее семантику:
// временные метки со смещением, уникальность id в ленте, sha коммитов и пар (repo, prNumber).
func Trace(input any) Result[domain.AgentSessionTrace] {
	if _, ok := input.(map[string]any); !ok {
		return failed[domain.AgentSessionTrace]([]string{"trace: must be an object"})
	}

	schema, err := compiledTraceSchema()
	if err != nil {
		return failed[domain.AgentSessionTrace]([]string{"trace: " + err.Error()})
	}

	var errs []string
	if err := schema.Validate(input); err != nil {
		if ve, ok := err.(*jsonschema.ValidationError); ok {
			errs = append(errs, flattenSchemaErrors(ve)...)
		} else {
			errs = append(errs, "trace: "+err.Error())
		}
	}

	obj := input.(map[string]any)
	errs = append(errs, traceSemantics(obj)...)
	if len(errs) > 0 {
		return failed[domain.AgentSessionTrace](errs)
	}

	raw, err := json.Marshal(obj)
	if err != nil {
		return failed[domain.AgentSessionTrace]([]string{"trace: " + err.Error()})
	}
	var trace domain.AgentSessionTrace
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&trace); err != nil {
		return failed[domain.AgentSessionTrace]([]string{"trace: " + err.Error()})
	}
	return Result[domain.AgentSessionTrace]{OK: true, Value: trace}
}

func traceSemantics(obj map[string]any) []string {
	var errs []string
	add := func(path, msg string) { errs = append(errs, path+": "+msg) }

	checkTime := func(path string, v any) {
		s, ok := v.(string)
		if !ok {
			return // тип уже проверен схемой
		}
		if _, err := ParseTimestamp(s); err != nil {
			add(path, "must be a valid ISO-8601 timestamp with Z or a numeric UTC offset")
		}
	}

	checkTime("startedAt", obj["startedAt"])
	if ended, ok := obj["endedAt"].(string); ok {
		checkTime("endedAt", ended)
		start, errStart := ParseTimestamp(fmt.Sprint(obj["startedAt"]))
		end, errEnd := ParseTimestamp(ended)
		if errStart == nil && errEnd == nil && end.Before(start) {
			add("endedAt", "must not precede startedAt")
		}
	}

	if timeline, ok := obj["timeline"].([]any); ok {
		seen := make(map[string]bool, len(timeline))
		for i, item := range timeline {
			ev, ok := item.(map[string]any)
			if !ok {
				continue
			}
			path := "timeline[" + strconv.Itoa(i) + "]"
			checkTime(path+".timestamp", ev["timestamp"])
			if id, ok := ev["id"].(string); ok && id != "" {
				if seen[id] {
					add(path+".id", "duplicate timeline event id "+strconv.Quote(id))
				}
				seen[id] = true
			}
		}
	}

	git, _ := obj["git"].(map[string]any)
	if commits, ok := git["commits"].([]any); ok {
		seen := make(map[string]bool, len(commits))
		for i, item := range commits {
			c, _ := item.(map[string]any)
			sha, _ := c["sha"].(string)
			if sha == "" {
				continue
			}
			if seen[sha] {
				add("git.commits["+strconv.Itoa(i)+"].sha", "duplicate commit sha "+strconv.Quote(sha))
			}
			seen[sha] = true
		}
	}
	if prs, ok := git["pullRequests"].([]any); ok {
		seen := make(map[string]bool, len(prs))
		for i, item := range prs {
			pr, _ := item.(map[string]any)
			key := fmt.Sprintf("%v#%v", pr["repo"], pr["prNumber"])
			if seen[key] {
				add("git.pullRequests["+strconv.Itoa(i)+"]", "duplicate pull request "+key)
			}
			seen[key] = true
		}
	}
	return errs
}

// flattenSchemaErrors раскладывает дерево ошибок jsonschema в плоский список "path: message".
func flattenSchemaErrors(ve *jsonschema.ValidationError) []string {
	if len(ve.Causes) == 0 {
		return []string{pointerToPath(ve.InstanceLocation) + ": " + ve.Message}
	}
	var out []string
	for _, cause := range ve.Causes {
		out = append(out, flattenSchemaErrors(cause)...)
	}
	return out
}

// pointerToPath: "/timeline/0/id" -> "timeline[0].id", "" -> "trace".
func pointerToPath(ptr string) string {
	ptr = strings.TrimPrefix(ptr, "/")
	if ptr == "" {
		return "trace"
	}
	var b strings.Builder
	for i, part := range strings.Split(ptr, "/") {
		part = strings.ReplaceAll(strings.ReplaceAll(part, "~1", "/"), "~0", "~")
		if _, err := strconv.Atoi(part); err == nil {
			b.WriteString("[" + part + "]")
			continue
		}
		if i > 0 {
			b.WriteByte('.')
		}
		b.WriteString(part)
	}
	return b.String()
}
