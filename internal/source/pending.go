package source

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"time"

	"github.com/imkarma/autofix/internal/store"
)

// pendingDoc is the dashboard document other tools write tasks into.
type pendingDoc struct {
	TasksDetails []json.RawMessage `json:"tasksDetails"`
}

type pendingEntry struct {
	ID                 string          `json:"id"`
	Status             string          `json:"status"`
	Assignee           string          `json:"assignee"`
	Title              string          `json:"title"`
	Priority           string          `json:"priority"`
	FilesToModify      []string        `json:"files_to_modify"`
	AcceptanceCriteria json.RawMessage `json:"acceptance_criteria"`
	CreatedAt          string          `json:"created_at"`
}

// LoadPending returns entries with status "pending" assigned to this role.
// The document is never written. A missing or malformed document yields no
// tasks; a malformed entry is skipped.
func (s *Source) LoadPending(ctx context.Context) ([]store.TaskRequest, error) {
	if s.opts.PendingPath == "" {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path := s.resolve(s.opts.PendingPath)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		s.logger.Warn("pending store unreadable", "path", path, "error", err)
		return nil, nil
	}

	var doc pendingDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		s.logger.Warn("pending store malformed", "path", path, "error", err)
		return nil, nil
	}

	now := time.Now().UTC()
	var tasks []store.TaskRequest
	for i, raw := range doc.TasksDetails {
		var e pendingEntry
		if err := json.Unmarshal(raw, &e); err != nil {
			s.logger.Warn("pending entry malformed, skipped", "path", path, "index", i, "error", err)
			continue
		}
		if e.Status != string(store.StatusPending) || !s.roleMatches(e.Assignee) {
			continue
		}
		if strings.TrimSpace(e.ID) == "" {
			s.logger.Warn("pending entry without id skipped", "title", e.Title)
			continue
		}

		prio, ok := store.ParsePriority(strings.ToLower(strings.TrimSpace(e.Priority)))
		if !ok {
			prio = store.PriorityMedium
		}

		target := store.NoTarget
		if len(e.FilesToModify) > 0 && strings.TrimSpace(e.FilesToModify[0]) != "" {
			target = strings.TrimSpace(e.FilesToModify[0])
		}

		created := now
		if t, err := time.Parse(time.RFC3339, e.CreatedAt); err == nil {
			created = t.UTC()
		}

		meta := map[string]string{store.MetaSource: "pending"}
		if ac := flattenCriteria(e.AcceptanceCriteria); ac != "" {
			meta[store.MetaAcceptance] = ac
		}
		if len(e.FilesToModify) > 0 {
			meta[store.MetaFilesToModify] = strings.Join(e.FilesToModify, ",")
		}
		if h := s.hashTarget(target); h != "" {
			meta[store.MetaHash] = h
		}

		tasks = append(tasks, store.TaskRequest{
			ID:          strings.TrimSpace(e.ID),
			Kind:        store.KindFix,
			Priority:    prio,
			Target:      target,
			Description: e.Title,
			Status:      store.StatusPending,
			CreatedAt:   created,
			UpdatedAt:   now,
			Metadata:    meta,
		})
	}
	return tasks, nil
}

// flattenCriteria accepts either a string or a list of strings.
func flattenCriteria(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return strings.Join(list, "; ")
	}
	return ""
}
