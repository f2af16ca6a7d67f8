package api

import (
	"encoding/json"
	"time"

	"github.com/harun/sqlsaber/pkg/registry"
	"github.com/harun/sqlsaber/pkg/thread"
)

// ThreadView is the client representation of a thread
type ThreadView struct {
	ID                     string        `json:"id"`
	Title                  string        `json:"title"`
	Status                 thread.Status `json:"status"`
	Error                  *string       `json:"error,omitempty"`
	DatabaseConnectionID   *int64        `json:"database_connection_id"`
	DatabaseConnectionName *string       `json:"database_connection_name"`
	ModelConfigID          *int64        `json:"model_config_id"`
	ModelDisplayName       *string       `json:"model_config_display_name"`
	ModelName              *string       `json:"model_config_model_name"`
	CreatedAt              string        `json:"created_at"`
	UpdatedAt              string        `json:"updated_at"`
}

// MessageView is the client representation of a message
type MessageView struct {
	ID        int64           `json:"id"`
	Type      thread.Kind     `json:"type"`
	Content   json.RawMessage `json:"content"`
	CreatedAt string          `json:"created_at"`
}

// PollResponse is one poll or stream frame
type PollResponse struct {
	Thread   ThreadView    `json:"thread"`
	Messages []MessageView `json:"messages"`
}

// newThreadView renders th with the names of its bound resources. Summary
// views omit the error field.
func newThreadView(th *thread.Thread, snap *registry.Snapshot, summary bool) ThreadView {
	view := ThreadView{
		ID:        th.ID,
		Title:     th.Title,
		Status:    th.Status,
		CreatedAt: th.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt: th.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if !summary {
		errMsg := th.Error
		view.Error = &errMsg
	}

	if th.DatabaseConnectionID != 0 {
		id := th.DatabaseConnectionID
		view.DatabaseConnectionID = &id
		if db, ok := snap.Database(id); ok {
			view.DatabaseConnectionName = &db.Name
		}
	}
	if th.ModelConfigID != 0 {
		id := th.ModelConfigID
		view.ModelConfigID = &id
		if model, ok := snap.Model(id); ok {
			view.ModelDisplayName = &model.DisplayName
			view.ModelName = &model.ModelName
		}
	}
	return view
}

func newMessageViews(messages []thread.Message) []MessageView {
	views := make([]MessageView, len(messages))
	for i, m := range messages {
		views[i] = MessageView{
			ID:        m.ID,
			Type:      m.Kind,
			Content:   m.Content,
			CreatedAt: m.CreatedAt.UTC().Format(time.RFC3339),
		}
	}
	return views
}
