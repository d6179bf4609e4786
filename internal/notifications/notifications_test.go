package notifications

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qualys/vmgraph/internal/models"
)

type slackRecorder struct {
	mu       sync.Mutex
	messages []SlackMessage
	status   int
}

func (r *slackRecorder) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	var msg SlackMessage
	_ = json.NewDecoder(req.Body).Decode(&msg)
	r.mu.Lock()
	r.messages = append(r.messages, msg)
	r.mu.Unlock()
	if r.status != 0 {
		w.WriteHeader(r.status)
	}
}

func failedRun() *models.SyncRun {
	stage := "fetch-scans"
	msg := "stage 'fetch-scans' failed: status 503"
	start := time.Now().Add(-time.Minute)
	end := time.Now()
	return &models.SyncRun{
		ID:           uuid.New(),
		Trigger:      models.TriggerSchedule,
		Status:       models.RunStatusFailed,
		FailedStage:  &stage,
		ErrorMessage: &msg,
		StartedAt:    &start,
		CompletedAt:  &end,
	}
}

func TestNotifyRun_FailureToSlack(t *testing.T) {
	rec := &slackRecorder{}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	svc := NewService(Config{Slack: SlackConfig{Enabled: true, WebhookURL: srv.URL, Channel: "#vm"}}, nil)
	require.NoError(t, svc.NotifyRun(context.Background(), failedRun()))

	require.Len(t, rec.messages, 1)
	msg := rec.messages[0]
	assert.Equal(t, "#vm", msg.Channel)
	require.Len(t, msg.Attachments, 1)
	assert.Equal(t, "Sync Failed", msg.Attachments[0].Title)
	assert.Equal(t, "#FF0000", msg.Attachments[0].Color)
	assert.Contains(t, msg.Attachments[0].Text, "status 503")

	titles := map[string]string{}
	for _, f := range msg.Attachments[0].Fields {
		titles[f.Title] = f.Value
	}
	assert.Equal(t, "fetch-scans", titles["Failed Stage"])
	assert.Equal(t, "1m0s", titles["Duration"])
}

func TestNotifyRun_SuccessOnlyWhenEnabled(t *testing.T) {
	rec := &slackRecorder{}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	run := &models.SyncRun{ID: uuid.New(), Status: models.RunStatusCompleted, Entities: 10}

	quiet := NewService(Config{Slack: SlackConfig{Enabled: true, WebhookURL: srv.URL}}, nil)
	require.NoError(t, quiet.NotifyRun(context.Background(), run))
	assert.Empty(t, rec.messages)

	loud := NewService(Config{OnSuccess: true, Slack: SlackConfig{Enabled: true, WebhookURL: srv.URL}}, nil)
	require.NoError(t, loud.NotifyRun(context.Background(), run))
	require.Len(t, rec.messages, 1)
	assert.Equal(t, "Sync Completed", rec.messages[0].Attachments[0].Title)
}

func TestNotifyRun_SlackError(t *testing.T) {
	rec := &slackRecorder{status: http.StatusInternalServerError}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	svc := NewService(Config{Slack: SlackConfig{Enabled: true, WebhookURL: srv.URL}}, nil)
	err := svc.NotifyRun(context.Background(), failedRun())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
}

func TestFormatEmailBody(t *testing.T) {
	body, err := formatEmailBody(&Notification{
		Title:     "Sync Failed",
		Message:   "Run failed",
		Level:     LevelError,
		Data:      map[string]interface{}{"failed_stage": "fetch-users"},
		Timestamp: time.Now(),
	})
	require.NoError(t, err)
	assert.True(t, strings.Contains(body, "fetch-users"))
	assert.Contains(t, body, "#FF0000")
}
