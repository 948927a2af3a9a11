package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"seat-service/internal/client"
	"seat-service/internal/util"
)

// Entry is one audit record. Indexed into Elasticsearch for operator search
// across sessions, users and admin actions.
type Entry struct {
	ID        string    `json:"id"`
	Action    string    `json:"action"`
	SessionID string    `json:"session_id,omitempty"`
	UserID    string    `json:"user_id,omitempty"`
	ActorID   string    `json:"actor_id,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Note      string    `json:"note,omitempty"`
	IPAddress string    `json:"ip_address,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Audit actions.
const (
	ActionLogin           = "login"
	ActionLogout          = "logout"
	ActionAdminTerminate  = "admin_terminate"
	ActionOverflowEvict   = "overflow_evict"
	ActionSeatDenied      = "seat_denied"
	ActionLimitChanged    = "limit_changed"
	ActionPoolResized     = "pool_resized"
	ActionDriftDetected   = "drift_detected"
	ActionShutdownCheckin = "shutdown_checkin"
)

// Recorder writes audit entries. Failures never propagate to request paths.
type Recorder interface {
	Record(entry *Entry)
}

// NopRecorder drops all entries.
type NopRecorder struct{}

func (NopRecorder) Record(*Entry) {}

// ESRecorder indexes entries into a single Elasticsearch index.
type ESRecorder struct {
	es    *client.ESClient
	index string
	now   func() time.Time
}

func NewESRecorder(es *client.ESClient, index string) *ESRecorder {
	return &ESRecorder{
		es:    es,
		index: index,
		now:   time.Now,
	}
}

func (r *ESRecorder) Record(entry *Entry) {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = r.now().UTC()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := r.es.IndexDocument(ctx, r.index, entry.ID, entry)
	if err != nil {
		util.Error("Failed to index audit entry",
			zap.String("action", entry.Action),
			zap.Error(err))
		return
	}
	defer res.Body.Close()

	if res.IsError() {
		util.Error("Audit index rejected entry",
			zap.String("action", entry.Action),
			zap.String("status", res.Status()))
		return
	}

	util.Debug("Audit entry indexed",
		zap.String("action", entry.Action),
		zap.String("entry_id", entry.ID))
}
