// Package events carries discharge and theatre notifications to observers:
// browser boards over websocket and other hospital systems over AMQP.
package events

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// Event types.
const (
	TypeChecklistUpdated     = "checklist.updated"
	TypeVisitDischarged      = "visit.discharged"
	TypeGatePassIssued       = "gatepass.issued"
	TypeTheatreStatusChanged = "theatre.status_changed"
)

// Topics group event types for subscribers.
const (
	TopicDischarge = "discharge"
	TopicTheatre   = "theatre"
)

// Event is a notification about one visit or theatre patient.
type Event struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Topic      string          `json:"topic"`
	SubjectID  string          `json:"subject_id"`
	Tenant     string          `json:"tenant,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// New builds an event, deriving its topic from the type.
func New(eventType, subjectID string, data any) (Event, error) {
	ev := Event{
		ID:         uuid.NewString(),
		Type:       eventType,
		Topic:      TopicFor(eventType),
		SubjectID:  subjectID,
		OccurredAt: time.Now().UTC(),
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return Event{}, fmt.Errorf("encode %s payload: %w", eventType, err)
		}
		ev.Data = raw
	}
	return ev, nil
}

// TopicFor maps an event type onto its topic.
func TopicFor(eventType string) string {
	if strings.HasPrefix(eventType, "theatre.") {
		return TopicTheatre
	}
	return TopicDischarge
}

// SubjectTopic is the per-subject topic ("visit:V1") a client can follow.
func SubjectTopic(ev Event) string {
	if ev.Topic == TopicTheatre {
		return "theatre_patient:" + ev.SubjectID
	}
	return "visit:" + ev.SubjectID
}

// Publisher delivers events.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Fanout publishes to every publisher and joins their errors.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, p := range f {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
