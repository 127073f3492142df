// Package events publishes resolution outcomes for downstream consumers.
// A nil *Emitter is valid and drops every event.
package events

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/kafka"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const (
	TypeRunCompleted  = "run.completed"
	TypePatientMerged = "patient.merged"
	TypeIntakeDecided = "intake.decided"
	TypeIntakeRequest = "intake.requested"
)

const (
	schemaVersion   = "1.0"
	headerEventType = "event_type"
	headerSchema    = "schema_version"
)

// Publisher is the transport the emitter writes to. *kafka.Producer satisfies it.
type Publisher interface {
	PublishBatch(ctx context.Context, messages []kafka.OutgoingMessage) error
}

// Event is the envelope of every published message
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"event_type"`
	Key       string          `json:"key"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

type Emitter struct {
	publisher Publisher
	logger    ectologger.Logger
	nowFn     func() time.Time
}

func NewEmitter(publisher Publisher, logger ectologger.Logger) *Emitter {
	return &Emitter{
		publisher: publisher,
		logger:    logger,
		nowFn:     func() time.Time { return time.Now().UTC() },
	}
}

// RunCompleted announces a finished full run
func (e *Emitter) RunCompleted(ctx context.Context, summary models.RunSummary) {
	e.emit(ctx, TypeRunCompleted, []keyed{{key: strconv.FormatInt(summary.RunID, 10), data: summary}})
}

type mergedPayload struct {
	MasterRecordID string  `json:"master_record_id"`
	SourceRecordID string  `json:"source_record_id"`
	HardDelete     bool    `json:"hard_delete"`
	ClusterID      *string `json:"cluster_id,omitempty"`
}

// PatientsMerged emits one event per folded duplicate, keyed by the master
// so all of a master's merges stay ordered.
func (e *Emitter) PatientsMerged(ctx context.Context, resp models.MergeResponse, hardDelete bool) {
	items := make([]keyed, 0, len(resp.MergedRecordIDs))
	for _, id := range resp.MergedRecordIDs {
		items = append(items, keyed{key: resp.MasterRecordID, data: mergedPayload{
			MasterRecordID: resp.MasterRecordID,
			SourceRecordID: id,
			HardDelete:     hardDelete,
			ClusterID:      resp.MasterAfter.ClusterID,
		}})
	}
	e.emit(ctx, TypePatientMerged, items)
}

// IntakeDecided announces the outcome of an intake check
func (e *Emitter) IntakeDecided(ctx context.Context, result models.IntakeResult) {
	e.emit(ctx, TypeIntakeDecided, []keyed{{key: result.RecordID, data: result}})
}

type keyed struct {
	key  string
	data any
}

// emit never fails the caller: the database is the source of truth and
// events are a best-effort projection of it.
func (e *Emitter) emit(ctx context.Context, eventType string, items []keyed) {
	if e == nil || e.publisher == nil || len(items) == 0 {
		return
	}

	ctx, span := tracing.StartSpan(ctx, "events.Emitter.emit")
	defer span.End()

	log := e.logger.WithContext(ctx).WithField("event_type", eventType)

	messages := make([]kafka.OutgoingMessage, 0, len(items))
	for _, item := range items {
		data, err := json.Marshal(item.data)
		if err != nil {
			log.WithError(err).Error("Failed to encode event payload")
			return
		}
		value, err := json.Marshal(Event{
			ID:        uuid.NewString(),
			Type:      eventType,
			Key:       item.key,
			Data:      data,
			Timestamp: e.nowFn(),
		})
		if err != nil {
			log.WithError(err).Error("Failed to encode event")
			return
		}
		messages = append(messages, kafka.OutgoingMessage{
			Key:   item.key,
			Value: value,
			Headers: map[string]string{
				headerEventType: eventType,
				headerSchema:    schemaVersion,
			},
		})
	}

	if err := e.publisher.PublishBatch(ctx, messages); err != nil {
		log.WithError(err).Warn("Failed to emit events")
	}
}
