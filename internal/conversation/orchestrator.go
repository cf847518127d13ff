// Package conversation runs the scan reminder dialogue: it sends the opening reminder,
// then classifies each patient reply, advances the script and delivers the replies.
//
// All work for one patient is serialized through a Locker; different patients proceed in parallel.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/ScanPipe/internal/flow"
	"github.com/BTreeMap/ScanPipe/internal/metrics"
	"github.com/BTreeMap/ScanPipe/internal/models"
	"github.com/BTreeMap/ScanPipe/internal/store"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultClassifierRetries is the number of extra classifier attempts after a failure.
const DefaultClassifierRetries = 1

var (
	// ErrClassificationUnavailable means the classifier failed on every attempt. The record is untouched.
	ErrClassificationUnavailable = errors.New("classification unavailable")
	// ErrDeliveryFailure means a message could not be sent. The record is untouched.
	ErrDeliveryFailure = errors.New("message delivery failed")
)

var tracer = otel.Tracer("scanpipe/conversation")

// Classifier turns patient text into the classification shape a stage needs.
type Classifier interface {
	Classify(ctx context.Context, kind models.ClassificationKind, text string) (models.Classification, error)
}

// Sender delivers one text message to a patient.
type Sender interface {
	SendMessage(ctx context.Context, to string, body string) error
}

// Result describes what one inbound message did.
type Result struct {
	// Dropped is set when the patient had no active conversation. Nothing was sent.
	Dropped bool
	// Replies holds the messages delivered to the patient, in order.
	Replies []string
	// Stage is the stage after the turn; empty once the conversation concluded.
	Stage models.Stage
	// Concluded is set when the record was removed.
	Concluded bool
	// Fallback is set when the reply could not be categorized and staff take over.
	Fallback bool
	// Duplicate is set when the message id was already processed. Nothing was done.
	Duplicate bool
}

// Opts holds configuration options for the Orchestrator.
type Opts struct {
	Script            flow.Script
	Locker            Locker
	Metrics           *metrics.DialogueMetrics
	ClassifierRetries int
	Dedup             store.DedupRepo
}

// Option defines a configuration option for the Orchestrator.
type Option func(*Opts)

// WithScript overrides the reminder wording.
func WithScript(s flow.Script) Option {
	return func(o *Opts) { o.Script = s }
}

// WithLocker replaces the in-process KeyedMutex, e.g. with a RedisLocker.
func WithLocker(l Locker) Option {
	return func(o *Opts) { o.Locker = l }
}

// WithMetrics records dialogue metrics.
func WithMetrics(m *metrics.DialogueMetrics) Option {
	return func(o *Opts) { o.Metrics = m }
}

// WithDedup records provider message ids so redelivered messages are handled once.
func WithDedup(d store.DedupRepo) Option {
	return func(o *Opts) { o.Dedup = d }
}

// WithClassifierRetries sets how many times a failed classification is retried.
func WithClassifierRetries(n int) Option {
	return func(o *Opts) { o.ClassifierRetries = n }
}

// Orchestrator owns the conversation records and is their only writer.
type Orchestrator struct {
	store      store.ConversationStore
	classifier Classifier
	sender     Sender
	script     flow.Script
	locker     Locker
	metrics    *metrics.DialogueMetrics
	retries    int
	dedup      store.DedupRepo

	now   func() time.Time
	newID func() string
}

// NewOrchestrator wires the store, classifier and sender together.
func NewOrchestrator(st store.ConversationStore, classifier Classifier, sender Sender, opts ...Option) *Orchestrator {
	cfg := Opts{Script: flow.DefaultScript(), ClassifierRetries: DefaultClassifierRetries}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Locker == nil {
		cfg.Locker = NewKeyedMutex()
	}
	if cfg.ClassifierRetries < 0 {
		cfg.ClassifierRetries = 0
	}
	return &Orchestrator{
		store:      st,
		classifier: classifier,
		sender:     sender,
		script:     cfg.Script,
		locker:     cfg.Locker,
		metrics:    cfg.Metrics,
		retries:    cfg.ClassifierRetries,
		dedup:      cfg.Dedup,
		now:        time.Now,
		newID:      uuid.NewString,
	}
}

// Script returns the wording in use.
func (o *Orchestrator) Script() flow.Script {
	return o.script
}

// Initiate sends the opening reminder and starts a conversation at StageAwaitingYesNo.
// An active conversation for the same patient is replaced. Nothing is stored if the send fails.
func (o *Orchestrator) Initiate(ctx context.Context, patientID, patientName string) (*models.ConversationRecord, error) {
	if patientID == "" {
		return nil, models.ErrEmptyPhone
	}
	patientName = strings.TrimSpace(patientName)

	ctx, span := tracer.Start(ctx, "conversation.initiate", trace.WithAttributes(attribute.String("patient.id", patientID)))
	defer span.End()

	unlock, err := o.locker.Lock(ctx, patientID)
	if err != nil {
		return nil, fmt.Errorf("lock patient %s: %w", patientID, err)
	}
	defer unlock()

	reminder := o.script.Reminder(patientName)
	if err := o.sender.SendMessage(ctx, patientID, reminder); err != nil {
		o.metrics.ObserveReminder(false)
		span.RecordError(err)
		span.SetStatus(codes.Error, "reminder not delivered")
		slog.Error("Orchestrator.Initiate: reminder delivery failed", "patient_id", patientID, "error", err)
		return nil, fmt.Errorf("%w: %w", ErrDeliveryFailure, err)
	}
	o.metrics.ObserveReminder(true)

	now := o.now().UTC()
	rec := models.ConversationRecord{
		PatientID:      patientID,
		ConversationID: o.newID(),
		Stage:          models.StageAwaitingYesNo,
		PatientName:    patientName,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := o.store.SaveConversation(ctx, rec); err != nil {
		span.RecordError(err)
		slog.Error("Orchestrator.Initiate: reminder sent but record not saved", "patient_id", patientID, "error", err)
		return nil, fmt.Errorf("save conversation for %s: %w", patientID, err)
	}
	span.SetAttributes(attribute.String("conversation.id", rec.ConversationID))
	slog.Info("Orchestrator.Initiate: reminder sent", "patient_id", patientID, "conversation_id", rec.ConversationID)
	return &rec, nil
}

// HandleInbound processes one patient message. A patient with no active conversation is
// logged and dropped; that is not an error. On ErrClassificationUnavailable or
// ErrDeliveryFailure the stored stage is unchanged so the whole message can be retried.
func (o *Orchestrator) HandleInbound(ctx context.Context, patientID, text string) (Result, error) {
	ctx, span := tracer.Start(ctx, "conversation.handle_inbound", trace.WithAttributes(attribute.String("patient.id", patientID)))
	defer span.End()

	unlock, err := o.locker.Lock(ctx, patientID)
	if err != nil {
		return Result{}, fmt.Errorf("lock patient %s: %w", patientID, err)
	}
	defer unlock()

	return o.handleLocked(ctx, span, patientID, text)
}

// HandleInboundMessage is HandleInbound for a message carrying a provider id. The id is
// checked and recorded under the patient lock, so a redelivery racing the original waits
// for it and is then reported as a Duplicate. An id is marked processed only after the
// turn succeeds; a redelivery after a failure is handled again. Without a dedup repo or
// an id it behaves like HandleInbound.
func (o *Orchestrator) HandleInboundMessage(ctx context.Context, messageID, patientID, text string) (Result, error) {
	if o.dedup == nil || messageID == "" {
		return o.HandleInbound(ctx, patientID, text)
	}
	ctx, span := tracer.Start(ctx, "conversation.handle_inbound", trace.WithAttributes(
		attribute.String("patient.id", patientID), attribute.String("message.id", messageID)))
	defer span.End()

	unlock, err := o.locker.Lock(ctx, patientID)
	if err != nil {
		return Result{}, fmt.Errorf("lock patient %s: %w", patientID, err)
	}
	defer unlock()

	processed, err := o.dedup.IsProcessed(ctx, messageID)
	if err != nil {
		span.RecordError(err)
		return Result{}, fmt.Errorf("check inbound %s: %w", messageID, err)
	}
	if processed {
		slog.Info("Orchestrator.HandleInboundMessage: duplicate delivery ignored", "message_id", messageID, "patient_id", patientID)
		o.metrics.ObserveInbound(metrics.OutcomeDuplicate)
		return Result{Duplicate: true}, nil
	}
	first, err := o.dedup.RecordInbound(ctx, messageID, patientID)
	if err != nil {
		span.RecordError(err)
		return Result{}, fmt.Errorf("record inbound %s: %w", messageID, err)
	}
	if !first {
		slog.Debug("Orchestrator.HandleInboundMessage: retrying failed delivery", "message_id", messageID, "patient_id", patientID)
	}

	result, err := o.handleLocked(ctx, span, patientID, text)
	if err != nil {
		return Result{}, err
	}
	if err := o.dedup.MarkProcessed(ctx, messageID); err != nil {
		// The turn is done; a failed mark only risks handling a redelivery twice.
		slog.Error("Orchestrator.HandleInboundMessage: failed to mark inbound processed", "message_id", messageID, "error", err)
	}
	return result, nil
}

// handleLocked runs one turn. The caller holds the patient lock.
func (o *Orchestrator) handleLocked(ctx context.Context, span trace.Span, patientID, text string) (Result, error) {
	rec, err := o.store.GetConversation(ctx, patientID)
	if err != nil {
		span.RecordError(err)
		return Result{}, fmt.Errorf("load conversation for %s: %w", patientID, err)
	}
	if rec == nil {
		slog.Info("Orchestrator.HandleInbound: UnknownPatient, dropping message", "patient_id", patientID)
		o.metrics.ObserveInbound(metrics.OutcomeDropped)
		return Result{Dropped: true}, nil
	}
	span.SetAttributes(attribute.String("conversation.id", rec.ConversationID), attribute.String("conversation.stage", string(rec.Stage)))

	kind, err := flow.ShapeFor(rec.Stage)
	if err != nil {
		span.RecordError(err)
		return Result{}, err
	}

	classification, err := o.classify(ctx, kind, text)
	if errors.Is(err, flow.ErrUnrecognizedCategory) {
		return o.fallback(ctx, span, rec, err)
	}
	if err != nil {
		o.metrics.ObserveInbound(metrics.OutcomeClassificationUnavailable)
		span.RecordError(err)
		span.SetStatus(codes.Error, "classification unavailable")
		slog.Error("Orchestrator.HandleInbound: classification unavailable", "patient_id", patientID, "stage", rec.Stage, "error", err)
		return Result{}, fmt.Errorf("%w: %w", ErrClassificationUnavailable, err)
	}
	if classification.Ambiguous {
		span.AddEvent("ambiguous yes/no treated as no")
	}

	outcome, err := o.script.Advance(rec.Stage, classification)
	if errors.Is(err, flow.ErrUnrecognizedCategory) {
		return o.fallback(ctx, span, rec, err)
	}
	if err != nil {
		span.RecordError(err)
		return Result{}, err
	}

	if err := o.deliver(ctx, patientID, outcome.Replies); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "reply not delivered")
		return Result{}, err
	}

	result := Result{Replies: outcome.Replies}
	if outcome.Terminal {
		if err := o.store.DeleteConversation(ctx, patientID); err != nil {
			return Result{}, fmt.Errorf("delete conversation for %s: %w", patientID, err)
		}
		result.Concluded = true
		o.metrics.ObserveInbound(metrics.OutcomeCompleted)
		slog.Info("Orchestrator.HandleInbound: conversation concluded", "patient_id", patientID, "conversation_id", rec.ConversationID)
		return result, nil
	}

	prev := rec.Stage
	rec.Stage = outcome.NextStage
	if outcome.ProposedDate != "" {
		rec.ProposedDate = outcome.ProposedDate
	}
	rec.UpdatedAt = o.now().UTC()
	if err := o.store.SaveConversation(ctx, *rec); err != nil {
		return Result{}, fmt.Errorf("save conversation for %s: %w", patientID, err)
	}
	result.Stage = rec.Stage
	o.metrics.ObserveInbound(metrics.OutcomeAdvanced)
	slog.Debug("Orchestrator.HandleInbound: stage advanced", "patient_id", patientID, "from", prev, "to", rec.Stage)
	return result, nil
}

// classify calls the classifier, retrying failures other than an unrecognized category.
func (o *Orchestrator) classify(ctx context.Context, kind models.ClassificationKind, text string) (models.Classification, error) {
	var lastErr error
	for attempt := 0; attempt <= o.retries; attempt++ {
		start := time.Now()
		c, err := o.classifier.Classify(ctx, kind, text)
		elapsed := time.Since(start).Seconds()
		switch {
		case err == nil:
			o.metrics.ObserveClassification(string(kind), "ok", elapsed)
			return c, nil
		case errors.Is(err, flow.ErrUnrecognizedCategory):
			o.metrics.ObserveClassification(string(kind), "unrecognized", elapsed)
			return models.Classification{}, err
		}
		o.metrics.ObserveClassification(string(kind), "error", elapsed)
		lastErr = err
		slog.Warn("Orchestrator.classify: attempt failed", "kind", kind, "attempt", attempt+1, "error", err)
		if ctx.Err() != nil {
			break
		}
	}
	return models.Classification{}, lastErr
}

// deliver sends replies in order, stopping at the first failure.
func (o *Orchestrator) deliver(ctx context.Context, patientID string, replies []string) error {
	for i, reply := range replies {
		if err := o.sender.SendMessage(ctx, patientID, reply); err != nil {
			o.metrics.ObserveInbound(metrics.OutcomeDeliveryFailed)
			slog.Error("Orchestrator.deliver: reply failed", "patient_id", patientID, "reply_index", i, "error", err)
			return fmt.Errorf("%w: %w", ErrDeliveryFailure, err)
		}
	}
	return nil
}

// fallback answers a reply that fits no category and hands the patient to staff.
func (o *Orchestrator) fallback(ctx context.Context, span trace.Span, rec *models.ConversationRecord, cause error) (Result, error) {
	slog.Warn("Orchestrator.HandleInbound: UnrecognizedCategory, sending fallback", "patient_id", rec.PatientID, "stage", rec.Stage, "error", cause)
	span.AddEvent("fallback reply", trace.WithAttributes(attribute.String("cause", cause.Error())))

	reply := o.script.FallbackReply()
	if err := o.deliver(ctx, rec.PatientID, []string{reply}); err != nil {
		return Result{}, err
	}
	if err := o.store.DeleteConversation(ctx, rec.PatientID); err != nil {
		return Result{}, fmt.Errorf("delete conversation for %s: %w", rec.PatientID, err)
	}
	o.metrics.ObserveInbound(metrics.OutcomeFallback)
	return Result{Replies: []string{reply}, Concluded: true, Fallback: true}, nil
}

// Cancel ends a patient's conversation without messaging them. It reports whether one was active.
func (o *Orchestrator) Cancel(ctx context.Context, patientID string) (bool, error) {
	ctx, span := tracer.Start(ctx, "conversation.cancel", trace.WithAttributes(attribute.String("patient.id", patientID)))
	defer span.End()

	unlock, err := o.locker.Lock(ctx, patientID)
	if err != nil {
		return false, fmt.Errorf("lock patient %s: %w", patientID, err)
	}
	defer unlock()

	rec, err := o.store.GetConversation(ctx, patientID)
	if err != nil {
		return false, fmt.Errorf("load conversation for %s: %w", patientID, err)
	}
	if rec == nil {
		return false, nil
	}
	if err := o.store.DeleteConversation(ctx, patientID); err != nil {
		return false, fmt.Errorf("delete conversation for %s: %w", patientID, err)
	}
	slog.Info("Orchestrator.Cancel: conversation cancelled", "patient_id", patientID, "conversation_id", rec.ConversationID)
	return true, nil
}

// Conversation returns the active record for a patient, or nil.
func (o *Orchestrator) Conversation(ctx context.Context, patientID string) (*models.ConversationRecord, error) {
	return o.store.GetConversation(ctx, patientID)
}

// Conversations lists every active conversation.
func (o *Orchestrator) Conversations(ctx context.Context) ([]models.ConversationRecord, error) {
	return o.store.ListConversations(ctx)
}
