package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"field-service-coordination-system/internal/gateway"
	"field-service-coordination-system/internal/models"
	"field-service-coordination-system/internal/repos"
	"field-service-coordination-system/shared/config"
	"field-service-coordination-system/shared/events"
	"field-service-coordination-system/shared/faultx"
	"field-service-coordination-system/shared/geo"
	"field-service-coordination-system/shared/logx"
	"field-service-coordination-system/shared/workflow"
)

// metersToLatDegrees converts a ground distance to a latitude offset, which
// Haversine maps back to the same distance for a pure north-south move.
func metersToLatDegrees(m float64) float64 {
	return m / 111194.9267
}

type fakeTasks struct {
	mu   sync.Mutex
	task models.Task
	site models.GeoLocation
}

func (f *fakeTasks) GetTaskByID(ctx context.Context, taskID uuid.UUID) (models.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if taskID != f.task.TaskID {
		return models.Task{}, repos.ErrTaskNotFound
	}
	return f.task, nil
}

func (f *fakeTasks) GetTaskWithSite(ctx context.Context, taskID uuid.UUID) (models.Task, models.GeoLocation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if taskID != f.task.TaskID {
		return models.Task{}, models.GeoLocation{}, repos.ErrTaskNotFound
	}
	return f.task, f.site, nil
}

func (f *fakeTasks) TransitionStatus(ctx context.Context, taskID uuid.UUID, fromExpected string, toStatus string, reason *string, actorID string) (models.Task, models.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if taskID != f.task.TaskID {
		return models.Task{}, models.Event{}, repos.ErrTaskNotFound
	}
	if f.task.Status != fromExpected {
		return models.Task{}, models.Event{}, faultx.NewConflict("task", "status moved")
	}
	f.task.Status = toStatus
	payload, _ := json.Marshal(events.StatusChangedPayload{FromStatus: fromExpected, ToStatus: toStatus, Reason: reason})
	event := models.Event{
		EventID: uuid.New(), Topic: models.TaskTopic(taskID), TaskID: taskID,
		Action: workflow.ActionStatusChanged, ActorID: actorID, OccurredAt: time.Now().UTC(), Payload: payload,
	}
	return f.task, event, nil
}

type fakeEvents struct {
	mu       sync.Mutex
	appended []models.Event
}

func (f *fakeEvents) AppendPublished(ctx context.Context, event models.Event) (models.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	event.EventID = uuid.New()
	event.Topic = models.TaskTopic(event.TaskID)
	event.OccurredAt = time.Now().UTC()
	f.appended = append(f.appended, event)
	return event, nil
}

func (f *fakeEvents) ListByTopic(ctx context.Context, topic string, cursor string, limit int) ([]models.Event, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Event
	for _, e := range f.appended {
		if e.Topic == topic {
			out = append(out, e)
		}
	}
	return out, "", nil
}

// fakeCheckout reproduces the conditional-update semantics: the first caller
// to find the task in_progress wins, everyone after gets a conflict.
type fakeCheckout struct {
	mu        sync.Mutex
	tasks     *fakeTasks
	calls     int
	timeouts  int
	payments  []models.Payment
	allEvents []models.Event
}

func (f *fakeCheckout) CompleteWithPayment(ctx context.Context, params repos.CheckoutParams) (repos.CheckoutResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.timeouts > 0 {
		f.timeouts--
		return repos.CheckoutResult{}, &faultx.TxTimeoutError{Err: context.DeadlineExceeded}
	}

	f.tasks.mu.Lock()
	defer f.tasks.mu.Unlock()
	if f.tasks.task.Status != workflow.TaskStatusInProgress {
		return repos.CheckoutResult{}, faultx.NewConflict("task", "task status is completed, expected in_progress")
	}
	now := time.Now().UTC()
	f.tasks.task.Status = workflow.TaskStatusCompleted
	f.tasks.task.CompletedAt = &now

	result := repos.CheckoutResult{Task: f.tasks.task}
	checkout := params.Checkout
	statusPayload, _ := json.Marshal(events.StatusChangedPayload{
		FromStatus: workflow.TaskStatusInProgress, ToStatus: workflow.TaskStatusCompleted, Checkout: &checkout,
	})
	result.Events = append(result.Events, models.Event{
		EventID: uuid.New(), TaskID: params.TaskID, Action: workflow.ActionStatusChanged,
		ActorID: params.ActorID, OccurredAt: now, Payload: statusPayload,
	})
	if params.Payment != nil {
		payment := models.Payment{
			PaymentID: uuid.New(), TaskID: params.TaskID, Amount: params.Payment.Amount,
			Currency: params.Payment.Currency, InvoiceAttachmentID: params.Payment.InvoiceAttachmentID,
			CollectorID: params.ActorID, CollectedAt: now,
		}
		f.payments = append(f.payments, payment)
		result.Payment = &payment
		payPayload, _ := json.Marshal(events.PaymentCollectedPayload{
			PaymentID: payment.PaymentID, Amount: payment.Amount.StringFixed(4),
			Currency: payment.Currency, HasInvoice: payment.InvoiceAttachmentID != nil,
		})
		result.Events = append(result.Events, models.Event{
			EventID: uuid.New(), TaskID: params.TaskID, Action: workflow.ActionPaymentCollected,
			ActorID: params.ActorID, OccurredAt: now, Payload: payPayload,
		})
	}
	f.allEvents = append(f.allEvents, result.Events...)
	return result, nil
}

type fakeUploader struct {
	mu    sync.Mutex
	fail  bool
	calls int
}

func (f *fakeUploader) UploadAll(ctx context.Context, taskID uuid.UUID, uploads []gateway.Upload) ([]events.AttachmentRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail {
		return nil, &faultx.UploadError{Err: errors.New("gateway unavailable")}
	}
	refs := make([]events.AttachmentRef, 0, len(uploads))
	for _, u := range uploads {
		refs = append(refs, events.AttachmentRef{ID: uuid.New(), MimeType: u.MimeType, OriginalFilename: u.Filename})
	}
	return refs, nil
}

type fixture struct {
	coord    *Coordinator
	tasks    *fakeTasks
	events   *fakeEvents
	checkout *fakeCheckout
	uploader *fakeUploader
	site     geo.Coordinate
}

func newFixture(t *testing.T, status string) *fixture {
	t.Helper()
	site := geo.Coordinate{Lat: 10.7769, Lng: 106.7009}
	label := "district 1 site"
	tasks := &fakeTasks{
		task: models.Task{TaskID: uuid.New(), Status: status, Title: "install meter"},
		site: models.GeoLocation{LocationID: uuid.New(), Lat: site.Lat, Lng: site.Lng, Label: &label},
	}
	eventsStore := &fakeEvents{}
	checkout := &fakeCheckout{tasks: tasks}
	uploader := &fakeUploader{}
	cfg := config.Config{DistanceThresholdM: 100, CheckoutRetryMax: 1}
	log := logx.New("service-test", "test", "dev", "error")
	return &fixture{
		coord:    NewCoordinator(log, tasks, eventsStore, checkout, uploader, nil, cfg),
		tasks:    tasks,
		events:   eventsStore,
		checkout: checkout,
		uploader: uploader,
		site:     site,
	}
}

func TestCheckInWithinThreshold(t *testing.T) {
	f := newFixture(t, workflow.TaskStatusInProgress)
	near := geo.Coordinate{Lat: f.site.Lat + metersToLatDegrees(30), Lng: f.site.Lng}

	result, err := f.coord.CheckIn(context.Background(), FieldReport{
		TaskID: f.tasks.task.TaskID, ActorID: "worker-1", Location: near,
		Uploads: []gateway.Upload{{Filename: "arrival.jpg", MimeType: "image/jpeg", Content: []byte("x")}},
	})
	if err != nil {
		t.Fatalf("CheckIn: %v", err)
	}
	if len(result.Warnings) != 0 {
		t.Fatalf("expected no warnings at 30 m, got %v", result.Warnings)
	}
	if result.DistanceMeters < 25 || result.DistanceMeters > 35 {
		t.Fatalf("distance = %.2f, want about 30", result.DistanceMeters)
	}
	if result.Event.Action != workflow.ActionCheckedIn {
		t.Fatalf("action = %s", result.Event.Action)
	}
	if f.tasks.task.Status != workflow.TaskStatusInProgress {
		t.Fatalf("check-in must not change status, got %s", f.tasks.task.Status)
	}
	var payload events.CheckedInPayload
	if err := json.Unmarshal(result.Event.Payload, &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if len(payload.AttachmentRefs) != 1 {
		t.Fatalf("expected 1 attachment ref, got %d", len(payload.AttachmentRefs))
	}
}

func TestCheckInBeyondThresholdWarnsButSucceeds(t *testing.T) {
	f := newFixture(t, workflow.TaskStatusInProgress)
	far := geo.Coordinate{Lat: f.site.Lat + metersToLatDegrees(250), Lng: f.site.Lng}

	result, err := f.coord.CheckIn(context.Background(), FieldReport{
		TaskID: f.tasks.task.TaskID, ActorID: "worker-1", Location: far,
	})
	if err != nil {
		t.Fatalf("CheckIn at 250 m must succeed: %v", err)
	}
	if len(result.Warnings) != 1 {
		t.Fatalf("expected exactly one warning, got %v", result.Warnings)
	}
}

func TestCheckInOnCompletedTaskConflicts(t *testing.T) {
	f := newFixture(t, workflow.TaskStatusCompleted)
	_, err := f.coord.CheckIn(context.Background(), FieldReport{
		TaskID: f.tasks.task.TaskID, ActorID: "worker-1", Location: f.site,
	})
	var conflict *faultx.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
}

func TestCheckInRejectsInvalidCoordinate(t *testing.T) {
	f := newFixture(t, workflow.TaskStatusInProgress)
	_, err := f.coord.CheckIn(context.Background(), FieldReport{
		TaskID: f.tasks.task.TaskID, ActorID: "worker-1",
		Location: geo.Coordinate{Lat: 91, Lng: 0},
	})
	var validation *faultx.ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if len(f.events.appended) != 0 {
		t.Fatalf("no event may be written on validation failure")
	}
}

func TestCompleteHappyPath(t *testing.T) {
	f := newFixture(t, workflow.TaskStatusInProgress)
	near := geo.Coordinate{Lat: f.site.Lat + metersToLatDegrees(30), Lng: f.site.Lng}
	amount := decimal.RequireFromString("150000")

	result, err := f.coord.Complete(context.Background(), CompleteRequest{
		TaskID: f.tasks.task.TaskID, ActorID: "worker-1", Location: near,
		Uploads: []gateway.Upload{{Filename: "done.jpg", MimeType: "image/jpeg", Content: []byte("x")}},
		Invoice: &gateway.Upload{Filename: "invoice.pdf", MimeType: "application/pdf", Content: []byte("y")},
		Payment: &PaymentDetails{Amount: amount, Currency: "VND"},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if result.Task.Status != workflow.TaskStatusCompleted {
		t.Fatalf("status = %s, want completed", result.Task.Status)
	}
	if result.Task.CompletedAt == nil {
		t.Fatalf("completed_at must be set")
	}
	if len(result.Warnings) != 0 {
		t.Fatalf("no warning expected at 30 m, got %v", result.Warnings)
	}
	if result.Payment == nil {
		t.Fatalf("payment must be recorded")
	}
	if got := result.Payment.Amount.StringFixed(4); got != "150000.0000" {
		t.Fatalf("amount = %s", got)
	}
	if result.Payment.Currency != "VND" {
		t.Fatalf("currency = %s", result.Payment.Currency)
	}
	if result.Payment.InvoiceAttachmentID == nil {
		t.Fatalf("invoice ref must be attached")
	}
	if len(result.Events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(result.Events))
	}
	if result.Events[0].Action != workflow.ActionStatusChanged || result.Events[1].Action != workflow.ActionPaymentCollected {
		t.Fatalf("events = %s, %s", result.Events[0].Action, result.Events[1].Action)
	}
	var payload events.StatusChangedPayload
	if err := json.Unmarshal(result.Events[0].Payload, &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload.Checkout == nil {
		t.Fatalf("completion event must carry the checkout context")
	}
	if len(payload.Checkout.AttachmentRefs) != 1 {
		t.Fatalf("checkout context refs = %d", len(payload.Checkout.AttachmentRefs))
	}
}

func TestCompleteWithDistanceWarningStillSucceeds(t *testing.T) {
	f := newFixture(t, workflow.TaskStatusInProgress)
	far := geo.Coordinate{Lat: f.site.Lat + metersToLatDegrees(250), Lng: f.site.Lng}

	result, err := f.coord.Complete(context.Background(), CompleteRequest{
		TaskID: f.tasks.task.TaskID, ActorID: "worker-1", Location: far,
		Payment: &PaymentDetails{Amount: decimal.RequireFromString("150000"), Currency: "VND"},
	})
	if err != nil {
		t.Fatalf("Complete at 250 m must succeed: %v", err)
	}
	if len(result.Warnings) != 1 {
		t.Fatalf("expected one warning, got %v", result.Warnings)
	}
	var payload events.StatusChangedPayload
	if err := json.Unmarshal(result.Events[0].Payload, &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if len(payload.Checkout.Warnings) != 1 {
		t.Fatalf("warning must be persisted in the event payload")
	}
}

func TestCompleteUploadFailureLeavesZeroState(t *testing.T) {
	f := newFixture(t, workflow.TaskStatusInProgress)
	f.uploader.fail = true

	_, err := f.coord.Complete(context.Background(), CompleteRequest{
		TaskID: f.tasks.task.TaskID, ActorID: "worker-1", Location: f.site,
		Uploads: []gateway.Upload{{Filename: "done.jpg", MimeType: "image/jpeg", Content: []byte("x")}},
		Payment: &PaymentDetails{Amount: decimal.RequireFromString("150000"), Currency: "VND"},
	})
	var upload *faultx.UploadError
	if !errors.As(err, &upload) {
		t.Fatalf("expected UploadError, got %v", err)
	}
	if f.checkout.calls != 0 {
		t.Fatalf("atomic phase must not run after an upload failure")
	}
	if f.tasks.task.Status != workflow.TaskStatusInProgress {
		t.Fatalf("status must be untouched, got %s", f.tasks.task.Status)
	}
	if len(f.checkout.payments) != 0 {
		t.Fatalf("no payment may exist")
	}
}

func TestCompleteConcurrentRace(t *testing.T) {
	f := newFixture(t, workflow.TaskStatusInProgress)
	req := CompleteRequest{
		TaskID: f.tasks.task.TaskID, Location: f.site,
		Payment: &PaymentDetails{Amount: decimal.RequireFromString("150000"), Currency: "VND"},
	}

	results := make(chan error, 2)
	var wg sync.WaitGroup
	for _, actor := range []string{"worker-1", "worker-2"} {
		wg.Add(1)
		go func(actor string) {
			defer wg.Done()
			r := req
			r.ActorID = actor
			_, err := f.coord.Complete(context.Background(), r)
			results <- err
		}(actor)
	}
	wg.Wait()
	close(results)

	var successes, conflicts int
	for err := range results {
		if err == nil {
			successes++
			continue
		}
		var conflict *faultx.ConflictError
		if errors.As(err, &conflict) {
			conflicts++
			continue
		}
		t.Fatalf("unexpected error: %v", err)
	}
	if successes != 1 || conflicts != 1 {
		t.Fatalf("successes = %d, conflicts = %d; want 1 and 1", successes, conflicts)
	}
	if len(f.checkout.payments) != 1 {
		t.Fatalf("exactly one payment must exist, got %d", len(f.checkout.payments))
	}
}

func TestCompleteRetriesOnceOnTimeout(t *testing.T) {
	f := newFixture(t, workflow.TaskStatusInProgress)
	f.checkout.timeouts = 1

	result, err := f.coord.Complete(context.Background(), CompleteRequest{
		TaskID: f.tasks.task.TaskID, ActorID: "worker-1", Location: f.site,
	})
	if err != nil {
		t.Fatalf("one timeout must be retried away: %v", err)
	}
	if result.Task.Status != workflow.TaskStatusCompleted {
		t.Fatalf("status = %s", result.Task.Status)
	}
	if f.checkout.calls != 2 {
		t.Fatalf("calls = %d, want 2", f.checkout.calls)
	}
}

func TestCompleteRetryIsBounded(t *testing.T) {
	f := newFixture(t, workflow.TaskStatusInProgress)
	f.checkout.timeouts = 5

	_, err := f.coord.Complete(context.Background(), CompleteRequest{
		TaskID: f.tasks.task.TaskID, ActorID: "worker-1", Location: f.site,
	})
	var timeout *faultx.TxTimeoutError
	if !errors.As(err, &timeout) {
		t.Fatalf("expected TxTimeoutError, got %v", err)
	}
	if f.checkout.calls != 2 {
		t.Fatalf("calls = %d, want initial attempt plus one retry", f.checkout.calls)
	}
}

func TestCompleteRejectsNonPositiveAmount(t *testing.T) {
	f := newFixture(t, workflow.TaskStatusInProgress)
	_, err := f.coord.Complete(context.Background(), CompleteRequest{
		TaskID: f.tasks.task.TaskID, ActorID: "worker-1", Location: f.site,
		Payment: &PaymentDetails{Amount: decimal.Zero, Currency: "VND"},
	})
	var validation *faultx.ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestChangeStatusRejectsIllegalTransition(t *testing.T) {
	f := newFixture(t, workflow.TaskStatusPreparing)
	_, _, err := f.coord.ChangeStatus(context.Background(), f.tasks.task.TaskID, workflow.TaskStatusPreparing, workflow.TaskStatusCompleted, nil, "dispatcher-1")
	var validation *faultx.ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestChangeStatusAppliesLegalTransition(t *testing.T) {
	f := newFixture(t, workflow.TaskStatusReady)
	task, event, err := f.coord.ChangeStatus(context.Background(), f.tasks.task.TaskID, workflow.TaskStatusReady, workflow.TaskStatusInProgress, nil, "dispatcher-1")
	if err != nil {
		t.Fatalf("ChangeStatus: %v", err)
	}
	if task.Status != workflow.TaskStatusInProgress {
		t.Fatalf("status = %s", task.Status)
	}
	if event.Action != workflow.ActionStatusChanged {
		t.Fatalf("action = %s", event.Action)
	}
}

func TestCommentRequiresBody(t *testing.T) {
	f := newFixture(t, workflow.TaskStatusInProgress)
	_, err := f.coord.Comment(context.Background(), f.tasks.task.TaskID, "worker-1", "", nil)
	var validation *faultx.ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}
