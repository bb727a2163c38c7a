package main

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"field-service-coordination-system/internal/gateway"
	"field-service-coordination-system/internal/repos"
	"field-service-coordination-system/internal/service"
	"field-service-coordination-system/shared/authx"
	"field-service-coordination-system/shared/cachex"
	"field-service-coordination-system/shared/faultx"
	"field-service-coordination-system/shared/geo"
	"field-service-coordination-system/shared/httpx"
	"field-service-coordination-system/shared/logx"
)

const maxUploadBytes = 32 << 20

type apiHandlers struct {
	log         logx.Logger
	coord       *service.Coordinator
	tasks       *repos.TasksRepo
	locations   *repos.LocationsRepo
	payments    *repos.PaymentsRepo
	cache       *cachex.Client
	snapshotTTL time.Duration
}

func (h *apiHandlers) register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/tasks", h.createTask)
	mux.HandleFunc("GET /api/v1/tasks", h.listTasks)
	mux.HandleFunc("GET /api/v1/tasks/{id}", h.getTask)
	mux.HandleFunc("GET /api/v1/tasks/{id}/events", h.listEvents)
	mux.HandleFunc("POST /api/v1/tasks/{id}/checkin", h.checkIn)
	mux.HandleFunc("POST /api/v1/tasks/{id}/checkout", h.checkOut)
	mux.HandleFunc("POST /api/v1/tasks/{id}/status", h.changeStatus)
	mux.HandleFunc("POST /api/v1/tasks/{id}/comments", h.comment)
}

// writeDomainError maps the error taxonomy onto HTTP. Validation 400,
// conflict 409, gateway upload 502, transaction budget 504.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var validation *faultx.ValidationError
	if errors.As(err, &validation) {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", validation.Error(), map[string]any{"field": validation.Field})
		return
	}
	var conflict *faultx.ConflictError
	if errors.As(err, &conflict) {
		httpx.WriteError(w, r, http.StatusConflict, "CONFLICT", conflict.Error(), nil)
		return
	}
	var upload *faultx.UploadError
	if errors.As(err, &upload) {
		httpx.WriteError(w, r, http.StatusBadGateway, "UPLOAD_FAILED", upload.Error(), nil)
		return
	}
	var timeout *faultx.TxTimeoutError
	if errors.As(err, &timeout) {
		httpx.WriteError(w, r, http.StatusGatewayTimeout, "DEADLINE_EXCEEDED", timeout.Error(), nil)
		return
	}
	if errors.Is(err, repos.ErrTaskNotFound) {
		httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "task not found", nil)
		return
	}
	httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", nil)
}

func actorFrom(r *http.Request) string {
	auth, ok := authx.FromContext(r.Context())
	if !ok {
		return ""
	}
	return auth.Subject
}

func taskIDFrom(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		return uuid.Nil, faultx.NewValidation("id", "task id must be a uuid")
	}
	return id, nil
}

func parseCoordinate(r *http.Request) (geo.Coordinate, error) {
	lat, err := strconv.ParseFloat(r.FormValue("lat"), 64)
	if err != nil {
		return geo.Coordinate{}, faultx.NewValidation("lat", "lat must be a number")
	}
	lng, err := strconv.ParseFloat(r.FormValue("lng"), 64)
	if err != nil {
		return geo.Coordinate{}, faultx.NewValidation("lng", "lng must be a number")
	}
	return geo.Coordinate{Lat: lat, Lng: lng}, nil
}

func parseUploads(r *http.Request, field string) ([]gateway.Upload, error) {
	if r.MultipartForm == nil {
		return nil, nil
	}
	var uploads []gateway.Upload
	for _, header := range r.MultipartForm.File[field] {
		file, err := header.Open()
		if err != nil {
			return nil, faultx.NewValidation(field, "unreadable file part")
		}
		content, err := io.ReadAll(file)
		file.Close()
		if err != nil {
			return nil, faultx.NewValidation(field, "unreadable file part")
		}
		uploads = append(uploads, gateway.Upload{
			Filename: header.Filename,
			MimeType: header.Header.Get("Content-Type"),
			Content:  content,
		})
	}
	return uploads, nil
}

func optionalNote(r *http.Request) *string {
	note := r.FormValue("note")
	if note == "" {
		return nil
	}
	return &note
}

func (h *apiHandlers) buildSnapshot(r *http.Request, taskID uuid.UUID) (service.TaskSnapshot, error) {
	task, err := h.tasks.GetTaskByID(r.Context(), taskID)
	if err != nil {
		return service.TaskSnapshot{}, err
	}
	payment, err := h.payments.GetByTaskID(r.Context(), taskID)
	if err == nil {
		return service.BuildTaskSnapshot(task, &payment), nil
	}
	if !errors.Is(err, repos.ErrPaymentNotFound) {
		return service.TaskSnapshot{}, err
	}
	return service.BuildTaskSnapshot(task, nil), nil
}

func (h *apiHandlers) getTask(w http.ResponseWriter, r *http.Request) {
	taskID, err := taskIDFrom(r)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	if h.cache != nil {
		var cached service.TaskSnapshot
		found, err := h.cache.GetJSON(r.Context(), service.SnapshotKey(taskID), &cached)
		if err != nil {
			h.log.Warn(r.Context(), "snapshot_cache_read_failed", "falling back to database", logx.Err(err))
		} else if found {
			httpx.WriteJSON(w, http.StatusOK, cached)
			return
		}
	}

	snapshot, err := h.buildSnapshot(r, taskID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if h.cache != nil {
		if err := h.cache.SetJSON(r.Context(), service.SnapshotKey(taskID), snapshot, h.snapshotTTL); err != nil {
			h.log.Warn(r.Context(), "snapshot_cache_write_failed", "snapshot not cached", logx.Err(err))
		}
	}
	httpx.WriteJSON(w, http.StatusOK, snapshot)
}

func (h *apiHandlers) dropSnapshot(r *http.Request, taskID uuid.UUID) {
	if h.cache == nil {
		return
	}
	if err := h.cache.Delete(r.Context(), service.SnapshotKey(taskID)); err != nil {
		h.log.Warn(r.Context(), "snapshot_cache_drop_failed", "stale snapshot may be served until refresh", logx.Err(err))
	}
}

func (h *apiHandlers) listTasks(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	tasks, err := h.tasks.ListTasks(r.Context(), r.URL.Query().Get("status"), limit, offset)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	views := make([]map[string]any, 0, len(tasks))
	for _, task := range tasks {
		views = append(views, map[string]any{
			"task_id": task.TaskID,
			"status":  task.Status,
			"title":   task.Title,
		})
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"tasks": views})
}

type createTaskRequest struct {
	Title            string  `json:"title"`
	Description      string  `json:"description"`
	CustomerID       string  `json:"customer_id"`
	SiteLat          float64 `json:"site_lat"`
	SiteLng          float64 `json:"site_lng"`
	SiteLabel        *string `json:"site_label,omitempty"`
	ExpectedAmount   *string `json:"expected_amount,omitempty"`
	ExpectedCurrency *string `json:"expected_currency,omitempty"`
}

func (h *apiHandlers) createTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDomainError(w, r, faultx.NewValidation("body", "malformed json"))
		return
	}
	if req.Title == "" {
		writeDomainError(w, r, faultx.NewValidation("title", "title is required"))
		return
	}
	customerID, err := uuid.Parse(req.CustomerID)
	if err != nil {
		writeDomainError(w, r, faultx.NewValidation("customer_id", "customer_id must be a uuid"))
		return
	}
	if err := geo.Validate(geo.Coordinate{Lat: req.SiteLat, Lng: req.SiteLng}); err != nil {
		writeDomainError(w, r, err)
		return
	}

	var amount decimal.NullDecimal
	if req.ExpectedAmount != nil {
		parsed, err := decimal.NewFromString(*req.ExpectedAmount)
		if err != nil {
			writeDomainError(w, r, faultx.NewValidation("expected_amount", "expected_amount must be a decimal string"))
			return
		}
		amount = decimal.NullDecimal{Decimal: parsed, Valid: true}
	}

	site, err := h.locations.Create(r.Context(), req.SiteLat, req.SiteLng, req.SiteLabel)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	task, err := h.tasks.CreateTask(r.Context(), repos.CreateTaskParams{
		Title:            req.Title,
		Description:      req.Description,
		CustomerID:       customerID,
		SiteLocationID:   site.LocationID,
		ExpectedAmount:   amount,
		ExpectedCurrency: req.ExpectedCurrency,
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, map[string]any{
		"task_id":          task.TaskID,
		"status":           task.Status,
		"site_location_id": task.SiteLocationID,
	})
}

func (h *apiHandlers) listEvents(w http.ResponseWriter, r *http.Request) {
	taskID, err := taskIDFrom(r)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	events, next, err := h.coord.ListEvents(r.Context(), taskID, r.URL.Query().Get("cursor"), limit)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	views := make([]map[string]any, 0, len(events))
	for _, event := range events {
		views = append(views, map[string]any{
			"event_id":    event.EventID,
			"action":      event.Action,
			"actor_id":    event.ActorID,
			"occurred_at": event.OccurredAt,
			"payload":     json.RawMessage(event.Payload),
		})
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"events": views, "next_cursor": next})
}

func (h *apiHandlers) checkIn(w http.ResponseWriter, r *http.Request) {
	taskID, err := taskIDFrom(r)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeDomainError(w, r, faultx.NewValidation("body", "malformed multipart form"))
		return
	}
	location, err := parseCoordinate(r)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	uploads, err := parseUploads(r, "attachments")
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	result, err := h.coord.CheckIn(r.Context(), service.FieldReport{
		TaskID:   taskID,
		ActorID:  actorFrom(r),
		Location: location,
		Note:     optionalNote(r),
		Uploads:  uploads,
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, map[string]any{
		"event_id":        result.Event.EventID,
		"distance_meters": result.DistanceMeters,
		"warnings":        result.Warnings,
	})
}

// checkOut serves both flavors of departure. A form with payment fields or
// complete=true finishes the task through the atomic path; anything else
// records a checked_out event and leaves the status alone.
func (h *apiHandlers) checkOut(w http.ResponseWriter, r *http.Request) {
	taskID, err := taskIDFrom(r)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeDomainError(w, r, faultx.NewValidation("body", "malformed multipart form"))
		return
	}
	location, err := parseCoordinate(r)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	uploads, err := parseUploads(r, "attachments")
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	rawAmount := r.FormValue("amount")
	complete := rawAmount != "" || r.FormValue("complete") == "true"
	if !complete {
		result, err := h.coord.CheckOut(r.Context(), service.FieldReport{
			TaskID:   taskID,
			ActorID:  actorFrom(r),
			Location: location,
			Note:     optionalNote(r),
			Uploads:  uploads,
		})
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		httpx.WriteJSON(w, http.StatusCreated, map[string]any{
			"event_id":        result.Event.EventID,
			"distance_meters": result.DistanceMeters,
			"warnings":        result.Warnings,
		})
		return
	}

	req := service.CompleteRequest{
		TaskID:   taskID,
		ActorID:  actorFrom(r),
		Location: location,
		Note:     optionalNote(r),
		Uploads:  uploads,
	}
	if rawAmount != "" {
		amount, err := decimal.NewFromString(rawAmount)
		if err != nil {
			writeDomainError(w, r, faultx.NewValidation("amount", "amount must be a decimal string"))
			return
		}
		req.Payment = &service.PaymentDetails{Amount: amount, Currency: r.FormValue("currency")}
		invoices, err := parseUploads(r, "invoice")
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		if len(invoices) > 0 {
			req.Invoice = &invoices[0]
		}
	}

	result, err := h.coord.Complete(r.Context(), req)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	h.dropSnapshot(r, taskID)

	response := map[string]any{
		"task_id":         result.Task.TaskID,
		"status":          result.Task.Status,
		"completed_at":    result.Task.CompletedAt,
		"distance_meters": result.DistanceMeters,
		"warnings":        result.Warnings,
		"event_count":     len(result.Events),
	}
	if result.Payment != nil {
		response["payment"] = service.PaymentView{
			PaymentID:   result.Payment.PaymentID,
			Amount:      result.Payment.Amount.StringFixed(4),
			Currency:    result.Payment.Currency,
			HasInvoice:  result.Payment.InvoiceAttachmentID != nil,
			CollectedAt: result.Payment.CollectedAt,
		}
	}
	httpx.WriteJSON(w, http.StatusOK, response)
}

type changeStatusRequest struct {
	FromStatus string  `json:"from_status"`
	ToStatus   string  `json:"to_status"`
	Reason     *string `json:"reason,omitempty"`
}

func (h *apiHandlers) changeStatus(w http.ResponseWriter, r *http.Request) {
	taskID, err := taskIDFrom(r)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	var req changeStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDomainError(w, r, faultx.NewValidation("body", "malformed json"))
		return
	}

	task, event, err := h.coord.ChangeStatus(r.Context(), taskID, req.FromStatus, req.ToStatus, req.Reason, actorFrom(r))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	h.dropSnapshot(r, taskID)
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"task_id":  task.TaskID,
		"status":   task.Status,
		"event_id": event.EventID,
	})
}

func (h *apiHandlers) comment(w http.ResponseWriter, r *http.Request) {
	taskID, err := taskIDFrom(r)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeDomainError(w, r, faultx.NewValidation("body", "malformed multipart form"))
		return
	}
	uploads, err := parseUploads(r, "attachments")
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	event, err := h.coord.Comment(r.Context(), taskID, actorFrom(r), r.FormValue("comment"), uploads)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, map[string]any{"event_id": event.EventID})
}
