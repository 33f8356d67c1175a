package reminders

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/bissquit/training-garden/internal/directory"
	"github.com/bissquit/training-garden/internal/domain"
	"github.com/bissquit/training-garden/internal/pkg/httputil"
)

var errorMappings = []httputil.ErrorMapping{
	{Error: ErrItemNotFound, Status: http.StatusNotFound},
	{Error: ErrItemNotPending, Status: http.StatusConflict},
	{Error: ErrItemNotFailed, Status: http.StatusConflict},
	{Error: ErrDeadlineNotConfigured, Status: http.StatusNotFound},
	{Error: directory.ErrCourseNotFound, Status: http.StatusNotFound},
	{Error: directory.ErrUserNotFound, Status: http.StatusNotFound},
}

// Handler serves the reminder and queue management API.
type Handler struct {
	service  *Service
	validate *validator.Validate
}

func NewHandler(service *Service) *Handler {
	return &Handler{
		service:  service,
		validate: validator.New(),
	}
}

// RegisterRoutes mounts the handler's routes on the router.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/reminders/evaluate", h.Evaluate)

	r.Route("/queue", func(r chi.Router) {
		r.Get("/", h.ListQueue)
		r.Get("/stats", h.QueueStats)
		r.Post("/drain", h.Drain)
		r.Post("/send-selected", h.SendSelected)
		r.Post("/send-all", h.SendAll)
		r.Get("/{id}", h.GetItem)
		r.Get("/{id}/preview", h.PreviewItem)
		r.Post("/{id}/send", h.SendItem)
		r.Post("/{id}/retry", h.RetryItem)
	})

	r.Get("/dashboard/summary", h.Dashboard)

	r.Route("/courses", func(r chi.Router) {
		r.Get("/deadlines", h.ListDeadlines)
		r.Get("/{id}/deadline", h.GetDeadline)
		r.Put("/{id}/deadline", h.SetDeadline)
	})
}

func (h *Handler) Evaluate(w http.ResponseWriter, r *http.Request) {
	summary, err := h.service.Evaluate(r.Context())
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}
	httputil.Success(w, http.StatusOK, summary)
}

type drainRequest struct {
	RecipientType string `json:"recipient_type" validate:"omitempty,oneof=employee supervisor senior_manager"`
}

func (h *Handler) Drain(w http.ResponseWriter, r *http.Request) {
	var req drainRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httputil.Error(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if err := h.validate.Struct(req); err != nil {
			httputil.ValidationError(w, err)
			return
		}
	}

	summary, err := h.service.Drain(r.Context(), Scope{RecipientType: RecipientType(req.RecipientType)})
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}
	httputil.Success(w, http.StatusOK, summary)
}

func (h *Handler) ListQueue(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := QueueFilter{
		Status:        QueueStatus(q.Get("status")),
		RecipientType: RecipientType(q.Get("recipient_type")),
	}
	if v := q.Get("level"); v != "" {
		level, err := strconv.Atoi(v)
		if err != nil || level < 1 || level > 4 {
			httputil.Error(w, http.StatusBadRequest, "invalid level")
			return
		}
		filter.Level = level
	}
	if v := q.Get("course_id"); v != "" {
		courseID, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			httputil.Error(w, http.StatusBadRequest, "invalid course_id")
			return
		}
		filter.CourseID = courseID
	}

	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	items, err := h.service.ListQueue(r.Context(), filter, limit, offset)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}
	if items == nil {
		items = []*QueueItem{}
	}
	httputil.Success(w, http.StatusOK, items)
}

func (h *Handler) QueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.QueueStats(r.Context())
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}
	httputil.Success(w, http.StatusOK, stats)
}

func (h *Handler) GetItem(w http.ResponseWriter, r *http.Request) {
	id, ok := h.itemID(w, r)
	if !ok {
		return
	}
	item, err := h.service.GetItem(r.Context(), id)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}
	httputil.Success(w, http.StatusOK, item)
}

func (h *Handler) PreviewItem(w http.ResponseWriter, r *http.Request) {
	id, ok := h.itemID(w, r)
	if !ok {
		return
	}
	subject, body, err := h.service.Preview(r.Context(), id)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}
	httputil.Success(w, http.StatusOK, map[string]string{
		"subject": subject,
		"body":    body,
	})
}

func (h *Handler) SendItem(w http.ResponseWriter, r *http.Request) {
	id, ok := h.itemID(w, r)
	if !ok {
		return
	}
	result, err := h.service.SendItem(r.Context(), id)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}
	httputil.Success(w, http.StatusOK, result)
}

func (h *Handler) RetryItem(w http.ResponseWriter, r *http.Request) {
	id, ok := h.itemID(w, r)
	if !ok {
		return
	}
	if err := h.service.RetryFailed(r.Context(), id); err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}
	httputil.Success(w, http.StatusAccepted, map[string]int64{"id": id})
}

type sendSelectedRequest struct {
	IDs []int64 `json:"ids" validate:"required,min=1,dive,min=1"`
}

func (h *Handler) SendSelected(w http.ResponseWriter, r *http.Request) {
	var req sendSelectedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	result, err := h.service.SendSelected(r.Context(), req.IDs)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}
	status := http.StatusOK
	if result.Queued {
		status = http.StatusAccepted
	}
	httputil.Success(w, status, result)
}

type sendAllRequest struct {
	RecipientType string `json:"recipient_type" validate:"omitempty,oneof=employee supervisor senior_manager"`
}

func (h *Handler) SendAll(w http.ResponseWriter, r *http.Request) {
	var req sendAllRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httputil.Error(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if err := h.validate.Struct(req); err != nil {
			httputil.ValidationError(w, err)
			return
		}
	}

	pending, err := h.service.SendAll(r.Context(), RecipientType(req.RecipientType))
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}
	httputil.Success(w, http.StatusAccepted, map[string]int{"pending": pending})
}

func (h *Handler) Dashboard(w http.ResponseWriter, r *http.Request) {
	summary, err := h.service.Dashboard(r.Context())
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}
	httputil.Success(w, http.StatusOK, summary)
}

func (h *Handler) ListDeadlines(w http.ResponseWriter, r *http.Request) {
	deadlines, err := h.service.ListDeadlines(r.Context())
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}
	if deadlines == nil {
		deadlines = []domain.DeadlineConfig{}
	}
	httputil.Success(w, http.StatusOK, deadlines)
}

func (h *Handler) GetDeadline(w http.ResponseWriter, r *http.Request) {
	id, ok := h.itemID(w, r)
	if !ok {
		return
	}
	cfg, explicit, err := h.service.GetDeadline(r.Context(), id)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}
	httputil.Success(w, http.StatusOK, map[string]any{
		"course_id":     cfg.CourseID,
		"deadline_days": cfg.DeadlineDays,
		"explicit":      explicit,
	})
}

type setDeadlineRequest struct {
	DeadlineDays int `json:"deadline_days" validate:"required,min=1,max=3650"`
}

func (h *Handler) SetDeadline(w http.ResponseWriter, r *http.Request) {
	id, ok := h.itemID(w, r)
	if !ok {
		return
	}

	var req setDeadlineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	cfg, err := h.service.SetDeadline(r.Context(), id, req.DeadlineDays)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}
	httputil.Success(w, http.StatusOK, cfg)
}

func (h *Handler) itemID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id < 1 {
		httputil.Error(w, http.StatusBadRequest, "invalid id")
		return 0, false
	}
	return id, true
}
