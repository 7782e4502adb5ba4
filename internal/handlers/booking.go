package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/leadpilot/expert-booking/internal/availability"
	"github.com/leadpilot/expert-booking/internal/booking"
	"github.com/leadpilot/expert-booking/internal/calendar"
	"github.com/leadpilot/expert-booking/internal/model"
	"github.com/leadpilot/expert-booking/internal/storage"
)

type BookingHandler struct {
	svc    *booking.Service
	logger *slog.Logger
}

func NewBookingHandler(svc *booking.Service, logger *slog.Logger) *BookingHandler {
	return &BookingHandler{svc: svc, logger: logger}
}

type slotItem struct {
	Start       string `json:"start"`
	End         string `json:"end"`
	DisplayDate string `json:"display_date"`
	DisplayTime string `json:"display_time"`
	Timezone    string `json:"timezone"`
}

type availabilityResponse struct {
	ExpertID    string     `json:"expert_id"`
	ExpertName  string     `json:"expert_name"`
	ExpertRole  string     `json:"expert_role"`
	Timezone    string     `json:"timezone"`
	Slots       []slotItem `json:"slots"`
	Degraded    bool       `json:"degraded"`
	GeneratedAt string     `json:"generated_at"`
}

func (h *BookingHandler) Availability(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	expertID := strings.TrimSpace(r.URL.Query().Get("expert_id"))
	if expertID == "" {
		http.Error(w, "expert_id required", http.StatusBadRequest)
		return
	}

	req := booking.AvailabilityRequest{
		ExpertID: expertID,
		Timezone: strings.TrimSpace(r.URL.Query().Get("timezone")),
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("days_ahead")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > availability.MaxDaysAhead {
			http.Error(w, "days_ahead must be between 1 and 30", http.StatusBadRequest)
			return
		}
		req.DaysAhead = n
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("min_slots")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 50 {
			http.Error(w, "min_slots must be between 1 and 50", http.StatusBadRequest)
			return
		}
		req.MinSlots = n
	}

	result, err := h.svc.GetAvailability(r.Context(), req)
	if err != nil {
		h.writeError(w, err)
		return
	}

	slots := make([]slotItem, 0, len(result.Slots))
	for _, s := range result.Slots {
		slots = append(slots, slotItem{
			Start:       s.Start.Format(time.RFC3339),
			End:         s.End.Format(time.RFC3339),
			DisplayDate: s.DisplayDate,
			DisplayTime: s.DisplayTime,
			Timezone:    s.Timezone,
		})
	}
	writeJSON(w, http.StatusOK, availabilityResponse{
		ExpertID:    result.Expert.ID,
		ExpertName:  result.Expert.Name,
		ExpertRole:  result.Expert.Role,
		Timezone:    result.Timezone,
		Slots:       slots,
		Degraded:    result.Degraded,
		GeneratedAt: result.GeneratedAt.Format(time.RFC3339),
	})
}

type createBookingRequest struct {
	SessionID   string `json:"session_id"`
	ExpertID    string `json:"expert_id"`
	StartTime   string `json:"start_time"`
	EndTime     string `json:"end_time"`
	Timezone    string `json:"timezone"`
	ClientName  string `json:"client_name"`
	ClientEmail string `json:"client_email"`
}

type bookingResponse struct {
	BookingID          string `json:"booking_id"`
	SessionID          string `json:"session_id"`
	ExpertID           string `json:"expert_id"`
	CalendarEventID    string `json:"calendar_event_id,omitempty"`
	Title              string `json:"title"`
	StartTime          string `json:"start_time"`
	EndTime            string `json:"end_time"`
	Timezone           string `json:"timezone"`
	ExpertEmail        string `json:"expert_email"`
	ClientName         string `json:"client_name"`
	ClientEmail        string `json:"client_email"`
	Status             string `json:"status"`
	ConfirmationSentAt string `json:"confirmation_sent_at,omitempty"`
	ReminderSentAt     string `json:"reminder_sent_at,omitempty"`
	CancelledAt        string `json:"cancelled_at,omitempty"`
	CreatedAt          string `json:"created_at"`
}

func (h *BookingHandler) Create(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req createBookingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}

	req.SessionID = strings.TrimSpace(req.SessionID)
	req.ExpertID = strings.TrimSpace(req.ExpertID)
	req.ClientName = strings.TrimSpace(req.ClientName)
	req.ClientEmail = strings.TrimSpace(req.ClientEmail)
	if req.SessionID == "" || req.ExpertID == "" || req.ClientName == "" || req.ClientEmail == "" {
		http.Error(w, "missing required fields", http.StatusBadRequest)
		return
	}

	start, err := time.Parse(time.RFC3339, req.StartTime)
	if err != nil {
		http.Error(w, "invalid start_time", http.StatusBadRequest)
		return
	}
	end, err := time.Parse(time.RFC3339, req.EndTime)
	if err != nil {
		http.Error(w, "invalid end_time", http.StatusBadRequest)
		return
	}

	b, err := h.svc.Create(r.Context(), booking.CreateRequest{
		SessionID:   req.SessionID,
		ExpertID:    req.ExpertID,
		Start:       start,
		End:         end,
		Timezone:    strings.TrimSpace(req.Timezone),
		ClientName:  req.ClientName,
		ClientEmail: req.ClientEmail,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toBookingResponse(b))
}

func (h *BookingHandler) Get(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	bookingID := strings.TrimSpace(r.URL.Query().Get("booking_id"))
	if bookingID == "" {
		http.Error(w, "booking_id required", http.StatusBadRequest)
		return
	}
	b, err := h.svc.GetBooking(r.Context(), bookingID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toBookingResponse(b))
}

func (h *BookingHandler) GetBySession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		http.Error(w, "session_id required", http.StatusBadRequest)
		return
	}
	b, err := h.svc.GetBookingBySession(r.Context(), sessionID)
	if err != nil {
		if storage.IsNotFound(err) {
			// No booking for the session is a valid empty result, not 404.
			writeJSON(w, http.StatusOK, map[string]any{"booking": nil})
			return
		}
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"booking": toBookingResponse(b)})
}

func (h *BookingHandler) List(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	expertID := strings.TrimSpace(r.URL.Query().Get("expert_id"))
	if expertID == "" {
		http.Error(w, "expert_id required", http.StatusBadRequest)
		return
	}

	var from, to time.Time
	if raw := strings.TrimSpace(r.URL.Query().Get("start_date")); raw != "" {
		d, err := time.Parse("2006-01-02", raw)
		if err != nil {
			http.Error(w, "invalid start_date", http.StatusBadRequest)
			return
		}
		from = d
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("end_date")); raw != "" {
		d, err := time.Parse("2006-01-02", raw)
		if err != nil {
			http.Error(w, "invalid end_date", http.StatusBadRequest)
			return
		}
		// Inclusive end date: cover the whole day.
		to = d.AddDate(0, 0, 1)
	}

	bookings, err := h.svc.ListExpertBookings(r.Context(), expertID, from, to)
	if err != nil {
		h.writeError(w, err)
		return
	}

	items := make([]bookingResponse, 0, len(bookings))
	for _, b := range bookings {
		items = append(items, toBookingResponse(b))
	}
	writeJSON(w, http.StatusOK, items)
}

type cancelBookingRequest struct {
	BookingID string `json:"booking_id"`
}

func (h *BookingHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req cancelBookingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req.BookingID = strings.TrimSpace(req.BookingID)
	if req.BookingID == "" {
		http.Error(w, "booking_id required", http.StatusBadRequest)
		return
	}

	cancelled, err := h.svc.Cancel(r.Context(), req.BookingID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if !cancelled {
		http.Error(w, "booking not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"booking_id": req.BookingID,
		"cancelled":  true,
	})
}

// writeError maps domain errors onto HTTP statuses. Provider outages stay
// vendor-neutral: the caller gets retry guidance, not upstream error text.
func (h *BookingHandler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, booking.ErrExpertNotFound):
		http.Error(w, "expert not found", http.StatusNotFound)
	case errors.Is(err, booking.ErrSessionNotFound):
		http.Error(w, "session not found", http.StatusNotFound)
	case storage.IsNotFound(err):
		http.Error(w, "booking not found", http.StatusNotFound)
	case errors.Is(err, booking.ErrInvalidSlot):
		http.Error(w, "slot must be exactly one hour with start before end", http.StatusBadRequest)
	case errors.Is(err, booking.ErrSlotUnavailable):
		http.Error(w, "slot no longer available; re-fetch availability and pick another", http.StatusConflict)
	case errors.Is(err, calendar.ErrProviderUnavailable):
		http.Error(w, "calendar provider unavailable, try again shortly", http.StatusServiceUnavailable)
	case errors.Is(err, calendar.ErrCredentialInvalid):
		http.Error(w, "calendar authorization failed", http.StatusBadGateway)
	default:
		h.logger.Error("booking request failed", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func toBookingResponse(b model.Booking) bookingResponse {
	resp := bookingResponse{
		BookingID:   b.ID,
		SessionID:   b.SessionID,
		ExpertID:    b.ExpertID,
		Title:       b.Title,
		StartTime:   b.StartTime.UTC().Format(time.RFC3339),
		EndTime:     b.EndTime.UTC().Format(time.RFC3339),
		Timezone:    b.Timezone,
		ExpertEmail: b.ExpertEmail,
		ClientName:  b.ClientName,
		ClientEmail: b.ClientEmail,
		Status:      string(b.StatusAt(time.Now().UTC())),
		CreatedAt:   b.CreatedAt.UTC().Format(time.RFC3339),
	}
	if b.CalendarEventID != nil {
		resp.CalendarEventID = *b.CalendarEventID
	}
	if b.ConfirmationSentAt != nil {
		resp.ConfirmationSentAt = b.ConfirmationSentAt.UTC().Format(time.RFC3339)
	}
	if b.ReminderSentAt != nil {
		resp.ReminderSentAt = b.ReminderSentAt.UTC().Format(time.RFC3339)
	}
	if b.CancelledAt != nil {
		resp.CancelledAt = b.CancelledAt.UTC().Format(time.RFC3339)
	}
	return resp
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "failed to build response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
