package httpapi

import (
	"net/http"
	"time"

	"github.com/louisbranch/nyra/internal/services/connect/gateway"
)

type mailRequest struct {
	UserID  string   `json:"user_id"`
	To      []string `json:"to"`
	Cc      []string `json:"cc"`
	Subject string   `json:"subject"`
	Body    string   `json:"body"`
	HTML    bool     `json:"html"`
}

type mailResponse struct {
	ID       string `json:"id"`
	ThreadID string `json:"thread_id,omitempty"`
}

func (h *handler) handleMailSend(w http.ResponseWriter, r *http.Request) {
	var req mailRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	sent, err := h.mail.Send(r.Context(), req.UserID, gateway.Message{
		To:      req.To,
		Cc:      req.Cc,
		Subject: req.Subject,
		Body:    req.Body,
		HTML:    req.HTML,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, mailResponse{ID: sent.ID, ThreadID: sent.ThreadID})
}

type calendarRequest struct {
	UserID      string    `json:"user_id"`
	CalendarID  string    `json:"calendar_id"`
	Summary     string    `json:"summary"`
	Description string    `json:"description"`
	Location    string    `json:"location"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	TimeZone    string    `json:"time_zone"`
	Attendees   []string  `json:"attendees"`
}

type calendarResponse struct {
	ID       string `json:"id"`
	HTMLLink string `json:"html_link,omitempty"`
}

func (h *handler) handleCalendarEvent(w http.ResponseWriter, r *http.Request) {
	var req calendarRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	created, err := h.calendar.CreateEvent(r.Context(), req.UserID, gateway.Event{
		CalendarID:  req.CalendarID,
		Summary:     req.Summary,
		Description: req.Description,
		Location:    req.Location,
		Start:       req.Start,
		End:         req.End,
		TimeZone:    req.TimeZone,
		Attendees:   req.Attendees,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, calendarResponse{ID: created.ID, HTMLLink: created.HTMLLink})
}
