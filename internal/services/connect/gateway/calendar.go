package gateway

import (
	"context"
	"strings"
	"time"

	"google.golang.org/api/calendar/v3"

	apperrors "github.com/louisbranch/nyra/internal/platform/errors"
)

// DefaultCalendarID is the user's main calendar.
const DefaultCalendarID = "primary"

// Event is a calendar entry to create.
type Event struct {
	CalendarID  string
	Summary     string
	Description string
	Location    string
	Start       time.Time
	End         time.Time
	// TimeZone is an IANA zone name; empty keeps the offsets in Start and End.
	TimeZone  string
	Attendees []string
}

// CreatedEvent identifies a created calendar entry.
type CreatedEvent struct {
	ID       string
	HTMLLink string
}

// Calendar creates events in Google Calendar as the connected user.
type Calendar struct {
	tokens TokenSource
	opts   options
}

// NewCalendar builds a calendar client.
func NewCalendar(tokens TokenSource, opts ...Option) *Calendar {
	return &Calendar{tokens: tokens, opts: buildOptions(opts)}
}

// CreateEvent inserts event into userID's calendar.
func (c *Calendar) CreateEvent(ctx context.Context, userID string, event Event) (CreatedEvent, error) {
	userID, err := requireUser(userID)
	if err != nil {
		return CreatedEvent{}, err
	}
	body, calendarID, err := toCalendarEvent(event)
	if err != nil {
		return CreatedEvent{}, err
	}

	svc, err := calendar.NewService(ctx, c.opts.clientOptions(c.tokens, userID)...)
	if err != nil {
		return CreatedEvent{}, apperrors.Wrap(apperrors.CodeDownstreamFailed, "create calendar client", err)
	}
	created, err := svc.Events.Insert(calendarID, body).Context(ctx).Do()
	if err != nil {
		return CreatedEvent{}, mapError("create event", err)
	}
	return CreatedEvent{ID: created.Id, HTMLLink: created.HtmlLink}, nil
}

func toCalendarEvent(event Event) (*calendar.Event, string, error) {
	summary := strings.TrimSpace(event.Summary)
	if summary == "" {
		return nil, "", apperrors.New(apperrors.CodeInvalidArgument, "event summary is required")
	}
	if event.Start.IsZero() || event.End.IsZero() {
		return nil, "", apperrors.New(apperrors.CodeInvalidArgument, "event start and end are required")
	}
	if !event.End.After(event.Start) {
		return nil, "", apperrors.New(apperrors.CodeInvalidArgument, "event end must be after start")
	}
	timeZone := strings.TrimSpace(event.TimeZone)
	if timeZone != "" {
		if _, err := time.LoadLocation(timeZone); err != nil {
			return nil, "", apperrors.Wrap(apperrors.CodeInvalidArgument, "invalid time zone", err)
		}
	}
	calendarID := strings.TrimSpace(event.CalendarID)
	if calendarID == "" {
		calendarID = DefaultCalendarID
	}

	attendees, err := parseAddresses("attendee", event.Attendees)
	if err != nil {
		return nil, "", err
	}
	body := &calendar.Event{
		Summary:     summary,
		Description: strings.TrimSpace(event.Description),
		Location:    strings.TrimSpace(event.Location),
		Start:       &calendar.EventDateTime{DateTime: event.Start.Format(time.RFC3339), TimeZone: timeZone},
		End:         &calendar.EventDateTime{DateTime: event.End.Format(time.RFC3339), TimeZone: timeZone},
	}
	for _, addr := range attendees {
		body.Attendees = append(body.Attendees, &calendar.EventAttendee{Email: addr.Address, DisplayName: addr.Name})
	}
	return body, calendarID, nil
}
