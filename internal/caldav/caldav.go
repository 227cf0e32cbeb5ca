package caldav

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/caldav"
	"github.com/google/uuid"

	"convene/internal/calendar"
	"convene/internal/models"
)

const (
	// ICloudEndpoint is the default CalDAV server.
	ICloudEndpoint = "https://caldav.icloud.com/"

	productID = "-//convene//EN"
)

// statusTransport adds Basic Auth and remembers the last failing status
// code so errors from the CalDAV client can be classified.
type statusTransport struct {
	Username  string
	Password  string
	Transport http.RoundTripper

	mu     sync.Mutex
	status int
}

// RoundTrip adds required headers and authentication to each request.
func (t *statusTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.SetBasicAuth(t.Username, t.Password)
	req.Header.Set("User-Agent", "convene/1.0")
	resp, err := t.Transport.RoundTrip(req)
	if err == nil && resp.StatusCode >= 400 {
		t.mu.Lock()
		t.status = resp.StatusCode
		t.mu.Unlock()
	}
	return resp, err
}

func (t *statusTransport) lastStatus() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Gateway implements calendar.Gateway for CalDAV servers such as iCloud.
// The credential's Username and AccessToken are used as Basic Auth.
type Gateway struct {
	logger       *slog.Logger
	endpoint     string
	calendarName string
	transport    http.RoundTripper

	mu        sync.Mutex
	calendars map[string]string // username -> calendar path
}

// NewGateway creates a CalDAV gateway. calendarName selects the calendar to
// read and write; when empty the first calendar supporting events is used.
func NewGateway(logger *slog.Logger, endpoint, calendarName string, transport http.RoundTripper) *Gateway {
	if endpoint == "" {
		endpoint = ICloudEndpoint
	}
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &Gateway{
		logger:       logger,
		endpoint:     endpoint,
		calendarName: calendarName,
		transport:    transport,
		calendars:    make(map[string]string),
	}
}

type session struct {
	caldav    *caldav.Client
	webdav    *webdav.Client
	transport *statusTransport
	calendar  string
	cred      calendar.Credential
}

// classify turns a CalDAV client failure into a typed gateway error.
func (s *session) classify(err error, op string) *calendar.Error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return calendar.NewError(calendar.KindProviderUnavailable, op, s.cred.UserID, "request aborted", err)
	}
	switch code := s.transport.lastStatus(); {
	case code == http.StatusUnauthorized:
		return calendar.NewError(calendar.KindUnauthorized, op, s.cred.UserID, "credentials rejected", err)
	case code == http.StatusForbidden:
		return calendar.NewError(calendar.KindInsufficientScope, op, s.cred.UserID, "access to calendar denied", err)
	case code == http.StatusNotFound || code == http.StatusGone:
		return calendar.NewError(calendar.KindNotFound, op, s.cred.UserID, "calendar object not found", err)
	case code >= 500 || code == http.StatusTooManyRequests || code == 0:
		return calendar.NewError(calendar.KindProviderUnavailable, op, s.cred.UserID, "caldav request failed", err)
	default:
		return calendar.NewError(calendar.KindMalformed, op, s.cred.UserID, fmt.Sprintf("unexpected status %d", code), err)
	}
}

// open creates authenticated clients for cred and resolves its calendar.
func (g *Gateway) open(ctx context.Context, cred calendar.Credential, op string) (*session, error) {
	if cred.Username == "" || cred.AccessToken == "" {
		return nil, calendar.NewError(calendar.KindUnauthorized, op, cred.UserID, "missing caldav credentials", nil)
	}

	transport := &statusTransport{Username: cred.Username, Password: cred.AccessToken, Transport: g.transport}
	httpClient := &http.Client{Transport: transport}

	caldavClient, err := caldav.NewClient(httpClient, g.endpoint)
	if err != nil {
		return nil, calendar.NewError(calendar.KindProviderUnavailable, op, cred.UserID, "failed to create caldav client", err)
	}
	webdavClient, err := webdav.NewClient(httpClient, g.endpoint)
	if err != nil {
		return nil, calendar.NewError(calendar.KindProviderUnavailable, op, cred.UserID, "failed to create webdav client", err)
	}

	s := &session{caldav: caldavClient, webdav: webdavClient, transport: transport, cred: cred}

	g.mu.Lock()
	calPath, ok := g.calendars[cred.Username]
	g.mu.Unlock()
	if !ok {
		calPath, err = g.findCalendar(ctx, s)
		if err != nil {
			return nil, err
		}
		g.mu.Lock()
		g.calendars[cred.Username] = calPath
		g.mu.Unlock()
	}
	s.calendar = calPath
	return s, nil
}

// findCalendar discovers the user's calendars and returns the path of the
// configured one.
func (g *Gateway) findCalendar(ctx context.Context, s *session) (string, error) {
	principalPath, err := s.caldav.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return "", s.classify(err, calendar.OpToken)
	}

	homeSetPath, err := s.caldav.FindCalendarHomeSet(ctx, principalPath)
	if err != nil {
		return "", s.classify(err, calendar.OpToken)
	}

	calendars, err := s.caldav.FindCalendars(ctx, homeSetPath)
	if err != nil {
		return "", s.classify(err, calendar.OpToken)
	}

	for _, cal := range calendars {
		if g.calendarName != "" && cal.Name != g.calendarName {
			continue
		}
		if !supportsEvents(cal) {
			continue
		}
		g.logger.Debug("Using CalDAV calendar", "user", s.cred.UserID, "calendar", cal.Name, "path", cal.Path)
		return cal.Path, nil
	}

	return "", calendar.NewError(calendar.KindInsufficientScope, calendar.OpToken, s.cred.UserID,
		fmt.Sprintf("no calendar found with name %q", g.calendarName), nil)
}

func supportsEvents(cal caldav.Calendar) bool {
	if len(cal.SupportedComponentSet) == 0 {
		return true
	}
	for _, c := range cal.SupportedComponentSet {
		if strings.EqualFold(c, ical.CompEvent) {
			return true
		}
	}
	return false
}

// BusyPeriods returns the occurrences of opaque, non-cancelled events that
// intersect window. Recurring events are expanded.
func (g *Gateway) BusyPeriods(ctx context.Context, cred calendar.Credential, window models.TimeSlot) ([]models.TimeSlot, error) {
	s, err := g.open(ctx, cred, calendar.OpBusy)
	if err != nil {
		return nil, err
	}

	query := &caldav.CalendarQuery{
		CompRequest: caldav.CalendarCompRequest{
			Name:     ical.CompCalendar,
			AllProps: true,
			AllComps: true,
		},
		CompFilter: caldav.CompFilter{
			Name: ical.CompCalendar,
			Comps: []caldav.CompFilter{{
				Name:  ical.CompEvent,
				Start: window.Start.UTC(),
				End:   window.End.UTC(),
			}},
		},
	}

	objects, err := s.caldav.QueryCalendar(ctx, s.calendar, query)
	if err != nil {
		return nil, s.classify(err, calendar.OpBusy)
	}

	var busy []models.TimeSlot
	for _, obj := range objects {
		if obj.Data == nil {
			continue
		}
		for _, ev := range obj.Data.Events() {
			slots, err := occurrences(ev, window)
			if err != nil {
				return nil, calendar.NewError(calendar.KindMalformed, calendar.OpBusy, cred.UserID,
					fmt.Sprintf("bad event in %s", obj.Path), err)
			}
			busy = append(busy, slots...)
		}
	}

	g.logger.Debug("Fetched CalDAV busy periods", "user", cred.UserID, "count", len(busy))
	return busy, nil
}

// occurrences returns the busy intervals contributed by one VEVENT.
func occurrences(ev ical.Event, window models.TimeSlot) ([]models.TimeSlot, error) {
	if status, _ := ev.Props.Text(ical.PropStatus); strings.EqualFold(status, "CANCELLED") {
		return nil, nil
	}
	if transp, _ := ev.Props.Text(ical.PropTransparency); strings.EqualFold(transp, "TRANSPARENT") {
		return nil, nil
	}

	start, err := ev.DateTimeStart(time.UTC)
	if err != nil {
		return nil, fmt.Errorf("parse DTSTART: %w", err)
	}
	length, err := eventLength(ev, start)
	if err != nil {
		return nil, err
	}
	if length <= 0 {
		return nil, nil
	}

	starts := []time.Time{start}
	set, err := ev.RecurrenceSet(time.UTC)
	if err != nil {
		return nil, fmt.Errorf("parse recurrence: %w", err)
	}
	if set != nil {
		starts = set.Between(window.Start.Add(-length), window.End, true)
	}

	var out []models.TimeSlot
	for _, st := range starts {
		slot := models.NewSlot(st, length)
		if slot.Start.Before(window.End) && window.Start.Before(slot.End) {
			out = append(out, slot)
		}
	}
	return out, nil
}

func eventLength(ev ical.Event, start time.Time) (time.Duration, error) {
	if prop := ev.Props.Get(ical.PropDateTimeEnd); prop != nil {
		end, err := ev.DateTimeEnd(time.UTC)
		if err != nil {
			return 0, fmt.Errorf("parse DTEND: %w", err)
		}
		return end.Sub(start), nil
	}
	if prop := ev.Props.Get(ical.PropDuration); prop != nil {
		d, err := prop.Duration()
		if err != nil {
			return 0, fmt.Errorf("parse DURATION: %w", err)
		}
		return d, nil
	}
	if prop := ev.Props.Get(ical.PropDateTimeStart); prop != nil && prop.ValueType() == ical.ValueDate {
		return 24 * time.Hour, nil
	}
	return 0, nil
}

// CreateEvent writes a new VEVENT and returns its UID as the provider id.
func (g *Gateway) CreateEvent(ctx context.Context, cred calendar.Credential, ev calendar.EventPayload) (string, error) {
	uid := GenerateUID()
	if err := g.put(ctx, cred, uid, ev, calendar.OpCreate); err != nil {
		return "", err
	}
	g.logger.Info("Created CalDAV event", "eventID", ev.InternalID, "uid", uid)
	return uid, nil
}

// UpdateEvent overwrites the VEVENT stored under providerEventID.
func (g *Gateway) UpdateEvent(ctx context.Context, cred calendar.Credential, providerEventID string, ev calendar.EventPayload) error {
	if err := g.put(ctx, cred, providerEventID, ev, calendar.OpUpdate); err != nil {
		return err
	}
	g.logger.Info("Updated CalDAV event", "eventID", ev.InternalID, "uid", providerEventID)
	return nil
}

func (g *Gateway) put(ctx context.Context, cred calendar.Credential, uid string, ev calendar.EventPayload, op string) error {
	s, err := g.open(ctx, cred, op)
	if err != nil {
		return err
	}

	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, productID)
	cal.Children = append(cal.Children, toICal(uid, ev))

	if _, err := s.caldav.PutCalendarObject(ctx, objectPath(s.calendar, uid), cal); err != nil {
		return s.classify(err, op)
	}
	return nil
}

// DeleteEvent removes the event's calendar object. CalDAV servers send
// their own scheduling messages, so notify is not used. A missing object
// counts as deleted.
func (g *Gateway) DeleteEvent(ctx context.Context, cred calendar.Credential, providerEventID string, notify []string) error {
	s, err := g.open(ctx, cred, calendar.OpDelete)
	if err != nil {
		return err
	}

	if err := s.webdav.RemoveAll(ctx, objectPath(s.calendar, providerEventID)); err != nil {
		cerr := s.classify(err, calendar.OpDelete)
		if cerr.Kind == calendar.KindNotFound {
			return nil
		}
		return cerr
	}
	g.logger.Info("Deleted CalDAV event", "uid", providerEventID)
	return nil
}

func objectPath(calendarPath, uid string) string {
	return path.Join(calendarPath, uid+".ics")
}

// toICal converts an EventPayload to a VEVENT component.
func toICal(uid string, ev calendar.EventPayload) *ical.Component {
	ve := ical.NewComponent(ical.CompEvent)
	ve.Props.SetText(ical.PropUID, uid)
	ve.Props.SetText(ical.PropSummary, ev.Title)
	ve.Props.SetDateTime(ical.PropDateTimeStamp, time.Now().UTC())
	ve.Props.SetDateTime(ical.PropDateTimeStart, ev.Slot.Start.UTC())
	ve.Props.SetDateTime(ical.PropDateTimeEnd, ev.Slot.End.UTC())

	if ev.Description != "" {
		ve.Props.SetText(ical.PropDescription, ev.Description)
	}
	if ev.Location != "" {
		ve.Props.SetText(ical.PropLocation, ev.Location)
	}
	if ev.Organizer != "" {
		p := ical.NewProp(ical.PropOrganizer)
		p.SetText(fmt.Sprintf("mailto:%s", ev.Organizer))
		ve.Props.Add(p)
	}
	for _, attendee := range ev.Attendees {
		p := ical.NewProp(ical.PropAttendee)
		p.SetText(fmt.Sprintf("mailto:%s", attendee))
		ve.Props.Add(p)
	}

	internal := ical.NewProp("X-CONVENE-EVENT-ID")
	internal.SetText(ev.InternalID)
	ve.Props.Add(internal)
	return ve
}

// GenerateUID creates a new unique identifier for an event.
func GenerateUID() string {
	return uuid.New().String()
}
