package caldav

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-ical"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"convene/internal/calendar"
	"convene/internal/models"
)

var window = models.TimeSlot{
	Start: time.Date(2025, time.March, 3, 0, 0, 0, 0, time.UTC),
	End:   time.Date(2025, time.March, 8, 0, 0, 0, 0, time.UTC),
}

func decodeEvents(t *testing.T, body string) []ical.Event {
	t.Helper()
	body = strings.ReplaceAll(body, "\n", "\r\n")
	cal, err := ical.NewDecoder(strings.NewReader(body)).Decode()
	require.NoError(t, err)
	return cal.Events()
}

func TestOccurrencesSingleEvent(t *testing.T) {
	events := decodeEvents(t, `BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//test//EN
BEGIN:VEVENT
UID:one
DTSTAMP:20250301T000000Z
DTSTART:20250303T090000Z
DTEND:20250303T120000Z
SUMMARY:Standup block
END:VEVENT
END:VCALENDAR
`)
	require.Len(t, events, 1)

	got, err := occurrences(events[0], window)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].Equal(models.TimeSlot{
		Start: time.Date(2025, time.March, 3, 9, 0, 0, 0, time.UTC),
		End:   time.Date(2025, time.March, 3, 12, 0, 0, 0, time.UTC),
	}))
}

func TestOccurrencesRecurring(t *testing.T) {
	events := decodeEvents(t, `BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//test//EN
BEGIN:VEVENT
UID:daily
DTSTAMP:20250301T000000Z
DTSTART:20250224T090000Z
DURATION:PT3H
RRULE:FREQ=DAILY;BYDAY=MO,TU,WE,TH,FR
SUMMARY:Focus time
END:VEVENT
END:VCALENDAR
`)
	require.Len(t, events, 1)

	got, err := occurrences(events[0], window)
	require.NoError(t, err)
	require.Len(t, got, 5)
	for i, s := range got {
		assert.Equal(t, 9, s.Start.Hour(), "occurrence %d", i)
		assert.Equal(t, 3*time.Hour, s.Duration())
	}
}

func TestOccurrencesSkipsFreeAndCancelled(t *testing.T) {
	events := decodeEvents(t, `BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//test//EN
BEGIN:VEVENT
UID:transparent
DTSTAMP:20250301T000000Z
DTSTART:20250303T090000Z
DTEND:20250303T100000Z
TRANSP:TRANSPARENT
END:VEVENT
BEGIN:VEVENT
UID:cancelled
DTSTAMP:20250301T000000Z
DTSTART:20250303T110000Z
DTEND:20250303T120000Z
STATUS:CANCELLED
END:VEVENT
END:VCALENDAR
`)
	require.Len(t, events, 2)
	for _, ev := range events {
		got, err := occurrences(ev, window)
		require.NoError(t, err)
		assert.Empty(t, got)
	}
}

func TestToICal(t *testing.T) {
	comp := toICal("uid-1", calendar.EventPayload{
		InternalID: "evt-1",
		Title:      "Planning",
		Location:   "Room 4",
		Slot:       models.NewSlot(window.Start.Add(10*time.Hour), 30*time.Minute),
		Organizer:  "alice@example.com",
		Attendees:  []string{"bob@example.com", "carol@example.com"},
	})

	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, productID)
	cal.Children = append(cal.Children, comp)

	var buf bytes.Buffer
	require.NoError(t, ical.NewEncoder(&buf).Encode(cal))
	out := buf.String()

	assert.Contains(t, out, "UID:uid-1")
	assert.Contains(t, out, "SUMMARY:Planning")
	assert.Contains(t, out, "DTSTART:20250303T100000Z")
	assert.Contains(t, out, "DTEND:20250303T103000Z")
	assert.Contains(t, out, "mailto:carol@example.com")
	assert.Contains(t, out, "X-CONVENE-EVENT-ID:evt-1")
}

func TestStatusTransportClassification(t *testing.T) {
	tests := []struct {
		status int
		want   calendar.Kind
	}{
		{http.StatusUnauthorized, calendar.KindUnauthorized},
		{http.StatusForbidden, calendar.KindInsufficientScope},
		{http.StatusNotFound, calendar.KindNotFound},
		{http.StatusServiceUnavailable, calendar.KindProviderUnavailable},
		{http.StatusConflict, calendar.KindMalformed},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				user, pass, ok := r.BasicAuth()
				assert.True(t, ok)
				assert.Equal(t, "alice", user)
				assert.Equal(t, "app-password", pass)
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			st := &statusTransport{Username: "alice", Password: "app-password", Transport: http.DefaultTransport}
			resp, err := (&http.Client{Transport: st}).Get(srv.URL)
			require.NoError(t, err)
			resp.Body.Close()

			s := &session{transport: st, cred: calendar.Credential{UserID: "usr-alice"}}
			cerr := s.classify(errors.New("boom"), calendar.OpBusy)
			assert.Equal(t, tt.want, cerr.Kind)
			assert.Equal(t, "usr-alice", cerr.Participant)
		})
	}
}

func TestGatewayRequiresCredentials(t *testing.T) {
	g := NewGateway(slog.New(slog.NewTextHandler(io.Discard, nil)), "", "", nil)

	_, err := g.BusyPeriods(context.Background(), calendar.Credential{UserID: "usr-bob"}, window)
	assert.ErrorIs(t, err, calendar.ErrUnauthorized)
}
