package google

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	googleoauth "golang.org/x/oauth2/google"
	"golang.org/x/time/rate"
	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"convene/internal/calendar"
	"convene/internal/models"
)

const (
	primaryCalendar = "primary"

	// privateIDKey tags provider events with the internal event id.
	privateIDKey = "conveneEventId"
)

// Gateway implements calendar.Gateway against the Google Calendar v3 API.
// A calendar service is built per call from the participant's bearer token.
type Gateway struct {
	logger    *slog.Logger
	endpoint  string
	transport http.RoundTripper

	rps   rate.Limit
	burst int
	mu    sync.Mutex
	limit map[string]*rate.Limiter
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithEndpoint overrides the API base URL, e.g. for a test server.
func WithEndpoint(url string) Option {
	return func(g *Gateway) { g.endpoint = url }
}

// WithTransport sets the base HTTP transport used under the bearer token.
func WithTransport(rt http.RoundTripper) Option {
	return func(g *Gateway) { g.transport = rt }
}

// WithRateLimit paces calls per participant. rps <= 0 disables pacing.
func WithRateLimit(rps float64, burst int) Option {
	return func(g *Gateway) {
		if rps <= 0 {
			g.rps = rate.Inf
		} else {
			g.rps = rate.Limit(rps)
		}
		if burst > 0 {
			g.burst = burst
		}
	}
}

// NewGateway creates a Google Calendar gateway.
func NewGateway(logger *slog.Logger, opts ...Option) *Gateway {
	g := &Gateway{
		logger:    logger,
		transport: http.DefaultTransport,
		rps:       rate.Limit(10),
		burst:     5,
		limit:     make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// service creates a calendar service authenticated with the credential's token.
func (g *Gateway) service(ctx context.Context, cred calendar.Credential, op string) (*gcal.Service, error) {
	if cred.AccessToken == "" {
		return nil, calendar.NewError(calendar.KindUnauthorized, op, cred.UserID, "missing access token", nil)
	}
	if err := g.wait(ctx, cred.UserID); err != nil {
		return nil, calendar.NewError(calendar.KindProviderUnavailable, op, cred.UserID, "rate limit wait aborted", err)
	}

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cred.AccessToken, TokenType: "Bearer", Expiry: cred.Expiry})
	client := &http.Client{Transport: &oauth2.Transport{Source: ts, Base: g.transport}}

	opts := []option.ClientOption{option.WithHTTPClient(client)}
	if g.endpoint != "" {
		opts = append(opts, option.WithEndpoint(g.endpoint))
	}
	svc, err := gcal.NewService(ctx, opts...)
	if err != nil {
		return nil, calendar.NewError(calendar.KindProviderUnavailable, op, cred.UserID, "failed to create calendar service", err)
	}
	return svc, nil
}

func (g *Gateway) wait(ctx context.Context, key string) error {
	g.mu.Lock()
	l, ok := g.limit[key]
	if !ok {
		l = rate.NewLimiter(g.rps, g.burst)
		g.limit[key] = l
	}
	g.mu.Unlock()
	return l.Wait(ctx)
}

// BusyPeriods queries the free/busy endpoint for the participant's primary calendar.
func (g *Gateway) BusyPeriods(ctx context.Context, cred calendar.Credential, window models.TimeSlot) ([]models.TimeSlot, error) {
	svc, err := g.service(ctx, cred, calendar.OpBusy)
	if err != nil {
		return nil, err
	}

	id := cred.Email
	if id == "" {
		id = primaryCalendar
	}
	g.logger.Debug("Querying free/busy", "user", cred.UserID, "calendar", id, "window", window.String())

	resp, err := svc.Freebusy.Query(&gcal.FreeBusyRequest{
		TimeMin: window.Start.UTC().Format(time.RFC3339),
		TimeMax: window.End.UTC().Format(time.RFC3339),
		Items:   []*gcal.FreeBusyRequestItem{{Id: id}},
	}).Context(ctx).Do()
	if err != nil {
		return nil, classify(err, calendar.OpBusy, cred.UserID)
	}

	fb, ok := resp.Calendars[id]
	if !ok {
		return nil, calendar.NewError(calendar.KindMalformed, calendar.OpBusy, cred.UserID,
			fmt.Sprintf("response has no entry for calendar %q", id), nil)
	}
	if len(fb.Errors) > 0 {
		return nil, freeBusyError(fb.Errors[0], cred.UserID)
	}

	busy := make([]models.TimeSlot, 0, len(fb.Busy))
	for _, p := range fb.Busy {
		start, err := time.Parse(time.RFC3339, p.Start)
		if err != nil {
			return nil, calendar.NewError(calendar.KindMalformed, calendar.OpBusy, cred.UserID, "unparsable busy start", err)
		}
		end, err := time.Parse(time.RFC3339, p.End)
		if err != nil {
			return nil, calendar.NewError(calendar.KindMalformed, calendar.OpBusy, cred.UserID, "unparsable busy end", err)
		}
		busy = append(busy, models.TimeSlot{Start: start, End: end})
	}

	g.logger.Debug("Fetched busy periods", "user", cred.UserID, "count", len(busy))
	return busy, nil
}

// CreateEvent inserts the event on the organizer's primary calendar and
// invites every attendee.
func (g *Gateway) CreateEvent(ctx context.Context, cred calendar.Credential, ev calendar.EventPayload) (string, error) {
	svc, err := g.service(ctx, cred, calendar.OpCreate)
	if err != nil {
		return "", err
	}

	item := toGoogleEvent(ev)
	call := svc.Events.Insert(primaryCalendar, item).SendUpdates("all").Context(ctx)
	if item.ConferenceData != nil {
		call = call.ConferenceDataVersion(1)
	}
	created, err := call.Do()
	if err != nil {
		return "", classify(err, calendar.OpCreate, cred.UserID)
	}
	if created.Id == "" {
		return "", calendar.NewError(calendar.KindMalformed, calendar.OpCreate, cred.UserID, "created event has no id", nil)
	}

	g.logger.Info("Created Google Calendar event", "eventID", ev.InternalID, "providerEventID", created.Id)
	return created.Id, nil
}

// UpdateEvent patches time, details and attendees of an existing event.
func (g *Gateway) UpdateEvent(ctx context.Context, cred calendar.Credential, providerEventID string, ev calendar.EventPayload) error {
	svc, err := g.service(ctx, cred, calendar.OpUpdate)
	if err != nil {
		return err
	}

	item := toGoogleEvent(ev)
	// Conference links are kept from the original insert.
	item.ConferenceData = nil
	if _, err := svc.Events.Patch(primaryCalendar, providerEventID, item).SendUpdates("all").Context(ctx).Do(); err != nil {
		return classify(err, calendar.OpUpdate, cred.UserID)
	}

	g.logger.Info("Updated Google Calendar event", "eventID", ev.InternalID, "providerEventID", providerEventID)
	return nil
}

// DeleteEvent deletes the event. When notify is non-empty the attendee list
// is first narrowed to notify so that only they receive the cancellation.
// An event that is already gone counts as deleted.
func (g *Gateway) DeleteEvent(ctx context.Context, cred calendar.Credential, providerEventID string, notify []string) error {
	svc, err := g.service(ctx, cred, calendar.OpDelete)
	if err != nil {
		return err
	}

	sendUpdates := "none"
	if len(notify) > 0 {
		sendUpdates = "all"
		patch := &gcal.Event{Attendees: attendees(notify)}
		if _, err := svc.Events.Patch(primaryCalendar, providerEventID, patch).SendUpdates("none").Context(ctx).Do(); err != nil {
			if cerr := classify(err, calendar.OpDelete, cred.UserID); cerr.Kind == calendar.KindNotFound {
				return nil
			}
			g.logger.Warn("Could not narrow attendees before delete", "providerEventID", providerEventID, "error", err)
		}
	}

	err = svc.Events.Delete(primaryCalendar, providerEventID).SendUpdates(sendUpdates).Context(ctx).Do()
	if err != nil {
		cerr := classify(err, calendar.OpDelete, cred.UserID)
		if cerr.Kind == calendar.KindNotFound {
			g.logger.Debug("Google Calendar event already gone", "providerEventID", providerEventID)
			return nil
		}
		return cerr
	}

	g.logger.Info("Deleted Google Calendar event", "providerEventID", providerEventID, "notified", len(notify))
	return nil
}

// toGoogleEvent converts an EventPayload to the Google event model.
func toGoogleEvent(ev calendar.EventPayload) *gcal.Event {
	item := &gcal.Event{
		Summary:     ev.Title,
		Description: ev.Description,
		Start:       &gcal.EventDateTime{DateTime: ev.Slot.Start.Format(time.RFC3339)},
		End:         &gcal.EventDateTime{DateTime: ev.Slot.End.Format(time.RFC3339)},
		Attendees:   attendees(ev.Attendees),
		ExtendedProperties: &gcal.EventExtendedProperties{
			Private: map[string]string{privateIDKey: ev.InternalID},
		},
	}

	switch ev.Location {
	case models.LocationMeet:
		item.ConferenceData = &gcal.ConferenceData{
			CreateRequest: &gcal.CreateConferenceRequest{
				RequestId:             ev.InternalID,
				ConferenceSolutionKey: &gcal.ConferenceSolutionKey{Type: "hangoutsMeet"},
			},
		}
	case models.LocationZoom:
		item.Location = "Zoom"
	case models.LocationSkype:
		item.Location = "Skype"
	case models.LocationPhysical:
		item.Location = "In person"
	default:
		item.Location = ev.Location
	}
	return item
}

func attendees(emails []string) []*gcal.EventAttendee {
	out := make([]*gcal.EventAttendee, 0, len(emails))
	for _, e := range emails {
		out = append(out, &gcal.EventAttendee{Email: e})
	}
	return out
}

// OAuthConfig builds the OAuth2 config used for consent and token refresh.
func OAuthConfig(clientID, clientSecret, redirectURL string, scopes []string) (*oauth2.Config, error) {
	if clientID == "" || clientSecret == "" {
		return nil, fmt.Errorf("google client id and secret are required")
	}
	if redirectURL == "" {
		redirectURL = "urn:ietf:wg:oauth:2.0:oob" // desktop app flow
	}
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Scopes:       scopes,
		Endpoint:     googleoauth.Endpoint,
	}, nil
}

// PrimaryCalendarID returns the id of the token owner's primary calendar,
// which for Google accounts is their email address.
func (g *Gateway) PrimaryCalendarID(ctx context.Context, token *oauth2.Token) (string, error) {
	svc, err := g.service(ctx, calendar.Credential{AccessToken: token.AccessToken, Expiry: token.Expiry}, calendar.OpToken)
	if err != nil {
		return "", err
	}
	cal, err := svc.Calendars.Get(primaryCalendar).Context(ctx).Do()
	if err != nil {
		return "", classify(err, calendar.OpToken, "")
	}
	return cal.Id, nil
}
