package credentials

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"convene/internal/calendar"
	"convene/internal/models"
)

// Provider is the identity/credential provider: it yields an access token
// and its granted scopes for a user.
type Provider interface {
	AccessToken(ctx context.Context, userID string, profile ScopeProfile) (calendar.Credential, error)
}

// Outcome is the token-resolution result for one participant. Exactly one of
// Credential (when Err is nil) or Err is meaningful.
type Outcome struct {
	Participant models.Participant
	Credential  calendar.Credential
	Err         error
}

// OK reports whether the participant's credential resolved.
func (o Outcome) OK() bool {
	return o.Err == nil
}

// Failures returns the unsuccessful outcomes in input order.
func Failures(outcomes []Outcome) []Outcome {
	var out []Outcome
	for _, o := range outcomes {
		if !o.OK() {
			out = append(out, o)
		}
	}
	return out
}

// Stage resolves credentials for many participants concurrently.
type Stage struct {
	provider    Provider
	cache       *Cache
	logger      *slog.Logger
	concurrency int
}

// NewStage creates a Stage. cache may be nil to disable caching.
// concurrency <= 0 means one goroutine per participant.
func NewStage(provider Provider, cache *Cache, logger *slog.Logger, concurrency int) *Stage {
	return &Stage{provider: provider, cache: cache, logger: logger, concurrency: concurrency}
}

// Cache returns the stage's credential cache, which may be nil.
func (s *Stage) Cache() *Cache {
	return s.cache
}

// Resolve returns one outcome per participant, in input order, once every
// participant has one. onOutcome, if non-nil, is called as each outcome
// becomes available and may be called from several goroutines.
func (s *Stage) Resolve(ctx context.Context, participants []models.Participant, profile ScopeProfile, onOutcome func(Outcome)) []Outcome {
	outcomes := make([]Outcome, len(participants))

	var g errgroup.Group
	if s.concurrency > 0 {
		g.SetLimit(s.concurrency)
	}
	for i, p := range participants {
		g.Go(func() error {
			o := s.ResolveOne(ctx, p, profile)
			outcomes[i] = o
			if onOutcome != nil {
				onOutcome(o)
			}
			return nil
		})
	}
	_ = g.Wait()

	return outcomes
}

// ResolveOne resolves a single participant.
func (s *Stage) ResolveOne(ctx context.Context, p models.Participant, profile ScopeProfile) Outcome {
	load := func(ctx context.Context) (calendar.Credential, error) {
		return s.provider.AccessToken(ctx, p.UserID, profile)
	}

	var (
		cred calendar.Credential
		err  error
	)
	if s.cache != nil {
		cred, err = s.cache.Get(ctx, p.UserID, profile, load)
	} else {
		cred, err = load(ctx)
	}
	if err != nil {
		err = asCredentialError(err, p.UserID)
		s.logger.Warn("Credential resolution failed", "user", p.UserID, "profile", profile, "error", err)
		return Outcome{Participant: p, Err: err}
	}

	if missing := profile.Missing(cred.Scopes); len(missing) > 0 && cred.Provider == calendar.ProviderGoogle {
		if s.cache != nil {
			s.cache.Invalidate(p.UserID, profile)
		}
		err := calendar.NewError(calendar.KindInsufficientScope, calendar.OpToken, p.UserID,
			"missing scopes: "+strings.Join(missing, " "), nil)
		s.logger.Warn("Credential lacks required scopes", "user", p.UserID, "profile", profile, "missing", missing)
		return Outcome{Participant: p, Err: err}
	}

	if cred.Email == "" {
		cred.Email = p.Email
	}
	if cred.UserID == "" {
		cred.UserID = p.UserID
	}
	return Outcome{Participant: p, Credential: cred}
}

// asCredentialError ensures err is a *calendar.Error naming the participant.
// Context cancellation is passed through untouched.
func asCredentialError(err error, userID string) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var cerr *calendar.Error
	if errors.As(err, &cerr) {
		if cerr.Participant != "" {
			return cerr
		}
		named := *cerr
		named.Participant = userID
		return &named
	}
	return calendar.NewError(calendar.KindUnauthorized, calendar.OpToken, userID, "could not obtain access token", err)
}
