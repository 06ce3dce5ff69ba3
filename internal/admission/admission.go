// Package admission gates WebSocket upgrades. A request is admitted only when
// its bearer credential resolves to a user who is a member of the target
// conversation; every rejection happens before any session state exists.
package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/Cameroon-Developer-Network/cam-chat/internal/ratelimit"
)

// Kind classifies a rejection.
type Kind int

const (
	BadRequest Kind = iota + 1
	Unauthorized
	Forbidden
	Unavailable
	RateLimited
	Overloaded
)

func (k Kind) String() string {
	switch k {
	case BadRequest:
		return "bad_request"
	case Unauthorized:
		return "unauthorized"
	case Forbidden:
		return "forbidden"
	case Unavailable:
		return "unavailable"
	case RateLimited:
		return "rate_limited"
	case Overloaded:
		return "overloaded"
	default:
		return "unknown"
	}
}

// Error is a rejected admission.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return "admission: " + e.Kind.String()
	}
	return fmt.Sprintf("admission: %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// StatusCode maps the rejection to an HTTP status.
func (e *Error) StatusCode() int {
	switch e.Kind {
	case BadRequest:
		return http.StatusBadRequest
	case Unauthorized:
		return http.StatusUnauthorized
	case Forbidden:
		return http.StatusForbidden
	case RateLimited:
		return http.StatusTooManyRequests
	case Overloaded:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func reject(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// KindOf returns the rejection kind carried by err, or 0.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return 0
}

// CredentialValidator resolves a bearer credential to a user.
type CredentialValidator interface {
	Validate(token string) (uuid.UUID, error)
}

// MembershipChecker answers whether a user belongs to a conversation.
type MembershipChecker interface {
	IsMember(ctx context.Context, conversationID, userID uuid.UUID) (bool, error)
}

// ConnectLimiter throttles upgrade attempts.
type ConnectLimiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
}

// Grant is a successful admission.
type Grant struct {
	UserID         uuid.UUID
	ConversationID uuid.UUID
}

// Admitter runs the admission checks.
type Admitter struct {
	creds   CredentialValidator
	members MembershipChecker
	limiter ConnectLimiter
	rule    ratelimit.Rule
	log     *slog.Logger
}

// NewAdmitter creates an Admitter. limiter may be nil to disable connect
// throttling.
func NewAdmitter(creds CredentialValidator, members MembershipChecker, limiter ConnectLimiter, rule ratelimit.Rule, log *slog.Logger) *Admitter {
	if log == nil {
		log = slog.Default()
	}
	return &Admitter{
		creds:   creds,
		members: members,
		limiter: limiter,
		rule:    rule,
		log:     log.With("component", "admission"),
	}
}

// Admit checks r, routed as /ws/{conversation_id}?token=<bearer>. It has no
// side effects beyond the rate limit counter.
func (a *Admitter) Admit(ctx context.Context, r *http.Request) (Grant, error) {
	if a.limiter != nil {
		ip := clientIP(r)
		// Limiter errors already fail open.
		if ok, _ := a.limiter.Allow(ctx, ip, a.rule); !ok {
			return Grant{}, reject(RateLimited, nil)
		}
	}

	conversationID, err := uuid.Parse(mux.Vars(r)["conversation_id"])
	if err != nil {
		return Grant{}, reject(BadRequest, fmt.Errorf("conversation id: %w", err))
	}

	token := r.URL.Query().Get("token")
	if token == "" {
		return Grant{}, reject(Unauthorized, errors.New("missing token"))
	}
	userID, err := a.creds.Validate(token)
	if err != nil {
		return Grant{}, reject(Unauthorized, err)
	}

	member, err := a.members.IsMember(ctx, conversationID, userID)
	if err != nil {
		a.log.Error("membership lookup failed", "conversation_id", conversationID, "user_id", userID, "err", err)
		return Grant{}, reject(Unavailable, err)
	}
	if !member {
		return Grant{}, reject(Forbidden, nil)
	}

	return Grant{UserID: userID, ConversationID: conversationID}, nil
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
