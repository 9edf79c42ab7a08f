// Package calendar mirrors booked slots into an external calendar. Every call
// is advisory: callers log failures and never roll back a booking because of them.
package calendar

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

type ErrorKind string

const (
	KindUnauthorized ErrorKind = "unauthorized"
	KindUnavailable  ErrorKind = "unavailable"
	KindNotFound     ErrorKind = "not_found"
	KindUnknown      ErrorKind = "unknown"
)

type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("calendar %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("calendar %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrBreakerOpen) {
		return KindUnavailable
	}
	return KindUnknown
}

var ErrDisabled = errors.New("calendar sync is not configured")

type Attendee struct {
	PrincipalID string
	Name        string
	Email       string
}

// EventRequest describes an event to create in the organizer's primary calendar.
type EventRequest struct {
	OrganizerID string
	Attendees   []Attendee
	Date        string
	Time        string
	Location    string
	Title       string
	Description string
}

type Adapter interface {
	// CreateEvent returns an opaque reference for later delete/annotate calls.
	CreateEvent(ctx context.Context, req EventRequest) (string, error)
	DeleteEvent(ctx context.Context, ref string) error
	AnnotateCompleted(ctx context.Context, ref string) error
	// Ready reports whether the adapter is configured and usable.
	Ready(ctx context.Context) error
}

// Ref identifies an event by the principal whose calendar holds it. Principal
// ids may contain colons; Google event ids never do, so the last colon splits.
type Ref struct {
	OwnerID string
	EventID string
}

func (r Ref) String() string { return r.OwnerID + ":" + r.EventID }

func ParseRef(raw string) (Ref, error) {
	i := strings.LastIndex(raw, ":")
	if i < 0 {
		return Ref{}, &Error{Kind: KindNotFound, Op: "parse_ref", Err: fmt.Errorf("malformed event reference %q", raw)}
	}
	owner, event := raw[:i], raw[i+1:]
	if owner == "" || event == "" {
		return Ref{}, &Error{Kind: KindNotFound, Op: "parse_ref", Err: fmt.Errorf("malformed event reference %q", raw)}
	}
	return Ref{OwnerID: owner, EventID: event}, nil
}

// Disabled is used when no calendar backend is configured.
type Disabled struct{}

func (Disabled) CreateEvent(context.Context, EventRequest) (string, error) {
	return "", &Error{Kind: KindUnavailable, Op: "create", Err: ErrDisabled}
}

func (Disabled) DeleteEvent(context.Context, string) error {
	return &Error{Kind: KindUnavailable, Op: "delete", Err: ErrDisabled}
}

func (Disabled) AnnotateCompleted(context.Context, string) error {
	return &Error{Kind: KindUnavailable, Op: "annotate", Err: ErrDisabled}
}

func (Disabled) Ready(context.Context) error { return ErrDisabled }
