// Package notify fans a single logical notification out across a user's
// delivery channels: every registered push subscription plus, when the
// message carries email content, the user's email address. Channels fail
// independently; the dispatch as a whole only fails when no channel could
// even be attempted.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/courtsideapp/courtside/internal/metrics"
	"github.com/courtsideapp/courtside/internal/model"
	"github.com/courtsideapp/courtside/internal/push"
	"github.com/courtsideapp/courtside/internal/store"
)

// Bounded fan-out: one slow push endpoint must not starve the others,
// and the transport should not see an unbounded burst.
const maxConcurrentSends = 4

// Message is one logical notification addressed to a user.
type Message struct {
	Type  string // model.NotifType* — checked against the user's preferences
	Push  push.Payload
	Email *Email // nil for push-only messages
}

// Email is the optional email rendering of a message.
type Email struct {
	Subject  string
	HTMLBody string
	TextBody string
}

// Report aggregates per-channel outcomes of one dispatch.
type Report struct {
	Skipped        bool `json:"skipped"` // user preference disabled the category
	PushAttempted  int  `json:"push_attempted"`
	PushDelivered  int  `json:"push_delivered"`
	PushPruned     int  `json:"push_pruned"` // permanently dead endpoints removed
	EmailAttempted bool `json:"email_attempted"`
	EmailSent      bool `json:"email_sent"`

	// Err collects transient per-channel failures. It never makes the
	// dispatch itself fail; callers log it and move on.
	Err error `json:"-"`
}

// Attempted returns the number of deliveries attempted across all channels.
func (r Report) Attempted() int {
	n := r.PushAttempted
	if r.EmailAttempted {
		n++
	}
	return n
}

// PushSender delivers one payload to one subscription.
type PushSender interface {
	Send(sub *model.PushSubscription, payload push.Payload) error
}

// EmailSender delivers one email. Configured reports whether the transport
// has credentials; an unconfigured sender is skipped, not an error.
type EmailSender interface {
	Configured() bool
	Send(ctx context.Context, toEmail, subject, htmlBody, textBody string) error
}

type Dispatcher struct {
	users  *store.UserStore
	subs   *store.PushStore
	push   PushSender
	email  EmailSender
	logger *slog.Logger
}

func NewDispatcher(users *store.UserStore, subs *store.PushStore, pushSender PushSender, emailSender EmailSender, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		users:  users,
		subs:   subs,
		push:   pushSender,
		email:  emailSender,
		logger: logger,
	}
}

// Dispatch delivers msg to every channel the user has registered.
// Per-subscription failures are contained: a dead endpoint is pruned, a
// transient failure is recorded in the report and naturally retried on the
// next cycle. The returned error is non-nil only when the store prevented
// any delivery attempt.
func (d *Dispatcher) Dispatch(ctx context.Context, userID int64, msg Message) (Report, error) {
	enabled, err := d.subs.IsPreferenceEnabled(userID, msg.Type)
	if err != nil {
		return Report{}, fmt.Errorf("load notification preference: %w", err)
	}
	if !enabled {
		return Report{Skipped: true}, nil
	}

	subs, err := d.subs.ListByUser(userID)
	if err != nil {
		return Report{}, fmt.Errorf("list push subscriptions: %w", err)
	}

	var (
		mu     sync.Mutex
		report Report
	)

	g := new(errgroup.Group)
	g.SetLimit(maxConcurrentSends)
	for i := range subs {
		sub := subs[i]
		g.Go(func() error {
			sendErr := d.push.Send(&sub, msg.Push)

			mu.Lock()
			defer mu.Unlock()
			report.PushAttempted++
			switch {
			case sendErr == nil:
				report.PushDelivered++
				metrics.PushDeliveries.WithLabelValues("delivered").Inc()
			case errors.Is(sendErr, push.ErrExpired):
				report.PushPruned++
				metrics.PushDeliveries.WithLabelValues("pruned").Inc()
				if delErr := d.subs.DeleteByEndpoint(sub.Endpoint); delErr != nil {
					d.logger.Error("prune expired subscription", "endpoint", sub.Endpoint, "error", delErr)
				} else {
					d.logger.Info("pruned expired subscription", "user_id", userID, "endpoint", sub.Endpoint)
				}
			default:
				metrics.PushDeliveries.WithLabelValues("transient").Inc()
				report.Err = multierr.Append(report.Err, fmt.Errorf("push to %s: %w", sub.Endpoint, sendErr))
				d.logger.Warn("push delivery failed", "user_id", userID, "endpoint", sub.Endpoint, "error", sendErr)
			}
			return nil
		})
	}

	// Email goes out independently of the push fan-out; a push failure never
	// blocks the email and vice versa.
	emailAttempted, emailSent, emailErr := d.sendEmail(ctx, userID, msg)

	g.Wait()

	report.EmailAttempted = emailAttempted
	report.EmailSent = emailSent
	if emailErr != nil {
		report.Err = multierr.Append(report.Err, emailErr)
	}

	return report, nil
}

func (d *Dispatcher) sendEmail(ctx context.Context, userID int64, msg Message) (attempted, sent bool, err error) {
	if msg.Email == nil || d.email == nil || !d.email.Configured() {
		return false, false, nil
	}

	user, err := d.users.GetByID(userID)
	if err != nil {
		return false, false, fmt.Errorf("load user for email: %w", err)
	}
	if user == nil || user.Email == "" {
		return false, false, nil
	}

	if err := d.email.Send(ctx, user.Email, msg.Email.Subject, msg.Email.HTMLBody, msg.Email.TextBody); err != nil {
		metrics.EmailDeliveries.WithLabelValues("failed").Inc()
		d.logger.Warn("email delivery failed", "user_id", userID, "error", err)
		return true, false, fmt.Errorf("email to user %d: %w", userID, err)
	}
	metrics.EmailDeliveries.WithLabelValues("sent").Inc()
	return true, true, nil
}
