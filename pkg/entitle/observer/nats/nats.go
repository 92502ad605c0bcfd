// Package nats publishes entitlement changes to a NATS subject so other services
// can react without polling profiles.
package nats

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/mihaimyh/goentitle/pkg/entitle"
)

// DefaultSubject is used when Config.Subject is empty.
const DefaultSubject = "entitlements.changed"

// Publisher is the subset of *nats.Conn used by Observer.
type Publisher interface {
	Publish(subject string, data []byte) error
}

var _ Publisher = (*nats.Conn)(nil)

// Change is the message body published for every entitlement write.
type Change struct {
	UserID             string         `json:"userId"`
	Source             string         `json:"source"` // "event" or "sync"
	EventID            string         `json:"eventId,omitempty"`
	EventType          string         `json:"eventType,omitempty"`
	SubscriptionStatus entitle.Status `json:"subscriptionStatus"`
	IsPro              bool           `json:"isPro"`
	CurrentPeriodEnd   *time.Time     `json:"currentPeriodEnd,omitempty"`
	At                 time.Time      `json:"at"`
}

// Config configures the NATS observer.
type Config struct {
	Subject string
	Logger  entitle.Logger
	Now     func() time.Time
}

// Observer publishes a Change after every applied event and every successful sync.
// Publishing is fire-and-forget: failures are logged and never reach the engine.
type Observer struct {
	entitle.NoopObserver

	pub     Publisher
	subject string
	logger  entitle.Logger
	now     func() time.Time
}

// NewObserver creates an observer publishing through pub.
func NewObserver(pub Publisher, config Config) *Observer {
	if config.Subject == "" {
		config.Subject = DefaultSubject
	}
	if config.Logger == nil {
		config.Logger = &entitle.NoopLogger{}
	}
	if config.Now == nil {
		config.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Observer{pub: pub, subject: config.Subject, logger: config.Logger, now: config.Now}
}

// Connect dials url and returns an observer that owns the connection.
func Connect(url string, config Config, opts ...nats.Option) (*Observer, *nats.Conn, error) {
	opts = append([]nats.Option{nats.Name("goentitle")}, opts...)
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, nil, err
	}
	return NewObserver(nc, config), nc, nil
}

func (o *Observer) EventApplied(_ context.Context, event *entitle.BillingEvent, userID string, update entitle.ProfileUpdate) {
	if update.Entitlement == nil {
		return
	}
	change := Change{
		UserID:             userID,
		Source:             "event",
		EventID:            event.ID,
		EventType:          string(event.Type),
		SubscriptionStatus: update.Entitlement.Status,
		IsPro:              update.Entitlement.IsPro,
		At:                 o.now(),
	}
	if update.Entitlement.SetPeriodEnd {
		change.CurrentPeriodEnd = update.Entitlement.PeriodEnd
	}
	o.publish(change)
}

func (o *Observer) SyncCompleted(_ context.Context, userID string, result entitle.SyncResult, _ time.Duration, err error) {
	if err != nil || !result.FoundCustomer {
		return
	}
	o.publish(Change{
		UserID:             userID,
		Source:             "sync",
		SubscriptionStatus: result.SubscriptionStatus,
		IsPro:              result.IsPro,
		At:                 o.now(),
	})
}

func (o *Observer) publish(change Change) {
	data, err := json.Marshal(change)
	if err != nil {
		o.logger.Error("failed to encode entitlement change", entitle.Field{Key: "error", Value: err.Error()})
		return
	}
	if err := o.pub.Publish(o.subject, data); err != nil {
		o.logger.Warn("failed to publish entitlement change",
			entitle.Field{Key: "user_id", Value: change.UserID},
			entitle.Field{Key: "subject", Value: o.subject},
			entitle.Field{Key: "error", Value: err.Error()},
		)
	}
}
