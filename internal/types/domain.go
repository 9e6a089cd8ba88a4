package types

import (
	"fmt"
	"time"
)

// User is the directory's view of an account. The lifecycle core treats it
// as read-only; the only mutation it performs is applying a lockout through
// the lockout store.
type User struct {
	ID             int64
	Name           string
	Email          string
	LastActivityAt time.Time
	// LastEditAt is the timestamp of the user's most recent content edit,
	// nil when the user never edited anything.
	LastEditAt  *time.Time
	IsExempt    bool
	IsLockedOut bool
	// LastNotifiedAt is the most recent ledger entry of any kind, populated
	// by the candidate query for reporting.
	LastNotifiedAt *time.Time
}

// HasEmail reports whether the user can receive notifications.
func (u User) HasEmail() bool {
	return u.Email != ""
}

// MailKind distinguishes ledger entries. The numeric values are persisted.
type MailKind int

const (
	MailKindWarning MailKind = 0
	MailKindLockout MailKind = 1
)

func (k MailKind) String() string {
	switch k {
	case MailKindWarning:
		return "warning"
	case MailKindLockout:
		return "lockout"
	default:
		return fmt.Sprintf("mail_kind(%d)", int(k))
	}
}

// Valid reports whether k is one of the known kinds.
func (k MailKind) Valid() bool {
	return k == MailKindWarning || k == MailKindLockout
}

// NotificationRecord is one immutable ledger row. SentAt is the instant the
// notice is attributed to (a delayed warning carries its original schedule);
// RecordedAt is the reference time of the run that wrote it.
type NotificationRecord struct {
	ID          int64
	UserID      int64
	SentAt      time.Time
	RecordedAt  time.Time
	Destination string
	SentAttempt int
	Kind        MailKind
}

// MissedWarning is a scheduled warning day that passed without a matching
// ledger entry.
type MissedWarning struct {
	Day         int
	ScheduledAt time.Time
}

// MailStatus is the transport outcome. Message carries the provider message
// id on success and the failure text otherwise.
type MailStatus struct {
	OK      bool
	Message string
}

// SendInput is the transport contract for one pre-rendered email.
type SendInput struct {
	To          string
	From        SenderIdentity
	Subject     string
	BodyText    string
	BodyHTML    string
	ReferenceID string
}

// SenderIdentity defines the sender for outgoing emails.
type SenderIdentity struct {
	Name    string
	Address string
}

// LifecycleAction is the single action taken for a user in one run.
type LifecycleAction string

const (
	ActionNone             LifecycleAction = "none"
	ActionLockout          LifecycleAction = "lockout"
	ActionDelayedWarning   LifecycleAction = "delayed_warning"
	ActionScheduledWarning LifecycleAction = "scheduled_warning"
)

// Sends reports whether the action delivers an email.
func (a LifecycleAction) Sends() bool {
	return a == ActionLockout || a == ActionDelayedWarning || a == ActionScheduledWarning
}

// LockoutEvent is published after an account was locked out.
type LockoutEvent struct {
	EventID   string    `json:"event_id"`
	UserID    int64     `json:"user_id"`
	UserName  string    `json:"user_name"`
	Reason    string    `json:"reason"`
	Performer string    `json:"performer"`
	LockedAt  time.Time `json:"locked_at"`
}
