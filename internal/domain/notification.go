package domain

import (
	"time"

	"github.com/google/uuid"
)

type NotificationType string

const (
	NotifySuccess NotificationType = "success"
	NotifyError   NotificationType = "error"
	NotifyInfo    NotificationType = "info"
	NotifyWarning NotificationType = "warning"
)

// Notification is a per-wallet message produced as a side effect of
// ledger activity. Delivery is best effort and never part of the
// transfer's atomic unit of work.
type Notification struct {
	ID        string           `json:"id"`
	Address   string           `json:"wallet_address"`
	Message   string           `json:"message"`
	Type      NotificationType `json:"type"`
	Read      bool             `json:"read"`
	CreatedAt time.Time        `json:"created_at"`
}

func NewNotification(address, message string, typ NotificationType) *Notification {
	return &Notification{
		ID:        uuid.NewString(),
		Address:   address,
		Message:   message,
		Type:      typ,
		CreatedAt: time.Now().UTC(),
	}
}

// Event is what the transfer engine hands to the notification sink when
// a transfer finalizes. The sink turns it into per-wallet notifications.
type Event struct {
	TransferID string
	Source     string
	Dest       string
	Amount     int64
	Status     TransferStatus
	Reason     RejectReason
	OccurredAt time.Time
}
