package services

const (
	EventSessionStarted = "SESSION_STARTED"
	EventSessionSettled = "SESSION_SETTLED"
	EventBalanceUpdate  = "BALANCE_UPDATE"
)

// Notifier pushes session events to a user's connected clients. Delivery is best effort.
type Notifier interface {
	NotifyUser(userID string, event string, payload any)
}

type NopNotifier struct{}

func (NopNotifier) NotifyUser(string, string, any) {}
