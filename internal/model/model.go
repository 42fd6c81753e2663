package model

import "time"

// Holder identifies the user asking for a lock. Email and Name are carried for
// display only and never take part in ownership checks.
type Holder struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

// Lock represents an editor's exclusive claim on a post.
type Lock struct {
	ResourceID    string    `json:"resourceId"`
	HolderID      string    `json:"holderId"`
	HolderEmail   string    `json:"holderEmail"`
	HolderName    string    `json:"holderName"`
	SessionID     string    `json:"sessionId"`
	AcquiredAt    time.Time `json:"acquiredAt"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
}

// Valid reports whether the lock's last heartbeat is within timeout of now.
func (l *Lock) Valid(now time.Time, timeout time.Duration) bool {
	return now.Sub(l.LastHeartbeat) < timeout
}

// ExpiresAt is the instant the lock stops being valid without another heartbeat.
func (l *Lock) ExpiresAt(timeout time.Duration) time.Time {
	return l.LastHeartbeat.Add(timeout)
}
