package domain

import "time"

// TimelineEvent описывает событие в жизни сессии воронки.
type TimelineEvent struct {
	SessionID string
	Type      string
	Reason    string
	Occurred  time.Time
}
