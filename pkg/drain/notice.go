// Package drain implements node-drain notifications on top of the
// dispatcher: a recurring dispatch job finds nodes that must be drained and
// fans out one notify job per node, which delivers the notice to the node
// owner over each configured channel.
package drain

import (
	"time"
)

// Status is the lifecycle state of a Notice.
type Status string

const (
	StatusDrainRequired Status = "drain_required"
	StatusSending       Status = "sending"
	StatusNotified      Status = "notified"
	StatusSkipped       Status = "skipped"
	StatusFailed        Status = "failed"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusNotified || s == StatusSkipped || s == StatusFailed
}

// Channel is a delivery medium.
type Channel string

const (
	ChannelEmail     Channel = "email"
	ChannelSlack     Channel = "slack"
	ChannelPagerDuty Channel = "pagerduty"
)

// Notice asks the owner of a node to drain it. A notice whose DrainBy
// deadline has passed before delivery is skipped.
type Notice struct {
	ID              string    `gorm:"primaryKey;size:255"`
	Node            string    `gorm:"index;size:255;not null"`
	Pool            string    `gorm:"size:255"`
	Recipient       string    `gorm:"size:255;not null"`
	Channels        []Channel `gorm:"type:text;serializer:json"`
	Status          Status    `gorm:"index;size:32;not null"`
	DrainBy         *time.Time
	Attempts        int       `gorm:"default:0"`
	LastError       string    `gorm:"type:text"`
	StatusChangedAt time.Time `gorm:"index"`
	NotifiedAt      *time.Time
	CreatedAt       time.Time `gorm:"autoCreateTime"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime"`
}

// TableName sets the table for the Notice model.
func (Notice) TableName() string {
	return "drain_notices"
}

// EntityID identifies the notice to the dispatcher.
func (n *Notice) EntityID() string {
	return n.ID
}
