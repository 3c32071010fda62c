// Package model holds the domain types shared across TeleVPS packages.
package model

import (
	"strconv"
	"time"
)

// Ownership labels attached to every VPS container at creation time.
const (
	LabelOwnerID  = "com.vps.owner_id"
	LabelOwnerTag = "com.vps.owner_tag"
)

// UnknownOwnerTag is reported when a container carries no owner tag label.
const UnknownOwnerTag = "unknown"

// Identity identifies a chat user. ID zero means "no known owner" and is
// never a valid identity.
type Identity struct {
	ID  uint64 `json:"id"`
	Tag string `json:"tag"`
}

// Known reports whether the identity refers to a real user.
func (i Identity) Known() bool { return i.ID != 0 }

// IDString returns the numeric ID in decimal, as stored in the owner label.
func (i Identity) IDString() string { return strconv.FormatUint(i.ID, 10) }

// VPS is a container presented to its owner as an isolated environment.
// It is derived from engine metadata on demand and never persisted.
type VPS struct {
	ContainerID string `json:"container_id" yaml:"container_id"`
	Name        string `json:"name" yaml:"name"`
	OwnerID     uint64 `json:"owner_id" yaml:"owner_id"`
	OwnerTag    string `json:"owner_tag" yaml:"owner_tag"`
	Image       string `json:"image" yaml:"image"`
	Status      string `json:"status" yaml:"status"`
}

// Owner returns the owner identity recorded in the container labels.
func (v VPS) Owner() Identity {
	return Identity{ID: v.OwnerID, Tag: v.OwnerTag}
}

// ChatMessage is an inbound, non-command chat message. The confirmation gate
// consumes these from the event bus.
type ChatMessage struct {
	Platform  string
	ChannelID string
	AuthorID  uint64
	Text      string
	CreatedAt time.Time
}

// ChannelKey scopes a chat channel to its platform so IDs from different
// platforms never collide.
func ChannelKey(platform, channelID string) string {
	return platform + ":" + channelID
}

// Key returns the bus key for the message's channel.
func (m *ChatMessage) Key() string { return ChannelKey(m.Platform, m.ChannelID) }

// Truncate returns s cut to at most n runes, with "..." when shortened.
func Truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	if n <= 3 {
		return string(runes[:n])
	}
	return string(runes[:n-3]) + "..."
}

// Tail returns the last n runes of s. The most recent output of a log
// is at its end, so truncation keeps the tail and drops the head.
func Tail(s string, n int) string {
	if n <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[len(runes)-n:])
}
