package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Sender is the normalized view of a message author or conversation participant.
type Sender struct {
	ID          string `json:"id,omitempty"`
	DisplayName string `json:"displayName"`
	AvatarRef   string `json:"avatarRef,omitempty"`
}

// participantWire is the populated user object returned by the API.
type participantWire struct {
	ID             string `json:"_id,omitempty"`
	AltID          string `json:"id,omitempty"`
	Name           string `json:"name,omitempty"`
	FirstName      string `json:"firstName,omitempty"`
	LastName       string `json:"lastName,omitempty"`
	ProfilePicture string `json:"profilePicture,omitempty"`
}

func (p participantWire) toSender() Sender {
	id := p.ID
	if id == "" {
		id = p.AltID
	}
	name := strings.TrimSpace(p.Name)
	if name == "" {
		name = strings.TrimSpace(p.FirstName + " " + p.LastName)
	}
	return Sender{ID: id, DisplayName: name, AvatarRef: p.ProfilePicture}
}

// ResolveSender turns a raw sender field into a Sender. The field is either a
// bare user id or a populated participant object. Bare ids are enriched from
// the known participants when possible.
func ResolveSender(raw json.RawMessage, participants []Sender) (Sender, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return Sender{}, fmt.Errorf("sender is empty")
	}

	if trimmed[0] == '"' {
		var id string
		if err := json.Unmarshal(raw, &id); err != nil {
			return Sender{}, fmt.Errorf("failed to decode sender id: %w", err)
		}
		if id == "" {
			return Sender{}, fmt.Errorf("sender is empty")
		}
		for _, p := range participants {
			if p.ID == id {
				return p, nil
			}
		}
		return Sender{ID: id}, nil
	}

	var p participantWire
	if err := json.Unmarshal(raw, &p); err != nil {
		return Sender{}, fmt.Errorf("failed to decode sender object: %w", err)
	}
	sender := p.toSender()
	if sender.ID == "" {
		return Sender{}, fmt.Errorf("sender object has no id")
	}
	return sender, nil
}

// ResolveID returns just the id of a raw id-or-object field.
func ResolveID(raw json.RawMessage) string {
	sender, err := ResolveSender(raw, nil)
	if err != nil {
		return ""
	}
	return sender.ID
}
