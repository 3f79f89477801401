package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveSender(t *testing.T) {
	participants := []Sender{
		{ID: "u1", DisplayName: "Ada Lovelace", AvatarRef: "ada.png"},
		{ID: "u2", DisplayName: "Alan Turing"},
	}

	tests := []struct {
		name     string
		raw      string
		expected Sender
		wantErr  bool
	}{
		{
			name:     "bare id enriched from participants",
			raw:      `"u1"`,
			expected: participants[0],
		},
		{
			name:     "bare id unknown",
			raw:      `"u9"`,
			expected: Sender{ID: "u9"},
		},
		{
			name:     "populated object with name",
			raw:      `{"_id":"u3","name":"Grace Hopper","profilePicture":"g.png"}`,
			expected: Sender{ID: "u3", DisplayName: "Grace Hopper", AvatarRef: "g.png"},
		},
		{
			name:     "populated object with first and last name",
			raw:      `{"_id":"u4","firstName":"Barbara","lastName":"Liskov"}`,
			expected: Sender{ID: "u4", DisplayName: "Barbara Liskov"},
		},
		{
			name:     "object using id key",
			raw:      `{"id":"u5","name":"Ken"}`,
			expected: Sender{ID: "u5", DisplayName: "Ken"},
		},
		{name: "null", raw: `null`, wantErr: true},
		{name: "empty string", raw: `""`, wantErr: true},
		{name: "object without id", raw: `{"name":"nobody"}`, wantErr: true},
		{name: "malformed", raw: `{"_id":`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sender, err := ResolveSender(json.RawMessage(tt.raw), participants)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, sender)
		})
	}
}

func TestResolveID(t *testing.T) {
	assert.Equal(t, "c1", ResolveID(json.RawMessage(`"c1"`)))
	assert.Equal(t, "c2", ResolveID(json.RawMessage(`{"_id":"c2"}`)))
	assert.Equal(t, "", ResolveID(nil))
}
