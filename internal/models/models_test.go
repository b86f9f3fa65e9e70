package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func members(ids ...string) []Participant {
	out := make([]Participant, len(ids))
	for i, id := range ids {
		out[i] = Participant{UserID: id, Role: RoleMember}
	}
	return out
}

func TestStatusAdvance(t *testing.T) {
	s, changed := Advance(StatusSent, StatusSeen)
	assert.True(t, changed)
	assert.Equal(t, StatusSeen, s)

	s, changed = Advance(StatusSeen, StatusDelivered)
	assert.False(t, changed)
	assert.Equal(t, StatusSeen, s)

	_, changed = Advance(StatusDelivered, StatusDelivered)
	assert.False(t, changed)

	_, changed = Advance(StatusSending, Status(9))
	assert.False(t, changed)
}

func TestStatusText(t *testing.T) {
	data, err := json.Marshal(map[string]Status{"bob": StatusDelivered})
	require.NoError(t, err)
	assert.JSONEq(t, `{"bob":"delivered"}`, string(data))

	var back map[string]Status
	require.NoError(t, json.Unmarshal([]byte(`{"bob":"seen"}`), &back))
	assert.Equal(t, StatusSeen, back["bob"])

	assert.Error(t, json.Unmarshal([]byte(`{"bob":"read"}`), &back))
	_, err = json.Marshal(Status(7))
	assert.Error(t, err)
	assert.Equal(t, "status(7)", Status(7).String())
}

func TestConversationValidate(t *testing.T) {
	assert.NoError(t, Conversation{Participants: members("a", "b")}.Validate())
	assert.ErrorIs(t, Conversation{Participants: members("a")}.Validate(), ErrPrivateParticipants)
	assert.ErrorIs(t, Conversation{Participants: members("a", "b", "c")}.Validate(), ErrPrivateParticipants)
	assert.ErrorIs(t, Conversation{Participants: members("a", "a")}.Validate(), ErrDuplicateMember)

	assert.NoError(t, Conversation{IsGroup: true, Participants: members("a", "b", "c")}.Validate())
	assert.ErrorIs(t, Conversation{IsGroup: true, Participants: members("a")}.Validate(), ErrGroupParticipants)
}

func TestConversationRecipients(t *testing.T) {
	c := Conversation{IsGroup: true, Participants: members("a", "b", "c")}
	assert.Equal(t, []string{"b", "c"}, c.Recipients("a"))
	assert.True(t, c.HasParticipant("c"))
	assert.False(t, c.HasParticipant("d"))
}

func TestMessageStatuses(t *testing.T) {
	m := Message{Statuses: map[string]Status{"b": StatusSeen, "c": StatusDelivered}}
	assert.Equal(t, StatusDelivered, m.ConversationStatus())
	assert.Equal(t, StatusSeen, m.StatusFor("b"))
	assert.Equal(t, StatusSending, m.StatusFor("z"))
	assert.Equal(t, StatusSending, Message{}.ConversationStatus())
}

func TestMessageForViewer(t *testing.T) {
	m := Message{
		ID: "m1",
		Envelopes: map[string]Envelope{
			"b": {Ciphertext: []byte("for b")},
			"c": {Ciphertext: []byte("for c")},
		},
		Statuses: map[string]Status{"b": StatusSent, "c": StatusSent},
	}
	v := m.ForViewer("b")
	require.Len(t, v.Envelopes, 1)
	assert.Equal(t, []byte("for b"), v.Envelopes["b"].Ciphertext)

	// The copy does not share status storage.
	v.Statuses["b"] = StatusSeen
	assert.Equal(t, StatusSent, m.Statuses["b"])

	assert.Empty(t, m.ForViewer("z").Envelopes)
}
