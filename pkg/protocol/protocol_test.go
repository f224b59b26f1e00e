package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEnvelope_WireFormat(t *testing.T) {
	env, err := NewEnvelope("joinChatBox", "42")
	require.NoError(t, err)

	data, err := json.Marshal(env)
	require.NoError(t, err)
	require.JSONEq(t, `["joinChatBox","42"]`, string(data))
}

func TestEnvelope_NoArgs(t *testing.T) {
	env, err := NewEnvelope("joinNotification")
	require.NoError(t, err)

	data, err := json.Marshal(env)
	require.NoError(t, err)
	require.Equal(t, `["joinNotification"]`, string(data))
}

func TestEnvelope_Decode(t *testing.T) {
	var env Envelope
	require.NoError(t, json.Unmarshal([]byte(`["company-7-ticket",{"action":"update","id":42}]`), &env))
	require.Equal(t, "company-7-ticket", env.Event)

	var payload struct {
		Action string `json:"action"`
		ID     int    `json:"id"`
	}
	require.NoError(t, env.Decode(0, &payload))
	require.Equal(t, "update", payload.Action)
	require.Equal(t, 42, payload.ID)

	err := env.Decode(1, &payload)
	require.True(t, errors.Is(err, ErrNoArg))
}

func TestEnvelope_UnmarshalRejectsBadFrames(t *testing.T) {
	for _, raw := range []string{`[]`, `{"event":"x"}`, `[""]`, `[42]`} {
		var env Envelope
		require.Error(t, json.Unmarshal([]byte(raw), &env), raw)
	}
}

func TestID_AcceptsNumbersAndStrings(t *testing.T) {
	var u User
	require.NoError(t, json.Unmarshal([]byte(`{"id":12,"companyId":"3"}`), &u))
	require.Equal(t, ID("12"), u.ID)
	require.Equal(t, ID("3"), u.CompanyID)

	require.Error(t, json.Unmarshal([]byte(`{"id":1.5}`), &u))
	require.Error(t, json.Unmarshal([]byte(`{"id":true}`), &u))
}

func TestParseRoomEvent(t *testing.T) {
	tests := []struct {
		event string
		verb  Verb
		room  string
		ok    bool
	}{
		{"joinChatBox", VerbJoin, "ChatBox", true},
		{"leaveChatBox", VerbLeave, "ChatBox", true},
		{"joinNotification", VerbJoin, "Notification", true},
		{"join", 0, "", false},
		{"leave", 0, "", false},
		{"company-1-ticket", 0, "", false},
		{"typing", 0, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.event, func(t *testing.T) {
			verb, ch, ok := ParseRoomEvent(tt.event)
			require.Equal(t, tt.ok, ok)
			if !ok {
				return
			}
			require.Equal(t, tt.verb, verb)
			require.Equal(t, KindRoom, ch.Kind)
			require.Equal(t, tt.room, ch.Room)
		})
	}
}

func TestParseTopicEvent(t *testing.T) {
	ch, ok := ParseTopicEvent("company-7-ticket")
	require.True(t, ok)
	require.Equal(t, Topic("7", "ticket"), ch)
	require.Equal(t, "company-7-ticket", ch.EventName())

	ch, ok = ParseTopicEvent("company-7-app-message")
	require.True(t, ok)
	require.Equal(t, "app-message", ch.Topic)

	for _, bad := range []string{"company-", "company-7", "company--x", "joinChatBox"} {
		_, ok := ParseTopicEvent(bad)
		require.False(t, ok, bad)
	}
}

func TestChannel_RoomEvents(t *testing.T) {
	ch := Room("ChatBox")
	require.Equal(t, "joinChatBox", ch.JoinEvent())
	require.Equal(t, "leaveChatBox", ch.LeaveEvent())
	require.Equal(t, "room:ChatBox", ch.String())
}
