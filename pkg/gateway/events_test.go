package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mahaj/village-chat/pkg/model"
	"github.com/mahaj/village-chat/pkg/realtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeEvent(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Event
	}{
		{"join all", `{"event":"join:channels"}`, JoinAll{}},
		{"bare channel id", `{"event":"join:channel","data":"c1"}`, JoinChannel{ChannelID: "c1"}},
		{"object channel id", `{"event":"leave:channel","data":{"channelId":" c1 "}}`, LeaveChannel{ChannelID: "c1"}},
		{"typing", `{"event":"typing:start","data":"c1"}`, Typing{ChannelID: "c1", Active: true}},
		{"typing stop", `{"event":"typing:stop","data":{"channelId":"c1"}}`, Typing{ChannelID: "c1"}},
		{"read", `{"event":"message:read","data":"c1"}`, MarkRead{ChannelID: "c1"}},
		{
			"send",
			`{"event":"message:send","data":{"channelId":"c1","content":"hi","kind":"text"}}`,
			SendMessage{ChannelID: "c1", Content: "hi", Kind: model.KindText},
		},
		{
			"send with legacy names",
			`{"event":"message:send","data":{"channelId":"c1","messageType":"image","mediaUrl":"https://x/y.png"}}`,
			SendMessage{ChannelID: "c1", Kind: model.KindImage, MediaRef: "https://x/y.png"},
		},
		{
			"offer",
			`{"event":"call:offer","data":{"targetUserId":"bob","offer":{"sdp":"v=0"}}}`,
			Signal{Kind: realtime.EventCallOffer, TargetUserID: "bob", Payload: json.RawMessage(`{"sdp":"v=0"}`)},
		},
		{
			"end without payload",
			`{"event":"call:end","data":{"targetUserId":"bob"}}`,
			Signal{Kind: realtime.EventCallEnd, TargetUserID: "bob"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeEvent([]byte(tt.raw))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeEventRejects(t *testing.T) {
	for _, raw := range []string{
		`nope`,
		`{"data":"c1"}`,
		`{"event":"dance"}`,
		`{"event":"join:channel"}`,
		`{"event":"join:channel","data":"  "}`,
		`{"event":"join:channel","data":42}`,
		`{"event":"message:send","data":{"content":"hi"}}`,
		`{"event":"call:offer","data":{"payload":{}}}`,
	} {
		_, err := DecodeEvent([]byte(raw))
		assert.ErrorIs(t, err, model.ErrValidation, raw)
	}
}

func TestEventNames(t *testing.T) {
	assert.Equal(t, realtime.EventTypingStart, Typing{Active: true}.Name())
	assert.Equal(t, realtime.EventTypingStop, Typing{}.Name())
	assert.Equal(t, realtime.EventCallICE, Signal{Kind: realtime.EventCallICE}.Name())
}

func TestRateLimiterRefills(t *testing.T) {
	now := time.Unix(0, 0)
	rl := newRateLimiter(2, time.Second)
	rl.now = func() time.Time { return now }
	rl.lastCheck = now

	assert.True(t, rl.allow())
	assert.True(t, rl.allow())
	assert.False(t, rl.allow())

	now = now.Add(500 * time.Millisecond)
	assert.True(t, rl.allow())
	assert.False(t, rl.allow())

	now = now.Add(time.Hour)
	assert.True(t, rl.allow())
	assert.True(t, rl.allow())
	assert.False(t, rl.allow())
}

func TestOriginPolicy(t *testing.T) {
	open := NewOriginPolicy([]string{"*"})
	assert.True(t, open.Allowed("https://anything.example"))

	p := NewOriginPolicy([]string{"HTTPS://Chat.Example", "not a url"})
	assert.True(t, p.Allowed("https://chat.example"))
	assert.False(t, p.Allowed("https://evil.example"))
	assert.False(t, NewOriginPolicy(nil).Allowed("https://chat.example"))

	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	assert.True(t, p.Check(r), "non-browser clients send no Origin")
	r.Header.Set("Origin", "https://evil.example")
	assert.False(t, p.Check(r))
}
