package relay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimestampFormat(t *testing.T) {
	ts := Timestamp(time.Date(2026, 3, 14, 15, 9, 26, 535000000, time.FixedZone("CET", 3600)))
	assert.Equal(t, "2026-03-14T14:09:26.535Z", ts)
	parsed, err := time.Parse(time.RFC3339Nano, ts)
	require.NoError(t, err)
	assert.Equal(t, time.UTC, parsed.Location())
}

func TestClientEventJSONRoundTrip(t *testing.T) {
	in := &ClientEvent{
		Type: ClientEventTypeAudioData,
		Param: &ClientEventParamAudioData{
			SessionId: "s1",
			AudioData: "Zm9vYmFy",
			MimeType:  "audio/pcm;rate=16000",
		},
	}
	data, err := in.MarshalJSON()
	require.NoError(t, err)

	out := new(ClientEvent)
	require.NoError(t, out.UnmarshalJSON(data))
	assert.Equal(t, in.Type, out.Type)
	assert.Equal(t, in.Param, out.Param)
	assert.True(t, out.IsClientEvent())
	assert.False(t, out.IsServerEvent())
}

func TestClientEventAliases(t *testing.T) {
	// The browser protocol accepts both the short and the -gemini forms.
	e := new(ClientEvent)
	require.NoError(t, e.UnmarshalJSON([]byte(`{"type":"start-gemini","sessionId":"s1"}`)))
	assert.IsType(t, &ClientEventParamStart{}, e.Param)

	e = new(ClientEvent)
	require.NoError(t, e.UnmarshalJSON([]byte(`{"type":"stop-gemini","sessionId":"s1"}`)))
	assert.IsType(t, &ClientEventParamStop{}, e.Param)
}

func TestClientEventStartWithoutSessionId(t *testing.T) {
	e := new(ClientEvent)
	require.NoError(t, e.UnmarshalJSON([]byte(`{"type":"start"}`)))
	assert.Equal(t, "", e.Param.(*ClientEventParamStart).SessionId)
}

func TestClientEventDecodeFailures(t *testing.T) {
	e := new(ClientEvent)
	assert.Error(t, e.UnmarshalJSON([]byte(`{"sessionId":"s1"}`)), "missing type")
	assert.Error(t, e.UnmarshalJSON([]byte(`{"type":"unknown-thing"}`)))
	assert.Error(t, e.UnmarshalJSON([]byte(`{"type":"audio-data","sessionId":"s1"}`)), "missing audioData")
	assert.Error(t, e.UnmarshalJSON([]byte(`not json`)))
}

func TestServerEventJSONRoundTrip(t *testing.T) {
	in := &ServerEvent{
		Type: ServerEventTypeGeminiResponse,
		Param: &ServerEventParamGeminiResponse{
			SessionId: "s1",
			Text:      "hello",
			Timestamp: "2026-03-14T14:09:26.535Z",
		},
	}
	data, err := in.MarshalJSON()
	require.NoError(t, err)

	out := new(ServerEvent)
	require.NoError(t, out.UnmarshalJSON(data))
	assert.Equal(t, in.Type, out.Type)
	assert.Equal(t, in.Param, out.Param)
	assert.True(t, out.IsServerEvent())
}

func TestServerEventErrorOmitsEmptySessionId(t *testing.T) {
	data, err := errorEvent("", "something broke").MarshalJSON()
	require.NoError(t, err)
	assert.NotContains(t, string(data), "sessionId")

	data, err = errorEvent("s1", "something broke").MarshalJSON()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"sessionId":"s1"`)
}

func TestServerEventHistoryRoundTrip(t *testing.T) {
	in := &ServerEvent{
		Type: ServerEventTypeHistory,
		Param: &ServerEventParamHistory{
			SessionId: "s1",
			History: []map[string]any{
				{"role": "user", "message": "hi", "timestamp": "2026-03-14T14:09:26Z"},
				{"role": "assistant", "message": "hello", "timestamp": "2026-03-14T14:09:27Z"},
			},
			Timestamp: "2026-03-14T14:09:28Z",
		},
	}
	data, err := in.MarshalJSON()
	require.NoError(t, err)

	out := new(ServerEvent)
	require.NoError(t, out.UnmarshalJSON(data))
	param := out.Param.(*ServerEventParamHistory)
	require.Len(t, param.History, 2)
	assert.Equal(t, "user", param.History[0]["role"])
}

func TestEventYAMLRoundTrip(t *testing.T) {
	in := &ServerEvent{
		Type:  ServerEventTypeSessionJoined,
		Param: &ServerEventParamSessionJoined{SessionId: "s1"},
	}
	data, err := in.MarshalYAML()
	require.NoError(t, err)

	out := new(ServerEvent)
	require.NoError(t, out.UnmarshalYAML(data))
	assert.Equal(t, in.Type, out.Type)
	assert.Equal(t, in.Param, out.Param)
}

func TestEventMarshalValidation(t *testing.T) {
	_, err := (&ServerEvent{}).MarshalJSON()
	assert.Error(t, err, "empty type")
	_, err = (&ServerEvent{Type: ServerEventTypeWelcome}).MarshalJSON()
	assert.Error(t, err, "nil param")
}
