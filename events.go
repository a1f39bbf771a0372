package relay

import (
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/goccy/go-yaml"
)

type EventType string

type ServerEventType EventType

type ClientEventType EventType

// Client event types (browser -> relay)
const (
	ClientEventTypeJoinSession ClientEventType = "join-session"
	ClientEventTypeStart       ClientEventType = "start"
	ClientEventTypeStartGemini ClientEventType = "start-gemini"
	ClientEventTypeAudioData   ClientEventType = "audio-data"
	ClientEventTypeStop        ClientEventType = "stop"
	ClientEventTypeStopGemini  ClientEventType = "stop-gemini"
	ClientEventTypeTextMessage ClientEventType = "text-message"
	ClientEventTypeGetHistory  ClientEventType = "get-history"
)

// Server event types (relay -> browser)
const (
	ServerEventTypeWelcome             ServerEventType = "welcome"
	ServerEventTypeSessionJoined       ServerEventType = "session-joined"
	ServerEventTypeGeminiReady         ServerEventType = "gemini-ready"
	ServerEventTypeGeminiResponse      ServerEventType = "gemini-response"
	ServerEventTypeGeminiAudioResponse ServerEventType = "gemini-audio-response"
	ServerEventTypeTextResponse        ServerEventType = "text-response"
	ServerEventTypeHistory             ServerEventType = "conversation-history"
	ServerEventTypeError               ServerEventType = "error"
)

// Timestamp renders t the way the browser protocol expects (ISO 8601, UTC).
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

type EventParam interface {
	New(m map[string]any) error
	Json() map[string]any
}

type Event interface {
	EventType() EventType
	IsServerEvent() bool
	IsClientEvent() bool
	MarshalYAML() ([]byte, error)
	UnmarshalYAML(data []byte) error
	MarshalJSON() ([]byte, error)
	UnmarshalJSON(data []byte) error
}

type ClientEvent struct {
	Type  ClientEventType
	Param EventParam
}

var _ Event = (*ClientEvent)(nil)

func (e *ClientEvent) EventType() EventType {
	return EventType(e.Type)
}

func (e *ClientEvent) IsServerEvent() bool {
	return false
}

func (e *ClientEvent) IsClientEvent() bool {
	return true
}

func (e *ClientEvent) envelope() (map[string]any, error) {
	if e.Type == "" {
		return nil, errors.New("Type is empty")
	}
	if e.Param == nil {
		return nil, errors.New("Param is nil")
	}
	resp := map[string]any{}
	for k, v := range e.Param.Json() {
		resp[k] = v
	}
	resp["type"] = e.Type
	return resp, nil
}

func (e *ClientEvent) MarshalJSON() ([]byte, error) {
	resp, err := e.envelope()
	if err != nil {
		return nil, err
	}
	return sonic.Marshal(resp)
}

func (e *ClientEvent) MarshalYAML() ([]byte, error) {
	resp, err := e.envelope()
	if err != nil {
		return nil, err
	}
	return yaml.MarshalWithOptions(resp, yaml.UseJSONMarshaler())
}

func (e *ClientEvent) decode(raw map[string]any) error {
	if v, ok := raw["type"].(string); ok {
		e.Type = ClientEventType(v)
		delete(raw, "type")
	} else {
		return errors.New("missing type")
	}
	switch e.Type {
	case ClientEventTypeJoinSession:
		e.Param = new(ClientEventParamJoinSession)
	case ClientEventTypeStart, ClientEventTypeStartGemini:
		e.Param = new(ClientEventParamStart)
	case ClientEventTypeAudioData:
		e.Param = new(ClientEventParamAudioData)
	case ClientEventTypeStop, ClientEventTypeStopGemini:
		e.Param = new(ClientEventParamStop)
	case ClientEventTypeTextMessage:
		e.Param = new(ClientEventParamTextMessage)
	case ClientEventTypeGetHistory:
		e.Param = new(ClientEventParamGetHistory)
	default:
		return fmt.Errorf("unknown client event type: %s", e.Type)
	}
	return e.Param.New(raw)
}

func (e *ClientEvent) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := sonic.Unmarshal(data, &raw); err != nil {
		return err
	}
	return e.decode(raw)
}

func (e *ClientEvent) UnmarshalYAML(data []byte) error {
	var raw map[string]any
	if err := yaml.UnmarshalWithOptions(data, &raw, yaml.UseJSONUnmarshaler()); err != nil {
		return err
	}
	return e.decode(raw)
}

type ServerEvent struct {
	Type  ServerEventType
	Param EventParam
}

var _ Event = (*ServerEvent)(nil)

func (e *ServerEvent) EventType() EventType {
	return EventType(e.Type)
}

func (e *ServerEvent) IsServerEvent() bool {
	return true
}

func (e *ServerEvent) IsClientEvent() bool {
	return false
}

func (e *ServerEvent) envelope() (map[string]any, error) {
	if e.Type == "" {
		return nil, errors.New("Type is empty")
	}
	if e.Param == nil {
		return nil, errors.New("Param is nil")
	}
	resp := map[string]any{}
	for k, v := range e.Param.Json() {
		resp[k] = v
	}
	resp["type"] = e.Type
	return resp, nil
}

func (e *ServerEvent) MarshalJSON() ([]byte, error) {
	resp, err := e.envelope()
	if err != nil {
		return nil, err
	}
	return sonic.Marshal(resp)
}

func (e *ServerEvent) MarshalYAML() ([]byte, error) {
	resp, err := e.envelope()
	if err != nil {
		return nil, err
	}
	return yaml.MarshalWithOptions(resp, yaml.UseJSONMarshaler())
}

func (e *ServerEvent) decode(raw map[string]any) error {
	if v, ok := raw["type"].(string); ok {
		e.Type = ServerEventType(v)
		delete(raw, "type")
	} else {
		return errors.New("missing type")
	}
	switch e.Type {
	case ServerEventTypeWelcome:
		e.Param = new(ServerEventParamWelcome)
	case ServerEventTypeSessionJoined:
		e.Param = new(ServerEventParamSessionJoined)
	case ServerEventTypeGeminiReady:
		e.Param = new(ServerEventParamGeminiReady)
	case ServerEventTypeGeminiResponse:
		e.Param = new(ServerEventParamGeminiResponse)
	case ServerEventTypeGeminiAudioResponse:
		e.Param = new(ServerEventParamGeminiAudioResponse)
	case ServerEventTypeTextResponse:
		e.Param = new(ServerEventParamTextResponse)
	case ServerEventTypeHistory:
		e.Param = new(ServerEventParamHistory)
	case ServerEventTypeError:
		e.Param = new(ServerEventParamError)
	default:
		return fmt.Errorf("unknown server event type: %s", e.Type)
	}
	return e.Param.New(raw)
}

func (e *ServerEvent) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := sonic.Unmarshal(data, &raw); err != nil {
		return err
	}
	return e.decode(raw)
}

func (e *ServerEvent) UnmarshalYAML(data []byte) error {
	var raw map[string]any
	if err := yaml.UnmarshalWithOptions(data, &raw, yaml.UseJSONUnmarshaler()); err != nil {
		return err
	}
	return e.decode(raw)
}

// join-session
type ClientEventParamJoinSession struct {
	SessionId string
}

func (p *ClientEventParamJoinSession) New(m map[string]any) error {
	if v, ok := m["sessionId"].(string); ok {
		p.SessionId = v
	} else {
		return errors.New("missing sessionId")
	}
	return nil
}

func (p *ClientEventParamJoinSession) Json() map[string]any {
	return map[string]any{
		"sessionId": p.SessionId,
	}
}

// start / start-gemini
type ClientEventParamStart struct {
	SessionId string // optional, attaches to an existing session when set
}

func (p *ClientEventParamStart) New(m map[string]any) error {
	if v, ok := m["sessionId"].(string); ok {
		p.SessionId = v
	}
	return nil
}

func (p *ClientEventParamStart) Json() map[string]any {
	resp := map[string]any{}
	if p.SessionId != "" {
		resp["sessionId"] = p.SessionId
	}
	return resp
}

// audio-data
type ClientEventParamAudioData struct {
	SessionId string
	AudioData string // base64-encoded, opaque to the relay
	MimeType  string // optional, defaults upstream-side
}

func (p *ClientEventParamAudioData) New(m map[string]any) error {
	if v, ok := m["sessionId"].(string); ok {
		p.SessionId = v
	} else {
		return errors.New("missing sessionId")
	}
	if v, ok := m["audioData"].(string); ok {
		p.AudioData = v
	} else {
		return errors.New("missing audioData")
	}
	if v, ok := m["mimeType"].(string); ok {
		p.MimeType = v
	}
	return nil
}

func (p *ClientEventParamAudioData) Json() map[string]any {
	resp := map[string]any{
		"sessionId": p.SessionId,
		"audioData": p.AudioData,
	}
	if p.MimeType != "" {
		resp["mimeType"] = p.MimeType
	}
	return resp
}

// stop / stop-gemini
type ClientEventParamStop struct {
	SessionId string
}

func (p *ClientEventParamStop) New(m map[string]any) error {
	if v, ok := m["sessionId"].(string); ok {
		p.SessionId = v
	} else {
		return errors.New("missing sessionId")
	}
	return nil
}

func (p *ClientEventParamStop) Json() map[string]any {
	return map[string]any{
		"sessionId": p.SessionId,
	}
}

// text-message
type ClientEventParamTextMessage struct {
	SessionId string
	Message   string
}

func (p *ClientEventParamTextMessage) New(m map[string]any) error {
	if v, ok := m["sessionId"].(string); ok {
		p.SessionId = v
	} else {
		return errors.New("missing sessionId")
	}
	if v, ok := m["message"].(string); ok {
		p.Message = v
	} else {
		return errors.New("missing message")
	}
	return nil
}

func (p *ClientEventParamTextMessage) Json() map[string]any {
	return map[string]any{
		"sessionId": p.SessionId,
		"message":   p.Message,
	}
}

// get-history
type ClientEventParamGetHistory struct {
	SessionId string
}

func (p *ClientEventParamGetHistory) New(m map[string]any) error {
	if v, ok := m["sessionId"].(string); ok {
		p.SessionId = v
	} else {
		return errors.New("missing sessionId")
	}
	return nil
}

func (p *ClientEventParamGetHistory) Json() map[string]any {
	return map[string]any{
		"sessionId": p.SessionId,
	}
}

// welcome
type ServerEventParamWelcome struct {
	Message  string
	ClientId string
}

func (p *ServerEventParamWelcome) New(m map[string]any) error {
	if v, ok := m["message"].(string); ok {
		p.Message = v
	} else {
		return errors.New("missing message")
	}
	if v, ok := m["clientId"].(string); ok {
		p.ClientId = v
	} else {
		return errors.New("missing clientId")
	}
	return nil
}

func (p *ServerEventParamWelcome) Json() map[string]any {
	return map[string]any{
		"message":  p.Message,
		"clientId": p.ClientId,
	}
}

// session-joined
type ServerEventParamSessionJoined struct {
	SessionId string
}

func (p *ServerEventParamSessionJoined) New(m map[string]any) error {
	if v, ok := m["sessionId"].(string); ok {
		p.SessionId = v
	} else {
		return errors.New("missing sessionId")
	}
	return nil
}

func (p *ServerEventParamSessionJoined) Json() map[string]any {
	return map[string]any{
		"sessionId": p.SessionId,
	}
}

// gemini-ready
type ServerEventParamGeminiReady struct {
	SessionId string
	Message   string
}

func (p *ServerEventParamGeminiReady) New(m map[string]any) error {
	if v, ok := m["sessionId"].(string); ok {
		p.SessionId = v
	} else {
		return errors.New("missing sessionId")
	}
	if v, ok := m["message"].(string); ok {
		p.Message = v
	} else {
		return errors.New("missing message")
	}
	return nil
}

func (p *ServerEventParamGeminiReady) Json() map[string]any {
	return map[string]any{
		"sessionId": p.SessionId,
		"message":   p.Message,
	}
}

// gemini-response
type ServerEventParamGeminiResponse struct {
	SessionId string
	Text      string
	Timestamp string
}

func (p *ServerEventParamGeminiResponse) New(m map[string]any) error {
	if v, ok := m["sessionId"].(string); ok {
		p.SessionId = v
	} else {
		return errors.New("missing sessionId")
	}
	if v, ok := m["text"].(string); ok {
		p.Text = v
	} else {
		return errors.New("missing text")
	}
	if v, ok := m["timestamp"].(string); ok {
		p.Timestamp = v
	} else {
		return errors.New("missing timestamp")
	}
	return nil
}

func (p *ServerEventParamGeminiResponse) Json() map[string]any {
	return map[string]any{
		"sessionId": p.SessionId,
		"text":      p.Text,
		"timestamp": p.Timestamp,
	}
}

// gemini-audio-response
type ServerEventParamGeminiAudioResponse struct {
	SessionId string
	AudioData string
	MimeType  string
	Timestamp string
}

func (p *ServerEventParamGeminiAudioResponse) New(m map[string]any) error {
	if v, ok := m["sessionId"].(string); ok {
		p.SessionId = v
	} else {
		return errors.New("missing sessionId")
	}
	if v, ok := m["audioData"].(string); ok {
		p.AudioData = v
	} else {
		return errors.New("missing audioData")
	}
	if v, ok := m["mimeType"].(string); ok {
		p.MimeType = v
	} else {
		return errors.New("missing mimeType")
	}
	if v, ok := m["timestamp"].(string); ok {
		p.Timestamp = v
	} else {
		return errors.New("missing timestamp")
	}
	return nil
}

func (p *ServerEventParamGeminiAudioResponse) Json() map[string]any {
	return map[string]any{
		"sessionId": p.SessionId,
		"audioData": p.AudioData,
		"mimeType":  p.MimeType,
		"timestamp": p.Timestamp,
	}
}

// text-response
type ServerEventParamTextResponse struct {
	SessionId string
	Message   string
	Timestamp string
}

func (p *ServerEventParamTextResponse) New(m map[string]any) error {
	if v, ok := m["sessionId"].(string); ok {
		p.SessionId = v
	} else {
		return errors.New("missing sessionId")
	}
	if v, ok := m["message"].(string); ok {
		p.Message = v
	} else {
		return errors.New("missing message")
	}
	if v, ok := m["timestamp"].(string); ok {
		p.Timestamp = v
	} else {
		return errors.New("missing timestamp")
	}
	return nil
}

func (p *ServerEventParamTextResponse) Json() map[string]any {
	return map[string]any{
		"sessionId": p.SessionId,
		"message":   p.Message,
		"timestamp": p.Timestamp,
	}
}

// conversation-history
type ServerEventParamHistory struct {
	SessionId string
	History   []map[string]any
	Timestamp string
}

func (p *ServerEventParamHistory) New(m map[string]any) error {
	if v, ok := m["sessionId"].(string); ok {
		p.SessionId = v
	} else {
		return errors.New("missing sessionId")
	}
	if v, ok := m["timestamp"].(string); ok {
		p.Timestamp = v
	} else {
		return errors.New("missing timestamp")
	}
	v, ok := m["history"]
	if !ok {
		return errors.New("missing history")
	}
	switch hh := v.(type) {
	case []any:
		res := make([]map[string]any, 0, len(hh))
		for _, h := range hh {
			if hm, ok := h.(map[string]any); ok {
				res = append(res, hm)
			} else {
				return errors.New("invalid element in history")
			}
		}
		p.History = res
	case []map[string]any:
		p.History = hh
	default:
		return errors.New("invalid history")
	}
	return nil
}

func (p *ServerEventParamHistory) Json() map[string]any {
	return map[string]any{
		"sessionId": p.SessionId,
		"history":   p.History,
		"timestamp": p.Timestamp,
	}
}

// error
type ServerEventParamError struct {
	SessionId string // empty when the fault is not tied to one session
	Message   string
}

func (p *ServerEventParamError) New(m map[string]any) error {
	if v, ok := m["sessionId"].(string); ok {
		p.SessionId = v
	}
	if v, ok := m["message"].(string); ok {
		p.Message = v
	} else {
		return errors.New("missing message")
	}
	return nil
}

func (p *ServerEventParamError) Json() map[string]any {
	resp := map[string]any{
		"message": p.Message,
	}
	if p.SessionId != "" {
		resp["sessionId"] = p.SessionId
	}
	return resp
}
