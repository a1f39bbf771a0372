package relay

import (
	"fmt"
	"strings"

	"github.com/bt-bridge/gemini-relay/shared"
	"github.com/bytedance/sonic"
)

// DefaultAudioMimeType is what browser clients send when they do not say
// otherwise: 16 kHz mono PCM, the input format the live endpoint expects.
const DefaultAudioMimeType = "audio/pcm;rate=16000"

// Upstream wire contract, BidiGenerateContent shape. One setup frame per
// physical connection, then realtimeInput data frames; responses arrive as
// setupComplete, serverContent or error frames.

type wireInlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type wirePart struct {
	Text       string          `json:"text,omitempty"`
	InlineData *wireInlineData `json:"inlineData,omitempty"`
}

type wireSetup struct {
	Model             string                 `json:"model"`
	GenerationConfig  wireGenerationConfig   `json:"generationConfig"`
	SystemInstruction *wireSystemInstruction `json:"systemInstruction,omitempty"`
}

type wireGenerationConfig struct {
	ResponseModalities []string `json:"responseModalities"`
}

type wireSystemInstruction struct {
	Parts []wirePart `json:"parts"`
}

type wireModelTurn struct {
	Parts []wirePart `json:"parts"`
}

type wireServerContent struct {
	ModelTurn    *wireModelTurn `json:"modelTurn,omitempty"`
	TurnComplete bool           `json:"turnComplete,omitempty"`
}

type wireError struct {
	Message   string `json:"message"`
	SessionId string `json:"sessionId,omitempty"`
}

// upstreamFrame is the union of everything the upstream may deliver.
// SessionId is populated only by deployments that tag frames end-to-end;
// when absent the dispatcher falls back to registry demultiplexing.
type upstreamFrame struct {
	SetupComplete map[string]any     `json:"setupComplete,omitempty"`
	ServerContent *wireServerContent `json:"serverContent,omitempty"`
	Error         *wireError         `json:"error,omitempty"`
	SessionId     string             `json:"sessionId,omitempty"`
}

func (f *upstreamFrame) isSetupComplete() bool {
	return f.SetupComplete != nil
}

func (f *upstreamFrame) isEmpty() bool {
	return f.SetupComplete == nil && f.ServerContent == nil && f.Error == nil
}

// text concatenates the text parts of a model turn, if any.
func (f *upstreamFrame) text() string {
	if f.ServerContent == nil || f.ServerContent.ModelTurn == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range f.ServerContent.ModelTurn.Parts {
		b.WriteString(part.Text)
	}
	return b.String()
}

// audioParts collects the inline audio parts of a model turn, if any.
func (f *upstreamFrame) audioParts() []wireInlineData {
	if f.ServerContent == nil || f.ServerContent.ModelTurn == nil {
		return nil
	}
	var parts []wireInlineData
	for _, part := range f.ServerContent.ModelTurn.Parts {
		if part.InlineData != nil && part.InlineData.Data != "" {
			parts = append(parts, *part.InlineData)
		}
	}
	return parts
}

func encodeSetup(model string, modalities []string, systemInstruction string) ([]byte, error) {
	setup := wireSetup{
		Model: model,
		GenerationConfig: wireGenerationConfig{
			ResponseModalities: modalities,
		},
	}
	if systemInstruction != "" {
		setup.SystemInstruction = &wireSystemInstruction{
			Parts: []wirePart{{Text: systemInstruction}},
		}
	}
	data, err := sonic.Marshal(map[string]any{"setup": setup})
	if err != nil {
		return nil, fmt.Errorf("marshaling setup frame: %w", err)
	}
	return data, nil
}

func encodeAudioChunk(mimeType, audioData string) ([]byte, error) {
	if mimeType == "" {
		mimeType = DefaultAudioMimeType
	}
	frame := map[string]any{
		"realtimeInput": map[string]any{
			"mediaChunks": []wireInlineData{
				{MimeType: mimeType, Data: audioData},
			},
		},
	}
	data, err := sonic.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("marshaling audio frame: %w", err)
	}
	return data, nil
}

func decodeUpstreamFrame(data []byte) (*upstreamFrame, error) {
	frame := new(upstreamFrame)
	if err := sonic.Unmarshal(data, frame); err != nil {
		return nil, fmt.Errorf("%w: %s", shared.ErrUpstreamProtocol, err.Error())
	}
	return frame, nil
}
