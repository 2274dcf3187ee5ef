package protocol

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
)

const (
	TypeStart         = "start"
	TypeStop          = "stop"
	TypePing          = "ping"
	TypePong          = "pong"
	TypeStatus        = "status"
	TypeTranscription = "transcription"
	TypeError         = "error"
)

const (
	StatusConnected    = "connected"
	StatusDisconnected = "disconnected"
)

// ClientMessage is a structured frame sent by the client.
type ClientMessage struct {
	Type      string `json:"type"`
	Timestamp *int64 `json:"timestamp,omitempty"`
}

type Status struct {
	Type   string `json:"type"`
	Status string `json:"status"`
}

type Transcription struct {
	Type      string   `json:"type"`
	Text      string   `json:"text"`
	IsFinal   bool     `json:"isFinal"`
	Timestamp int64    `json:"timestamp"`
	Speaker   *int     `json:"speaker,omitempty"`
	Start     *float64 `json:"start,omitempty"`
	Duration  *float64 `json:"duration,omitempty"`
}

type Error struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Code    int    `json:"code,omitempty"`
}

type Pong struct {
	Type      string `json:"type"`
	Timestamp *int64 `json:"timestamp,omitempty"`
}

func NewStatus(status string) Status {
	return Status{Type: TypeStatus, Status: status}
}

func NewError(message string, code int) Error {
	return Error{Type: TypeError, Message: message, Code: code}
}

// ServerMessage is the union of frames a client can receive.
type ServerMessage struct {
	Type      string   `json:"type"`
	Status    string   `json:"status,omitempty"`
	Text      string   `json:"text,omitempty"`
	IsFinal   bool     `json:"isFinal,omitempty"`
	Timestamp *int64   `json:"timestamp,omitempty"`
	Speaker   *int     `json:"speaker,omitempty"`
	Start     *float64 `json:"start,omitempty"`
	Duration  *float64 `json:"duration,omitempty"`
	Message   string   `json:"message,omitempty"`
	Code      int      `json:"code,omitempty"`
}

func DecodeServerMessage(data []byte) (ServerMessage, error) {
	var msg ServerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ServerMessage{}, fmt.Errorf("decode server message: %w", err)
	}
	if msg.Type == "" {
		return ServerMessage{}, fmt.Errorf("decode server message: missing type")
	}
	return msg, nil
}

func DecodeClientMessage(data []byte) (ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ClientMessage{}, fmt.Errorf("decode client message: %w", err)
	}
	if msg.Type == "" {
		return ClientMessage{}, fmt.Errorf("decode client message: missing type")
	}
	return msg, nil
}

// Metadata describes the audio a client streams and how it should be
// transcribed.
type Metadata struct {
	Language   string `json:"language,omitempty"`
	Model      string `json:"model,omitempty"`
	Encoding   string `json:"encoding,omitempty"`
	SampleRate int    `json:"sampleRate,omitempty"`
	Channels   int    `json:"channels,omitempty"`
}

// Merge returns m with empty fields filled from fallback.
func (m Metadata) Merge(fallback Metadata) Metadata {
	if m.Language == "" {
		m.Language = fallback.Language
	}
	if m.Model == "" {
		m.Model = fallback.Model
	}
	if m.Encoding == "" {
		m.Encoding = fallback.Encoding
	}
	if m.SampleRate == 0 {
		m.SampleRate = fallback.SampleRate
	}
	if m.Channels == 0 {
		m.Channels = fallback.Channels
	}
	return m
}

// Query keys carrying Metadata on the channel handshake.
const (
	QueryToken      = "token"
	QueryLanguage   = "language"
	QueryModel      = "model"
	QueryEncoding   = "encoding"
	QuerySampleRate = "sample_rate"
	QueryChannels   = "channels"
)

func (m Metadata) Encode(q url.Values) {
	if m.Language != "" {
		q.Set(QueryLanguage, m.Language)
	}
	if m.Model != "" {
		q.Set(QueryModel, m.Model)
	}
	if m.Encoding != "" {
		q.Set(QueryEncoding, m.Encoding)
	}
	if m.SampleRate > 0 {
		q.Set(QuerySampleRate, strconv.Itoa(m.SampleRate))
	}
	if m.Channels > 0 {
		q.Set(QueryChannels, strconv.Itoa(m.Channels))
	}
}

// MetadataFromQuery reads Metadata from handshake query values. Numeric
// fields that do not parse as positive integers are left empty.
func MetadataFromQuery(q url.Values) Metadata {
	return Metadata{
		Language:   q.Get(QueryLanguage),
		Model:      q.Get(QueryModel),
		Encoding:   q.Get(QueryEncoding),
		SampleRate: positiveInt(q.Get(QuerySampleRate)),
		Channels:   positiveInt(q.Get(QueryChannels)),
	}
}

func positiveInt(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0
	}
	return n
}
