// Package protocol defines the WebSocket message types shared by the trace
// stream and the uplink
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType identifies the type of WebSocket message
type MessageType string

const (
	// Daemon → client messages
	TypeTrace  MessageType = "trace"  // Display trace frame
	TypeBeam   MessageType = "beam"   // Beam and source angles
	TypeStatus MessageType = "status" // Status line

	// Bidirectional
	TypePing MessageType = "ping"
	TypePong MessageType = "pong"
)

// Message is the base wrapper for all WebSocket messages
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp int64           `json:"ts,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewMessage creates a new message with the current timestamp
func NewMessage(msgType MessageType, data interface{}) (*Message, error) {
	var rawData json.RawMessage
	if data != nil {
		var err error
		rawData, err = json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal message data: %w", err)
		}
	}

	return &Message{
		Type:      msgType,
		Timestamp: time.Now().UnixMilli(),
		Data:      rawData,
	}, nil
}

// ParseData unmarshals the message data into the provided struct
func (m *Message) ParseData(v interface{}) error {
	if m.Data == nil {
		return nil
	}
	return json.Unmarshal(m.Data, v)
}

// Bytes returns the JSON-encoded message
func (m *Message) Bytes() ([]byte, error) {
	return json.Marshal(m)
}

// ParseMessage parses a JSON message from bytes
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	return &msg, nil
}

// TraceData is one rendered display frame
type TraceData struct {
	Seq         uint64    `json:"seq"`
	Width       int       `json:"width"`
	Heights     []float64 `json:"heights"`
	BeamDegrees float64   `json:"beam_degrees"`
	NeedleX     float64   `json:"needle_x"`
	NeedleY     float64   `json:"needle_y"`
}

// NewTraceMessage creates a trace message
func NewTraceMessage(data TraceData) (*Message, error) {
	if data.Width == 0 {
		data.Width = len(data.Heights)
	}
	return NewMessage(TypeTrace, data)
}

// GetTraceData extracts trace data from a message
func (m *Message) GetTraceData() (*TraceData, error) {
	var data TraceData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// BeamData contains beam and sound source angles in degrees
type BeamData struct {
	BeamDegrees      float64 `json:"beam_degrees"`
	SourceDegrees    float64 `json:"source_degrees"`
	SourceConfidence float64 `json:"source_confidence"`
}

// NewBeamMessage creates a beam message
func NewBeamMessage(beamDegrees, sourceDegrees, confidence float64) (*Message, error) {
	return NewMessage(TypeBeam, BeamData{
		BeamDegrees:      beamDegrees,
		SourceDegrees:    sourceDegrees,
		SourceConfidence: confidence,
	})
}

// GetBeamData extracts beam data from a message
func (m *Message) GetBeamData() (*BeamData, error) {
	var data BeamData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// StatusData carries a human-readable status line
type StatusData struct {
	Message string `json:"message"`
	State   string `json:"state,omitempty"`
}

// NewStatusMessage creates a status message
func NewStatusMessage(message, state string) (*Message, error) {
	return NewMessage(TypeStatus, StatusData{Message: message, State: state})
}

// GetStatusData extracts status data from a message
func (m *Message) GetStatusData() (*StatusData, error) {
	var data StatusData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}
