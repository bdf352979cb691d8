// Package protocol defines the relay's JSON wire format.
//
// Producers send samples either bare ({"C":412,"PH":7.1,"T":21.5}) or wrapped
// in a data envelope ({"type":"data","payload":{...}}). Control frames carry a
// "type" field: register/registered for the optional handshake, ping/pong for
// application-level keepalive, error for protocol complaints.
package protocol

import (
	"bytes"
	"encoding/json"
	"strconv"

	relayerrors "github.com/vinayprograms/aquarelay/errors"
)

// Frame types.
const (
	TypeRegister   = "register"
	TypeRegistered = "registered"
	TypeData       = "data"
	TypePing       = "ping"
	TypePong       = "pong"
	TypeError      = "error"
)

// Sample field keys.
const (
	FieldConductivity = "C"
	FieldPH           = "PH"
	FieldTemperature  = "T"
)

// Message is a decoded inbound frame.
type Message struct {
	// Type is the control type, "" for a bare sample.
	Type string

	// Role is set on register frames.
	Role string

	// Fields holds the top-level keys of the frame.
	Fields map[string]json.RawMessage

	// Raw is the frame as received.
	Raw []byte
}

// Decode parses a frame. Anything other than a JSON object is malformed.
func Decode(data []byte) (*Message, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, relayerrors.New(relayerrors.ErrCodeMalformedPayload, "frame is not a JSON object")
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return nil, relayerrors.Malformed(err)
	}

	msg := &Message{Fields: fields, Raw: data}
	if raw, ok := fields["type"]; ok {
		if err := json.Unmarshal(raw, &msg.Type); err != nil {
			return nil, relayerrors.UnexpectedShape("type must be a string")
		}
	}
	if raw, ok := fields["role"]; ok {
		if err := json.Unmarshal(raw, &msg.Role); err != nil {
			return nil, relayerrors.UnexpectedShape("role must be a string")
		}
	}
	return msg, nil
}

// IsControl reports whether the message is a typed control frame.
func (m *Message) IsControl() bool {
	return m.Type != "" && m.Type != TypeData
}

// Sample extracts the telemetry sample carried by the message: the frame
// itself when untyped, or the payload of a data envelope.
func (m *Message) Sample() (*Sample, error) {
	switch m.Type {
	case "":
		return newSample(m.Raw, m.Fields)
	case TypeData:
		payload, ok := m.Fields["payload"]
		if !ok {
			return nil, relayerrors.UnexpectedShape("data frame without payload")
		}
		msg, err := Decode(payload)
		if err != nil {
			return nil, relayerrors.UnexpectedShape("data payload is not an object")
		}
		return newSample(msg.Raw, msg.Fields)
	default:
		return nil, relayerrors.UnexpectedShape("unexpected frame type " + strconv.Quote(m.Type))
	}
}

// Sample is one telemetry reading. The original bytes are kept and forwarded
// unmodified; only the presence of the conductivity field is enforced.
type Sample struct {
	raw    json.RawMessage
	fields map[string]json.RawMessage
}

func newSample(raw []byte, fields map[string]json.RawMessage) (*Sample, error) {
	c, ok := fields[FieldConductivity]
	if !ok || bytes.Equal(bytes.TrimSpace(c), []byte("null")) {
		return nil, relayerrors.UnexpectedShape("sample missing conductivity field C")
	}
	return &Sample{raw: json.RawMessage(bytes.TrimSpace(raw)), fields: fields}, nil
}

// ParseSample decodes data and extracts its sample.
func ParseSample(data []byte) (*Sample, error) {
	msg, err := Decode(data)
	if err != nil {
		return nil, err
	}
	return msg.Sample()
}

// Bytes returns the sample as received.
func (s *Sample) Bytes() []byte {
	return s.raw
}

// MarshalJSON returns the original bytes.
func (s *Sample) MarshalJSON() ([]byte, error) {
	return s.raw, nil
}

// Conductivity returns C as a number, if it is one.
func (s *Sample) Conductivity() (float64, bool) {
	return s.number(FieldConductivity)
}

// PH returns PH as a number, if present and numeric.
func (s *Sample) PH() (float64, bool) {
	return s.number(FieldPH)
}

// Temperature returns T as a number, if present and numeric.
func (s *Sample) Temperature() (float64, bool) {
	return s.number(FieldTemperature)
}

func (s *Sample) number(key string) (float64, bool) {
	raw, ok := s.fields[key]
	if !ok {
		return 0, false
	}
	var v float64
	if err := json.Unmarshal(raw, &v); err == nil {
		return v, true
	}
	// devices occasionally quote readings
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		if f, err := strconv.ParseFloat(str, 64); err == nil {
			return f, true
		}
	}
	return 0, false
}

type dataFrame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type roleFrame struct {
	Type string `json:"type"`
	Role string `json:"role"`
}

type errorFrame struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// EncodeSample renders a sample for consumers, bare or enveloped.
func EncodeSample(s *Sample, envelope bool) []byte {
	if !envelope {
		return s.raw
	}
	data, _ := json.Marshal(dataFrame{Type: TypeData, Payload: s.raw})
	return data
}

// EncodeRegister renders a registration request.
func EncodeRegister(role string) []byte {
	data, _ := json.Marshal(roleFrame{Type: TypeRegister, Role: role})
	return data
}

// EncodeRegistered renders the acknowledgment of a registration.
func EncodeRegistered(role string) []byte {
	data, _ := json.Marshal(roleFrame{Type: TypeRegistered, Role: role})
	return data
}

// EncodePong renders the reply to an application-level ping.
func EncodePong() []byte {
	return []byte(`{"type":"pong"}`)
}

// EncodeError renders an error frame for the peer.
func EncodeError(err error) []byte {
	frame := errorFrame{Type: TypeError, Code: string(relayerrors.ErrCodeInternal), Message: err.Error()}
	if re := relayerrors.AsRelayError(err); re != nil {
		frame.Code = string(re.Code())
	}
	data, _ := json.Marshal(frame)
	return data
}
