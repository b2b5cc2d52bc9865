package model

// MessageKind is the closed set of message types agents understand.
// Wire strings that do not name a known kind decode to KindUnknown.
type MessageKind int

const (
	KindUnknown MessageKind = iota
	KindPositionUpdate
)

const positionUpdateText = "Position Update"

func (k MessageKind) String() string {
	switch k {
	case KindPositionUpdate:
		return positionUpdateText
	default:
		return "Unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k MessageKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. It never fails.
func (k *MessageKind) UnmarshalText(text []byte) error {
	switch string(text) {
	case positionUpdateText:
		*k = KindPositionUpdate
	default:
		*k = KindUnknown
	}
	return nil
}

// Header addresses a message. MessageID is not covered by the checksum.
type Header struct {
	MessageType    MessageKind `json:"message_type"`
	SourceID       string      `json:"source_id"`
	DestinationIDs []string    `json:"destination_ids"`
	MessageID      string      `json:"message_id,omitempty"`
}

// GPSCoordinates is the horizontal part of a position payload.
type GPSCoordinates struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// PositionPayload is the payload of a Position Update.
type PositionPayload struct {
	GPSCoordinates GPSCoordinates `json:"gps_coordinates"`
	Altitude       float64        `json:"altitude"`
}

// NewPositionPayload captures pos as a payload value.
func NewPositionPayload(pos GeoPosition) PositionPayload {
	return PositionPayload{
		GPSCoordinates: GPSCoordinates{Latitude: pos.Latitude, Longitude: pos.Longitude},
		Altitude:       pos.Altitude,
	}
}

// Position converts the payload back into a GeoPosition.
func (p PositionPayload) Position() GeoPosition {
	return GeoPosition{
		Latitude:  p.GPSCoordinates.Latitude,
		Longitude: p.GPSCoordinates.Longitude,
		Altitude:  p.Altitude,
	}
}

// Message is the unit exchanged between agents.
type Message struct {
	Header   Header          `json:"header"`
	Payload  PositionPayload `json:"payload"`
	Checksum string          `json:"checksum"`
}

// Clone returns a copy that shares no slices with m.
func (m Message) Clone() Message {
	out := m
	if m.Header.DestinationIDs != nil {
		out.Header.DestinationIDs = append([]string(nil), m.Header.DestinationIDs...)
	}
	return out
}
