package grpcsync

import (
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/signalsfoundry/swarm-sync/core"
	"github.com/signalsfoundry/swarm-sync/model"
)

// ErrMalformedRequest is returned when a request or response Struct does not
// hold the expected fields.
var ErrMalformedRequest = errors.New("malformed position sync payload")

const (
	fieldRecipientID = "recipient_id"
	fieldMessage     = "message"
)

// receiptWire is the JSON shape of a core.Receipt on the wire.
type receiptWire struct {
	Action         string            `json:"action"`
	DistanceBefore float64           `json:"distance_before"`
	DistanceAfter  float64           `json:"distance_after"`
	Position       model.GeoPosition `json:"position"`
}

// EncodeDeliverRequest packs a recipient id and message into a Struct. The
// message keeps its JSON field names, so the checksum survives the trip.
func EncodeDeliverRequest(recipientID string, msg model.Message) (*structpb.Struct, error) {
	m, err := toMap(msg)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return structpb.NewStruct(map[string]any{
		fieldRecipientID: recipientID,
		fieldMessage:     m,
	})
}

// DecodeDeliverRequest is the inverse of EncodeDeliverRequest.
func DecodeDeliverRequest(req *structpb.Struct) (string, model.Message, error) {
	if req == nil {
		return "", model.Message{}, fmt.Errorf("%w: empty request", ErrMalformedRequest)
	}
	fields := req.GetFields()

	recipient := fields[fieldRecipientID].GetStringValue()
	if recipient == "" {
		return "", model.Message{}, fmt.Errorf("%w: missing %s", ErrMalformedRequest, fieldRecipientID)
	}
	raw := fields[fieldMessage].GetStructValue()
	if raw == nil {
		return "", model.Message{}, fmt.Errorf("%w: missing %s", ErrMalformedRequest, fieldMessage)
	}

	var msg model.Message
	if err := fromMap(raw.AsMap(), &msg); err != nil {
		return "", model.Message{}, fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}
	return recipient, msg, nil
}

// EncodeReceipt packs a receipt into a Struct.
func EncodeReceipt(r core.Receipt) (*structpb.Struct, error) {
	m, err := toMap(receiptWire{
		Action:         r.Action.String(),
		DistanceBefore: r.DistanceBefore,
		DistanceAfter:  r.DistanceAfter,
		Position:       r.Position,
	})
	if err != nil {
		return nil, fmt.Errorf("encode receipt: %w", err)
	}
	return structpb.NewStruct(m)
}

// DecodeReceipt is the inverse of EncodeReceipt.
func DecodeReceipt(s *structpb.Struct) (core.Receipt, error) {
	if s == nil {
		return core.Receipt{}, fmt.Errorf("%w: empty receipt", ErrMalformedRequest)
	}
	var w receiptWire
	if err := fromMap(s.AsMap(), &w); err != nil {
		return core.Receipt{}, fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}
	return core.Receipt{
		Action:         core.ParseAction(w.Action),
		DistanceBefore: w.DistanceBefore,
		DistanceAfter:  w.DistanceAfter,
		Position:       w.Position,
	}, nil
}

func toMap(v any) (map[string]any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func fromMap(m map[string]any, v any) error {
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}
