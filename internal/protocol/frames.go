package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Frame labels exchanged with relays.
const (
	FrameReq    = "REQ"
	FrameEvent  = "EVENT"
	FrameClose  = "CLOSE"
	FrameEOSE   = "EOSE"
	FrameOK     = "OK"
	FrameClosed = "CLOSED"
	FrameNotice = "NOTICE"
)

var errBadFrame = errors.New("malformed frame")

// ClientFrame is a client -> relay message.
type ClientFrame struct {
	Type     string
	SubID    string
	Filters  []Filter
	Event    *Envelope
	RawEvent json.RawMessage
}

// RelayFrame is a relay -> client message.
type RelayFrame struct {
	Type     string
	SubID    string
	Event    *Envelope
	RawEvent json.RawMessage
	EventID  string
	OK       bool
	Message  string
}

func EncodeReq(subID string, filters ...Filter) ([]byte, error) {
	arr := []any{FrameReq, subID}
	for _, f := range filters {
		arr = append(arr, f)
	}
	return json.Marshal(arr)
}

func EncodeEvent(env Envelope) ([]byte, error) {
	return json.Marshal([]any{FrameEvent, env})
}

func EncodeClose(subID string) ([]byte, error) {
	return json.Marshal([]any{FrameClose, subID})
}

func EncodeRelayEvent(subID string, env Envelope) ([]byte, error) {
	return json.Marshal([]any{FrameEvent, subID, env})
}

func EncodeEOSE(subID string) ([]byte, error) {
	return json.Marshal([]any{FrameEOSE, subID})
}

func EncodeOK(eventID string, ok bool, msg string) ([]byte, error) {
	return json.Marshal([]any{FrameOK, eventID, ok, msg})
}

func EncodeClosed(subID, msg string) ([]byte, error) {
	return json.Marshal([]any{FrameClosed, subID, msg})
}

func EncodeNotice(msg string) ([]byte, error) {
	return json.Marshal([]any{FrameNotice, msg})
}

// DecodeClientFrame parses a client message. Junk input returns an error.
func DecodeClientFrame(b []byte) (ClientFrame, error) {
	var f ClientFrame
	parts, label, err := splitFrame(b)
	if err != nil {
		return f, err
	}
	f.Type = label
	switch label {
	case FrameReq:
		if len(parts) < 2 {
			return f, errBadFrame
		}
		if err := json.Unmarshal(parts[1], &f.SubID); err != nil {
			return f, fmt.Errorf("%w: sub id: %v", errBadFrame, err)
		}
		for _, raw := range parts[2:] {
			var flt Filter
			if err := json.Unmarshal(raw, &flt); err != nil {
				return f, fmt.Errorf("%w: filter: %v", errBadFrame, err)
			}
			f.Filters = append(f.Filters, flt)
		}
	case FrameEvent:
		if len(parts) != 2 {
			return f, errBadFrame
		}
		var env Envelope
		if err := json.Unmarshal(parts[1], &env); err != nil {
			return f, fmt.Errorf("%w: event: %v", errBadFrame, err)
		}
		f.Event = &env
		f.RawEvent = parts[1]
	case FrameClose:
		if len(parts) != 2 {
			return f, errBadFrame
		}
		if err := json.Unmarshal(parts[1], &f.SubID); err != nil {
			return f, fmt.Errorf("%w: sub id: %v", errBadFrame, err)
		}
	default:
		return f, fmt.Errorf("%w: unknown label %q", errBadFrame, label)
	}
	return f, nil
}

// DecodeRelayFrame parses a relay message. Junk input returns an error.
func DecodeRelayFrame(b []byte) (RelayFrame, error) {
	var f RelayFrame
	parts, label, err := splitFrame(b)
	if err != nil {
		return f, err
	}
	f.Type = label
	switch label {
	case FrameEvent:
		if len(parts) != 3 {
			return f, errBadFrame
		}
		if err := json.Unmarshal(parts[1], &f.SubID); err != nil {
			return f, fmt.Errorf("%w: sub id: %v", errBadFrame, err)
		}
		var env Envelope
		if err := json.Unmarshal(parts[2], &env); err != nil {
			return f, fmt.Errorf("%w: event: %v", errBadFrame, err)
		}
		f.Event = &env
		f.RawEvent = parts[2]
	case FrameEOSE:
		if len(parts) != 2 {
			return f, errBadFrame
		}
		if err := json.Unmarshal(parts[1], &f.SubID); err != nil {
			return f, fmt.Errorf("%w: sub id: %v", errBadFrame, err)
		}
	case FrameOK:
		if len(parts) < 3 {
			return f, errBadFrame
		}
		if err := json.Unmarshal(parts[1], &f.EventID); err != nil {
			return f, fmt.Errorf("%w: event id: %v", errBadFrame, err)
		}
		if err := json.Unmarshal(parts[2], &f.OK); err != nil {
			return f, fmt.Errorf("%w: ok flag: %v", errBadFrame, err)
		}
		if len(parts) > 3 {
			_ = json.Unmarshal(parts[3], &f.Message)
		}
	case FrameClosed:
		if len(parts) < 2 {
			return f, errBadFrame
		}
		if err := json.Unmarshal(parts[1], &f.SubID); err != nil {
			return f, fmt.Errorf("%w: sub id: %v", errBadFrame, err)
		}
		if len(parts) > 2 {
			_ = json.Unmarshal(parts[2], &f.Message)
		}
	case FrameNotice:
		if len(parts) > 1 {
			_ = json.Unmarshal(parts[1], &f.Message)
		}
	default:
		return f, fmt.Errorf("%w: unknown label %q", errBadFrame, label)
	}
	return f, nil
}

func splitFrame(b []byte) ([]json.RawMessage, string, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(b, &parts); err != nil {
		return nil, "", fmt.Errorf("%w: %v", errBadFrame, err)
	}
	if len(parts) == 0 {
		return nil, "", errBadFrame
	}
	var label string
	if err := json.Unmarshal(parts[0], &label); err != nil {
		return nil, "", fmt.Errorf("%w: label: %v", errBadFrame, err)
	}
	return parts, label, nil
}
