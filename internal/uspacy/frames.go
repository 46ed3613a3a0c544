package uspacy

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tidwall/gjson"
)

// Engine-level packet type bytes, the first byte of every text frame.
const (
	enginePacketOpen    = '0'
	enginePacketPing    = '2'
	enginePacketPong    = '3'
	enginePacketMessage = '4'
)

// Channel-level packet type bytes, the second byte of engine messages.
const (
	channelPacketOpen  = '0'
	channelPacketClose = '1'
	channelPacketEvent = '2'
)

const (
	// defaultPingInterval applies when the handshake omits pingInterval.
	defaultPingInterval = 25 * time.Second

	// defaultPingTimeout applies when the handshake omits pingTimeout.
	defaultPingTimeout = 60 * time.Second

	// minPingInterval is the floor for a server-announced ping interval.
	minPingInterval = 5 * time.Second

	// minPingTimeout is the floor for a server-announced ping timeout.
	// Anything shorter would have the watchdog tearing down healthy
	// connections between probes.
	minPingTimeout = 10 * time.Second
)

// FrameKind identifies the protocol meaning of an inbound frame.
type FrameKind int

const (
	// FrameUnknown marks frames that fit no known layout. The session
	// logs and drops them.
	FrameUnknown FrameKind = iota

	// FrameHandshake is the engine open frame carrying session timing.
	FrameHandshake

	// FramePing is a server liveness probe. It must be answered with a
	// pong immediately; the client never originates probes of its own.
	FramePing

	// FramePong acknowledges a probe.
	FramePong

	// FrameChannelOpen acknowledges the notification channel subscribe.
	FrameChannelOpen

	// FrameChannelClose announces the server is closing the channel.
	FrameChannelClose

	// FrameEvent carries one notification event.
	FrameEvent
)

// String returns a short name for the frame kind, for log lines.
func (k FrameKind) String() string {
	switch k {
	case FrameHandshake:
		return "handshake"
	case FramePing:
		return "ping"
	case FramePong:
		return "pong"
	case FrameChannelOpen:
		return "channel-open"
	case FrameChannelClose:
		return "channel-close"
	case FrameEvent:
		return "event"
	default:
		return "unknown"
	}
}

// Frame is one decoded inbound frame.
type Frame struct {
	Kind FrameKind

	// Handshake is populated for FrameHandshake frames.
	Handshake Handshake

	// Event and Payload are populated for FrameEvent frames. Payload is
	// the event's first argument, passed through undecoded. For channel
	// open and close frames Payload holds whatever trailed the prefix.
	Event   string
	Payload json.RawMessage
}

// Handshake is the timing contract announced by the engine open frame.
type Handshake struct {
	SID          string
	PingInterval time.Duration
	PingTimeout  time.Duration
}

// DecodeFrame classifies one inbound text frame. Malformed input never
// fails, it decodes to FrameUnknown so a junk frame cannot take the
// stream down.
func DecodeFrame(data []byte) Frame {
	if len(data) == 0 {
		return Frame{Kind: FrameUnknown}
	}

	switch data[0] {
	case enginePacketOpen:
		return decodeHandshake(data[1:])

	case enginePacketPing:
		return Frame{Kind: FramePing}

	case enginePacketPong:
		// A bare pong acknowledges a probe. Pongs with a payload are
		// not part of the post-upgrade protocol.
		if len(data) == 1 {
			return Frame{Kind: FramePong}
		}
		return Frame{Kind: FrameUnknown}

	case enginePacketMessage:
		if len(data) < 2 {
			return Frame{Kind: FrameUnknown}
		}

		switch data[1] {
		case channelPacketOpen:
			return Frame{Kind: FrameChannelOpen, Payload: json.RawMessage(data[2:])}
		case channelPacketClose:
			return Frame{Kind: FrameChannelClose, Payload: json.RawMessage(data[2:])}
		case channelPacketEvent:
			return decodeEvent(data[2:])
		default:
			return Frame{Kind: FrameUnknown}
		}

	default:
		return Frame{Kind: FrameUnknown}
	}
}

// decodeHandshake parses the JSON body of an engine open frame. Missing
// or unparseable fields fall back to protocol defaults, and the
// resulting intervals are clamped to sane floors. Timings arrive in
// milliseconds and are floored to whole seconds.
func decodeHandshake(body []byte) Frame {
	h := Handshake{
		PingInterval: defaultPingInterval,
		PingTimeout:  defaultPingTimeout,
	}

	if gjson.ValidBytes(body) {
		info := gjson.ParseBytes(body)

		h.SID = info.Get("sid").String()

		if v := info.Get("pingInterval"); v.Exists() {
			h.PingInterval = time.Duration(v.Int()/1000) * time.Second
		}

		if v := info.Get("pingTimeout"); v.Exists() {
			h.PingTimeout = time.Duration(v.Int()/1000) * time.Second
		}
	}

	h.PingInterval = max(h.PingInterval, minPingInterval)
	h.PingTimeout = max(h.PingTimeout, minPingTimeout)

	return Frame{Kind: FrameHandshake, Handshake: h}
}

// decodeEvent parses the JSON body of a channel event frame, shaped
// ["eventType", payload, ...]. Only the first payload argument is kept.
func decodeEvent(body []byte) Frame {
	if !gjson.ValidBytes(body) {
		return Frame{Kind: FrameUnknown}
	}

	arr := gjson.ParseBytes(body)
	if !arr.IsArray() {
		return Frame{Kind: FrameUnknown}
	}

	elems := arr.Array()
	if len(elems) == 0 || elems[0].Type != gjson.String {
		return Frame{Kind: FrameUnknown}
	}

	frame := Frame{Kind: FrameEvent, Event: elems[0].String()}
	if len(elems) > 1 {
		frame.Payload = json.RawMessage(elems[1].Raw)
	}

	return frame
}

// EncodePong builds the reply to a server probe.
func EncodePong() []byte {
	return []byte{enginePacketPong}
}

// channelOpenPayload is the auth body of the channel subscribe frame.
type channelOpenPayload struct {
	Token string `json:"token"`
}

// EncodeChannelOpen builds the channel subscribe frame carrying the
// access token.
func EncodeChannelOpen(token string) ([]byte, error) {
	body, err := json.Marshal(channelOpenPayload{Token: token})
	if err != nil {
		return nil, fmt.Errorf("encoding channel open payload: %w", err)
	}

	return append([]byte{enginePacketMessage, channelPacketOpen}, body...), nil
}

// EncodeEvent builds a channel event frame, shaped ["event", payload].
// A nil payload produces a single-element array.
func EncodeEvent(event string, payload any) ([]byte, error) {
	args := []any{event}
	if payload != nil {
		args = append(args, payload)
	}

	body, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encoding event payload: %w", err)
	}

	return append([]byte{enginePacketMessage, channelPacketEvent}, body...), nil
}
