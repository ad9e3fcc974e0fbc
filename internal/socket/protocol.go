package socket

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Engine.IO v4 packet types. Over the websocket transport every frame
// carries exactly one engine packet.
const (
	engineOpen    byte = '0'
	engineClose   byte = '1'
	enginePing    byte = '2'
	enginePong    byte = '3'
	engineMessage byte = '4'
	engineUpgrade byte = '5'
	engineNoop    byte = '6'
)

// Socket.IO v5 packet types, carried inside engine message packets.
const (
	packetConnect      byte = '0'
	packetDisconnect   byte = '1'
	packetEvent        byte = '2'
	packetAck          byte = '3'
	packetConnectError byte = '4'
	packetBinaryEvent  byte = '5'
	packetBinaryAck    byte = '6'
)

var (
	// ErrMalformedPacket is returned for frames that do not follow the protocol.
	ErrMalformedPacket = errors.New("malformed socket.io packet")

	// ErrBinaryUnsupported is returned for binary events, which the backend never sends.
	ErrBinaryUnsupported = errors.New("binary socket.io packets are not supported")
)

// openPayload is the handshake sent by the server in the engine open packet.
type openPayload struct {
	SID          string   `json:"sid"`
	Upgrades     []string `json:"upgrades"`
	PingInterval int      `json:"pingInterval"`
	PingTimeout  int      `json:"pingTimeout"`
	MaxPayload   int      `json:"maxPayload"`
}

// heartbeatWindow is how long the server may stay silent before the
// connection is considered dead.
func (o openPayload) heartbeatWindow() time.Duration {
	interval := time.Duration(o.PingInterval) * time.Millisecond
	timeout := time.Duration(o.PingTimeout) * time.Millisecond
	if interval <= 0 {
		interval = 25 * time.Second
	}
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return interval + timeout
}

// packet is a decoded socket.io packet.
type packet struct {
	Type      byte
	Namespace string
	AckID     *int
	Data      json.RawMessage
}

// frame is a decoded engine packet; Packet is set for message frames.
type frame struct {
	Type   byte
	Data   string
	Packet *packet
}

func namespacePrefix(namespace string) string {
	if namespace == "" || namespace == "/" {
		return ""
	}
	return namespace + ","
}

func encodeConnect(namespace string) string {
	return string([]byte{engineMessage, packetConnect}) + namespacePrefix(namespace)
}

func encodeDisconnect(namespace string) string {
	return string([]byte{engineMessage, packetDisconnect}) + namespacePrefix(namespace)
}

func encodePong() string {
	return string(enginePong)
}

// encodeEvent builds `42/ns,["name",arg...]`.
func encodeEvent(namespace, name string, args ...interface{}) (string, error) {
	payload := make([]interface{}, 0, len(args)+1)
	payload = append(payload, name)
	payload = append(payload, args...)

	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode %s event: %w", name, err)
	}
	return string([]byte{engineMessage, packetEvent}) + namespacePrefix(namespace) + string(data), nil
}

// decodeFrame parses one websocket text frame.
func decodeFrame(text string) (frame, error) {
	if text == "" {
		return frame{}, fmt.Errorf("%w: empty frame", ErrMalformedPacket)
	}

	f := frame{Type: text[0], Data: text[1:]}
	switch f.Type {
	case engineOpen, engineClose, enginePing, enginePong, engineUpgrade, engineNoop:
		return f, nil
	case engineMessage:
		p, err := decodePacket(f.Data)
		if err != nil {
			return frame{}, err
		}
		f.Packet = &p
		return f, nil
	default:
		return frame{}, fmt.Errorf("%w: unknown engine type %q", ErrMalformedPacket, f.Type)
	}
}

// decodePacket parses `<type>[/ns,][ackid][json]`.
func decodePacket(s string) (packet, error) {
	if s == "" {
		return packet{}, fmt.Errorf("%w: empty message", ErrMalformedPacket)
	}

	p := packet{Type: s[0], Namespace: "/"}
	switch p.Type {
	case packetConnect, packetDisconnect, packetEvent, packetAck, packetConnectError:
	case packetBinaryEvent, packetBinaryAck:
		return packet{}, ErrBinaryUnsupported
	default:
		return packet{}, fmt.Errorf("%w: unknown packet type %q", ErrMalformedPacket, p.Type)
	}

	rest := s[1:]
	if strings.HasPrefix(rest, "/") {
		if comma := strings.IndexByte(rest, ','); comma >= 0 {
			p.Namespace = rest[:comma]
			rest = rest[comma+1:]
		} else {
			p.Namespace = rest
			rest = ""
		}
	}

	digits := 0
	for digits < len(rest) && rest[digits] >= '0' && rest[digits] <= '9' {
		digits++
	}
	if digits > 0 {
		id, err := strconv.Atoi(rest[:digits])
		if err != nil {
			return packet{}, fmt.Errorf("%w: ack id: %v", ErrMalformedPacket, err)
		}
		p.AckID = &id
		rest = rest[digits:]
	}

	if rest != "" {
		if !json.Valid([]byte(rest)) {
			return packet{}, fmt.Errorf("%w: invalid JSON payload", ErrMalformedPacket)
		}
		p.Data = json.RawMessage(rest)
	}
	return p, nil
}

// event splits an event packet into its name and first argument.
func (p packet) event() (string, json.RawMessage, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(p.Data, &parts); err != nil || len(parts) == 0 {
		return "", nil, fmt.Errorf("%w: event payload is not a non-empty array", ErrMalformedPacket)
	}

	var name string
	if err := json.Unmarshal(parts[0], &name); err != nil {
		return "", nil, fmt.Errorf("%w: event name is not a string", ErrMalformedPacket)
	}
	if len(parts) == 1 {
		return name, nil, nil
	}
	return name, parts[1], nil
}

// connectError extracts the message of a CONNECT_ERROR packet.
func (p packet) connectError() string {
	var body struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(p.Data, &body); err == nil && body.Message != "" {
		return body.Message
	}
	var plain string
	if err := json.Unmarshal(p.Data, &plain); err == nil && plain != "" {
		return plain
	}
	return "namespace connection refused"
}
