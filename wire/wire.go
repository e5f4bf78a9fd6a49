// Package wire implements the BibleSync datagram codec: a fixed binary
// header followed by a "name=value\n" body dictionary. It mirrors the
// teacher's marshal/unmarshal style (bytes.Buffer plus encoding/binary)
// but, unlike the teacher's ZeroMQ framing, the body here is a flat
// dictionary rather than a typed, positional field list.
package wire

import (
	"bytes"
	"encoding/binary"
	"strings"

	"github.com/pkg/errors"
)

// Magic is the fixed 4-byte magic number, big-endian on the wire.
const Magic uint32 = 0x409CAF11

// Protocol versions.
const (
	VersionLegacy uint8 = 0x01 // accepted for compatibility, no chat
	VersionCurrent uint8 = 0x02
)

// Message types.
const (
	TypeAnnounce uint8 = 1
	TypeSync     uint8 = 2
	TypeBeacon   uint8 = 3
	TypeChat     uint8 = 4
)

const (
	// HeaderSize is the fixed size, in bytes, of every datagram's header.
	HeaderSize = 4 + 1 + 1 + 1 + 1 + 16 + 8

	// MaxDatagram is the maximum size of any transmitted or accepted datagram.
	MaxDatagram = 1280

	// MaxBody is the largest body that fits after the header.
	MaxBody = MaxDatagram - HeaderSize
)

// Recognized body field names, string literals, exact per the wire contract.
const (
	FieldAppName       = "app.name"
	FieldAppVersion    = "app.version"
	FieldAppInstUUID   = "app.inst.uuid"
	FieldAppOS         = "app.os"
	FieldAppDevice     = "app.device"
	FieldAppUser       = "app.user"
	FieldPassPhrase    = "msg.sync.passPhrase"
	FieldBibleAbbrev   = "msg.sync.bibleAbbrev"
	FieldDomain        = "msg.sync.domain"
	FieldVerse         = "msg.sync.verse"
	FieldAltVerse      = "msg.sync.altVerse"
	FieldGroup         = "msg.sync.group"
	FieldChat          = "msg.chat"
)

// fillOrderCommon, then the type-specific field (msg.chat or
// msg.sync.bibleAbbrev), then fillOrderTail is the outbound field order.
// Later fields are sacrificed first when the body must be truncated to MaxBody.
var fillOrderCommon = []string{
	FieldAppName,
	FieldAppVersion,
	FieldAppInstUUID,
	FieldAppOS,
	FieldAppDevice,
	FieldAppUser,
	FieldPassPhrase,
}

var fillOrderTail = []string{
	FieldDomain,
	FieldGroup,
	FieldAltVerse,
	FieldVerse, // placed last: verse references may grow long
}

// RequiredFields returns the fields an inbound message of the given type
// must carry, in diagnostic-output order.
func RequiredFields(msgType uint8) []string {
	announce := []string{FieldAppName, FieldAppInstUUID, FieldAppUser, FieldPassPhrase}
	switch msgType {
	case TypeAnnounce, TypeBeacon:
		return announce
	case TypeSync:
		return append(append([]string{}, announce...), FieldBibleAbbrev, FieldDomain, FieldVerse, FieldGroup)
	case TypeChat:
		return append(append([]string{}, announce...), FieldChat)
	default:
		return nil
	}
}

// Header is the fixed 32-byte datagram header.
type Header struct {
	Magic       uint32
	Version     uint8
	MsgType     uint8
	NumPackets  uint8
	IndexPacket uint8
	UUID        [16]byte
	Reserved    [8]byte
}

var (
	// ErrShortHeader is returned when a datagram is smaller than HeaderSize.
	ErrShortHeader = errors.New("datagram shorter than header size")
	// ErrBadBodyFormat is returned when a body record is missing its '='
	// separator or its '\n' terminator.
	ErrBadBodyFormat = errors.New("bad_body_format")
)

// DecodeHeader parses the fixed header from the front of data.
func DecodeHeader(data []byte) (Header, error) {
	var h Header
	if len(data) < HeaderSize {
		return h, ErrShortHeader
	}
	buf := bytes.NewReader(data[:HeaderSize])
	binary.Read(buf, binary.BigEndian, &h.Magic)
	binary.Read(buf, binary.BigEndian, &h.Version)
	binary.Read(buf, binary.BigEndian, &h.MsgType)
	binary.Read(buf, binary.BigEndian, &h.NumPackets)
	binary.Read(buf, binary.BigEndian, &h.IndexPacket)
	binary.Read(buf, binary.BigEndian, &h.UUID)
	binary.Read(buf, binary.BigEndian, &h.Reserved)
	return h, nil
}

// ParseBody scans the body for "name=value\n" records. Duplicate names: the
// last occurrence wins. Every record, including the last, must be
// terminated by '\n' and must contain '='; a record that fails either test
// is ErrBadBodyFormat, with no exception for a trailing partial record.
func ParseBody(data []byte) (map[string]string, error) {
	fields := make(map[string]string)
	body := data
	for len(body) > 0 {
		nl := bytes.IndexByte(body, '\n')
		if nl < 0 {
			return nil, ErrBadBodyFormat
		}
		record := body[:nl]
		eq := bytes.IndexByte(record, '=')
		if eq < 0 {
			return nil, ErrBadBodyFormat
		}
		name := string(record[:eq])
		value := string(record[eq+1:])
		fields[name] = value
		body = body[nl+1:]
	}
	return fields, nil
}

// Encode assembles a full datagram: header followed by the body dictionary
// written in fill order, truncated to MaxDatagram and forced to end in '\n'.
func Encode(version, msgType uint8, uuid [16]byte, fields map[string]string) []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.BigEndian, Magic)
	binary.Write(buf, binary.BigEndian, version)
	binary.Write(buf, binary.BigEndian, msgType)
	binary.Write(buf, binary.BigEndian, uint8(1)) // num_packets
	binary.Write(buf, binary.BigEndian, uint8(0)) // index_packet
	buf.Write(uuid[:])
	buf.Write(make([]byte, 8)) // reserved, zero on transmit

	order := make([]string, 0, len(fillOrderCommon)+1+len(fillOrderTail))
	order = append(order, fillOrderCommon...)
	if msgType == TypeChat {
		order = append(order, FieldChat)
	} else {
		order = append(order, FieldBibleAbbrev)
	}
	order = append(order, fillOrderTail...)

	for _, name := range order {
		value, ok := fields[name]
		if !ok {
			continue
		}
		buf.WriteString(name)
		buf.WriteByte('=')
		buf.WriteString(value)
		buf.WriteByte('\n')
	}

	out := buf.Bytes()
	if len(out) > MaxDatagram {
		out = out[:MaxDatagram]
	}
	out[len(out)-1] = '\n'
	return out
}

// SanitizeChat replaces embedded newlines, which would otherwise be
// mistaken for record terminators, with tabs.
func SanitizeChat(text string) string {
	return strings.ReplaceAll(text, "\n", "\t")
}
