// Package discovery implements LAN discovery: an unconnected
// request/response UDP exchange that lets clients find hosts without
// an external directory, per spec.md §4.10/§6. The big-endian
// length-prefixed framing follows the DatagramHeader precedent in the
// teacher's voice-datagram header handling.
package discovery

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// Magic identifies a discovery datagram: the ASCII bytes "YARGNET!".
const Magic uint64 = 0x594152474E455421

// MsgType distinguishes request from response.
type MsgType byte

const (
	MsgRequest  MsgType = 0x01
	MsgResponse MsgType = 0x02
)

// headerLen is magic(8) + msgType(1).
const headerLen = 9

var (
	ErrBadMagic     = errors.New("discovery: bad magic")
	ErrTruncated    = errors.New("discovery: truncated packet")
	ErrUnknownMsgType = errors.New("discovery: unknown message type")
)

// BuildRequest returns the 9-byte REQUEST datagram.
func BuildRequest() []byte {
	buf := make([]byte, headerLen)
	binary.BigEndian.PutUint64(buf[0:8], Magic)
	buf[8] = byte(MsgRequest)
	return buf
}

// ParseHeader validates the magic and returns the message type and
// the remaining body bytes.
func ParseHeader(data []byte) (MsgType, []byte, error) {
	if len(data) < headerLen {
		return 0, nil, ErrTruncated
	}
	if binary.BigEndian.Uint64(data[0:8]) != Magic {
		return 0, nil, ErrBadMagic
	}
	t := MsgType(data[8])
	if t != MsgRequest && t != MsgResponse {
		return 0, nil, ErrUnknownMsgType
	}
	return t, data[headerLen:], nil
}

// LobbyInfo is the full set of fields a RESPONSE datagram can carry,
// including the optional trailing fields present only when the sender
// includes them (backward-compatible extension, spec.md §6).
type LobbyInfo struct {
	LobbyId        string
	LobbyName      string
	HostName       string
	CurrentPlayers int32
	MaxPlayers     int32
	HasPassword    bool
	PrivacyMode    int32
	Port           int32
	PublicPort     int32
	PublicAddress  string
	TransportId    string
	PlayerNames    []string
	PlayerInstruments []int32

	HasTrailing       bool
	NoFailMode        bool
	SharedSongsOnly   bool
	BandSize          int32
	AllowedGameModes  []int32
	SessionType       int32
	IsDedicatedServer bool
}

// BuildResponse serializes info into a full RESPONSE datagram
// (header + body). Trailing fields are emitted only when
// info.HasTrailing is true.
func BuildResponse(info LobbyInfo) []byte {
	var buf bytes.Buffer
	var hdr [headerLen]byte
	binary.BigEndian.PutUint64(hdr[0:8], Magic)
	hdr[8] = byte(MsgResponse)
	buf.Write(hdr[:])

	writeStr(&buf, info.LobbyId)
	writeStr(&buf, info.LobbyName)
	writeStr(&buf, info.HostName)
	writeInt32(&buf, info.CurrentPlayers)
	writeInt32(&buf, info.MaxPlayers)
	writeBool(&buf, info.HasPassword)
	writeInt32(&buf, info.PrivacyMode)
	writeInt32(&buf, info.Port)
	writeInt32(&buf, info.PublicPort)
	writeStr(&buf, info.PublicAddress)
	writeStr(&buf, info.TransportId)

	writeInt32(&buf, int32(len(info.PlayerNames)))
	for _, n := range info.PlayerNames {
		writeStr(&buf, n)
	}
	writeInt32(&buf, int32(len(info.PlayerInstruments)))
	for _, v := range info.PlayerInstruments {
		writeInt32(&buf, v)
	}

	if info.HasTrailing {
		writeBool(&buf, info.NoFailMode)
		writeBool(&buf, info.SharedSongsOnly)
		writeInt32(&buf, info.BandSize)
		writeInt32(&buf, int32(len(info.AllowedGameModes)))
		for _, m := range info.AllowedGameModes {
			writeInt32(&buf, m)
		}
		writeInt32(&buf, info.SessionType)
		writeBool(&buf, info.IsDedicatedServer)
	}

	return buf.Bytes()
}

// ParseResponse decodes a RESPONSE body (the bytes returned by
// ParseHeader for a MsgResponse datagram) into a LobbyInfo. Trailing
// fields are populated, with HasTrailing=true, only if bytes remain
// after the mandatory fields.
func ParseResponse(body []byte) (LobbyInfo, error) {
	r := bytes.NewReader(body)
	var info LobbyInfo
	var err error

	if info.LobbyId, err = readStr(r); err != nil {
		return info, err
	}
	if info.LobbyName, err = readStr(r); err != nil {
		return info, err
	}
	if info.HostName, err = readStr(r); err != nil {
		return info, err
	}
	if info.CurrentPlayers, err = readInt32(r); err != nil {
		return info, err
	}
	if info.MaxPlayers, err = readInt32(r); err != nil {
		return info, err
	}
	if info.HasPassword, err = readBool(r); err != nil {
		return info, err
	}
	if info.PrivacyMode, err = readInt32(r); err != nil {
		return info, err
	}
	if info.Port, err = readInt32(r); err != nil {
		return info, err
	}
	if info.PublicPort, err = readInt32(r); err != nil {
		return info, err
	}
	if info.PublicAddress, err = readStr(r); err != nil {
		return info, err
	}
	if info.TransportId, err = readStr(r); err != nil {
		return info, err
	}

	nameCount, err := readInt32(r)
	if err != nil {
		return info, err
	}
	info.PlayerNames = make([]string, 0, nameCount)
	for i := int32(0); i < nameCount; i++ {
		n, err := readStr(r)
		if err != nil {
			return info, err
		}
		info.PlayerNames = append(info.PlayerNames, n)
	}

	instrCount, err := readInt32(r)
	if err != nil {
		return info, err
	}
	info.PlayerInstruments = make([]int32, 0, instrCount)
	for i := int32(0); i < instrCount; i++ {
		v, err := readInt32(r)
		if err != nil {
			return info, err
		}
		info.PlayerInstruments = append(info.PlayerInstruments, v)
	}

	if r.Len() == 0 {
		return info, nil
	}

	info.HasTrailing = true
	if info.NoFailMode, err = readBool(r); err != nil {
		return info, err
	}
	if info.SharedSongsOnly, err = readBool(r); err != nil {
		return info, err
	}
	if info.BandSize, err = readInt32(r); err != nil {
		return info, err
	}
	modeCount, err := readInt32(r)
	if err != nil {
		return info, err
	}
	info.AllowedGameModes = make([]int32, 0, modeCount)
	for i := int32(0); i < modeCount; i++ {
		v, err := readInt32(r)
		if err != nil {
			return info, err
		}
		info.AllowedGameModes = append(info.AllowedGameModes, v)
	}
	if info.SessionType, err = readInt32(r); err != nil {
		return info, err
	}
	if info.IsDedicatedServer, err = readBool(r); err != nil {
		return info, err
	}
	return info, nil
}

func writeInt32(buf *bytes.Buffer, v int32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(v))
	buf.Write(b[:])
}

func writeBool(buf *bytes.Buffer, v bool) {
	if v {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
}

func writeStr(buf *bytes.Buffer, s string) {
	writeInt32(buf, int32(len(s)))
	buf.WriteString(s)
}

func readInt32(r *bytes.Reader) (int32, error) {
	var b [4]byte
	if _, err := readFull(r, b[:]); err != nil {
		return 0, err
	}
	return int32(binary.BigEndian.Uint32(b[:])), nil
}

func readBool(r *bytes.Reader) (bool, error) {
	b, err := r.ReadByte()
	if err != nil {
		return false, fmt.Errorf("discovery: %w", ErrTruncated)
	}
	return b != 0, nil
}

func readStr(r *bytes.Reader) (string, error) {
	n, err := readInt32(r)
	if err != nil {
		return "", err
	}
	if n < 0 {
		return "", fmt.Errorf("discovery: negative string length %d", n)
	}
	b := make([]byte, n)
	if _, err := readFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}

func readFull(r *bytes.Reader, b []byte) (int, error) {
	n, err := r.Read(b)
	if err != nil || n < len(b) {
		return n, ErrTruncated
	}
	return n, nil
}
