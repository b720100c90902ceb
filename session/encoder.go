package session

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// CurrentSchemaVersion is the leading byte of every encoded session.
const CurrentSchemaVersion = 1

const (
	maxListEntries = 1024
	maxStateLen    = 64 << 10
)

// ErrCorrupt is returned by [Decode] for records it cannot read.
var ErrCorrupt = errors.New("session record corrupt")

// Encode serializes s into the compact binary record stored in Redis.
func Encode(s *Session) ([]byte, error) {
	var buf bytes.Buffer

	buf.WriteByte(CurrentSchemaVersion)

	if err := writeString8(&buf, "id", s.ID); err != nil {
		return nil, err
	}
	if err := writeString8(&buf, "username", s.Username); err != nil {
		return nil, err
	}
	if err := writeString16(&buf, "display name", s.DisplayName); err != nil {
		return nil, err
	}
	buf.WriteByte(byte(s.Level))
	if err := writeList(&buf, "emails", s.Emails); err != nil {
		return nil, err
	}
	if err := writeList(&buf, "groups", s.Groups); err != nil {
		return nil, err
	}

	buf.WriteByte(byte(s.Capability))
	if err := writeString8(&buf, "capability user", s.CapabilityUser); err != nil {
		return nil, err
	}
	if err := writeString16(&buf, "redirection target", s.RedirectionTarget); err != nil {
		return nil, err
	}

	for _, v := range []int64{s.CreatedAt, s.UpdatedAt, s.ExpiresAt} {
		if err := binary.Write(&buf, binary.BigEndian, v); err != nil {
			return nil, err
		}
	}

	if s.Pending == nil {
		buf.WriteByte(0)
		return buf.Bytes(), nil
	}

	buf.WriteByte(1)
	buf.WriteByte(byte(s.Pending.Kind))
	if err := binary.Write(&buf, binary.BigEndian, s.Pending.ExpiresAt); err != nil {
		return nil, err
	}
	if len(s.Pending.State) > maxStateLen {
		return nil, errors.New("challenge state too large")
	}
	if err := binary.Write(&buf, binary.BigEndian, uint32(len(s.Pending.State))); err != nil {
		return nil, err
	}
	buf.Write(s.Pending.State)

	return buf.Bytes(), nil
}

// Decode parses a record produced by [Encode].
func Decode(data []byte) (*Session, error) {
	s, err := decode(bytes.NewReader(data))
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: truncated", ErrCorrupt)
		}
		return nil, err
	}
	return s, nil
}

func decode(r *bytes.Reader) (*Session, error) {
	version, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != CurrentSchemaVersion {
		return nil, fmt.Errorf("%w: unsupported session schema version %d", ErrCorrupt, version)
	}

	s := &Session{}
	if s.ID, err = readString8(r); err != nil {
		return nil, err
	}
	if s.Username, err = readString8(r); err != nil {
		return nil, err
	}
	if s.DisplayName, err = readString16(r); err != nil {
		return nil, err
	}
	level, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	s.Level = Level(level)
	if !s.Level.Valid() {
		return nil, fmt.Errorf("%w: level %d", ErrCorrupt, level)
	}
	if s.Emails, err = readList(r); err != nil {
		return nil, err
	}
	if s.Groups, err = readList(r); err != nil {
		return nil, err
	}

	capability, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	s.Capability = Capability(capability)
	if s.Capability > CapabilityRegisterWebAuthn {
		return nil, fmt.Errorf("%w: capability %d", ErrCorrupt, capability)
	}
	if s.CapabilityUser, err = readString8(r); err != nil {
		return nil, err
	}
	if s.RedirectionTarget, err = readString16(r); err != nil {
		return nil, err
	}

	for _, dst := range []*int64{&s.CreatedAt, &s.UpdatedAt, &s.ExpiresAt} {
		if err := binary.Read(r, binary.BigEndian, dst); err != nil {
			return nil, err
		}
	}

	hasPending, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	switch hasPending {
	case 0:
	case 1:
		kind, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		p := &Challenge{Kind: ChallengeKind(kind)}
		if err := binary.Read(r, binary.BigEndian, &p.ExpiresAt); err != nil {
			return nil, err
		}
		var stateLen uint32
		if err := binary.Read(r, binary.BigEndian, &stateLen); err != nil {
			return nil, err
		}
		if stateLen > maxStateLen || int(stateLen) > r.Len() {
			return nil, fmt.Errorf("%w: challenge state length", ErrCorrupt)
		}
		p.State = make([]byte, stateLen)
		if _, err := io.ReadFull(r, p.State); err != nil {
			return nil, err
		}
		s.Pending = p
	default:
		return nil, fmt.Errorf("%w: pending flag %d", ErrCorrupt, hasPending)
	}

	if r.Len() != 0 {
		return nil, fmt.Errorf("%w: trailing bytes", ErrCorrupt)
	}
	return s, nil
}

func writeString8(buf *bytes.Buffer, field, v string) error {
	if len(v) > math.MaxUint8 {
		return fmt.Errorf("%s too long", field)
	}
	buf.WriteByte(byte(len(v)))
	buf.WriteString(v)
	return nil
}

func writeString16(buf *bytes.Buffer, field, v string) error {
	if len(v) > math.MaxUint16 {
		return fmt.Errorf("%s too long", field)
	}
	if err := binary.Write(buf, binary.BigEndian, uint16(len(v))); err != nil {
		return err
	}
	buf.WriteString(v)
	return nil
}

func writeList(buf *bytes.Buffer, field string, vs []string) error {
	if len(vs) > maxListEntries {
		return fmt.Errorf("too many %s", field)
	}
	if err := binary.Write(buf, binary.BigEndian, uint16(len(vs))); err != nil {
		return err
	}
	for _, v := range vs {
		if err := writeString16(buf, field, v); err != nil {
			return err
		}
	}
	return nil
}

func readString8(r *bytes.Reader) (string, error) {
	n, err := r.ReadByte()
	if err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}

func readString16(r *bytes.Reader) (string, error) {
	var n uint16
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return "", err
	}
	if int(n) > r.Len() {
		return "", io.ErrUnexpectedEOF
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}

func readList(r *bytes.Reader) ([]string, error) {
	var n uint16
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, err
	}
	if n > maxListEntries {
		return nil, fmt.Errorf("%w: list length %d", ErrCorrupt, n)
	}
	if n == 0 {
		return nil, nil
	}
	out := make([]string, 0, n)
	for i := 0; i < int(n); i++ {
		v, err := readString16(r)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
