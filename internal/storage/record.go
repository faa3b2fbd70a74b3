// =============================================================================
// RECORD ENCODING - WHAT A PAGE OR RETENTION FILE HOLDS
// =============================================================================
//
// WHAT IS A RECORD?
// A record is one message as it sits on disk, either overflowed to a page
// file (paging) or archived in a retention segment (replay). Both file kinds
// share this codec so a record read back from either place looks the same to
// the address layer.
//
// RECORD FORMAT (on disk):
// ┌──────────────────────────────────────────────────────────────────────────┐
// │ HEADER (fixed 40 bytes)                                                  │
// ├──────────────────────────────────────────────────────────────────────────┤
// │ Magic (2B) │ Version (1B) │ Flags (1B) │ CRC32 (4B) │ Sequence (8B)      │
// │ Timestamp (8B) │ IDLen (2B) │ AddrLen (2B) │ DupLen (2B) │ QueuesLen (2B)│
// │ PropsLen (4B) │ BodyLen (4B)                                             │
// ├──────────────────────────────────────────────────────────────────────────┤
// │ BODY (variable)                                                          │
// ├──────────────────────────────────────────────────────────────────────────┤
// │ MessageID │ Address │ DuplicateID │ Queues │ Properties │ Body           │
// └──────────────────────────────────────────────────────────────────────────┘
//
// QUEUES / PROPERTIES FORMAT:
//   Queues:     Count (2B) │ [Len (2B) │ name] × N
//   Properties: Count (2B) │ [KeyLen (2B) │ key │ ValLen (2B) │ val] × N
//
// WHY CARRY QUEUES?
// A paged record has already been routed. The destination bindings are
// written with it so each queue cursor can pick out its own records when
// depaging, without re-running routing against bindings that may have
// changed since.
//
// CORRUPTION MODEL:
//   - Bad magic: the frame boundary is lost, the rest of the file is unusable
//   - Bad CRC:   the frame boundary is intact (lengths live in the header),
//                so a reader can skip exactly this record and continue
//
// =============================================================================

package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"sort"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// "AR" in ASCII
	MagicByte1 = 0x41
	MagicByte2 = 0x52

	FormatVersion = 1

	// Magic(2) + Version(1) + Flags(1) + CRC(4) + Sequence(8) + Timestamp(8) +
	// IDLen(2) + AddrLen(2) + DupLen(2) + QueuesLen(2) + PropsLen(4) + BodyLen(4)
	RecordHeaderSize = 40

	MaxShortFieldSize = 65535
	MaxPropertiesSize = 1024 * 1024
	MaxBodySize       = 16 * 1024 * 1024
)

const (
	FlagDurable = 1 << 0
)

// =============================================================================
// ERROR DEFINITIONS
// =============================================================================

var (
	// ErrInvalidMagic means the frame boundary is lost.
	ErrInvalidMagic = errors.New("invalid magic bytes: not an address record")

	ErrUnsupportedVersion = errors.New("unsupported record format version")

	// ErrCorruptedRecord means the CRC check failed. The frame length is
	// still trustworthy so the record can be skipped.
	ErrCorruptedRecord = errors.New("record corrupted: CRC mismatch")

	ErrFieldTooLarge = errors.New("record field exceeds maximum size")

	ErrInvalidRecord = errors.New("invalid record format")
)

// =============================================================================
// RECORD STRUCT
// =============================================================================

// Record is a single message as persisted by the page store and the
// retention log.
type Record struct {
	// Sequence is assigned by the address when the message is accepted.
	Sequence uint64

	// Timestamp is Unix nanoseconds at acceptance.
	Timestamp int64

	MessageID string

	// Address is the address the message was originally published to.
	Address string

	// DuplicateID is the application supplied duplicate-detection id, if any.
	DuplicateID []byte

	// Queues are the bindings routing selected for this record.
	Queues []string

	// Properties are the message properties filters evaluate against.
	Properties map[string]string

	Body []byte

	Flags uint8
}

// Durable reports whether the producer asked for a durable send.
func (r *Record) Durable() bool {
	return r.Flags&FlagDurable != 0
}

var crcTable = crc32.MakeTable(crc32.Castagnoli)

func calculateCRC(data []byte) uint32 {
	return crc32.Checksum(data, crcTable)
}

// =============================================================================
// ENCODING
// =============================================================================

// Encode serializes the record.
//
// BYTE LAYOUT:
//
//	[0:2]   Magic ("AR")
//	[2]     Version
//	[3]     Flags
//	[4:8]   CRC32-C of bytes [8:end]
//	[8:16]  Sequence
//	[16:24] Timestamp
//	[24:26] MessageID length
//	[26:28] Address length
//	[28:30] DuplicateID length
//	[30:32] Queues block length
//	[32:36] Properties block length
//	[36:40] Body length
func (r *Record) Encode() ([]byte, error) {
	if len(r.MessageID) > MaxShortFieldSize {
		return nil, fmt.Errorf("%w: message id is %d bytes", ErrFieldTooLarge, len(r.MessageID))
	}
	if len(r.Address) > MaxShortFieldSize {
		return nil, fmt.Errorf("%w: address is %d bytes", ErrFieldTooLarge, len(r.Address))
	}
	if len(r.DuplicateID) > MaxShortFieldSize {
		return nil, fmt.Errorf("%w: duplicate id is %d bytes", ErrFieldTooLarge, len(r.DuplicateID))
	}
	if len(r.Body) > MaxBodySize {
		return nil, fmt.Errorf("%w: body is %d bytes, max is %d", ErrFieldTooLarge, len(r.Body), MaxBodySize)
	}

	queues, err := encodeQueues(r.Queues)
	if err != nil {
		return nil, err
	}
	props, err := encodeProperties(r.Properties)
	if err != nil {
		return nil, err
	}

	total := RecordHeaderSize + len(r.MessageID) + len(r.Address) + len(r.DuplicateID) +
		len(queues) + len(props) + len(r.Body)
	buf := make([]byte, total)

	buf[0] = MagicByte1
	buf[1] = MagicByte2
	buf[2] = FormatVersion
	buf[3] = r.Flags
	binary.BigEndian.PutUint64(buf[8:16], r.Sequence)
	binary.BigEndian.PutUint64(buf[16:24], uint64(r.Timestamp))
	binary.BigEndian.PutUint16(buf[24:26], uint16(len(r.MessageID)))
	binary.BigEndian.PutUint16(buf[26:28], uint16(len(r.Address)))
	binary.BigEndian.PutUint16(buf[28:30], uint16(len(r.DuplicateID)))
	binary.BigEndian.PutUint16(buf[30:32], uint16(len(queues)))
	binary.BigEndian.PutUint32(buf[32:36], uint32(len(props)))
	binary.BigEndian.PutUint32(buf[36:40], uint32(len(r.Body)))

	pos := RecordHeaderSize
	pos += copy(buf[pos:], r.MessageID)
	pos += copy(buf[pos:], r.Address)
	pos += copy(buf[pos:], r.DuplicateID)
	pos += copy(buf[pos:], queues)
	pos += copy(buf[pos:], props)
	copy(buf[pos:], r.Body)

	binary.BigEndian.PutUint32(buf[4:8], calculateCRC(buf[8:]))
	return buf, nil
}

// EncodedSize is the number of bytes Encode would produce. The address layer
// uses it as the memory estimate for flow control.
func (r *Record) EncodedSize() int {
	size := RecordHeaderSize + len(r.MessageID) + len(r.Address) + len(r.DuplicateID) + len(r.Body)
	size += 2
	for _, q := range r.Queues {
		size += 2 + len(q)
	}
	size += 2
	for k, v := range r.Properties {
		size += 4 + len(k) + len(v)
	}
	return size
}

// Clone returns a deep copy; replay uses it to retarget a record without
// touching the archived one.
func (r *Record) Clone() *Record {
	c := *r
	c.DuplicateID = append([]byte(nil), r.DuplicateID...)
	c.Queues = append([]string(nil), r.Queues...)
	c.Body = append([]byte(nil), r.Body...)
	if r.Properties != nil {
		c.Properties = make(map[string]string, len(r.Properties))
		for k, v := range r.Properties {
			c.Properties[k] = v
		}
	}
	return &c
}

func encodeQueues(queues []string) ([]byte, error) {
	size := 2
	for _, q := range queues {
		if len(q) > MaxShortFieldSize {
			return nil, fmt.Errorf("%w: queue name is %d bytes", ErrFieldTooLarge, len(q))
		}
		size += 2 + len(q)
	}
	if size > MaxShortFieldSize {
		return nil, fmt.Errorf("%w: queues block is %d bytes", ErrFieldTooLarge, size)
	}

	buf := make([]byte, size)
	binary.BigEndian.PutUint16(buf[0:2], uint16(len(queues)))
	pos := 2
	for _, q := range queues {
		binary.BigEndian.PutUint16(buf[pos:], uint16(len(q)))
		pos += 2
		pos += copy(buf[pos:], q)
	}
	return buf, nil
}

// encodeProperties writes keys in sorted order so equal records encode to
// equal bytes.
func encodeProperties(props map[string]string) ([]byte, error) {
	keys := make([]string, 0, len(props))
	size := 2
	for k, v := range props {
		if len(k) > MaxShortFieldSize || len(v) > MaxShortFieldSize {
			return nil, fmt.Errorf("%w: property %q", ErrFieldTooLarge, k)
		}
		keys = append(keys, k)
		size += 4 + len(k) + len(v)
	}
	if size > MaxPropertiesSize {
		return nil, fmt.Errorf("%w: properties block is %d bytes", ErrFieldTooLarge, size)
	}
	sort.Strings(keys)

	buf := make([]byte, size)
	binary.BigEndian.PutUint16(buf[0:2], uint16(len(keys)))
	pos := 2
	for _, k := range keys {
		v := props[k]
		binary.BigEndian.PutUint16(buf[pos:], uint16(len(k)))
		pos += 2
		pos += copy(buf[pos:], k)
		binary.BigEndian.PutUint16(buf[pos:], uint16(len(v)))
		pos += 2
		pos += copy(buf[pos:], v)
	}
	return buf, nil
}

// =============================================================================
// DECODING
// =============================================================================

// frameLength returns the full encoded length of the record whose header is
// given, or ErrInvalidMagic when the header is not a record header.
func frameLength(header []byte) (int64, error) {
	if len(header) < RecordHeaderSize {
		return 0, ErrInvalidRecord
	}
	if header[0] != MagicByte1 || header[1] != MagicByte2 {
		return 0, ErrInvalidMagic
	}
	body := int64(binary.BigEndian.Uint16(header[24:26])) +
		int64(binary.BigEndian.Uint16(header[26:28])) +
		int64(binary.BigEndian.Uint16(header[28:30])) +
		int64(binary.BigEndian.Uint16(header[30:32])) +
		int64(binary.BigEndian.Uint32(header[32:36])) +
		int64(binary.BigEndian.Uint32(header[36:40]))
	return RecordHeaderSize + body, nil
}

// DecodeRecord parses one encoded record.
func DecodeRecord(data []byte) (*Record, error) {
	if len(data) < RecordHeaderSize {
		return nil, fmt.Errorf("%w: need %d header bytes, got %d", ErrInvalidRecord, RecordHeaderSize, len(data))
	}
	total, err := frameLength(data)
	if err != nil {
		return nil, err
	}
	if data[2] != FormatVersion {
		return nil, fmt.Errorf("%w: got %d", ErrUnsupportedVersion, data[2])
	}
	if int64(len(data)) < total {
		return nil, fmt.Errorf("%w: need %d bytes, got %d", ErrInvalidRecord, total, len(data))
	}
	data = data[:total]

	stored := binary.BigEndian.Uint32(data[4:8])
	if computed := calculateCRC(data[8:]); stored != computed {
		return nil, fmt.Errorf("%w: stored=%08x computed=%08x", ErrCorruptedRecord, stored, computed)
	}

	idLen := int(binary.BigEndian.Uint16(data[24:26]))
	addrLen := int(binary.BigEndian.Uint16(data[26:28]))
	dupLen := int(binary.BigEndian.Uint16(data[28:30]))
	queuesLen := int(binary.BigEndian.Uint16(data[30:32]))
	propsLen := int(binary.BigEndian.Uint32(data[32:36]))
	bodyLen := int(binary.BigEndian.Uint32(data[36:40]))

	r := &Record{
		Flags:     data[3],
		Sequence:  binary.BigEndian.Uint64(data[8:16]),
		Timestamp: int64(binary.BigEndian.Uint64(data[16:24])),
	}

	pos := RecordHeaderSize
	r.MessageID = string(data[pos : pos+idLen])
	pos += idLen
	r.Address = string(data[pos : pos+addrLen])
	pos += addrLen
	if dupLen > 0 {
		r.DuplicateID = append([]byte(nil), data[pos:pos+dupLen]...)
	}
	pos += dupLen
	if r.Queues, err = decodeQueues(data[pos : pos+queuesLen]); err != nil {
		return nil, err
	}
	pos += queuesLen
	if r.Properties, err = decodeProperties(data[pos : pos+propsLen]); err != nil {
		return nil, err
	}
	pos += propsLen
	r.Body = append([]byte(nil), data[pos:pos+bodyLen]...)

	return r, nil
}

func decodeQueues(data []byte) ([]string, error) {
	if len(data) == 0 {
		return nil, nil
	}
	if len(data) < 2 {
		return nil, fmt.Errorf("%w: truncated queues block", ErrInvalidRecord)
	}
	count := int(binary.BigEndian.Uint16(data[0:2]))
	if count == 0 {
		return nil, nil
	}
	queues := make([]string, 0, count)
	pos := 2
	for i := 0; i < count; i++ {
		if pos+2 > len(data) {
			return nil, fmt.Errorf("%w: truncated queue %d", ErrInvalidRecord, i)
		}
		n := int(binary.BigEndian.Uint16(data[pos:]))
		pos += 2
		if pos+n > len(data) {
			return nil, fmt.Errorf("%w: truncated queue %d", ErrInvalidRecord, i)
		}
		queues = append(queues, string(data[pos:pos+n]))
		pos += n
	}
	return queues, nil
}

func decodeProperties(data []byte) (map[string]string, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("%w: truncated properties block", ErrInvalidRecord)
	}
	count := int(binary.BigEndian.Uint16(data[0:2]))
	if count == 0 {
		return nil, nil
	}
	props := make(map[string]string, count)
	pos := 2
	for i := 0; i < count; i++ {
		if pos+2 > len(data) {
			return nil, fmt.Errorf("%w: truncated property %d", ErrInvalidRecord, i)
		}
		kl := int(binary.BigEndian.Uint16(data[pos:]))
		pos += 2
		if pos+kl+2 > len(data) {
			return nil, fmt.Errorf("%w: truncated property %d", ErrInvalidRecord, i)
		}
		k := string(data[pos : pos+kl])
		pos += kl
		vl := int(binary.BigEndian.Uint16(data[pos:]))
		pos += 2
		if pos+vl > len(data) {
			return nil, fmt.Errorf("%w: truncated property %d", ErrInvalidRecord, i)
		}
		props[k] = string(data[pos : pos+vl])
		pos += vl
	}
	return props, nil
}

// readRecord reads one frame from r. It returns the frame length alongside
// the record so callers can advance past a corrupted record:
//
//   - (rec, n, nil)                 good record
//   - (nil, n, ErrCorruptedRecord)  bad CRC, n bytes consumed, safe to continue
//   - (nil, 0, io.EOF)              clean end of data
//   - (nil, 0, other)               framing lost or truncated tail
func readRecord(r io.Reader) (*Record, int64, error) {
	header := make([]byte, RecordHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, 0, fmt.Errorf("%w: truncated header", ErrInvalidRecord)
		}
		return nil, 0, err
	}

	total, err := frameLength(header)
	if err != nil {
		return nil, 0, err
	}

	frame := make([]byte, total)
	copy(frame, header)
	if _, err := io.ReadFull(r, frame[RecordHeaderSize:]); err != nil {
		return nil, 0, fmt.Errorf("%w: truncated body: %v", ErrInvalidRecord, err)
	}

	rec, err := DecodeRecord(frame)
	if err != nil {
		if errors.Is(err, ErrCorruptedRecord) {
			return nil, total, err
		}
		return nil, 0, err
	}
	return rec, total, nil
}
