package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/klauspost/compress/s2"

	"github.com/szibis/event-courier/internal/event"
)

// Frame layout on disk:
//
//	[8 byte header][4 byte CRC-32C of body][body]
//
// The header holds the body length in its low 32 bits and the compression
// flag in bit 63. The body is the varint framed record, s2 compressed when
// the flag is set.
const (
	frameHeaderSize    = 8
	frameChecksumSize  = 4
	frameOverhead      = frameHeaderSize + frameChecksumSize
	compressionFlagBit = uint64(1) << 63
	lengthMask         = uint64(0xFFFFFFFF)

	// Bodies shorter than this are stored raw even when compression is on.
	minCompressSize = 128
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

var errCorruptFrame = errors.New("corrupt frame")

func encodeBody(rec event.Record) []byte {
	n := binary.MaxVarintLen64 + len(rec.Payload) + binary.MaxVarintLen64
	for _, id := range rec.TicketIDs {
		n += binary.MaxVarintLen64 + len(id)
	}
	buf := make([]byte, 0, n)
	buf = binary.AppendUvarint(buf, uint64(len(rec.Payload)))
	buf = append(buf, rec.Payload...)
	buf = binary.AppendUvarint(buf, uint64(len(rec.TicketIDs)))
	for _, id := range rec.TicketIDs {
		buf = binary.AppendUvarint(buf, uint64(len(id)))
		buf = append(buf, id...)
	}
	return buf
}

func decodeBody(b []byte) (event.Record, error) {
	var rec event.Record
	payload, rest, err := readString(b)
	if err != nil {
		return rec, err
	}
	rec.Payload = payload
	count, n := binary.Uvarint(rest)
	if n <= 0 || count > uint64(len(rest)) {
		return rec, errCorruptFrame
	}
	rest = rest[n:]
	if count > 0 {
		rec.TicketIDs = make([]string, 0, count)
	}
	for i := uint64(0); i < count; i++ {
		var id string
		id, rest, err = readString(rest)
		if err != nil {
			return rec, err
		}
		rec.TicketIDs = append(rec.TicketIDs, id)
	}
	if len(rest) != 0 {
		return rec, errCorruptFrame
	}
	return rec, nil
}

func readString(b []byte) (string, []byte, error) {
	l, n := binary.Uvarint(b)
	if n <= 0 || l > uint64(len(b)-n) {
		return "", nil, errCorruptFrame
	}
	end := n + int(l)
	return string(b[n:end]), b[end:], nil
}

// encodeFrame builds the complete on-disk frame for rec.
func encodeFrame(rec event.Record, compress bool) []byte {
	body := encodeBody(rec)
	var flag uint64
	if compress && len(body) >= minCompressSize {
		if enc := s2.Encode(nil, body); len(enc) < len(body) {
			body = enc
			flag = compressionFlagBit
		}
	}
	frame := make([]byte, frameOverhead+len(body))
	binary.LittleEndian.PutUint64(frame, uint64(len(body))|flag)
	binary.LittleEndian.PutUint32(frame[frameHeaderSize:], crc32.Checksum(body, crcTable))
	copy(frame[frameOverhead:], body)
	return frame
}

// readFrame reads the next record. It returns io.EOF on a clean end of file
// and errCorruptFrame (wrapped) when the tail is truncated or damaged.
func readFrame(r io.Reader) (event.Record, int, error) {
	var hdr [frameOverhead]byte
	n, err := io.ReadFull(r, hdr[:])
	if err == io.EOF {
		return event.Record{}, 0, io.EOF
	}
	if err != nil {
		return event.Record{}, n, fmt.Errorf("%w: short header: %v", errCorruptFrame, err)
	}
	lengthField := binary.LittleEndian.Uint64(hdr[:frameHeaderSize])
	compressed := lengthField&compressionFlagBit != 0
	bodyLen := lengthField & lengthMask
	if lengthField&^(compressionFlagBit|lengthMask) != 0 {
		return event.Record{}, n, fmt.Errorf("%w: bad header %x", errCorruptFrame, lengthField)
	}
	body := make([]byte, bodyLen)
	m, err := io.ReadFull(r, body)
	n += m
	if err != nil {
		return event.Record{}, n, fmt.Errorf("%w: short body: %v", errCorruptFrame, err)
	}
	if crc32.Checksum(body, crcTable) != binary.LittleEndian.Uint32(hdr[frameHeaderSize:]) {
		return event.Record{}, n, fmt.Errorf("%w: checksum mismatch", errCorruptFrame)
	}
	if compressed {
		body, err = s2.Decode(nil, body)
		if err != nil {
			return event.Record{}, n, fmt.Errorf("%w: decompress: %v", errCorruptFrame, err)
		}
	}
	rec, err := decodeBody(body)
	if err != nil {
		return event.Record{}, n, err
	}
	return rec, n, nil
}
