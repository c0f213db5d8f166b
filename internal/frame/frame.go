// Package frame splits a streaming bundle into wire records and builds bundles back.
//
// Record layout, all integers little-endian:
//
//	sequence id        8 bytes  uint64
//	envelope version   2 bytes  uint16 (not interpreted)
//	reference id len   1 byte   uint8
//	reference id       n bytes  ASCII
//	payload format     1 byte   uint8
//	payload length     4 bytes  uint32
//	payload            m bytes
//
// A single transport message may carry any number of records back to back.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrTruncated сигнализирует, что хвост буфера короче объявленной записи.
var ErrTruncated = errors.New("frame: truncated record")

const (
	seqSize     = 8
	versionSize = 2
	refLenSize  = 1
	formatSize  = 1
	lengthSize  = 4

	// MinRecordSize: запись с пустым reference id и пустым payload.
	MinRecordSize = seqSize + versionSize + refLenSize + formatSize + lengthSize

	// MaxReferenceIDLen ограничен однобайтовым префиксом длины.
	MaxReferenceIDLen = math.MaxUint8
)

// Record: одна запись бандла в сыром виде, payload не декодирован.
type Record struct {
	SequenceID  uint64
	Version     uint16
	ReferenceID string
	Format      uint8
	Payload     []byte
}

// Size возвращает длину записи на проводе.
func (r Record) Size() int {
	return MinRecordSize + len(r.ReferenceID) + len(r.Payload)
}

// Split разбирает buf на записи в порядке следования.
//
// Payload каждой записи ссылается на buf без копирования. Если хвост буфера
// обрезан, Split возвращает уже разобранные записи и ошибку, оборачивающую
// ErrTruncated, с offset начала битой записи.
func Split(buf []byte) ([]Record, error) {
	var records []Record
	off := 0
	for off < len(buf) {
		rec, n, err := readRecord(buf[off:])
		if err != nil {
			return records, fmt.Errorf("%w at offset %d: %v", ErrTruncated, off, err)
		}
		records = append(records, rec)
		off += n
	}
	return records, nil
}

func readRecord(b []byte) (Record, int, error) {
	var rec Record
	if len(b) < seqSize+versionSize+refLenSize {
		return rec, 0, fmt.Errorf("header needs %d bytes, have %d", seqSize+versionSize+refLenSize, len(b))
	}
	rec.SequenceID = binary.LittleEndian.Uint64(b)
	rec.Version = binary.LittleEndian.Uint16(b[seqSize:])
	off := seqSize + versionSize

	refLen := int(b[off])
	off += refLenSize
	if len(b) < off+refLen+formatSize+lengthSize {
		return rec, 0, fmt.Errorf("reference id of %d bytes does not fit", refLen)
	}
	rec.ReferenceID = string(b[off : off+refLen])
	off += refLen

	rec.Format = b[off]
	off += formatSize

	payloadLen := binary.LittleEndian.Uint32(b[off:])
	off += lengthSize
	if uint64(len(b)-off) < uint64(payloadLen) {
		return rec, 0, fmt.Errorf("payload of %d bytes does not fit, have %d", payloadLen, len(b)-off)
	}
	end := off + int(payloadLen)
	rec.Payload = b[off:end:end]
	return rec, end, nil
}

// Append дописывает r в dst в проводном формате.
func Append(dst []byte, r Record) ([]byte, error) {
	if len(r.ReferenceID) > MaxReferenceIDLen {
		return dst, fmt.Errorf("frame: reference id %q longer than %d bytes", r.ReferenceID, MaxReferenceIDLen)
	}
	if uint64(len(r.Payload)) > math.MaxUint32 {
		return dst, fmt.Errorf("frame: payload of %d bytes exceeds uint32", len(r.Payload))
	}
	dst = binary.LittleEndian.AppendUint64(dst, r.SequenceID)
	dst = binary.LittleEndian.AppendUint16(dst, r.Version)
	dst = append(dst, byte(len(r.ReferenceID)))
	dst = append(dst, r.ReferenceID...)
	dst = append(dst, r.Format)
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(r.Payload)))
	dst = append(dst, r.Payload...)
	return dst, nil
}

// Encode собирает бандл из записей.
func Encode(records ...Record) ([]byte, error) {
	size := 0
	for _, r := range records {
		size += r.Size()
	}
	buf := make([]byte, 0, size)
	var err error
	for _, r := range records {
		if buf, err = Append(buf, r); err != nil {
			return nil, err
		}
	}
	return buf, nil
}
