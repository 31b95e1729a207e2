package stream

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/banshee-data/tcam/internal/lepton/framebuf"
	"github.com/banshee-data/tcam/internal/lepton/vospi"
)

// Record layout, all fields little endian:
//
//	magic   [4]byte "TCAM"
//	version uint8
//	flags   uint8   bit 0: telemetry present
//	width   uint16
//	height  uint16
//	seq     uint64
//	min     uint16
//	max     uint16
//	pixels  [width*height]uint16
//	telem   [vospi.TelemetryWords]uint16, only when flagged
//	crc     uint32  IEEE over everything after magic
const (
	recordVersion  = 1
	headerSize     = 4 + 1 + 1 + 2 + 2 + 8 + 2 + 2
	flagTelemetry  = 1 << 0
	pixelBytes     = vospi.Pixels * 2
	telemetryBytes = vospi.TelemetryWords * 2
)

var recordMagic = [4]byte{'T', 'C', 'A', 'M'}

var (
	// ErrBadMagic means the reader is not aligned on a record.
	ErrBadMagic = errors.New("stream: bad record magic")
	// ErrChecksum means a record was corrupted in transit.
	ErrChecksum = errors.New("stream: record checksum mismatch")
)

// RecordSize returns the encoded size of a frame record.
func RecordSize(telemetry bool) int {
	n := headerSize + pixelBytes + 4
	if telemetry {
		n += telemetryBytes
	}
	return n
}

// AppendRecord encodes f onto dst.
func AppendRecord(dst []byte, f *framebuf.Frame) []byte {
	start := len(dst)
	var flags uint8
	if f.TelemetryValid {
		flags |= flagTelemetry
	}
	dst = append(dst, recordMagic[:]...)
	dst = append(dst, recordVersion, flags)
	dst = binary.LittleEndian.AppendUint16(dst, vospi.Width)
	dst = binary.LittleEndian.AppendUint16(dst, vospi.Height)
	dst = binary.LittleEndian.AppendUint64(dst, f.Seq)
	dst = binary.LittleEndian.AppendUint16(dst, f.Min)
	dst = binary.LittleEndian.AppendUint16(dst, f.Max)
	for _, v := range f.Pixels {
		dst = binary.LittleEndian.AppendUint16(dst, v)
	}
	if f.TelemetryValid {
		for _, v := range f.Telemetry {
			dst = binary.LittleEndian.AppendUint16(dst, v)
		}
	}
	return binary.LittleEndian.AppendUint32(dst, crc32.ChecksumIEEE(dst[start+len(recordMagic):]))
}

// ReadRecord decodes one record from r into f.
func ReadRecord(r io.Reader, f *framebuf.Frame) error {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return err
	}
	if [4]byte(hdr[:4]) != recordMagic {
		return ErrBadMagic
	}
	if hdr[4] != recordVersion {
		return fmt.Errorf("stream: unsupported record version %d", hdr[4])
	}
	flags := hdr[5]
	w := binary.LittleEndian.Uint16(hdr[6:])
	h := binary.LittleEndian.Uint16(hdr[8:])
	if w != vospi.Width || h != vospi.Height {
		return fmt.Errorf("stream: unexpected frame size %dx%d", w, h)
	}

	telem := flags&flagTelemetry != 0
	body := make([]byte, RecordSize(telem)-headerSize)
	if _, err := io.ReadFull(r, body); err != nil {
		return err
	}
	crc := crc32.NewIEEE()
	crc.Write(hdr[4:])
	crc.Write(body[:len(body)-4])
	if crc.Sum32() != binary.LittleEndian.Uint32(body[len(body)-4:]) {
		return ErrChecksum
	}

	f.Seq = binary.LittleEndian.Uint64(hdr[10:])
	f.Min = binary.LittleEndian.Uint16(hdr[18:])
	f.Max = binary.LittleEndian.Uint16(hdr[20:])
	for i := range f.Pixels {
		f.Pixels[i] = binary.LittleEndian.Uint16(body[2*i:])
	}
	f.TelemetryValid = telem
	f.Telemetry = [vospi.TelemetryWords]uint16{}
	if telem {
		t := body[pixelBytes:]
		for i := range f.Telemetry {
			f.Telemetry[i] = binary.LittleEndian.Uint16(t[2*i:])
		}
	}
	return nil
}
