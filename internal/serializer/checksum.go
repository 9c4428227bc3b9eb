package serializer

import (
	"bytes"
	"crypto/md5"
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"device-command-service/internal/model"
)

// checksumSize returns the trailer length of alg, or 0 when alg is unknown
func checksumSize(alg model.ChecksumAlgorithm) int {
	switch alg {
	case model.ChecksumCRC8, model.ChecksumXOR:
		return 1
	case model.ChecksumCRC32:
		return 4
	case model.ChecksumMD5:
		return md5.Size
	default:
		return 0
	}
}

func computeChecksum(data []byte, alg model.ChecksumAlgorithm) ([]byte, error) {
	switch alg {
	case model.ChecksumCRC8:
		return []byte{crc8(data)}, nil
	case model.ChecksumCRC32:
		out := make([]byte, 4)
		binary.BigEndian.PutUint32(out, crc32.ChecksumIEEE(data))
		return out, nil
	case model.ChecksumXOR:
		var x byte
		for _, b := range data {
			x ^= b
		}
		return []byte{x}, nil
	case model.ChecksumMD5:
		sum := md5.Sum(data)
		return sum[:], nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedChecksum, alg)
	}
}

// appendChecksum returns data followed by its checksum
func appendChecksum(data []byte, alg model.ChecksumAlgorithm) ([]byte, error) {
	sum, err := computeChecksum(data, alg)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(data)+len(sum))
	out = append(out, data...)
	return append(out, sum...), nil
}

// verifyChecksum strips and checks the trailing checksum, returning the payload
func verifyChecksum(data []byte, alg model.ChecksumAlgorithm) ([]byte, error) {
	size := checksumSize(alg)
	if size == 0 {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedChecksum, alg)
	}
	if len(data) < size {
		return nil, fmt.Errorf("%w: response shorter than %d byte checksum", ErrChecksumMismatch, size)
	}

	payload, trailer := data[:len(data)-size], data[len(data)-size:]
	want, err := computeChecksum(payload, alg)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(want, trailer) {
		return nil, fmt.Errorf("%w: %s expected %x got %x", ErrChecksumMismatch, alg, want, trailer)
	}
	return payload, nil
}

// crc8 uses polynomial 0x07 with a zero initial value
func crc8(data []byte) byte {
	var crc byte
	for _, b := range data {
		crc ^= b
		for i := 0; i < 8; i++ {
			if crc&0x80 != 0 {
				crc = crc<<1 ^ 0x07
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}
