package turn

import (
	"encoding/binary"
	"errors"
)

const (
	// MinChannelNumber and MaxChannelNumber bound the channel numbers handed
	// out to peers.
	MinChannelNumber = 0x4000
	MaxChannelNumber = 0x7FFE

	channelDataHeaderSize = 4
)

var (
	errShortChannelData     = errors.New("channel data frame too short")
	errInvalidChannelNumber = errors.New("channel number out of range")
)

// encodeChannelData frames data for channel number. With pad set the frame is
// extended to a multiple of 4 bytes, which stream transports require.
func encodeChannelData(number uint16, data []byte, pad bool) []byte {
	size := channelDataHeaderSize + len(data)
	if pad {
		size = (size + 3) &^ 3
	}

	frame := make([]byte, size)
	binary.BigEndian.PutUint16(frame[0:2], number)
	binary.BigEndian.PutUint16(frame[2:4], uint16(len(data)))
	copy(frame[channelDataHeaderSize:], data)
	return frame
}

// decodeChannelData returns the channel number and payload of a frame.
// Trailing padding is ignored. The payload aliases b.
func decodeChannelData(b []byte) (uint16, []byte, error) {
	if len(b) < channelDataHeaderSize {
		return 0, nil, errShortChannelData
	}

	number := binary.BigEndian.Uint16(b[0:2])
	if number < MinChannelNumber || number > 0x7FFF {
		return 0, nil, errInvalidChannelNumber
	}

	length := int(binary.BigEndian.Uint16(b[2:4]))
	if len(b) < channelDataHeaderSize+length {
		return 0, nil, errShortChannelData
	}
	return number, b[channelDataHeaderSize : channelDataHeaderSize+length], nil
}
