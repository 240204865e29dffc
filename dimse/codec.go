// Package dimse implements the DIMSE command codec and message transport
// shared by the SCP and SCU sides.
package dimse

import (
	"encoding/binary"
	"strings"

	"github.com/caio-sobreiro/pacsproxy/types"
)

// EncodeCommand encodes a DIMSE command message using Implicit VR Little Endian
func EncodeCommand(msg *types.Message) ([]byte, error) {
	buf := make([]byte, 0, 256)

	// Command Group Length (0000,0000), value patched in at the end
	buf = AppendImplicitElement(buf, 0x0000, 0x0000, make([]byte, 4))
	lengthPos := len(buf) - 4

	if msg.AffectedSOPClassUID != "" {
		buf = AppendImplicitElement(buf, 0x0000, 0x0002, padUID(msg.AffectedSOPClassUID))
	}

	if msg.RequestedSOPClassUID != "" {
		buf = AppendImplicitElement(buf, 0x0000, 0x0003, padUID(msg.RequestedSOPClassUID))
	}

	// Command Field (0000,0100) - required
	cmdBytes := make([]byte, 2)
	binary.LittleEndian.PutUint16(cmdBytes, msg.CommandField)
	buf = AppendImplicitElement(buf, 0x0000, 0x0100, cmdBytes)

	// Message ID (0000,0110) - requests only
	if msg.MessageID != 0 {
		msgIDBytes := make([]byte, 2)
		binary.LittleEndian.PutUint16(msgIDBytes, msg.MessageID)
		buf = AppendImplicitElement(buf, 0x0000, 0x0110, msgIDBytes)
	}

	// Message ID Being Responded To (0000,0120) - responses and C-CANCEL
	if msg.MessageIDBeingRespondedTo != 0 {
		msgIDBytes := make([]byte, 2)
		binary.LittleEndian.PutUint16(msgIDBytes, msg.MessageIDBeingRespondedTo)
		buf = AppendImplicitElement(buf, 0x0000, 0x0120, msgIDBytes)
	}

	// Move Destination (0000,0600) - C-MOVE-RQ
	if msg.MoveDestination != "" {
		moveDestBytes := []byte(msg.MoveDestination)
		if len(moveDestBytes)%2 == 1 {
			moveDestBytes = append(moveDestBytes, 0x20)
		}
		buf = AppendImplicitElement(buf, 0x0000, 0x0600, moveDestBytes)
	}

	// Priority (0000,0700)
	if msg.Priority != 0 {
		priorityBytes := make([]byte, 2)
		binary.LittleEndian.PutUint16(priorityBytes, msg.Priority)
		buf = AppendImplicitElement(buf, 0x0000, 0x0700, priorityBytes)
	}

	// Command Data Set Type (0000,0800) - required
	datasetTypeBytes := make([]byte, 2)
	binary.LittleEndian.PutUint16(datasetTypeBytes, msg.CommandDataSetType)
	buf = AppendImplicitElement(buf, 0x0000, 0x0800, datasetTypeBytes)

	// Status (0000,0900) - responses
	if msg.Status != 0 {
		statusBytes := make([]byte, 2)
		binary.LittleEndian.PutUint16(statusBytes, msg.Status)
		buf = AppendImplicitElement(buf, 0x0000, 0x0900, statusBytes)
	}

	if msg.AffectedSOPInstanceUID != "" {
		buf = AppendImplicitElement(buf, 0x0000, 0x1000, padUID(msg.AffectedSOPInstanceUID))
	}

	// Sub-operation counters (C-MOVE-RSP and C-GET-RSP)
	if msg.NumberOfRemainingSuboperations != nil {
		buf = AppendImplicitElement(buf, 0x0000, 0x1020, uint16Bytes(*msg.NumberOfRemainingSuboperations))
	}
	if msg.NumberOfCompletedSuboperations != nil {
		buf = AppendImplicitElement(buf, 0x0000, 0x1021, uint16Bytes(*msg.NumberOfCompletedSuboperations))
	}
	if msg.NumberOfFailedSuboperations != nil {
		buf = AppendImplicitElement(buf, 0x0000, 0x1022, uint16Bytes(*msg.NumberOfFailedSuboperations))
	}
	if msg.NumberOfWarningSuboperations != nil {
		buf = AppendImplicitElement(buf, 0x0000, 0x1023, uint16Bytes(*msg.NumberOfWarningSuboperations))
	}

	// Patch Command Group Length
	groupLength := uint32(len(buf) - lengthPos - 4)
	binary.LittleEndian.PutUint32(buf[lengthPos:lengthPos+4], groupLength)

	return buf, nil
}

func padUID(uid string) []byte {
	b := []byte(uid)
	if len(b)%2 == 1 {
		b = append(b, 0x00)
	}
	return b
}

func uint16Bytes(v uint16) []byte {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, v)
	return b
}

// AppendImplicitElement appends a DICOM element using Implicit VR (no VR field)
func AppendImplicitElement(buf []byte, group, element uint16, value []byte) []byte {
	buf = append(buf, byte(group), byte(group>>8))
	buf = append(buf, byte(element), byte(element>>8))
	length := uint32(len(value))
	buf = append(buf, byte(length), byte(length>>8), byte(length>>16), byte(length>>24))
	buf = append(buf, value...)
	return buf
}

// DecodeCommand decodes a DIMSE command message
func DecodeCommand(data []byte) (*types.Message, error) {
	msg := &types.Message{
		CommandDataSetType: 0x0101, // Default to "no dataset present"
	}
	offset := 0

	for offset+8 <= len(data) {
		group := binary.LittleEndian.Uint16(data[offset : offset+2])
		element := binary.LittleEndian.Uint16(data[offset+2 : offset+4])
		length := binary.LittleEndian.Uint32(data[offset+4 : offset+8])

		if offset+8+int(length) > len(data) {
			break
		}

		value := data[offset+8 : offset+8+int(length)]

		if group == 0x0000 {
			switch element {
			case 0x0002:
				msg.AffectedSOPClassUID = strings.TrimRight(string(value), "\x00 ")
			case 0x0003:
				msg.RequestedSOPClassUID = strings.TrimRight(string(value), "\x00 ")
			case 0x0100:
				if len(value) >= 2 {
					msg.CommandField = binary.LittleEndian.Uint16(value[:2])
				}
			case 0x0110:
				if len(value) >= 2 {
					msg.MessageID = binary.LittleEndian.Uint16(value[:2])
				}
			case 0x0120:
				if len(value) >= 2 {
					msg.MessageIDBeingRespondedTo = binary.LittleEndian.Uint16(value[:2])
				}
			case 0x0600:
				msg.MoveDestination = strings.TrimRight(string(value), "\x00 ")
			case 0x0700:
				if len(value) >= 2 {
					msg.Priority = binary.LittleEndian.Uint16(value[:2])
				}
			case 0x0800:
				if len(value) >= 2 {
					msg.CommandDataSetType = binary.LittleEndian.Uint16(value[:2])
				}
			case 0x0900:
				if len(value) >= 2 {
					msg.Status = binary.LittleEndian.Uint16(value[:2])
				}
			case 0x1000:
				msg.AffectedSOPInstanceUID = strings.TrimRight(string(value), "\x00 ")
			case 0x1020:
				if len(value) >= 2 {
					val := binary.LittleEndian.Uint16(value[:2])
					msg.NumberOfRemainingSuboperations = &val
				}
			case 0x1021:
				if len(value) >= 2 {
					val := binary.LittleEndian.Uint16(value[:2])
					msg.NumberOfCompletedSuboperations = &val
				}
			case 0x1022:
				if len(value) >= 2 {
					val := binary.LittleEndian.Uint16(value[:2])
					msg.NumberOfFailedSuboperations = &val
				}
			case 0x1023:
				if len(value) >= 2 {
					val := binary.LittleEndian.Uint16(value[:2])
					msg.NumberOfWarningSuboperations = &val
				}
			}
		}

		offset += 8 + int(length)
	}

	return msg, nil
}
