// Package protocol defines the device message table carried on the device
// channel, together with the enums that travel inside those messages.
package protocol

import (
	"fmt"

	"github.com/ffenix113/wearlink/framer"
)

// MessageType identifies a device message. The numeric value is the index
// sent on the wire.
type MessageType uint8

const (
	MessageIsCharging MessageType = iota
	MessageGetBatteryCurrent
	MessageGetMTU
	MessageGetFileTypes
	MessageMaxFileLength
	MessageGetFileType
	MessageSetFileType
	MessageGetFileLength
	MessageSetFileLength
	MessageGetFileChecksum
	MessageSetFileChecksum
	MessageSetFileTransferCommand
	MessageFileTransferStatus
	MessageGetFileBlock
	MessageSetFileBlock
	MessageFileBytesTransferred
	MessageSensorData

	messageTypeCount
)

var messageNames = [messageTypeCount]string{
	MessageIsCharging:             "isCharging",
	MessageGetBatteryCurrent:      "getBatteryCurrent",
	MessageGetMTU:                 "getMtu",
	MessageGetFileTypes:           "getFileTypes",
	MessageMaxFileLength:          "maxFileLength",
	MessageGetFileType:            "getFileType",
	MessageSetFileType:            "setFileType",
	MessageGetFileLength:          "getFileLength",
	MessageSetFileLength:          "setFileLength",
	MessageGetFileChecksum:        "getFileChecksum",
	MessageSetFileChecksum:        "setFileChecksum",
	MessageSetFileTransferCommand: "setFileTransferCommand",
	MessageFileTransferStatus:     "fileTransferStatus",
	MessageGetFileBlock:           "getFileTransferBlock",
	MessageSetFileBlock:           "setFileTransferBlock",
	MessageFileBytesTransferred:   "fileBytesTransferred",
	MessageSensorData:             "sensorData",
}

func (t MessageType) String() string {
	if t < messageTypeCount {
		return messageNames[t]
	}

	return fmt.Sprintf("MessageType(%d)", uint8(t))
}

// Message is a device message.
type Message = framer.Message[MessageType]

// Device frames device messages in both directions. Frames are
// [type][length u16 LE][payload]; the 3 byte message header is what the file
// block overhead reserves next to the 3 byte link header.
var Device = framer.Protocol[MessageType]{
	Name:       "device",
	Count:      messageTypeCount,
	LengthSize: 2,
}

// FileType is a kind of file the device can store or return.
type FileType uint8

const (
	FileTypeTflite FileType = iota
	FileTypeWifiServerCert
	FileTypeWifiServerKey

	fileTypeCount
)

var fileTypeNames = [fileTypeCount]string{
	FileTypeTflite:         "tflite",
	FileTypeWifiServerCert: "wifiServerCert",
	FileTypeWifiServerKey:  "wifiServerKey",
}

var fileTypeExtensions = [fileTypeCount]string{
	FileTypeTflite:         ".tflite",
	FileTypeWifiServerCert: ".pem",
	FileTypeWifiServerKey:  ".key",
}

func (t FileType) String() string {
	if t.Valid() {
		return fileTypeNames[t]
	}

	return fmt.Sprintf("FileType(%d)", uint8(t))
}

func (t FileType) Valid() bool {
	return t < fileTypeCount
}

// Extension returns the file name extension used for received files.
func (t FileType) Extension() string {
	if t.Valid() {
		return fileTypeExtensions[t]
	}

	return ".bin"
}

// ParseFileType maps a name such as "tflite" to its FileType.
func ParseFileType(name string) (FileType, error) {
	for i, n := range fileTypeNames {
		if n == name {
			return FileType(i), nil
		}
	}

	return 0, fmt.Errorf("unknown file type %q", name)
}

// FileTransferCommand is sent with MessageSetFileTransferCommand.
type FileTransferCommand uint8

const (
	CommandStartSend FileTransferCommand = iota
	CommandStartReceive
	CommandCancel
)

func (c FileTransferCommand) String() string {
	switch c {
	case CommandStartSend:
		return "startSend"
	case CommandStartReceive:
		return "startReceive"
	case CommandCancel:
		return "cancel"
	}

	return fmt.Sprintf("FileTransferCommand(%d)", uint8(c))
}

// FileTransferStatus is reported by MessageFileTransferStatus.
type FileTransferStatus uint8

const (
	StatusIdle FileTransferStatus = iota
	StatusSending
	StatusReceiving
)

func (s FileTransferStatus) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusSending:
		return "sending"
	case StatusReceiving:
		return "receiving"
	}

	return fmt.Sprintf("FileTransferStatus(%d)", uint8(s))
}

func (s FileTransferStatus) Valid() bool {
	return s <= StatusReceiving
}
