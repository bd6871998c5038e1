package ipc

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
)

// Message types understood by the sway/i3 IPC socket.
const (
	msgRunCommand    uint32 = 0
	msgGetWorkspaces uint32 = 1
	msgSubscribe     uint32 = 2
	msgGetTree       uint32 = 4
)

// Event type identifiers share the message-type namespace with the high bit
// set on inbound frames.
const (
	eventTypeWorkspace uint32 = 0
	eventTypeOutput    uint32 = 1
	eventTypeWindow    uint32 = 3
	eventTypeTick      uint32 = 7

	eventFlag uint32 = 1 << 31
)

var ipcMagic = []byte("i3-ipc")

const headerLen = 14 // magic(6) + length(4) + type(4)

// SocketPath resolves the window manager IPC socket, preferring sway.
func SocketPath() (string, error) {
	if path := os.Getenv("SWAYSOCK"); path != "" {
		return path, nil
	}
	if path := os.Getenv("I3SOCK"); path != "" {
		return path, nil
	}
	return "", fmt.Errorf("neither SWAYSOCK nor I3SOCK is set")
}

func writeMessage(conn net.Conn, msgType uint32, payload []byte) error {
	msg := make([]byte, headerLen+len(payload))
	copy(msg[0:6], ipcMagic)
	binary.LittleEndian.PutUint32(msg[6:10], uint32(len(payload)))
	binary.LittleEndian.PutUint32(msg[10:14], msgType)
	copy(msg[headerLen:], payload)
	if _, err := conn.Write(msg); err != nil {
		return fmt.Errorf("write ipc message type %d: %w", msgType, err)
	}
	return nil
}

func readMessage(conn net.Conn) (uint32, []byte, error) {
	header := make([]byte, headerLen)
	if _, err := io.ReadFull(conn, header); err != nil {
		return 0, nil, err
	}
	if string(header[0:6]) != string(ipcMagic) {
		return 0, nil, fmt.Errorf("bad ipc magic %q", header[0:6])
	}
	length := binary.LittleEndian.Uint32(header[6:10])
	msgType := binary.LittleEndian.Uint32(header[10:14])
	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(conn, payload); err != nil {
			return 0, nil, fmt.Errorf("read ipc payload: %w", err)
		}
	}
	return msgType, payload, nil
}

// roundTrip sends one request frame and reads the matching reply frame.
// Replies never carry the event flag; a stray event on a request connection
// indicates protocol misuse and is surfaced as an error.
func roundTrip(conn net.Conn, msgType uint32, payload []byte) ([]byte, error) {
	if err := writeMessage(conn, msgType, payload); err != nil {
		return nil, err
	}
	replyType, reply, err := readMessage(conn)
	if err != nil {
		return nil, err
	}
	if replyType&eventFlag != 0 {
		return nil, fmt.Errorf("unexpected event frame %d on request connection", replyType&^eventFlag)
	}
	if replyType != msgType {
		return nil, fmt.Errorf("reply type %d does not match request type %d", replyType, msgType)
	}
	return reply, nil
}
