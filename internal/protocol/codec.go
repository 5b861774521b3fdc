package protocol

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// MaxMessageSize is the maximum allowed size for a control message. It
// leaves room for a 10 MiB body after base64 expansion plus headers.
const MaxMessageSize = 16 * 1024 * 1024

// Marshal encodes a message for a transport that frames messages itself
// (e.g. one WebSocket message per control message).
func Marshal(msg *Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	if len(data) > MaxMessageSize {
		return nil, fmt.Errorf("message size %d exceeds maximum of %d bytes", len(data), MaxMessageSize)
	}
	return data, nil
}

// Unmarshal decodes a single framed message. Malformed JSON or an unknown
// type yields ErrInvalidMessage; the caller reports it to the sender and
// keeps the channel open.
func Unmarshal(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, NewError(CodeInvalidMessage, "malformed message", ErrInvalidMessage)
	}
	if _, ok := knownTypes[msg.Type]; !ok {
		return nil, NewError(CodeInvalidMessage, fmt.Sprintf("unknown message type %q", msg.Type), ErrInvalidMessage)
	}
	return &msg, nil
}

// Codec reads and writes control messages over a byte stream using a
// 4-byte big-endian length prefix per message. It is safe for concurrent
// use - reads and writes are independently synchronized.
type Codec struct {
	reader *bufio.Reader
	writer io.Writer

	readMu  sync.Mutex
	writeMu sync.Mutex
}

// NewCodec creates a new Codec for the given reader and writer.
func NewCodec(r io.Reader, w io.Writer) *Codec {
	return &Codec{
		reader: bufio.NewReader(r),
		writer: w,
	}
}

// WriteMessage encodes and writes a message to the underlying writer.
// The format is: [4-byte length (big-endian)][JSON payload]
func (c *Codec) WriteMessage(msg *Message) error {
	data, err := Marshal(msg)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	lengthBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lengthBuf, uint32(len(data)))
	if _, err := c.writer.Write(lengthBuf); err != nil {
		return fmt.Errorf("failed to write message length: %w", err)
	}

	if _, err := c.writer.Write(data); err != nil {
		return fmt.Errorf("failed to write message payload: %w", err)
	}

	return nil
}

// ReadMessage reads and decodes the next message from the underlying reader.
func (c *Codec) ReadMessage() (*Message, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	lengthBuf := make([]byte, 4)
	if _, err := io.ReadFull(c.reader, lengthBuf); err != nil {
		if err == io.EOF {
			return nil, ErrConnectionClosed
		}
		return nil, fmt.Errorf("failed to read message length: %w", err)
	}

	length := binary.BigEndian.Uint32(lengthBuf)
	if length > MaxMessageSize {
		return nil, fmt.Errorf("message size %d exceeds maximum of %d bytes", length, MaxMessageSize)
	}
	if length == 0 {
		return nil, fmt.Errorf("message length cannot be zero")
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(c.reader, data); err != nil {
		return nil, fmt.Errorf("failed to read message payload: %w", err)
	}

	return Unmarshal(data)
}

// SendError writes an error message to the peer.
func (c *Codec) SendError(code, message string) error {
	msg, err := NewMessage(MessageTypeError, &ErrorPayload{
		Code:      code,
		Message:   message,
		Timestamp: NowMillis(),
	})
	if err != nil {
		return err
	}
	return c.WriteMessage(msg)
}

// SendPing writes a ping probe.
func (c *Codec) SendPing() error {
	msg, err := NewMessage(MessageTypePing, &PingPayload{Timestamp: NowMillis()})
	if err != nil {
		return err
	}
	return c.WriteMessage(msg)
}

// SendPong answers a ping, echoing its timestamp.
func (c *Codec) SendPong(pingTimestamp int64) error {
	msg, err := NewMessage(MessageTypePong, &PongPayload{
		Timestamp:     NowMillis(),
		PingTimestamp: pingTimestamp,
	})
	if err != nil {
		return err
	}
	return c.WriteMessage(msg)
}
