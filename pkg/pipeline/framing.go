package pipeline

import (
	"bytes"
	"fmt"
)

// DefaultDelimiter is the end-of-message marker of the reference framing.
var DefaultDelimiter = []byte("]]>]]>")

// DefaultMaxFrameSize bounds how much an aggregator buffers while waiting for a delimiter.
const DefaultMaxFrameSize = 16 * 1024 * 1024

// Message is a single decoded frame.
type Message struct {
	Body []byte
}

// FrameDecoder splits the inbound byte stream into delimiter-terminated frames.
type FrameDecoder struct {
	delimiter []byte
	maxSize   int
	buf       []byte
}

// NewFrameDecoder creates a FrameDecoder. Zero values select the defaults.
func NewFrameDecoder(delimiter []byte, maxSize int) *FrameDecoder {
	if len(delimiter) == 0 {
		delimiter = DefaultDelimiter
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	return &FrameDecoder{delimiter: delimiter, maxSize: maxSize}
}

// HandleRead buffers b and forwards every complete frame, without its delimiter.
func (d *FrameDecoder) HandleRead(ctx *StageContext, msg interface{}) error {
	b, ok := msg.([]byte)
	if !ok {
		return ctx.FireRead(msg)
	}
	d.buf = append(d.buf, b...)
	for {
		i := bytes.Index(d.buf, d.delimiter)
		if i < 0 {
			break
		}
		frame := make([]byte, i)
		copy(frame, d.buf[:i])
		d.buf = d.buf[i+len(d.delimiter):]
		if err := ctx.FireRead(frame); err != nil {
			return err
		}
	}
	if len(d.buf) > d.maxSize {
		return fmt.Errorf("frame exceeds %d bytes without delimiter", d.maxSize)
	}
	return nil
}

// FrameEncoder appends the delimiter to every outbound frame.
type FrameEncoder struct {
	delimiter []byte
}

// NewFrameEncoder creates a FrameEncoder. An empty delimiter selects DefaultDelimiter.
func NewFrameEncoder(delimiter []byte) *FrameEncoder {
	if len(delimiter) == 0 {
		delimiter = DefaultDelimiter
	}
	return &FrameEncoder{delimiter: delimiter}
}

// HandleWrite terminates a []byte frame with the delimiter
func (e *FrameEncoder) HandleWrite(ctx *StageContext, msg interface{}) error {
	b, ok := msg.([]byte)
	if !ok {
		return ctx.Write(msg)
	}
	if bytes.Contains(b, e.delimiter) {
		return fmt.Errorf("frame body contains the frame delimiter")
	}
	out := make([]byte, 0, len(b)+len(e.delimiter))
	out = append(out, b...)
	return ctx.Write(append(out, e.delimiter...))
}

// MessageDecoder turns frames into Messages.
type MessageDecoder struct{}

// HandleRead wraps a frame in a Message
func (MessageDecoder) HandleRead(ctx *StageContext, msg interface{}) error {
	if b, ok := msg.([]byte); ok {
		return ctx.FireRead(&Message{Body: b})
	}
	return ctx.FireRead(msg)
}

// MessageEncoder turns Messages into frames.
type MessageEncoder struct{}

// HandleWrite unwraps a Message into its frame body
func (MessageEncoder) HandleWrite(ctx *StageContext, msg interface{}) error {
	if m, ok := msg.(*Message); ok {
		return ctx.Write(m.Body)
	}
	return ctx.Write(msg)
}
