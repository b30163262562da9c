package wire

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

const DefaultMaxFrame = 1 << 20

var ErrFrameTooLarge = errors.New("frame too large")

// codec reads and writes newline-delimited JSON frames. Reads must come from
// one goroutine; writes are serialized.
type codec struct {
	r   *bufio.Reader
	max int

	wmu sync.Mutex
	w   io.Writer
}

func newCodec(rw io.ReadWriter, maxFrame int) *codec {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrame
	}
	return &codec{r: bufio.NewReaderSize(rw, 32*1024), w: rw, max: maxFrame}
}

func (c *codec) read() (Frame, error) {
	for {
		line, err := c.readLine()
		if err != nil {
			return Frame{}, err
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var f Frame
		if err := json.Unmarshal(line, &f); err != nil {
			return Frame{}, fmt.Errorf("decode frame: %w", err)
		}
		return f, nil
	}
}

// readLine returns the next line, refusing lines longer than c.max.
func (c *codec) readLine() ([]byte, error) {
	var line []byte
	for {
		chunk, err := c.r.ReadSlice('\n')
		if len(line)+len(chunk) > c.max {
			return nil, fmt.Errorf("%w (> %d bytes)", ErrFrameTooLarge, c.max)
		}
		line = append(line, chunk...)
		switch {
		case err == nil:
			return line, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF) && len(bytes.TrimSpace(line)) > 0:
			return nil, io.ErrUnexpectedEOF
		default:
			return nil, err
		}
	}
}

func (c *codec) write(f Frame) error {
	b, err := json.Marshal(f)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err = c.w.Write(b)
	return err
}
