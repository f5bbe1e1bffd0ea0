package proto

// Reassembler accumulates bytes read from a stream and cuts them into whole
// frames. The zero value is ready to use. It is not safe for concurrent use.
type Reassembler struct {
	buf []byte
}

// Write appends p to the accumulator.
func (r *Reassembler) Write(p []byte) {
	r.buf = append(r.buf, p...)
}

// Next removes and returns the next complete frame. It returns a nil frame
// when more bytes are needed. An error means the stream can no longer be
// trusted; the accumulator is left untouched.
func (r *Reassembler) Next() ([]byte, error) {
	if len(r.buf) < HeaderSize {
		return nil, nil
	}
	size, err := ExpectedFrameSize(r.buf)
	if err != nil {
		return nil, err
	}
	if len(r.buf) < size {
		return nil, nil
	}

	frame := make([]byte, size)
	copy(frame, r.buf)
	n := copy(r.buf, r.buf[size:])
	r.buf = r.buf[:n]
	return frame, nil
}

// Len is the number of buffered bytes not yet returned as a frame.
func (r *Reassembler) Len() int {
	return len(r.buf)
}

// Reset drops all buffered bytes.
func (r *Reassembler) Reset() {
	r.buf = r.buf[:0]
}
