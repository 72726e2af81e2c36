package protocol

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// Encoder writes Tasks or Replies as successive JSON documents on an
// underlying writer. A single json.Encoder is not safe for concurrent
// use, so Encoder serializes writes with a mutex; the manager and every
// child use exactly one Encoder per direction, so this only guards
// against accidental concurrent Send calls from caller code.
type Encoder struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{enc: json.NewEncoder(w)}
}

func (e *Encoder) SendTask(t Task) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enc.Encode(t); err != nil {
		return fmt.Errorf("protocol: encode task: %w", err)
	}
	return nil
}

func (e *Encoder) SendReply(r Reply) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enc.Encode(r); err != nil {
		return fmt.Errorf("protocol: encode reply: %w", err)
	}
	return nil
}

// Decoder reads successive JSON documents off an underlying reader.
// json.Decoder tolerates concatenated documents with no explicit
// length prefix, which is what "JSON over a pipe" means in practice.
type Decoder struct {
	dec *json.Decoder
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{dec: json.NewDecoder(r)}
}

func (d *Decoder) NextTask() (Task, error) {
	var t Task
	if err := d.dec.Decode(&t); err != nil {
		return Task{}, err
	}
	return t, nil
}

func (d *Decoder) NextReply() (Reply, error) {
	var r Reply
	if err := d.dec.Decode(&r); err != nil {
		return Reply{}, err
	}
	return r, nil
}
