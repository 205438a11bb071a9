package link

import (
	"encoding/json"
	"fmt"
	"io"
)

// ErrMalformedFrame is returned by a decoder whose stream holds bytes that do
// not form a message.
var ErrMalformedFrame = fmt.Errorf("%w: malformed frame", ErrProtocolDeviation)

// Encoder writes messages to a stream.
type Encoder interface {
	Encode(msg *Msg) error
}

// Decoder reads messages from a stream.
type Decoder interface {
	Decode() (*Msg, error)
}

// Codec frames messages on a byte stream.
type Codec interface {
	NewEncoder(w io.Writer) Encoder
	NewDecoder(r io.Reader) Decoder
}

// JSONCodec frames each message as one JSON document.
type JSONCodec struct {
}

// NewJSONCodec creates a JSONCodec.
func NewJSONCodec() *JSONCodec {
	return &JSONCodec{}
}

// NewEncoder creates an encoder writing to w.
func (c JSONCodec) NewEncoder(w io.Writer) Encoder {
	encoder := json.NewEncoder(w)
	encoder.SetEscapeHTML(false)

	return jsonEncoder{encoder}
}

// NewDecoder creates a decoder reading from r. Unknown fields are rejected.
func (c JSONCodec) NewDecoder(r io.Reader) Decoder {
	rec := &readRecorder{r: r}
	decoder := json.NewDecoder(rec)
	decoder.DisallowUnknownFields()

	return jsonDecoder{Decoder: decoder, rec: rec}
}

type jsonEncoder struct {
	*json.Encoder
}

func (e jsonEncoder) Encode(msg *Msg) error {
	return e.Encoder.Encode(msg)
}

type jsonDecoder struct {
	*json.Decoder
	rec *readRecorder
}

// Decode returns the error of the underlying reader as is, and wraps every
// other failure in ErrMalformedFrame.
func (d jsonDecoder) Decode() (*Msg, error) {
	msg := &Msg{}

	err := d.Decoder.Decode(msg)
	if err == nil {
		return msg, nil
	}

	if d.rec.err != nil {
		return nil, d.rec.err
	}

	return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
}

// readRecorder remembers the last error of the reader it wraps.
type readRecorder struct {
	r   io.Reader
	err error
}

func (rr *readRecorder) Read(p []byte) (int, error) {
	n, err := rr.r.Read(p)
	if err != nil {
		rr.err = err
	}

	return n, err
}
