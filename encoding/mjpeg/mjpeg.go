package mjpeg

import (
	"bytes"
	"image/jpeg"
	"net/http"

	"github.com/cyclopcam/logs"
	"github.com/gorgonia/ssdir/encoding"
	"github.com/mattn/go-mjpeg"
	"github.com/pkg/errors"
)

// Encoder streams the latest snapshot as MJPEG to every HTTP client. It implements
// encoding.Encoder and http.Handler.
type Encoder struct {
	Scale   int
	Quality int

	stream *mjpeg.Stream
	log    logs.Log
}

var _ encoding.Encoder = &Encoder{}

// NewEncoder creates a stream. log may be nil.
func NewEncoder(scale int, log logs.Log) *Encoder {
	return &Encoder{
		Scale:   scale,
		Quality: 85,
		stream:  mjpeg.NewStream(),
		log:     log,
	}
}

func (e *Encoder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	e.stream.ServeHTTP(w, r)
}

// Encode renders s and publishes it.
func (enc *Encoder) Encode(s encoding.Snapshot) error {
	im := encoding.Render(s, enc.Scale)
	var b bytes.Buffer
	if err := jpeg.Encode(&b, im, &jpeg.Options{Quality: enc.Quality}); err != nil {
		return errors.Wrap(err, "mjpeg: encoding frame")
	}
	if err := enc.stream.Update(b.Bytes()); err != nil {
		if enc.log != nil {
			enc.log.Warnf("mjpeg: publishing frame: %v", err)
		}
		return errors.WithStack(err)
	}
	return nil
}

func (enc *Encoder) Flush() error { return nil }

// Close stops the stream.
func (enc *Encoder) Close() error { return enc.stream.Close() }
