package ssdir

import (
	"io"

	"github.com/gorgonia/ssdir/encoding"
	scene "github.com/gorgonia/ssdir/scenenet"
)

// MetricsSink receives the metrics of every completed step.
type MetricsSink interface {
	Record(step int, m scene.Metrics) error
}

// OutputEncoder receives snapshots of the model at work.
//
// An example OutputEncoder is the gif.Encoder. Another example would be the mjpeg.Encoder.
type OutputEncoder = encoding.Encoder

// ExecLogger is anything that can return the execution log.
type ExecLogger interface {
	ExecLog() string
}

var (
	_ MetricsSink = &Statistics{}
	_ ExecLogger  = &scene.Inferencer{}
	_ io.Closer   = &SSDIR{}
)
