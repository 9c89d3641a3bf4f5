// Package aiproto implements the version-1 inference wire protocol: a 4-byte
// little-endian length prefix followed by a protobuf-encoded Envelope (see
// schema.proto). The codec is hand-written against protowire so the agent
// does not carry generated code for a nine-message schema.
package aiproto

// ProtocolVersion is the only version this codec accepts.
const ProtocolVersion = 1

// MsgType discriminates the envelope payload.
type MsgType uint32

const (
	MTUnknown      MsgType = 0
	MTInit         MsgType = 1
	MTInitOk       MsgType = 2
	MTFrame        MsgType = 3
	MTResult       MsgType = 4
	MTWindowUpdate MsgType = 5
	MTError        MsgType = 6
	MTHeartbeat    MsgType = 7
	MTEnd          MsgType = 8
)

func (t MsgType) String() string {
	switch t {
	case MTInit:
		return "init"
	case MTInitOk:
		return "init_ok"
	case MTFrame:
		return "frame"
	case MTResult:
		return "result"
	case MTWindowUpdate:
		return "window_update"
	case MTError:
		return "error"
	case MTHeartbeat:
		return "heartbeat"
	case MTEnd:
		return "end"
	default:
		return "unknown"
	}
}

// Envelope is the top-level protocol message. Exactly one of Req, Res, Hb is
// set, and MsgType must agree with the payload.
type Envelope struct {
	ProtocolVersion uint32
	StreamID        string
	MsgType         MsgType
	Req             *Request
	Res             *Response
	Hb              *Heartbeat
}

// Request is the client-to-worker payload.
type Request struct {
	Init  *Init
	Frame *Frame
	End   *End
}

// Response is the worker-to-client payload.
type Response struct {
	InitOk       *InitOk
	Result       *Result
	WindowUpdate *WindowUpdate
	Error        *Error
}

// Init opens an inference stream.
type Init struct {
	ModelPath           string
	Width               uint32
	Height              uint32
	ConfidenceThreshold float32
	ClassesFilter       []string
}

// Preproc describes worker-side pre-processing.
type Preproc struct {
	PixelFormat string
	Width       uint32
	Height      uint32
}

// InitOk acknowledges Init.
type InitOk struct {
	Runtime       string
	ModelID       string
	Providers     []string
	MaxFrameBytes uint32
	Preproc       *Preproc
}

// Frame carries one raw RGB frame.
type Frame struct {
	Seq      uint64
	TsISO    string
	TsMonoNs uint64
	Width    uint32
	Height   uint32
	PixFmt   string
	Data     []byte
}

// BBox is a normalized center/size box.
type BBox struct {
	X float32
	Y float32
	W float32
	H float32
}

// Detection is one detected object.
type Detection struct {
	Cls     string
	Conf    float32
	Bbox    BBox
	TrackID string
}

// Latency is the worker's optional timing block.
type Latency struct {
	PreMs   uint64
	InferMs uint64
	PostMs  uint64
}

// Result is the worker's reply to one Frame.
type Result struct {
	Seq        uint64
	TsISO      string
	Detections []Detection
	Latency    *Latency
}

// WindowUpdate returns flow-control credits without a result.
type WindowUpdate struct {
	Credits uint32
}

// Error reports a worker-side failure.
type Error struct {
	Code    int32
	Message string
}

// End closes the stream.
type End struct{}

// Heartbeat carries liveness counters in both directions.
type Heartbeat struct {
	LastFrameID uint64
	Tx          uint64
	Rx          uint64
}
