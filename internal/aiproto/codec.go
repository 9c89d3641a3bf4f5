package aiproto

import (
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Codec errors are fatal to the connection: the client disconnects and
// reconnects rather than attempting to resynchronize the stream.
var (
	ErrVersion   = errors.New("aiproto: unsupported protocol version")
	ErrTruncated = errors.New("aiproto: truncated message")
	ErrMsgType   = errors.New("aiproto: msg_type inconsistent with payload")
)

// MarshalEnvelope encodes the envelope in canonical field order with zero
// values omitted. The envelope's ProtocolVersion is forced to 1.
func MarshalEnvelope(env *Envelope) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, ProtocolVersion)
	if env.StreamID != "" {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendString(b, env.StreamID)
	}
	if env.MsgType != MTUnknown {
		b = protowire.AppendTag(b, 3, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(env.MsgType))
	}
	switch {
	case env.Req != nil:
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalRequest(env.Req))
	case env.Res != nil:
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalResponse(env.Res))
	case env.Hb != nil:
		b = protowire.AppendTag(b, 6, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalHeartbeat(env.Hb))
	}
	return b
}

// UnmarshalEnvelope decodes and validates an envelope: version must be 1 and
// msg_type must be consistent with the payload actually present.
func UnmarshalEnvelope(b []byte) (*Envelope, error) {
	env := &Envelope{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, ErrTruncated
		}
		b = b[n:]
		switch num {
		case 1:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, ErrTruncated
			}
			env.ProtocolVersion = uint32(v)
			b = b[n:]
		case 2:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, ErrTruncated
			}
			env.StreamID = v
			b = b[n:]
		case 3:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, ErrTruncated
			}
			env.MsgType = MsgType(v)
			b = b[n:]
		case 4:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, ErrTruncated
			}
			req, err := unmarshalRequest(v)
			if err != nil {
				return nil, err
			}
			env.Req = req
			b = b[n:]
		case 5:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, ErrTruncated
			}
			res, err := unmarshalResponse(v)
			if err != nil {
				return nil, err
			}
			env.Res = res
			b = b[n:]
		case 6:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, ErrTruncated
			}
			hb, err := unmarshalHeartbeat(v)
			if err != nil {
				return nil, err
			}
			env.Hb = hb
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, ErrTruncated
			}
			b = b[n:]
		}
	}

	if env.ProtocolVersion != ProtocolVersion {
		return nil, fmt.Errorf("%w: %d", ErrVersion, env.ProtocolVersion)
	}
	if err := checkConsistent(env); err != nil {
		return nil, err
	}
	return env, nil
}

// checkConsistent enforces the msg_type/payload agreement rule.
func checkConsistent(env *Envelope) error {
	want := func(ok bool) error {
		if !ok {
			return fmt.Errorf("%w: %s", ErrMsgType, env.MsgType)
		}
		return nil
	}
	switch env.MsgType {
	case MTInit:
		return want(env.Req != nil && env.Req.Init != nil)
	case MTFrame:
		return want(env.Req != nil && env.Req.Frame != nil)
	case MTEnd:
		return want(env.Req != nil && env.Req.End != nil)
	case MTInitOk:
		return want(env.Res != nil && env.Res.InitOk != nil)
	case MTResult:
		return want(env.Res != nil && env.Res.Result != nil)
	case MTWindowUpdate:
		return want(env.Res != nil && env.Res.WindowUpdate != nil)
	case MTError:
		return want(env.Res != nil && env.Res.Error != nil)
	case MTHeartbeat:
		return want(env.Hb != nil)
	default:
		return fmt.Errorf("%w: unknown type %d", ErrMsgType, uint32(env.MsgType))
	}
}

func marshalRequest(r *Request) []byte {
	var b []byte
	switch {
	case r.Init != nil:
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalInit(r.Init))
	case r.Frame != nil:
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalFrame(r.Frame))
	case r.End != nil:
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, nil) // End has no fields
	}
	return b
}

func unmarshalRequest(b []byte) (*Request, error) {
	r := &Request{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, ErrTruncated
		}
		b = b[n:]
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, ErrTruncated
			}
			b = b[n:]
			continue
		}
		switch num {
		case 1:
			init, err := unmarshalInit(v)
			if err != nil {
				return nil, err
			}
			r.Init = init
		case 2:
			frame, err := unmarshalFrame(v)
			if err != nil {
				return nil, err
			}
			r.Frame = frame
		case 3:
			r.End = &End{}
		}
		b = b[n:]
	}
	return r, nil
}

func marshalResponse(r *Response) []byte {
	var b []byte
	switch {
	case r.InitOk != nil:
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalInitOk(r.InitOk))
	case r.Result != nil:
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalResult(r.Result))
	case r.WindowUpdate != nil:
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalWindowUpdate(r.WindowUpdate))
	case r.Error != nil:
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalError(r.Error))
	}
	return b
}

func unmarshalResponse(b []byte) (*Response, error) {
	r := &Response{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, ErrTruncated
		}
		b = b[n:]
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, ErrTruncated
			}
			b = b[n:]
			continue
		}
		switch num {
		case 1:
			ok, err := unmarshalInitOk(v)
			if err != nil {
				return nil, err
			}
			r.InitOk = ok
		case 2:
			res, err := unmarshalResult(v)
			if err != nil {
				return nil, err
			}
			r.Result = res
		case 3:
			wu, err := unmarshalWindowUpdate(v)
			if err != nil {
				return nil, err
			}
			r.WindowUpdate = wu
		case 4:
			e, err := unmarshalError(v)
			if err != nil {
				return nil, err
			}
			r.Error = e
		}
		b = b[n:]
	}
	return r, nil
}

func marshalInit(m *Init) []byte {
	var b []byte
	if m.ModelPath != "" {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, m.ModelPath)
	}
	if m.Width != 0 {
		b = protowire.AppendTag(b, 2, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.Width))
	}
	if m.Height != 0 {
		b = protowire.AppendTag(b, 3, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.Height))
	}
	if m.ConfidenceThreshold != 0 {
		b = protowire.AppendTag(b, 4, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(m.ConfidenceThreshold))
	}
	for _, c := range m.ClassesFilter {
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendString(b, c)
	}
	return b
}

func unmarshalInit(b []byte) (*Init, error) {
	m := &Init{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, ErrTruncated
		}
		b = b[n:]
		switch num {
		case 1:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, ErrTruncated
			}
			m.ModelPath = v
			b = b[n:]
		case 2:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, ErrTruncated
			}
			m.Width = uint32(v)
			b = b[n:]
		case 3:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, ErrTruncated
			}
			m.Height = uint32(v)
			b = b[n:]
		case 4:
			v, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return nil, ErrTruncated
			}
			m.ConfidenceThreshold = math.Float32frombits(v)
			b = b[n:]
		case 5:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, ErrTruncated
			}
			m.ClassesFilter = append(m.ClassesFilter, v)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, ErrTruncated
			}
			b = b[n:]
		}
	}
	return m, nil
}

func marshalPreproc(m *Preproc) []byte {
	var b []byte
	if m.PixelFormat != "" {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, m.PixelFormat)
	}
	if m.Width != 0 {
		b = protowire.AppendTag(b, 2, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.Width))
	}
	if m.Height != 0 {
		b = protowire.AppendTag(b, 3, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.Height))
	}
	return b
}

func unmarshalPreproc(b []byte) (*Preproc, error) {
	m := &Preproc{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, ErrTruncated
		}
		b = b[n:]
		switch num {
		case 1:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, ErrTruncated
			}
			m.PixelFormat = v
			b = b[n:]
		case 2:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, ErrTruncated
			}
			m.Width = uint32(v)
			b = b[n:]
		case 3:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, ErrTruncated
			}
			m.Height = uint32(v)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, ErrTruncated
			}
			b = b[n:]
		}
	}
	return m, nil
}

func marshalInitOk(m *InitOk) []byte {
	var b []byte
	if m.Runtime != "" {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, m.Runtime)
	}
	if m.ModelID != "" {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendString(b, m.ModelID)
	}
	for _, p := range m.Providers {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendString(b, p)
	}
	if m.MaxFrameBytes != 0 {
		b = protowire.AppendTag(b, 4, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.MaxFrameBytes))
	}
	if m.Preproc != nil {
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalPreproc(m.Preproc))
	}
	return b
}

func unmarshalInitOk(b []byte) (*InitOk, error) {
	m := &InitOk{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, ErrTruncated
		}
		b = b[n:]
		switch num {
		case 1:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, ErrTruncated
			}
			m.Runtime = v
			b = b[n:]
		case 2:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, ErrTruncated
			}
			m.ModelID = v
			b = b[n:]
		case 3:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, ErrTruncated
			}
			m.Providers = append(m.Providers, v)
			b = b[n:]
		case 4:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, ErrTruncated
			}
			m.MaxFrameBytes = uint32(v)
			b = b[n:]
		case 5:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, ErrTruncated
			}
			pp, err := unmarshalPreproc(v)
			if err != nil {
				return nil, err
			}
			m.Preproc = pp
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, ErrTruncated
			}
			b = b[n:]
		}
	}
	return m, nil
}

func marshalFrame(m *Frame) []byte {
	b := make([]byte, 0, len(m.Data)+64)
	if m.Seq != 0 {
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, m.Seq)
	}
	if m.TsISO != "" {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendString(b, m.TsISO)
	}
	if m.TsMonoNs != 0 {
		b = protowire.AppendTag(b, 3, protowire.VarintType)
		b = protowire.AppendVarint(b, m.TsMonoNs)
	}
	if m.Width != 0 {
		b = protowire.AppendTag(b, 4, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.Width))
	}
	if m.Height != 0 {
		b = protowire.AppendTag(b, 5, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.Height))
	}
	if m.PixFmt != "" {
		b = protowire.AppendTag(b, 6, protowire.BytesType)
		b = protowire.AppendString(b, m.PixFmt)
	}
	if len(m.Data) > 0 {
		b = protowire.AppendTag(b, 7, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Data)
	}
	return b
}

func unmarshalFrame(b []byte) (*Frame, error) {
	m := &Frame{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, ErrTruncated
		}
		b = b[n:]
		switch num {
		case 1:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, ErrTruncated
			}
			m.Seq = v
			b = b[n:]
		case 2:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, ErrTruncated
			}
			m.TsISO = v
			b = b[n:]
		case 3:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, ErrTruncated
			}
			m.TsMonoNs = v
			b = b[n:]
		case 4:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, ErrTruncated
			}
			m.Width = uint32(v)
			b = b[n:]
		case 5:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, ErrTruncated
			}
			m.Height = uint32(v)
			b = b[n:]
		case 6:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, ErrTruncated
			}
			m.PixFmt = v
			b = b[n:]
		case 7:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, ErrTruncated
			}
			m.Data = append([]byte(nil), v...)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, ErrTruncated
			}
			b = b[n:]
		}
	}
	return m, nil
}

func marshalBBox(m *BBox) []byte {
	var b []byte
	if m.X != 0 {
		b = protowire.AppendTag(b, 1, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(m.X))
	}
	if m.Y != 0 {
		b = protowire.AppendTag(b, 2, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(m.Y))
	}
	if m.W != 0 {
		b = protowire.AppendTag(b, 3, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(m.W))
	}
	if m.H != 0 {
		b = protowire.AppendTag(b, 4, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(m.H))
	}
	return b
}

func unmarshalBBox(b []byte) (BBox, error) {
	var m BBox
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return m, ErrTruncated
		}
		b = b[n:]
		if typ != protowire.Fixed32Type {
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return m, ErrTruncated
			}
			b = b[n:]
			continue
		}
		v, n := protowire.ConsumeFixed32(b)
		if n < 0 {
			return m, ErrTruncated
		}
		f := math.Float32frombits(v)
		switch num {
		case 1:
			m.X = f
		case 2:
			m.Y = f
		case 3:
			m.W = f
		case 4:
			m.H = f
		}
		b = b[n:]
	}
	return m, nil
}

func marshalDetection(m *Detection) []byte {
	var b []byte
	if m.Cls != "" {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, m.Cls)
	}
	if m.Conf != 0 {
		b = protowire.AppendTag(b, 2, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(m.Conf))
	}
	box := marshalBBox(&m.Bbox)
	if len(box) > 0 {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, box)
	}
	if m.TrackID != "" {
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendString(b, m.TrackID)
	}
	return b
}

func unmarshalDetection(b []byte) (Detection, error) {
	var m Detection
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return m, ErrTruncated
		}
		b = b[n:]
		switch num {
		case 1:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return m, ErrTruncated
			}
			m.Cls = v
			b = b[n:]
		case 2:
			v, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return m, ErrTruncated
			}
			m.Conf = math.Float32frombits(v)
			b = b[n:]
		case 3:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return m, ErrTruncated
			}
			box, err := unmarshalBBox(v)
			if err != nil {
				return m, err
			}
			m.Bbox = box
			b = b[n:]
		case 4:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return m, ErrTruncated
			}
			m.TrackID = v
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return m, ErrTruncated
			}
			b = b[n:]
		}
	}
	return m, nil
}

func marshalLatency(m *Latency) []byte {
	var b []byte
	if m.PreMs != 0 {
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, m.PreMs)
	}
	if m.InferMs != 0 {
		b = protowire.AppendTag(b, 2, protowire.VarintType)
		b = protowire.AppendVarint(b, m.InferMs)
	}
	if m.PostMs != 0 {
		b = protowire.AppendTag(b, 3, protowire.VarintType)
		b = protowire.AppendVarint(b, m.PostMs)
	}
	return b
}

func unmarshalLatency(b []byte) (*Latency, error) {
	m := &Latency{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, ErrTruncated
		}
		b = b[n:]
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, ErrTruncated
			}
			b = b[n:]
			continue
		}
		switch num {
		case 1:
			m.PreMs = v
		case 2:
			m.InferMs = v
		case 3:
			m.PostMs = v
		}
		b = b[n:]
	}
	return m, nil
}

func marshalResult(m *Result) []byte {
	var b []byte
	if m.Seq != 0 {
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, m.Seq)
	}
	if m.TsISO != "" {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendString(b, m.TsISO)
	}
	for i := range m.Detections {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalDetection(&m.Detections[i]))
	}
	if m.Latency != nil {
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalLatency(m.Latency))
	}
	return b
}

func unmarshalResult(b []byte) (*Result, error) {
	m := &Result{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, ErrTruncated
		}
		b = b[n:]
		switch num {
		case 1:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, ErrTruncated
			}
			m.Seq = v
			b = b[n:]
		case 2:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, ErrTruncated
			}
			m.TsISO = v
			b = b[n:]
		case 3:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, ErrTruncated
			}
			det, err := unmarshalDetection(v)
			if err != nil {
				return nil, err
			}
			m.Detections = append(m.Detections, det)
			b = b[n:]
		case 4:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, ErrTruncated
			}
			lat, err := unmarshalLatency(v)
			if err != nil {
				return nil, err
			}
			m.Latency = lat
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, ErrTruncated
			}
			b = b[n:]
		}
	}
	return m, nil
}

func marshalWindowUpdate(m *WindowUpdate) []byte {
	var b []byte
	if m.Credits != 0 {
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.Credits))
	}
	return b
}

func unmarshalWindowUpdate(b []byte) (*WindowUpdate, error) {
	m := &WindowUpdate{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, ErrTruncated
		}
		b = b[n:]
		if num == 1 && typ == protowire.VarintType {
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, ErrTruncated
			}
			m.Credits = uint32(v)
			b = b[n:]
			continue
		}
		n = protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return nil, ErrTruncated
		}
		b = b[n:]
	}
	return m, nil
}

func marshalError(m *Error) []byte {
	var b []byte
	if m.Code != 0 {
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(int64(m.Code)))
	}
	if m.Message != "" {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendString(b, m.Message)
	}
	return b
}

func unmarshalError(b []byte) (*Error, error) {
	m := &Error{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, ErrTruncated
		}
		b = b[n:]
		switch num {
		case 1:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, ErrTruncated
			}
			m.Code = int32(v)
			b = b[n:]
		case 2:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, ErrTruncated
			}
			m.Message = v
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, ErrTruncated
			}
			b = b[n:]
		}
	}
	return m, nil
}

func marshalHeartbeat(m *Heartbeat) []byte {
	var b []byte
	if m.LastFrameID != 0 {
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, m.LastFrameID)
	}
	if m.Tx != 0 {
		b = protowire.AppendTag(b, 2, protowire.VarintType)
		b = protowire.AppendVarint(b, m.Tx)
	}
	if m.Rx != 0 {
		b = protowire.AppendTag(b, 3, protowire.VarintType)
		b = protowire.AppendVarint(b, m.Rx)
	}
	return b
}

func unmarshalHeartbeat(b []byte) (*Heartbeat, error) {
	m := &Heartbeat{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, ErrTruncated
		}
		b = b[n:]
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, ErrTruncated
			}
			b = b[n:]
			continue
		}
		switch num {
		case 1:
			m.LastFrameID = v
		case 2:
			m.Tx = v
		case 3:
			m.Rx = v
		}
		b = b[n:]
	}
	return m, nil
}
