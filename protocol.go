package wrpc_async

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"google.golang.org/protobuf/encoding/protowire"
)

// Request is the tcp envelope sent by clients.
type Request struct {
	RequestID int64
	Method    string
	Body      []byte
	Meta      Meta
}

// Response is the tcp envelope answering a Request with the same RequestID.
type Response struct {
	RequestID  int64
	Body       []byte
	Meta       Meta
	Code       int32
	CodeStatus string
}

type Protocol interface {
	PacketRequest(request *Request) ([]byte, error)
	UnPacketRequest(body []byte) (*Request, error)

	PacketResponse(response *Response) ([]byte, error)
	UnPacketResponse(body []byte) (*Response, error)

	Name() string
}

const (
	headerSize   = 4
	maxFrameSize = 64 << 20
)

var (
	ErrFrameTooLarge = errors.New("rpc: frame too large")
	ErrFrameInvalid  = errors.New("rpc: invalid frame")
)

// Field numbers of the envelope messages. Meta is encoded the way protobuf
// encodes map<string, string>, so the envelope can be described by a plain
// .proto file.
const (
	reqFieldID     protowire.Number = 1
	reqFieldMethod protowire.Number = 2
	reqFieldBody   protowire.Number = 3
	reqFieldMeta   protowire.Number = 4

	respFieldID     protowire.Number = 1
	respFieldBody   protowire.Number = 2
	respFieldMeta   protowire.Number = 3
	respFieldCode   protowire.Number = 4
	respFieldStatus protowire.Number = 5

	entryFieldKey   protowire.Number = 1
	entryFieldValue protowire.Number = 2
)

type wrpcProtocol struct{}

func newWRPCProtocol() Protocol {
	return &wrpcProtocol{}
}

func (*wrpcProtocol) PacketRequest(request *Request) ([]byte, error) {
	b := make([]byte, headerSize, headerSize+len(request.Body)+len(request.Method)+32)
	b = protowire.AppendTag(b, reqFieldID, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(request.RequestID))
	b = protowire.AppendTag(b, reqFieldMethod, protowire.BytesType)
	b = protowire.AppendString(b, request.Method)
	if len(request.Body) > 0 {
		b = protowire.AppendTag(b, reqFieldBody, protowire.BytesType)
		b = protowire.AppendBytes(b, request.Body)
	}
	b = appendMeta(b, reqFieldMeta, request.Meta)
	return frame(b)
}

func (*wrpcProtocol) UnPacketRequest(body []byte) (*Request, error) {
	if len(body) < headerSize {
		return nil, ErrFrameInvalid
	}
	req := &Request{}
	err := consumeFields(body[headerSize:], func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == reqFieldID && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			req.RequestID = int64(v)
			return n, nil
		case num == reqFieldMethod && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			req.Method = v
			return n, nil
		case num == reqFieldBody && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			req.Body = append([]byte(nil), v...)
			return n, nil
		case num == reqFieldMeta && typ == protowire.BytesType:
			if req.Meta == nil {
				req.Meta = make(Meta)
			}
			return consumeMetaEntry(b, req.Meta)
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return nil, err
	}
	return req, nil
}

func (*wrpcProtocol) PacketResponse(response *Response) ([]byte, error) {
	b := make([]byte, headerSize, headerSize+len(response.Body)+len(response.CodeStatus)+32)
	b = protowire.AppendTag(b, respFieldID, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(response.RequestID))
	if len(response.Body) > 0 {
		b = protowire.AppendTag(b, respFieldBody, protowire.BytesType)
		b = protowire.AppendBytes(b, response.Body)
	}
	b = appendMeta(b, respFieldMeta, response.Meta)
	b = protowire.AppendTag(b, respFieldCode, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(response.Code))
	if response.CodeStatus != "" {
		b = protowire.AppendTag(b, respFieldStatus, protowire.BytesType)
		b = protowire.AppendString(b, response.CodeStatus)
	}
	return frame(b)
}

func (*wrpcProtocol) UnPacketResponse(body []byte) (*Response, error) {
	if len(body) < headerSize {
		return nil, ErrFrameInvalid
	}
	resp := &Response{}
	err := consumeFields(body[headerSize:], func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == respFieldID && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			resp.RequestID = int64(v)
			return n, nil
		case num == respFieldBody && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			resp.Body = append([]byte(nil), v...)
			return n, nil
		case num == respFieldMeta && typ == protowire.BytesType:
			if resp.Meta == nil {
				resp.Meta = make(Meta)
			}
			return consumeMetaEntry(b, resp.Meta)
		case num == respFieldCode && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			resp.Code = int32(v)
			return n, nil
		case num == respFieldStatus && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			resp.CodeStatus = v
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (*wrpcProtocol) Name() string {
	return "wrpc-protocol"
}

func frame(b []byte) ([]byte, error) {
	if len(b) > maxFrameSize {
		return nil, ErrFrameTooLarge
	}
	binary.LittleEndian.PutUint32(b, uint32(len(b)))
	return b, nil
}

// appendMeta writes meta sorted by key so equal meta encodes to equal bytes.
func appendMeta(b []byte, num protowire.Number, meta Meta) []byte {
	if len(meta) == 0 {
		return b
	}
	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		var entry []byte
		entry = protowire.AppendTag(entry, entryFieldKey, protowire.BytesType)
		entry = protowire.AppendString(entry, k)
		entry = protowire.AppendTag(entry, entryFieldValue, protowire.BytesType)
		entry = protowire.AppendString(entry, meta[k])
		b = protowire.AppendTag(b, num, protowire.BytesType)
		b = protowire.AppendBytes(b, entry)
	}
	return b
}

func consumeMetaEntry(b []byte, meta Meta) (int, error) {
	entry, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return n, nil
	}
	var key, value string
	err := consumeFields(entry, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ == protowire.BytesType && (num == entryFieldKey || num == entryFieldValue) {
			v, m := protowire.ConsumeString(b)
			if num == entryFieldKey {
				key = v
			} else {
				value = v
			}
			return m, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return 0, err
	}
	meta[key] = value
	return n, nil
}

func consumeFields(b []byte, field func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrFrameInvalid, protowire.ParseError(n))
		}
		b = b[n:]
		m, err := field(num, typ, b)
		if err != nil {
			return err
		}
		if m < 0 {
			return fmt.Errorf("%w: field %d: %v", ErrFrameInvalid, num, protowire.ParseError(m))
		}
		b = b[m:]
	}
	return nil
}

const (
	stateFull     = 1
	stateNeedRead = 2
	stateErr      = -1
)

// readFrame cuts the first complete frame off bs. It returns the frame, its
// length and stateFull, or stateNeedRead when more bytes are required.
func readFrame(bs []byte) ([]byte, int, int) {
	if len(bs) < headerSize {
		return nil, 0, stateNeedRead
	}
	n := int(binary.LittleEndian.Uint32(bs))
	if n <= headerSize || n > maxFrameSize {
		return nil, 0, stateErr
	}
	if n <= len(bs) {
		return bs[:n], n, stateFull
	}
	return nil, 0, stateNeedRead
}
