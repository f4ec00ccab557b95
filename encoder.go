package wrpc_async

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/golang/protobuf/proto"
)

const (
	EncoderJSON  = "json"
	EncoderProto = "proto"
)

var ErrInvalidEncoder = errors.New("rpc: encoder is nil or has no name")

// Encoder turns requests and responses into payload bytes and back. A call
// picks one by name through its encode-type meta.
type Encoder interface {
	Name() string
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
}

type encoderSet struct {
	mu     sync.RWMutex
	byName map[string]Encoder
}

var encoders = newEncoderSet(jsonEncoder{}, protoEncoder{})

func newEncoderSet(encs ...Encoder) *encoderSet {
	s := &encoderSet{byName: make(map[string]Encoder, len(encs))}
	for _, enc := range encs {
		_ = s.add(enc)
	}
	return s
}

func (s *encoderSet) add(enc Encoder) error {
	if enc == nil || enc.Name() == "" {
		return ErrInvalidEncoder
	}
	s.mu.Lock()
	s.byName[enc.Name()] = enc
	s.mu.Unlock()
	return nil
}

func (s *encoderSet) lookup(name string) (Encoder, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	enc, ok := s.byName[name]
	return enc, ok
}

func (s *encoderSet) names() []string {
	s.mu.RLock()
	names := make([]string, 0, len(s.byName))
	for name := range s.byName {
		names = append(names, name)
	}
	s.mu.RUnlock()
	sort.Strings(names)
	return names
}

// RegisterEncoder makes enc available to every method under enc.Name(),
// replacing an encoder of the same name.
func RegisterEncoder(enc Encoder) error {
	return encoders.add(enc)
}

// GetEncoder returns the encoder registered as name, json for an empty
// name and nil if nothing matches.
func GetEncoder(name string) Encoder {
	if name == "" {
		name = EncoderJSON
	}
	enc, _ := encoders.lookup(name)
	return enc
}

// EncoderNames lists the registered encoders in order.
func EncoderNames() []string {
	return encoders.names()
}

type jsonEncoder struct{}

func (jsonEncoder) Name() string                    { return EncoderJSON }
func (jsonEncoder) Encode(v any) ([]byte, error)    { return json.Marshal(v) }
func (jsonEncoder) Decode(data []byte, v any) error { return json.Unmarshal(data, v) }

type protoEncoder struct{}

func (protoEncoder) Name() string { return EncoderProto }

func (protoEncoder) Encode(v any) ([]byte, error) {
	msg, err := protoMessage(v)
	if err != nil {
		return nil, err
	}
	return proto.Marshal(msg)
}

func (protoEncoder) Decode(data []byte, v any) error {
	msg, err := protoMessage(v)
	if err != nil {
		return err
	}
	return proto.Unmarshal(data, msg)
}

func protoMessage(v any) (proto.Message, error) {
	msg, ok := v.(proto.Message)
	if !ok {
		return nil, fmt.Errorf("rpc: %T is not a proto message", v)
	}
	return msg, nil
}
