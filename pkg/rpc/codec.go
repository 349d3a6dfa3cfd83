package rpc

import (
	"encoding/json"
	"fmt"
	"strconv"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"socialbox/pkg/types"
)

// resultField holds the method result in every response body.
const resultField = "result"

// Params gives typed access to a request body.
type Params struct {
	s *structpb.Struct
}

// NewParams wraps a request body. A nil body has no fields.
func NewParams(s *structpb.Struct) Params {
	if s == nil {
		s = &structpb.Struct{}
	}
	return Params{s: s}
}

// Struct returns the underlying body.
func (p Params) Struct() *structpb.Struct {
	return p.s
}

func (p Params) Has(name string) bool {
	v, ok := p.s.GetFields()[name]
	if !ok {
		return false
	}
	_, null := v.GetKind().(*structpb.Value_NullValue)
	return !null
}

// String returns a required string parameter.
func (p Params) String(name string) (string, error) {
	if !p.Has(name) {
		return "", types.Errorf(types.KindBadRequest, "missing required parameter %q", name)
	}
	v, ok := p.s.GetFields()[name].GetKind().(*structpb.Value_StringValue)
	if !ok {
		return "", types.Errorf(types.KindBadRequest, "parameter %q must be a string", name)
	}
	if v.StringValue == "" {
		return "", types.Errorf(types.KindBadRequest, "parameter %q cannot be empty", name)
	}
	return v.StringValue, nil
}

// OptionalString returns a string parameter or def when absent.
func (p Params) OptionalString(name, def string) (string, error) {
	if !p.Has(name) {
		return def, nil
	}
	v, ok := p.s.GetFields()[name].GetKind().(*structpb.Value_StringValue)
	if !ok {
		return "", types.Errorf(types.KindBadRequest, "parameter %q must be a string", name)
	}
	return v.StringValue, nil
}

// Int64 returns a required integer parameter. Numbers and numeric strings
// are accepted.
func (p Params) Int64(name string) (int64, error) {
	if !p.Has(name) {
		return 0, types.Errorf(types.KindBadRequest, "missing required parameter %q", name)
	}
	switch v := p.s.GetFields()[name].GetKind().(type) {
	case *structpb.Value_NumberValue:
		n := int64(v.NumberValue)
		if float64(n) != v.NumberValue {
			return 0, types.Errorf(types.KindBadRequest, "parameter %q must be an integer", name)
		}
		return n, nil
	case *structpb.Value_StringValue:
		n, err := strconv.ParseInt(v.StringValue, 10, 64)
		if err != nil {
			return 0, types.Errorf(types.KindBadRequest, "parameter %q must be an integer", name)
		}
		return n, nil
	}
	return 0, types.Errorf(types.KindBadRequest, "parameter %q must be an integer", name)
}

// OptionalInt64 returns an integer parameter or def when absent.
func (p Params) OptionalInt64(name string, def int64) (int64, error) {
	if !p.Has(name) {
		return def, nil
	}
	return p.Int64(name)
}

// Digest input for request signatures: the body in deterministic proto form.
func CanonicalBytes(s *structpb.Struct) ([]byte, error) {
	if s == nil {
		s = &structpb.Struct{}
	}
	return proto.MarshalOptions{Deterministic: true}.Marshal(s)
}

// NewBody builds a request body from plain Go values.
func NewBody(params map[string]any) (*structpb.Struct, error) {
	normalized, err := normalize(params)
	if err != nil {
		return nil, err
	}
	m, _ := normalized.(map[string]any)
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request body: %w", err)
	}
	return s, nil
}

// EncodeResult wraps a handler result in a response body. Any value that
// encodes to JSON is accepted.
func EncodeResult(result any) (*structpb.Struct, error) {
	normalized, err := normalize(result)
	if err != nil {
		return nil, err
	}
	v, err := structpb.NewValue(normalized)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{resultField: v}}, nil
}

// DecodeResult unpacks a response body into out, which is decoded as JSON.
func DecodeResult(body *structpb.Struct, out any) error {
	if out == nil {
		return nil
	}
	v, ok := body.GetFields()[resultField]
	if !ok {
		return types.Errorf(types.KindResolutionFailed, "response has no result")
	}
	data, err := v.MarshalJSON()
	if err != nil {
		return types.Errorf(types.KindResolutionFailed, "failed to read response: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return types.Errorf(types.KindResolutionFailed, "malformed response: %w", err)
	}
	return nil
}

// normalize turns v into the plain maps, slices and scalars structpb accepts.
func normalize(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode value: %w", err)
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to encode value: %w", err)
	}
	return out, nil
}
