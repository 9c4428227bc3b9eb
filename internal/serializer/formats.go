package serializer

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"device-command-service/internal/model"
)

// wirePayload is the field set every structured format carries
type wirePayload struct {
	ID         string            `json:"id"`
	Type       model.CommandType `json:"type"`
	Endpoint   string            `json:"endpoint,omitempty"`
	Parameters model.Parameters  `json:"parameters"`
	Timestamp  int64             `json:"timestamp"`
	Priority   int               `json:"priority"`
}

// newWirePayload uses the creation time so repeated serialization is byte-identical
func newWirePayload(cmd *model.DeviceCommand) wirePayload {
	params := cmd.Parameters
	if params == nil {
		params = model.Parameters{}
	}
	return wirePayload{
		ID:         cmd.ID,
		Type:       cmd.Type,
		Endpoint:   cmd.Endpoint,
		Parameters: params,
		Timestamp:  cmd.CreatedAt.UnixMilli(),
		Priority:   int(cmd.Priority),
	}
}

// JSON

func encodeJSON(cmd *model.DeviceCommand, cfg model.SerializationConfig) ([]byte, error) {
	raw, err := json.Marshal(newWirePayload(cmd))
	if err != nil {
		return nil, err
	}
	return encodeText(raw, cfg.Encoding)
}

func decodeJSON(data []byte, cfg model.SerializationConfig, expected model.ResponseType) (interface{}, error) {
	text, err := decodeText(data, cfg.Encoding)
	if err != nil {
		return nil, err
	}
	text = bytes.TrimSpace(text)
	if len(text) == 0 {
		if expected == model.ResponseNone {
			return nil, nil
		}
		return nil, ErrEmptyResponse
	}

	dec := json.NewDecoder(bytes.NewReader(text))
	dec.UseNumber()
	var value interface{}
	if err := dec.Decode(&value); err != nil {
		return nil, fmt.Errorf("malformed json response: %w", err)
	}
	value = normalizeJSON(value)

	switch expected {
	case model.ResponseNone, model.ResponseObject:
		return value, nil
	default:
		// scalar responses may be wrapped as {"value": ...}
		if obj, ok := value.(map[string]interface{}); ok {
			if inner, ok := obj["value"]; ok {
				value = inner
			}
		}
		return coerce(value, expected)
	}
}

func normalizeJSON(v interface{}) interface{} {
	switch val := v.(type) {
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i
		}
		f, _ := val.Float64()
		return f
	case []interface{}:
		for i := range val {
			val[i] = normalizeJSON(val[i])
		}
		return val
	case map[string]interface{}:
		for k := range val {
			val[k] = normalizeJSON(val[k])
		}
		return val
	default:
		return v
	}
}

// Binary

func encodeBinary(cmd *model.DeviceCommand, cfg model.SerializationConfig) ([]byte, error) {
	code, ok := cmd.Type.Code()
	if !ok {
		return nil, fmt.Errorf("unknown command type %s", cmd.Type)
	}

	buf := bytes.NewBuffer(make([]byte, 0, 1+4*len(cmd.Parameters)))
	buf.WriteByte(code)

	for _, param := range cmd.Parameters {
		if err := writeBinaryValue(buf, param.Value, cfg.Encoding); err != nil {
			return nil, fmt.Errorf("parameter %q: %w", param.Key, err)
		}
	}
	return buf.Bytes(), nil
}

func writeBinaryValue(buf *bytes.Buffer, value interface{}, encoding string) error {
	var scratch [4]byte

	switch v := value.(type) {
	case bool:
		if v {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
		return nil
	case float32:
		return writeBinaryFloat(buf, float64(v))
	case float64:
		return writeBinaryFloat(buf, v)
	case string:
		encoded, err := encodeText([]byte(v), encoding)
		if err != nil {
			return err
		}
		buf.Write(encoded)
		return nil
	case []byte:
		buf.Write(v)
		return nil
	}

	n, ok := toInt64(value)
	if !ok {
		return fmt.Errorf("%w: %T", ErrUnsupportedValue, value)
	}
	if n < math.MinInt32 || n > math.MaxInt32 {
		return fmt.Errorf("%w: %d overflows int32", ErrUnsupportedValue, n)
	}
	binary.LittleEndian.PutUint32(scratch[:], uint32(int32(n)))
	buf.Write(scratch[:])
	return nil
}

func writeBinaryFloat(buf *bytes.Buffer, v float64) error {
	f := float32(v)
	if !isFinite(v) || math.IsInf(float64(f), 0) {
		return fmt.Errorf("%w: %v does not fit a finite float32", ErrUnsupportedValue, v)
	}
	var scratch [4]byte
	binary.LittleEndian.PutUint32(scratch[:], math.Float32bits(f))
	buf.Write(scratch[:])
	return nil
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func decodeBinary(data []byte, cfg model.SerializationConfig, expected model.ResponseType) (interface{}, error) {
	if expected == model.ResponseNone {
		out := make([]byte, len(data))
		copy(out, data)
		return out, nil
	}
	if len(data) == 0 {
		return nil, ErrEmptyResponse
	}

	switch expected {
	case model.ResponseBool:
		return data[0] != 0, nil
	case model.ResponseInt:
		switch {
		case len(data) >= 4:
			return int64(int32(binary.LittleEndian.Uint32(data[:4]))), nil
		case len(data) >= 2:
			return int64(int16(binary.LittleEndian.Uint16(data[:2]))), nil
		default:
			return int64(data[0]), nil
		}
	case model.ResponseFloat:
		if len(data) < 4 {
			return nil, fmt.Errorf("float response needs 4 bytes, got %d", len(data))
		}
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(data[:4]))), nil
	case model.ResponseString:
		text, err := decodeText(data, cfg.Encoding)
		if err != nil {
			return nil, err
		}
		return string(text), nil
	case model.ResponseObject:
		payload := make([]byte, len(data)-1)
		copy(payload, data[1:])
		return map[string]interface{}{
			"status": int64(data[0]),
			"data":   payload,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported response type %s", expected)
	}
}

// Arduino text line

func encodeArduino(cmd *model.DeviceCommand, cfg model.SerializationConfig) ([]byte, error) {
	prefix := cfg.Option("prefix", "$")
	sep := cfg.Option("separator", ",")
	suffix := cfg.Option("suffix", "\r\n")
	assign := cfg.Option("assign", "=")

	var sb strings.Builder
	sb.WriteString(prefix)
	sb.WriteString(string(cmd.Type))

	if cfg.Option("include_id", "false") == "true" {
		sb.WriteString(sep)
		sb.WriteString("id")
		sb.WriteString(assign)
		sb.WriteString(cmd.ID)
	}

	for _, param := range cmd.Parameters {
		value, err := formatText(param.Value)
		if err != nil {
			return nil, fmt.Errorf("parameter %q: %w", param.Key, err)
		}
		if strings.Contains(value, sep) || strings.ContainsAny(value, "\r\n") {
			return nil, fmt.Errorf("parameter %q: value contains a frame delimiter", param.Key)
		}
		sb.WriteString(sep)
		sb.WriteString(param.Key)
		sb.WriteString(assign)
		sb.WriteString(value)
	}
	sb.WriteString(suffix)

	return encodeText([]byte(sb.String()), cfg.Encoding)
}

// formatText renders a parameter value for a line protocol
func formatText(value interface{}) (string, error) {
	switch v := value.(type) {
	case bool:
		if v {
			return "1", nil
		}
		return "0", nil
	case string:
		return v, nil
	case float32:
		if !isFinite(float64(v)) {
			return "", fmt.Errorf("%w: %v", ErrUnsupportedValue, v)
		}
		return decimal.NewFromFloat32(v).String(), nil
	case float64:
		if !isFinite(v) {
			return "", fmt.Errorf("%w: %v", ErrUnsupportedValue, v)
		}
		return decimal.NewFromFloat(v).String(), nil
	}
	if n, ok := toInt64(value); ok {
		return strconv.FormatInt(n, 10), nil
	}
	return "", fmt.Errorf("%w: %T", ErrUnsupportedValue, value)
}

func decodeArduino(data []byte, cfg model.SerializationConfig, expected model.ResponseType) (interface{}, error) {
	text, err := decodeText(data, cfg.Encoding)
	if err != nil {
		return nil, err
	}

	line := strings.TrimSpace(string(text))
	line = strings.TrimSuffix(line, strings.TrimSpace(cfg.Option("suffix", "\r\n")))
	line = strings.TrimPrefix(line, cfg.Option("prefix", "$"))

	if line == "" {
		if expected == model.ResponseNone {
			return "", nil
		}
		return nil, ErrEmptyResponse
	}

	sep := cfg.Option("separator", ",")
	assign := cfg.Option("assign", "=")
	tokens := strings.Split(line, sep)

	switch expected {
	case model.ResponseNone, model.ResponseString:
		return line, nil
	case model.ResponseObject:
		fields := make(map[string]interface{}, len(tokens))
		for i, tok := range tokens {
			key, value, found := strings.Cut(tok, assign)
			if !found {
				if i == 0 {
					fields["status"] = tok
				} else {
					fields[strconv.Itoa(i)] = parseScalar(tok)
				}
				continue
			}
			fields[key] = parseScalar(value)
		}
		return fields, nil
	default:
		last := tokens[len(tokens)-1]
		if _, value, found := strings.Cut(last, assign); found {
			last = value
		}
		return coerce(strings.TrimSpace(last), expected)
	}
}

// parseScalar turns a text token into int64, float64, bool or string
func parseScalar(tok string) interface{} {
	if i, err := strconv.ParseInt(tok, 10, 64); err == nil {
		return i
	}
	if d, err := decimal.NewFromString(tok); err == nil {
		f, _ := d.Float64()
		return f
	}
	switch strings.ToLower(tok) {
	case "true":
		return true
	case "false":
		return false
	}
	return tok
}

// coerce converts a decoded value into the expected scalar shape
func coerce(value interface{}, expected model.ResponseType) (interface{}, error) {
	switch expected {
	case model.ResponseString:
		if s, ok := value.(string); ok {
			return s, nil
		}
		return fmt.Sprint(value), nil
	case model.ResponseBool:
		switch v := value.(type) {
		case bool:
			return v, nil
		case string:
			switch strings.ToLower(v) {
			case "1", "true", "on", "ok", "high":
				return true, nil
			case "0", "false", "off", "low":
				return false, nil
			}
			return nil, fmt.Errorf("cannot interpret %q as bool", v)
		}
		if f, ok := model.ToFloat(value); ok {
			return f != 0, nil
		}
	case model.ResponseInt:
		if s, ok := value.(string); ok {
			d, err := decimal.NewFromString(s)
			if err != nil || !d.IsInteger() {
				return nil, fmt.Errorf("cannot interpret %q as int", s)
			}
			return d.IntPart(), nil
		}
		if n, ok := toInt64(value); ok {
			return n, nil
		}
		if f, ok := model.ToFloat(value); ok && f == math.Trunc(f) {
			return int64(f), nil
		}
	case model.ResponseFloat:
		if s, ok := value.(string); ok {
			d, err := decimal.NewFromString(s)
			if err != nil {
				return nil, fmt.Errorf("cannot interpret %q as float", s)
			}
			f, _ := d.Float64()
			return f, nil
		}
		if f, ok := model.ToFloat(value); ok {
			return f, nil
		}
	case model.ResponseObject, model.ResponseNone:
		return value, nil
	}
	return nil, fmt.Errorf("cannot interpret %T as %s", value, expected)
}

func toInt64(value interface{}) (int64, bool) {
	switch n := value.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		return int64(n), true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		if n > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	default:
		return 0, false
	}
}
