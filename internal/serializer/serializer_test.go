package serializer

import (
	"bytes"
	"errors"
	"math"
	"strings"
	"testing"

	"go.uber.org/zap"

	"device-command-service/internal/model"
)

func newTestSerializer() *Serializer {
	return New(zap.NewNop())
}

func TestChecksumRoundTrip(t *testing.T) {
	s := newTestSerializer()
	cmd := model.NewCommand("dev1", model.CommandSetRelay, model.Params("relay", 2, "state", true))

	algorithms := []model.ChecksumAlgorithm{
		model.ChecksumCRC8,
		model.ChecksumCRC32,
		model.ChecksumXOR,
		model.ChecksumMD5,
	}
	formats := []model.Format{model.FormatBinary, model.FormatJSON}

	for _, format := range formats {
		for _, alg := range algorithms {
			cfg := model.SerializationConfig{Format: format, Encoding: "utf-8", IncludeChecksum: true, Checksum: alg}

			data, err := s.Serialize(cmd, cfg)
			if err != nil {
				t.Fatalf("%s/%s serialize: %v", format, alg, err)
			}
			if _, err := s.DeserializeResponse(data, cfg, model.ResponseNone); err != nil {
				t.Fatalf("%s/%s unmodified payload rejected: %v", format, alg, err)
			}

			for i := range data {
				corrupted := append([]byte(nil), data...)
				corrupted[i] ^= 0xFF
				_, err := s.DeserializeResponse(corrupted, cfg, model.ResponseNone)
				if !errors.Is(err, ErrChecksumMismatch) {
					t.Fatalf("%s/%s flipped byte %d: expected checksum mismatch, got %v", format, alg, i, err)
				}
			}
		}
	}
}

func TestChecksumTrailerSizes(t *testing.T) {
	tests := []struct {
		alg  model.ChecksumAlgorithm
		size int
	}{
		{model.ChecksumCRC8, 1},
		{model.ChecksumXOR, 1},
		{model.ChecksumCRC32, 4},
		{model.ChecksumMD5, 16},
	}
	payload := []byte("payload")
	for _, tt := range tests {
		out, err := appendChecksum(payload, tt.alg)
		if err != nil {
			t.Fatalf("%s: %v", tt.alg, err)
		}
		if len(out)-len(payload) != tt.size {
			t.Errorf("%s: trailer is %d bytes, want %d", tt.alg, len(out)-len(payload), tt.size)
		}
	}
}

func TestCRC8KnownValue(t *testing.T) {
	// CRC-8/SMBUS check value
	if got := crc8([]byte("123456789")); got != 0xF4 {
		t.Errorf("crc8 = 0x%02x, want 0xf4", got)
	}
}

func TestMotorSpeedSafetyBounds(t *testing.T) {
	s := newTestSerializer()

	tests := []struct {
		speed interface{}
		valid bool
	}{
		{300, false},
		{256, false},
		{-256, false},
		{255, true},
		{-255, true},
		{0, true},
		{-255.0, true},
		{"fast", false},
		{"NaN", false},
		{math.NaN(), false},
		{math.Inf(1), false},
		{"-Inf", false},
	}
	for _, tt := range tests {
		cmd := model.NewCommand("motor1", model.CommandSetMotorSpeed, model.Params("speed", tt.speed))
		result := s.Validate(cmd, "arduino")
		if result.Valid != tt.valid {
			t.Errorf("speed %v: valid=%v want %v (%v)", tt.speed, result.Valid, tt.valid, result.Errors)
		}
	}
}

func TestPWMValidation(t *testing.T) {
	s := newTestSerializer()

	tests := []struct {
		name     string
		params   model.Parameters
		valid    bool
		warnings int
	}{
		{"normal", model.Params("pin", 3, "frequency", 1000), true, 0},
		{"above 50kHz warns", model.Params("pin", 3, "frequency", 60000), true, 1},
		{"zero frequency", model.Params("pin", 3, "frequency", 0), false, 0},
		{"negative frequency", model.Params("pin", 3, "frequency", -10), false, 0},
		{"duty cycle out of range", model.Params("pin", 3, "frequency", 1000, "duty_cycle", 120), false, 0},
		{"duty cycle in range", model.Params("pin", 3, "frequency", 1000, "duty_cycle", 50.5), true, 0},
		{"infinite frequency", model.Params("pin", 3, "frequency", math.Inf(1)), false, 0},
		{"NaN frequency", model.Params("pin", 3, "frequency", "NaN"), false, 0},
		{"NaN duty cycle", model.Params("pin", 3, "frequency", 1000, "duty_cycle", math.NaN()), false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := model.NewCommand("dev1", model.CommandSetPWM, tt.params)
			result := s.Validate(cmd, "esp32")
			if result.Valid != tt.valid {
				t.Fatalf("valid=%v want %v (%v)", result.Valid, tt.valid, result.Errors)
			}
			if len(result.Warnings) != tt.warnings {
				t.Errorf("got %d warnings, want %d: %v", len(result.Warnings), tt.warnings, result.Warnings)
			}
		})
	}
}

func TestStructuralAndDeviceValidation(t *testing.T) {
	s := newTestSerializer()

	tests := []struct {
		name       string
		cmd        *model.DeviceCommand
		deviceType string
		valid      bool
	}{
		{
			name:  "digital write complete",
			cmd:   model.NewCommand("dev1", model.CommandDigitalWrite, model.Params("pin", 13, "value", true)),
			valid: true,
		},
		{
			name:  "digital write missing value",
			cmd:   model.NewCommand("dev1", model.CommandDigitalWrite, model.Params("pin", 13)),
			valid: false,
		},
		{
			name:  "relay missing state",
			cmd:   model.NewCommand("dev1", model.CommandSetRelay, model.Params("relay", 1)),
			valid: false,
		},
		{
			name:  "missing device id",
			cmd:   model.NewCommand("", model.CommandDigitalRead, model.Params("pin", 2)),
			valid: false,
		},
		{
			name:  "custom without endpoint",
			cmd:   model.NewCommand("dev1", model.CommandCustom, nil),
			valid: false,
		},
		{
			name:  "reserved device id",
			cmd:   model.NewCommand(model.AllDevices, model.CommandDigitalRead, model.Params("pin", 2)),
			valid: false,
		},
		{
			name:  "global stop may address all devices",
			cmd:   model.NewGlobalStop(),
			valid: true,
		},
		{
			name:       "relay board rejects servo",
			cmd:        model.NewCommand("relay1", model.CommandSetServo, model.Params("angle", 90)),
			deviceType: "relay_board",
			valid:      false,
		},
		{
			name:       "relay board accepts relay",
			cmd:        model.NewCommand("relay1", model.CommandSetRelay, model.Params("relay", 1, "state", false)),
			deviceType: "relay_board",
			valid:      true,
		},
		{
			name:  "servo angle out of range",
			cmd:   model.NewCommand("dev1", model.CommandSetServo, model.Params("angle", 181)),
			valid: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := s.Validate(tt.cmd, tt.deviceType)
			if result.Valid != tt.valid {
				t.Errorf("valid=%v want %v (%v)", result.Valid, tt.valid, result.Errors)
			}
		})
	}
}

func TestSerializeIsIdempotent(t *testing.T) {
	s := newTestSerializer()
	cmd := model.NewCommand("dev1", model.CommandSetPWM, model.Params("pin", 3, "frequency", 1000.5, "label", "fan"))

	for _, deviceType := range []string{"esp32", "arduino", "relay_board"} {
		cfg := s.GetConfig(deviceType)
		first, err := s.Serialize(cmd, cfg)
		if err != nil {
			t.Fatalf("%s: %v", deviceType, err)
		}
		second, err := s.Serialize(cmd, cfg)
		if err != nil {
			t.Fatalf("%s: %v", deviceType, err)
		}
		if !bytes.Equal(first, second) {
			t.Errorf("%s: serialization differs between calls", deviceType)
		}
	}
}

func TestArduinoFormat(t *testing.T) {
	s := newTestSerializer()
	cmd := model.NewCommand("dev1", model.CommandSetRelay, model.Params("relay", 1, "state", true))

	data, err := s.Serialize(cmd, s.GetConfig("arduino"))
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	if string(data) != "$SET_RELAY,relay=1,state=1\r\n" {
		t.Errorf("unexpected frame %q", data)
	}

	pwm := model.NewCommand("dev1", model.CommandSetPWM, model.Params("pin", 3, "frequency", 1000.5))
	data, err = s.Serialize(pwm, s.GetConfig("arduino"))
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	if string(data) != "$SET_PWM,pin=3,frequency=1000.5\r\n" {
		t.Errorf("unexpected frame %q", data)
	}
}

func TestArduinoOptions(t *testing.T) {
	s := newTestSerializer()
	cfg := model.SerializationConfig{
		Format:   model.FormatArduino,
		Encoding: "ascii",
		Options:  map[string]string{"prefix": "#", "separator": ";", "suffix": "\n", "assign": ":", "include_id": "true"},
	}
	cmd := model.NewCommand("dev1", model.CommandDigitalRead, model.Params("pin", 7))
	cmd.ID = "abc123"

	data, err := s.Serialize(cmd, cfg)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	if string(data) != "#DIGITAL_READ;id:abc123;pin:7\n" {
		t.Errorf("unexpected frame %q", data)
	}
}

func TestAsciiRejectsNonAscii(t *testing.T) {
	s := newTestSerializer()
	cmd := model.NewCommand("dev1", model.CommandSystem, model.Params("action", "café"))

	if _, err := s.Serialize(cmd, s.GetConfig("arduino")); err == nil {
		t.Fatal("expected error for non-ascii text")
	}
}

func TestBinaryFormat(t *testing.T) {
	s := newTestSerializer()
	cmd := model.NewCommand("relay1", model.CommandSetRelay, model.Params("relay", 1, "state", true))
	cfg := model.SerializationConfig{Format: model.FormatBinary, Encoding: "ascii"}

	data, err := s.Serialize(cmd, cfg)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	want := []byte{0x07, 0x01, 0x00, 0x00, 0x00, 0x01}
	if !bytes.Equal(data, want) {
		t.Errorf("got % x want % x", data, want)
	}

	motor := model.NewCommand("m1", model.CommandSetMotorSpeed, model.Params("speed", -1))
	data, err = s.Serialize(motor, cfg)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	want = []byte{0x06, 0xFF, 0xFF, 0xFF, 0xFF}
	if !bytes.Equal(data, want) {
		t.Errorf("got % x want % x", data, want)
	}
}

func TestDeserializeResponses(t *testing.T) {
	s := newTestSerializer()
	jsonCfg := model.DefaultSerializationConfig()
	arduinoCfg := s.GetConfig("arduino")
	binaryCfg := model.SerializationConfig{Format: model.FormatBinary, Encoding: "ascii"}

	tests := []struct {
		name     string
		data     []byte
		cfg      model.SerializationConfig
		expected model.ResponseType
		want     interface{}
	}{
		{"json wrapped float", []byte(`{"value": 3.5}`), jsonCfg, model.ResponseFloat, 3.5},
		{"json bare int", []byte(`42`), jsonCfg, model.ResponseInt, int64(42)},
		{"json bool", []byte(`{"value": true}`), jsonCfg, model.ResponseBool, true},
		{"arduino int", []byte("$OK,value=42\r\n"), arduinoCfg, model.ResponseInt, int64(42)},
		{"arduino bool", []byte("$OK,state=1\r\n"), arduinoCfg, model.ResponseBool, true},
		{"arduino string", []byte("$READY\r\n"), arduinoCfg, model.ResponseString, "READY"},
		{"binary int", []byte{0x2A, 0x00, 0x00, 0x00}, binaryCfg, model.ResponseInt, int64(42)},
		{"binary bool", []byte{0x00}, binaryCfg, model.ResponseBool, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.DeserializeResponse(tt.data, tt.cfg, tt.expected)
			if err != nil {
				t.Fatalf("deserialize: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %T %v want %T %v", got, got, tt.want, tt.want)
			}
		})
	}
}

func TestDeserializeArduinoObject(t *testing.T) {
	s := newTestSerializer()

	got, err := s.DeserializeResponse([]byte("$OK,temp=21.5,count=3\r\n"), s.GetConfig("arduino"), model.ResponseObject)
	if err != nil {
		t.Fatalf("deserialize: %v", err)
	}
	fields, ok := got.(map[string]interface{})
	if !ok {
		t.Fatalf("expected map, got %T", got)
	}
	if fields["status"] != "OK" || fields["temp"] != 21.5 || fields["count"] != int64(3) {
		t.Errorf("unexpected fields %v", fields)
	}
}

func TestDeserializeEmptyResponse(t *testing.T) {
	s := newTestSerializer()
	if _, err := s.DeserializeResponse(nil, model.DefaultSerializationConfig(), model.ResponseInt); !errors.Is(err, ErrEmptyResponse) {
		t.Errorf("expected ErrEmptyResponse, got %v", err)
	}
}

func TestLatin1Encoding(t *testing.T) {
	s := newTestSerializer()
	cfg := model.SerializationConfig{Format: model.FormatJSON, Encoding: "latin1"}
	cmd := model.NewCommand("dev1", model.CommandSystem, model.Params("action", "café"))

	data, err := s.Serialize(cmd, cfg)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	if !bytes.Contains(data, []byte{0xE9}) {
		t.Fatalf("expected latin1 byte 0xe9 in % x", data)
	}

	decoded, err := s.DeserializeResponse(data, cfg, model.ResponseObject)
	if err != nil {
		t.Fatalf("deserialize: %v", err)
	}
	params := decoded.(map[string]interface{})["parameters"].(map[string]interface{})
	if params["action"] != "café" {
		t.Errorf("round trip lost text: %v", params["action"])
	}
}

func TestRegisterConfigRejectsUnsupported(t *testing.T) {
	s := newTestSerializer()

	tests := []struct {
		name string
		cfg  model.SerializationConfig
		err  error
	}{
		{"format", model.SerializationConfig{Format: "xml"}, ErrUnsupportedFormat},
		{"encoding", model.SerializationConfig{Format: model.FormatJSON, Encoding: "ebcdic"}, ErrUnsupportedEncoding},
		{"checksum", model.SerializationConfig{Format: model.FormatBinary, IncludeChecksum: true, Checksum: "sha1"}, ErrUnsupportedChecksum},
		{"checksum without algorithm", model.SerializationConfig{Format: model.FormatBinary, IncludeChecksum: true}, ErrUnsupportedChecksum},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := s.RegisterConfig("custom_board", tt.cfg); !errors.Is(err, tt.err) {
				t.Errorf("expected %v, got %v", tt.err, err)
			}
		})
	}
}

func TestGetConfigFallsBackToJSON(t *testing.T) {
	s := newTestSerializer()
	cfg := s.GetConfig("unknown_device")
	if cfg.Format != model.FormatJSON || cfg.IncludeChecksum {
		t.Errorf("unexpected default %+v", cfg)
	}
}

func TestLoadProfiles(t *testing.T) {
	s := newTestSerializer()
	doc := `
profiles:
  stepper:
    format: arduino
    encoding: ascii
    options:
      separator: ";"
  sensor_hub:
    format: binary
    include_checksum: true
    checksum: crc32
`
	n, err := s.LoadProfiles(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if n != 2 {
		t.Errorf("loaded %d profiles, want 2", n)
	}
	if got := s.GetConfig("stepper").Option("separator", ","); got != ";" {
		t.Errorf("separator = %q", got)
	}
	if got := s.GetConfig("sensor_hub"); got.Checksum != model.ChecksumCRC32 || got.Encoding != "utf-8" {
		t.Errorf("unexpected sensor_hub profile %+v", got)
	}

	bad := "profiles:\n  broken:\n    format: xml\n"
	if _, err := s.LoadProfiles(strings.NewReader(bad)); !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("expected ErrUnsupportedFormat, got %v", err)
	}
}

func TestServoRejectsNonFiniteAngle(t *testing.T) {
	s := newTestSerializer()
	for _, angle := range []interface{}{math.NaN(), math.Inf(-1), "NaN"} {
		cmd := model.NewCommand("dev1", model.CommandSetServo, model.Params("angle", angle))
		if result := s.Validate(cmd, "arduino"); result.Valid {
			t.Errorf("angle %v: valid=true, want false", angle)
		}
	}
}

func TestSerializeRejectsNonFiniteFloats(t *testing.T) {
	s := newTestSerializer()
	formats := []model.SerializationConfig{
		{Format: model.FormatArduino, Encoding: "utf-8"},
		{Format: model.FormatBinary, Encoding: "utf-8"},
	}
	values := []float64{math.Inf(1), math.Inf(-1), math.NaN(), math.MaxFloat64}

	for _, cfg := range formats {
		for _, v := range values {
			if cfg.Format == model.FormatArduino && v == math.MaxFloat64 {
				continue
			}
			cmd := model.NewCommand("dev1", model.CommandSetPWM, model.Params("pin", 3, "frequency", v))
			_, err := s.Serialize(cmd, cfg)
			if !errors.Is(err, ErrUnsupportedValue) {
				t.Errorf("%s frequency %v: err = %v, want ErrUnsupportedValue", cfg.Format, v, err)
			}
		}
	}
}
