package protocol

import (
	"bytes"
	"errors"
	"reflect"
	"testing"
)

func TestEncodeDecodeValue(t *testing.T) {
	tests := []struct {
		name  string
		value Value
	}{
		{
			name: "value only",
			value: Value{
				RuleID:    100,
				Value:     String(`{"data":[{"{#FSNAME}":"/"}]}`),
				Timestamp: Timespec{Sec: 10, Ns: 500},
			},
		},
		{
			name: "error without value",
			value: Value{
				RuleID:    200,
				Error:     String("timeout"),
				Timestamp: Timespec{Sec: 5},
			},
		},
		{
			name: "empty strings are kept",
			value: Value{
				RuleID: 300,
				Value:  String(""),
				Error:  String(""),
			},
		},
		{
			name: "log meta",
			value: Value{
				RuleID:      ^uint64(0),
				Value:       String("[]"),
				Timestamp:   Timespec{Sec: -1, Ns: 999999999},
				Meta:        true,
				LastLogSize: 1 << 40,
				Mtime:       1700000000,
			},
		},
		{
			name:  "meta only",
			value: Value{Meta: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := EncodeValue(&tt.value)

			got, n, err := DecodeValue(data)
			if err != nil {
				t.Fatalf("DecodeValue failed: %v", err)
			}
			if n != len(data) {
				t.Errorf("expected %d bytes consumed, got %d", len(data), n)
			}
			if !reflect.DeepEqual(*got, tt.value) {
				t.Errorf("round trip mismatch:\n got  %+v\n want %+v", *got, tt.value)
			}
		})
	}
}

func TestDecodeValueAbsentVersusEmpty(t *testing.T) {
	data := EncodeValue(&Value{RuleID: 1, Error: String("timeout")})

	got, _, err := DecodeValue(data)
	if err != nil {
		t.Fatalf("DecodeValue failed: %v", err)
	}
	if got.Value != nil {
		t.Errorf("expected absent value, got %q", *got.Value)
	}
	if got.Error == nil || *got.Error != "timeout" {
		t.Errorf("expected error %q, got %v", "timeout", got.Error)
	}

	data = EncodeValue(&Value{RuleID: 1, Value: String("")})
	got, _, err = DecodeValue(data)
	if err != nil {
		t.Fatalf("DecodeValue failed: %v", err)
	}
	if got.Value == nil || *got.Value != "" {
		t.Errorf("expected empty value, got %v", got.Value)
	}
}

func TestEncodeValueLayout(t *testing.T) {
	data := EncodeValue(&Value{
		RuleID:    0x0102030405060708,
		Value:     String("ab"),
		Timestamp: Timespec{Sec: 1, Ns: 2},
	})

	want := []byte{
		0x08, 0x07, 0x06, 0x05, 0x04, 0x03, 0x02, 0x01, // rule id
		0x03, 0x00, 0x00, 0x00, 'a', 'b', 0x00, // value
		0x01, 0x00, 0x00, 0x00, 0x02, 0x00, 0x00, 0x00, // timestamp
		0x00, 0x00, 0x00, 0x00, // error
		0x00, // meta
	}
	if !bytes.Equal(data, want) {
		t.Errorf("unexpected encoding:\n got  % x\n want % x", data, want)
	}
}

func TestDecodeValueIgnoresTrailingData(t *testing.T) {
	data := EncodeValue(&Value{RuleID: 7, Value: String("x")})
	size := len(data)
	data = append(data, 0xff, 0xff)

	_, n, err := DecodeValue(data)
	if err != nil {
		t.Fatalf("DecodeValue failed: %v", err)
	}
	if n != size {
		t.Errorf("expected %d bytes consumed, got %d", size, n)
	}
}

func TestDecodeValueShortBuffer(t *testing.T) {
	data := EncodeValue(&Value{RuleID: 7, Value: String("value"), Meta: true, LastLogSize: 10})

	for _, cut := range []int{0, 4, 8, 12, 15, len(data) - 1} {
		_, _, err := DecodeValue(data[:cut])
		if !errors.Is(err, ErrShortBuffer) {
			t.Errorf("cut at %d: expected ErrShortBuffer, got %v", cut, err)
		}
	}
}

func TestTimespecCompare(t *testing.T) {
	tests := []struct {
		a, b Timespec
		want int
	}{
		{Timespec{10, 0}, Timespec{5, 0}, 1},
		{Timespec{5, 0}, Timespec{10, 0}, -1},
		{Timespec{5, 1}, Timespec{5, 2}, -1},
		{Timespec{5, 2}, Timespec{5, 1}, 1},
		{Timespec{5, 2}, Timespec{5, 2}, 0},
	}
	for _, tt := range tests {
		if got := tt.a.Compare(tt.b); got != tt.want {
			t.Errorf("%v.Compare(%v) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestQueueSizeAndRegisterPayloads(t *testing.T) {
	n, err := DecodeQueueSize(EncodeQueueSize(42))
	if err != nil || n != 42 {
		t.Errorf("queue size round trip: got %d, %v", n, err)
	}
	if _, err := DecodeQueueSize([]byte{1, 2}); !errors.Is(err, ErrShortBuffer) {
		t.Errorf("expected ErrShortBuffer, got %v", err)
	}

	pid, err := DecodeRegister(EncodeRegister(4242))
	if err != nil || pid != 4242 {
		t.Errorf("register round trip: got %d, %v", pid, err)
	}
}

func TestCodeName(t *testing.T) {
	if CodeName(CodeTask) != "task" {
		t.Errorf("unexpected name %q", CodeName(CodeTask))
	}
	if CodeName(99) != "unknown(99)" {
		t.Errorf("unexpected name %q", CodeName(99))
	}
}
