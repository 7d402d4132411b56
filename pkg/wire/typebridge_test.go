package wire

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/ha1tch/pglite/pkg/backend"
	"github.com/ha1tch/pglite/pkg/errors"
)

func TestFieldDescriptionKnownClasses(t *testing.T) {
	cases := []struct {
		class backend.StorageClass
		oid   uint32
	}{
		{backend.ClassInteger, oidInt8},
		{backend.ClassReal, oidFloat8},
		{backend.ClassText, oidText},
		{backend.ClassBlob, oidBytea},
	}

	for _, c := range cases {
		fd := fieldDescription(backend.Field{Name: "col", Class: c.class})
		if fd.DataTypeOID != c.oid {
			t.Errorf("class %v: got OID %d, want %d", c.class, fd.DataTypeOID, c.oid)
		}
	}
}

func TestFieldDescriptionUnknownClassFallsBackToVarchar(t *testing.T) {
	fd := fieldDescription(backend.Field{Name: "col", Class: backend.StorageClass(99)})
	if fd.DataTypeOID != oidVarchar {
		t.Errorf("expected fallback OID %d, got %d", oidVarchar, fd.DataTypeOID)
	}
}

func TestEncodeValueNullIsNilSlice(t *testing.T) {
	got := encodeValue(backend.NullValue)
	if got != nil {
		t.Errorf("expected nil bytes for NULL value, got %v", got)
	}
}

func TestEncodeValueRoundTripsThroughCoerceParameter(t *testing.T) {
	// Encoding an integer, then coercing it back with the matching OID,
	// should reproduce the original value: the storage-class round trip
	// the wire format exists to preserve.
	original := backend.Value{Class: backend.ClassInteger, Int: 42}
	wire := encodeValue(original)

	param, err := coerceParameter(0, oidInt8, fieldFormatText, wire)
	if err != nil {
		t.Fatalf("coerceParameter failed: %v", err)
	}
	if param.Value.Class != backend.ClassInteger || param.Value.Int != 42 {
		t.Errorf("round trip mismatch: got %+v", param.Value)
	}
}

func TestCoerceParameterNullRaw(t *testing.T) {
	param, err := coerceParameter(0, oidText, fieldFormatText, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if param.Value.Class != backend.ClassNull {
		t.Errorf("expected NULL class for nil raw bytes, got %v", param.Value.Class)
	}
}

func TestCoerceParameterUnsupportedOID(t *testing.T) {
	_, err := coerceParameter(0, 999999, fieldFormatText, []byte("x"))
	if err == nil {
		t.Fatal("expected an error for an unsupported OID")
	}
	if errors.IsFatal(err) {
		t.Error("an unsupported parameter OID must be a clean protocol error, not fatal")
	}
	if !errors.IsCode(err, errors.CodeCannotCoerce) {
		t.Errorf("expected code %s, got %s", errors.CodeCannotCoerce, errors.GetCode(err))
	}
}

func TestCoerceParameterFloat(t *testing.T) {
	param, err := coerceParameter(0, oidFloat8, fieldFormatText, []byte("3.25"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if param.Value.Class != backend.ClassReal || param.Value.Real != 3.25 {
		t.Errorf("got %+v", param.Value)
	}
}

func TestCoerceParameterInvalidIntegerIsCleanError(t *testing.T) {
	_, err := coerceParameter(0, oidInt4, fieldFormatText, []byte("not-a-number"))
	if err == nil {
		t.Fatal("expected an error for a malformed integer parameter")
	}
	if errors.IsFatal(err) {
		t.Error("a malformed parameter value must be a clean protocol error, not fatal")
	}
	if !errors.IsCode(err, errors.CodeCannotCoerce) {
		t.Errorf("expected code %s, got %s", errors.CodeCannotCoerce, errors.GetCode(err))
	}
}

func TestCoerceParameterBoolTruthy(t *testing.T) {
	param, err := coerceParameter(0, oidBool, fieldFormatText, []byte("t"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if param.Value.Int != 1 {
		t.Errorf("expected truthy bool to coerce to 1, got %d", param.Value.Int)
	}
}

func TestCoerceParameterBinaryInt4(t *testing.T) {
	raw := make([]byte, 4)
	binary.BigEndian.PutUint32(raw, uint32(int32(-7)))

	param, err := coerceParameter(0, oidInt4, fieldFormatBinary, raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if param.Value.Class != backend.ClassInteger || param.Value.Int != -7 {
		t.Errorf("got %+v", param.Value)
	}
}

func TestCoerceParameterBinaryInt8(t *testing.T) {
	raw := make([]byte, 8)
	binary.BigEndian.PutUint64(raw, uint64(int64(9000000000)))

	param, err := coerceParameter(0, oidInt8, fieldFormatBinary, raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if param.Value.Int != 9000000000 {
		t.Errorf("got %+v", param.Value)
	}
}

func TestCoerceParameterBinaryFloat8(t *testing.T) {
	raw := make([]byte, 8)
	binary.BigEndian.PutUint64(raw, math.Float64bits(3.25))

	param, err := coerceParameter(0, oidFloat8, fieldFormatBinary, raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if param.Value.Class != backend.ClassReal || param.Value.Real != 3.25 {
		t.Errorf("got %+v", param.Value)
	}
}

func TestCoerceParameterBinaryWrongWidthIsCleanError(t *testing.T) {
	_, err := coerceParameter(0, oidInt4, fieldFormatBinary, []byte{0x01, 0x02})
	if err == nil {
		t.Fatal("expected an error for a malformed binary int4 parameter")
	}
	if errors.IsFatal(err) {
		t.Error("a malformed parameter value must be a clean protocol error, not fatal")
	}
}

func TestCoerceParameterBinaryTextPassesRawBytes(t *testing.T) {
	param, err := coerceParameter(0, oidText, fieldFormatBinary, []byte("hello"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if param.Value.Text != "hello" {
		t.Errorf("got %q", param.Value.Text)
	}
}

func TestFormatCodeForShapes(t *testing.T) {
	if got := formatCodeFor(3, nil); got != fieldFormatText {
		t.Errorf("absent codes: expected text, got %d", got)
	}
	if got := formatCodeFor(3, []int16{fieldFormatBinary}); got != fieldFormatBinary {
		t.Errorf("single code applies to all: expected binary, got %d", got)
	}
	codes := []int16{fieldFormatText, fieldFormatBinary, fieldFormatText}
	if got := formatCodeFor(1, codes); got != fieldFormatBinary {
		t.Errorf("per-parameter code: expected binary at index 1, got %d", got)
	}
}
