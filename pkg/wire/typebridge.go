// Package wire implements the PostgreSQL v3 wire protocol front end:
// the Listener, Connection Handler, Authenticator and Query Processor
// components, wired to a backend.Pool as their only way to
// reach SQL execution. Encoding/decoding is done with jackc/pgx/v5's
// pgproto3 for byte-exact PostgreSQL framing.
package wire

import (
	"encoding/binary"
	"math"
	"strconv"

	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/ha1tch/pglite/pkg/backend"
	"github.com/ha1tch/pglite/pkg/errors"
)

// PostgreSQL type OIDs this gateway speaks, on both sides of the bridge:
// as parameter-coercion targets and as wire output types.
const (
	oidBool    = 16
	oidInt8    = 20
	oidInt2    = 21
	oidInt4    = 23
	oidText    = 25
	oidFloat4  = 700
	oidFloat8  = 701
	oidVarchar = 1043
	oidBytea   = 17
)

// fieldFormatText / fieldFormatBinary are pgproto3's wire format codes.
const (
	fieldFormatText   = 0
	fieldFormatBinary = 1
)

// wireType is the PostgreSQL OID, size hint, and wire format a storage
// class is presented as (Type Bridge table).
type wireType struct {
	oid    uint32
	size   int16
	format int16
}

var classToWire = map[backend.StorageClass]wireType{
	backend.ClassInteger: {oidInt8, 8, fieldFormatText},
	backend.ClassReal:    {oidFloat8, 8, fieldFormatText},
	backend.ClassText:    {oidText, -1, fieldFormatText},
	backend.ClassBlob:    {oidBytea, -1, fieldFormatBinary},
	backend.ClassNull:    {oidVarchar, -1, fieldFormatText},
}

// fieldDescription builds the pgproto3 RowDescription entry for one
// backend.Field, consulting the Type Bridge table. Unrecognised storage
// classes fall back to VARCHAR/text, same as ClassNull.
func fieldDescription(f backend.Field) pgproto3.FieldDescription {
	wt, ok := classToWire[f.Class]
	if !ok {
		wt = classToWire[backend.ClassNull]
	}
	return pgproto3.FieldDescription{
		Name:         []byte(f.Name),
		DataTypeOID:  wt.oid,
		DataTypeSize: wt.size,
		TypeModifier: -1,
		Format:       wt.format,
	}
}

// encodeValue renders one backend.Value into its wire bytes. A NULL
// value is the absent field pgproto3.DataRow represents as a nil slice.
func encodeValue(v backend.Value) []byte {
	switch v.Class {
	case backend.ClassNull:
		return nil
	case backend.ClassInteger:
		return []byte(strconv.FormatInt(v.Int, 10))
	case backend.ClassReal:
		return []byte(strconv.FormatFloat(v.Real, 'g', -1, 64))
	case backend.ClassText:
		return []byte(v.Text)
	case backend.ClassBlob:
		return v.Blob
	default:
		return nil
	}
}

// formatCodeFor resolves the wire format code pgproto3's Bind applies to
// parameter i: absent entirely (all text), one entry (applies to every
// parameter), or one entry per parameter, per the Bind message's own
// three-shapes-of-ParameterFormatCodes rule.
func formatCodeFor(i int, codes []int16) int16 {
	switch len(codes) {
	case 0:
		return fieldFormatText
	case 1:
		return codes[0]
	default:
		if i < len(codes) {
			return codes[i]
		}
		return fieldFormatText
	}
}

// coerceParameter turns the client's raw wire bytes for one Bind
// parameter, driven by its declared OID and wire format, into a typed
// backend.Parameter. An unrecognised OID is a clean protocol error,
// never a teardown.
func coerceParameter(ordinal int, oid uint32, format int16, raw []byte) (backend.Parameter, error) {
	if raw == nil {
		return backend.Parameter{Ordinal: ordinal, DeclaredType: oid, Value: backend.NullValue}, nil
	}

	if format == fieldFormatBinary {
		return coerceBinaryParameter(ordinal, oid, raw)
	}
	return coerceTextParameter(ordinal, oid, raw)
}

func coerceTextParameter(ordinal int, oid uint32, raw []byte) (backend.Parameter, error) {
	switch oid {
	case oidBool:
		v := int64(0)
		if len(raw) > 0 && (raw[0] == 't' || raw[0] == '1') {
			v = 1
		}
		return backend.Parameter{Ordinal: ordinal, DeclaredType: oid, Value: backend.Value{Class: backend.ClassInteger, Int: v}}, nil

	case oidInt2, oidInt4, oidInt8:
		i, err := strconv.ParseInt(string(raw), 10, 64)
		if err != nil {
			return backend.Parameter{}, errors.Newf(errors.CodeCannotCoerce, "invalid integer parameter: %s", raw).Err()
		}
		return backend.Parameter{Ordinal: ordinal, DeclaredType: oid, Value: backend.Value{Class: backend.ClassInteger, Int: i}}, nil

	case oidFloat4, oidFloat8:
		f, err := strconv.ParseFloat(string(raw), 64)
		if err != nil {
			return backend.Parameter{}, errors.Newf(errors.CodeCannotCoerce, "invalid float parameter: %s", raw).Err()
		}
		return backend.Parameter{Ordinal: ordinal, DeclaredType: oid, Value: backend.Value{Class: backend.ClassReal, Real: f}}, nil

	case oidText, oidVarchar:
		return backend.Parameter{Ordinal: ordinal, DeclaredType: oid, Value: backend.Value{Class: backend.ClassText, Text: string(raw)}}, nil

	case oidBytea:
		return backend.Parameter{Ordinal: ordinal, DeclaredType: oid, Value: backend.Value{Class: backend.ClassBlob, Blob: raw}}, nil

	default:
		return backend.Parameter{}, errors.UnsupportedParameterType(oid).Err()
	}
}

// coerceBinaryParameter decodes a Bind parameter pgx-family clients sent
// in binary format: fixed-width big-endian integers and IEEE-754 floats,
// per the wire representations PostgreSQL itself uses. Text and bytea
// carry the same bytes in either format, so they fall through to the
// same decode as the text path.
func coerceBinaryParameter(ordinal int, oid uint32, raw []byte) (backend.Parameter, error) {
	switch oid {
	case oidBool:
		v := int64(0)
		if len(raw) > 0 && raw[0] != 0 {
			v = 1
		}
		return backend.Parameter{Ordinal: ordinal, DeclaredType: oid, Value: backend.Value{Class: backend.ClassInteger, Int: v}}, nil

	case oidInt2:
		if len(raw) != 2 {
			return backend.Parameter{}, errors.Newf(errors.CodeCannotCoerce, "invalid binary int2 parameter (%d bytes)", len(raw)).Err()
		}
		return backend.Parameter{Ordinal: ordinal, DeclaredType: oid, Value: backend.Value{Class: backend.ClassInteger, Int: int64(int16(binary.BigEndian.Uint16(raw)))}}, nil

	case oidInt4:
		if len(raw) != 4 {
			return backend.Parameter{}, errors.Newf(errors.CodeCannotCoerce, "invalid binary int4 parameter (%d bytes)", len(raw)).Err()
		}
		return backend.Parameter{Ordinal: ordinal, DeclaredType: oid, Value: backend.Value{Class: backend.ClassInteger, Int: int64(int32(binary.BigEndian.Uint32(raw)))}}, nil

	case oidInt8:
		if len(raw) != 8 {
			return backend.Parameter{}, errors.Newf(errors.CodeCannotCoerce, "invalid binary int8 parameter (%d bytes)", len(raw)).Err()
		}
		return backend.Parameter{Ordinal: ordinal, DeclaredType: oid, Value: backend.Value{Class: backend.ClassInteger, Int: int64(binary.BigEndian.Uint64(raw))}}, nil

	case oidFloat4:
		if len(raw) != 4 {
			return backend.Parameter{}, errors.Newf(errors.CodeCannotCoerce, "invalid binary float4 parameter (%d bytes)", len(raw)).Err()
		}
		return backend.Parameter{Ordinal: ordinal, DeclaredType: oid, Value: backend.Value{Class: backend.ClassReal, Real: float64(math.Float32frombits(binary.BigEndian.Uint32(raw)))}}, nil

	case oidFloat8:
		if len(raw) != 8 {
			return backend.Parameter{}, errors.Newf(errors.CodeCannotCoerce, "invalid binary float8 parameter (%d bytes)", len(raw)).Err()
		}
		return backend.Parameter{Ordinal: ordinal, DeclaredType: oid, Value: backend.Value{Class: backend.ClassReal, Real: math.Float64frombits(binary.BigEndian.Uint64(raw))}}, nil

	case oidText, oidVarchar:
		return backend.Parameter{Ordinal: ordinal, DeclaredType: oid, Value: backend.Value{Class: backend.ClassText, Text: string(raw)}}, nil

	case oidBytea:
		return backend.Parameter{Ordinal: ordinal, DeclaredType: oid, Value: backend.Value{Class: backend.ClassBlob, Blob: raw}}, nil

	default:
		return backend.Parameter{}, errors.UnsupportedParameterType(oid).Err()
	}
}
