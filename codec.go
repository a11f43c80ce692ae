package thinclient

import "bytes"

// Type codes for affinity-key resolution. These mirror the
// fixed set the wire protocol assigns to primitive and object kinds; the
// codec is responsible for mapping a Go value to one of them.
const (
	TypeCodeInteger       int8 = 1
	TypeCodeString        int8 = 2
	TypeCodeBoolean       int8 = 3
	TypeCodeComplexObject int8 = 4
	TypeCodeBinaryObject  int8 = 5
)

// Codec is the external binary serialization collaborator. The
// router never looks inside an encoded value; it only needs a type code, a
// hash, and - for composite affinity keys - one field extracted out of a
// binary-object-encoded key.
type Codec interface {
	// WriteObject encodes value as typeCode into buf.
	WriteObject(buf *bytes.Buffer, value interface{}, typeCode int8) error
	// ReadObject decodes a typeCode-tagged value out of payload.
	ReadObject(payload []byte, typeCode int8) (interface{}, error)
	// HashCode computes the wire hash of value encoded as typeCode.
	HashCode(value interface{}, typeCode int8) (int32, error)
	// TypeCode infers the wire type code for value when the caller did not
	// supply one explicitly.
	TypeCode(value interface{}) int8
	// ObjectTypeID returns the stable type identifier of a complex/binary
	// object, used to look up a cache's per-type affinity key field.
	ObjectTypeID(value interface{}) (int32, error)
	// ExtractField reads the named field (by affinityFieldID) and its type
	// code out of a complex/binary-object-encoded value.
	ExtractField(value interface{}, affinityFieldID int32) (fieldValue interface{}, fieldTypeCode int8, err error)
}
