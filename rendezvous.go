package thinclient

import "math"

// rendezvousPartition implements the partition function. hash is the
// wire hash of the affinity key; n is the partition count inferred as the
// size of a cache's partitionMapping.
//
// The >> below is Go's native behavior for a signed int32: an arithmetic,
// sign-extending shift. Other host languages need to pin the width
// explicitly since they might otherwise widen to 64 bits; keeping hash and
// n as int32 throughout this function is what pins it here, no extra
// masking required.
func rendezvousPartition(hash int32, n int32) int32 {
	if n <= 0 {
		return 0
	}
	if isPowerOfTwo(n) {
		return (hash ^ (hash >> 16)) & (n - 1)
	}
	p := abs32(hash % n)
	if p < 0 {
		// Only reachable via the INT32_MIN wraparound case below; the
		// reference formula is used verbatim and the result is
		// clamped rather than renormalized with a second modulo, to stay
		// bit-for-bit compatible with what the server computes.
		p = 0
	}
	return p
}

func isPowerOfTwo(n int32) bool {
	return n > 0 && n&(n-1) == 0
}

// abs32 preserves the "abs(INT32_MIN) == INT32_MIN" wraparound: two's
// complement absolute value has no representable positive counterpart for
// the minimum value, so it is returned unchanged (still negative) rather
// than panicking or promoting to a wider type.
func abs32(x int32) int32 {
	if x == math.MinInt32 {
		return x
	}
	if x < 0 {
		return -x
	}
	return x
}

// resolveAffinityKey determines the value and type code that should
// actually be hashed for partition routing, which may be a field extracted
// out of a composite key rather than the whole key.
func resolveAffinityKey(codec Codec, hint AffinityHint, keyConfig map[int32]int32) (value interface{}, typeCode int8, err error) {
	typeCode = hint.KeyType
	if !hint.HasType {
		typeCode = codec.TypeCode(hint.Key)
	}
	value = hint.Key

	if typeCode != TypeCodeBinaryObject && typeCode != TypeCodeComplexObject {
		return value, typeCode, nil
	}
	if len(keyConfig) == 0 {
		return value, typeCode, nil
	}

	typeID, err := codec.ObjectTypeID(hint.Key)
	if err != nil {
		return nil, 0, wrapErr(KindSerialization, err, "resolve affinity key type id")
	}
	fieldID, ok := keyConfig[typeID]
	if !ok {
		return value, typeCode, nil
	}

	fieldValue, fieldTypeCode, err := codec.ExtractField(hint.Key, fieldID)
	if err != nil {
		return nil, 0, wrapErr(KindSerialization, err, "extract affinity field %d", fieldID)
	}
	return fieldValue, fieldTypeCode, nil
}

// chooseTargetNode computes the partition for the affinity key, looks up
// its owning node, and reports whether an owner was found. It does not
// check the connection pool; the node may not currently be in it.
func chooseTargetNode(codec Codec, hint AffinityHint, m *cacheAffinityMap) (NodeID, bool, error) {
	value, typeCode, err := resolveAffinityKey(codec, hint, m.keyConfig)
	if err != nil {
		return NodeID{}, false, err
	}
	hash, err := codec.HashCode(value, typeCode)
	if err != nil {
		return NodeID{}, false, wrapErr(KindSerialization, err, "hash affinity key")
	}
	n := int32(len(m.partitionMapping))
	if n == 0 {
		return NodeID{}, false, nil
	}
	partition := rendezvousPartition(hash, n)
	target := m.partitionMapping[partition]
	if target == (NodeID{}) {
		return NodeID{}, false, nil
	}
	return target, true, nil
}
