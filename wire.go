package thinclient

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/google/uuid"
)

// Wire protocol constants. The handshake is opcode 1; CACHE_PARTITIONS
// is the only other opcode the core itself issues - everything else is an
// opaque pass-through opcode supplied by the cache layer.
const (
	opHandshake       int16 = 1
	opCachePartitions int16 = 2004

	clientTypeCode int8 = 2

	featurePartitionAwareness uint8 = 1 << 0

	respFlagTopologyChanged uint8 = 1 << 0
)

// protocolVersion is the (major, minor, patch) triple negotiated during the
// handshake.
type protocolVersion struct {
	major, minor, patch int16
}

func writeInt8(buf *bytes.Buffer, v int8)   { buf.WriteByte(byte(v)) }
func writeUint8(buf *bytes.Buffer, v uint8) { buf.WriteByte(v) }

func writeInt16(buf *bytes.Buffer, v int16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], uint16(v))
	buf.Write(b[:])
}

func writeInt32(buf *bytes.Buffer, v int32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(v))
	buf.Write(b[:])
}

func writeInt64(buf *bytes.Buffer, v int64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(v))
	buf.Write(b[:])
}

func writeBool(buf *bytes.Buffer, v bool) {
	if v {
		writeInt8(buf, 1)
	} else {
		writeInt8(buf, 0)
	}
}

// writeString writes a length-prefixed (int32 byte count) UTF-8 string,
// or a -1 length for "absent" (used for optional username/password).
func writeString(buf *bytes.Buffer, s *string) {
	if s == nil {
		writeInt32(buf, -1)
		return
	}
	writeInt32(buf, int32(len(*s)))
	buf.WriteString(*s)
}

func writeUUID(buf *bytes.Buffer, id uuid.UUID) {
	b, _ := id.MarshalBinary()
	buf.Write(b)
}

type byteReader struct {
	b []byte
}

func (r *byteReader) readInt8() (int8, error) {
	if len(r.b) < 1 {
		return 0, io.ErrUnexpectedEOF
	}
	v := int8(r.b[0])
	r.b = r.b[1:]
	return v, nil
}

func (r *byteReader) readUint8() (uint8, error) {
	v, err := r.readInt8()
	return uint8(v), err
}

func (r *byteReader) readInt16() (int16, error) {
	if len(r.b) < 2 {
		return 0, io.ErrUnexpectedEOF
	}
	v := int16(binary.LittleEndian.Uint16(r.b))
	r.b = r.b[2:]
	return v, nil
}

func (r *byteReader) readInt32() (int32, error) {
	if len(r.b) < 4 {
		return 0, io.ErrUnexpectedEOF
	}
	v := int32(binary.LittleEndian.Uint32(r.b))
	r.b = r.b[4:]
	return v, nil
}

func (r *byteReader) readInt64() (int64, error) {
	if len(r.b) < 8 {
		return 0, io.ErrUnexpectedEOF
	}
	v := int64(binary.LittleEndian.Uint64(r.b))
	r.b = r.b[8:]
	return v, nil
}

func (r *byteReader) readBool() (bool, error) {
	v, err := r.readInt8()
	return v != 0, err
}

func (r *byteReader) readUUID() (uuid.UUID, error) {
	if len(r.b) < 16 {
		return uuid.UUID{}, io.ErrUnexpectedEOF
	}
	id, err := uuid.FromBytes(r.b[:16])
	if err != nil {
		return uuid.UUID{}, err
	}
	r.b = r.b[16:]
	return id, nil
}

func (r *byteReader) readBytes(n int32) ([]byte, error) {
	if n < 0 || int(n) > len(r.b) {
		return nil, io.ErrUnexpectedEOF
	}
	v := r.b[:n]
	r.b = r.b[n:]
	return v, nil
}

func (r *byteReader) readString() (string, error) {
	n, err := r.readInt32()
	if err != nil {
		return "", err
	}
	if n < 0 {
		return "", nil
	}
	b, err := r.readBytes(n)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// buildHandshakeRequest encodes the handshake body described in // 1 | ver_major i16 | ver_minor i16 | ver_patch i16 | client_code i8 |
// feature_bitmask | [user, password].
func buildHandshakeRequest(ver protocolVersion, cfg *Config) []byte {
	buf := new(bytes.Buffer)
	writeInt8(buf, 1)
	writeInt16(buf, ver.major)
	writeInt16(buf, ver.minor)
	writeInt16(buf, ver.patch)
	writeInt8(buf, clientTypeCode)

	var features uint8
	if cfg.PartitionAwareness {
		features |= featurePartitionAwareness
	}
	writeUint8(buf, features)

	var user, pass *string
	if cfg.Username != "" {
		user = &cfg.Username
	}
	if cfg.Password != "" {
		pass = &cfg.Password
	}
	writeString(buf, user)
	writeString(buf, pass)
	return buf.Bytes()
}

// handshakeResult is what parseHandshakeReply decodes out of the server's
// response body: i8 success | [nodeId: UUID?] | negotiated_feature_bitmask,
// or a failure message when success is 0.
type handshakeResult struct {
	nodeID                    *uuid.UUID
	partitionAwarenessGranted bool
}

func parseHandshakeReply(body []byte) (handshakeResult, error) {
	r := &byteReader{b: body}
	success, err := r.readInt8()
	if err != nil {
		return handshakeResult{}, err
	}
	if success == 0 {
		msg, _ := r.readString()
		if msg == "" {
			msg = "handshake rejected by server"
		}
		return handshakeResult{}, newErr(KindHandshakeFailed, "%s", msg)
	}

	hasNode, err := r.readBool()
	if err != nil {
		return handshakeResult{}, err
	}
	var nodeID *uuid.UUID
	if hasNode {
		id, err := r.readUUID()
		if err != nil {
			return handshakeResult{}, err
		}
		nodeID = &id
	}
	features, err := r.readUint8()
	if err != nil {
		return handshakeResult{}, err
	}
	return handshakeResult{
		nodeID:                    nodeID,
		partitionAwarenessGranted: features&featurePartitionAwareness != 0,
	}, nil
}

// responseHeader is the fixed portion of a response frame, after the
// length prefix has already been consumed by the transport read loop.
type responseHeader struct {
	requestID       int64
	status          int32
	topologyChanged bool
	topologyVersion AffinityTopologyVersion
}

func parseResponseHeader(b []byte) (responseHeader, []byte, error) {
	r := &byteReader{b: b}
	reqID, err := r.readInt64()
	if err != nil {
		return responseHeader{}, nil, err
	}
	status, err := r.readInt32()
	if err != nil {
		return responseHeader{}, nil, err
	}
	flags, err := r.readUint8()
	if err != nil {
		return responseHeader{}, nil, err
	}
	h := responseHeader{requestID: reqID, status: status}
	if flags&respFlagTopologyChanged != 0 {
		major, err := r.readInt64()
		if err != nil {
			return responseHeader{}, nil, err
		}
		minor, err := r.readInt32()
		if err != nil {
			return responseHeader{}, nil, err
		}
		h.topologyChanged = true
		h.topologyVersion = AffinityTopologyVersion{Major: major, Minor: minor}
	}
	return h, r.b, nil
}

// buildHandshakeFrame wraps the handshake body in the bare i32-length
// envelope the handshake exchange uses: unlike a regular request frame, it
// carries no opCode or requestId — the body itself starts with its own
// i8 marker byte.
func buildHandshakeFrame(body []byte) []byte {
	out := new(bytes.Buffer)
	writeInt32(out, int32(len(body)))
	out.Write(body)
	return out.Bytes()
}

// buildRequestFrame assembles the full request frame: i32 length | i16
// opCode | i64 requestId | body.
func buildRequestFrame(opCode int16, requestID int64, body []byte) []byte {
	frame := new(bytes.Buffer)
	writeInt16(frame, opCode)
	writeInt64(frame, requestID)
	frame.Write(body)

	out := new(bytes.Buffer)
	writeInt32(out, int32(frame.Len()))
	out.Write(frame.Bytes())
	return out.Bytes()
}

// parseCachePartitionsResponse decodes the CACHE_PARTITIONS response body
//: current AffinityTopologyVersion, then a sequence of cache groups.
func parseCachePartitionsResponse(body []byte) (AffinityTopologyVersion, []partitionAwarenessCacheGroup, error) {
	r := &byteReader{b: body}
	major, err := r.readInt64()
	if err != nil {
		return AffinityTopologyVersion{}, nil, err
	}
	minor, err := r.readInt32()
	if err != nil {
		return AffinityTopologyVersion{}, nil, err
	}
	version := AffinityTopologyVersion{Major: major, Minor: minor}

	groupCount, err := r.readInt32()
	if err != nil {
		return AffinityTopologyVersion{}, nil, err
	}

	groups := make([]partitionAwarenessCacheGroup, 0, groupCount)
	for i := int32(0); i < groupCount; i++ {
		applicable, err := r.readBool()
		if err != nil {
			return AffinityTopologyVersion{}, nil, err
		}

		cacheCount, err := r.readInt32()
		if err != nil {
			return AffinityTopologyVersion{}, nil, err
		}
		caches := make([]cacheGroupEntry, 0, cacheCount)
		for c := int32(0); c < cacheCount; c++ {
			cacheID, err := r.readInt32()
			if err != nil {
				return AffinityTopologyVersion{}, nil, err
			}
			fieldCount, err := r.readInt32()
			if err != nil {
				return AffinityTopologyVersion{}, nil, err
			}
			keyConfig := make(map[int32]int32, fieldCount)
			for f := int32(0); f < fieldCount; f++ {
				typeID, err := r.readInt32()
				if err != nil {
					return AffinityTopologyVersion{}, nil, err
				}
				fieldID, err := r.readInt32()
				if err != nil {
					return AffinityTopologyVersion{}, nil, err
				}
				keyConfig[typeID] = fieldID
			}
			caches = append(caches, cacheGroupEntry{cacheID: cacheID, keyConfig: keyConfig})
		}

		nodeCount, err := r.readInt32()
		if err != nil {
			return AffinityTopologyVersion{}, nil, err
		}
		partitionMap := make(map[NodeID][]int32, nodeCount)
		for n := int32(0); n < nodeCount; n++ {
			nodeID, err := r.readUUID()
			if err != nil {
				return AffinityTopologyVersion{}, nil, err
			}
			partCount, err := r.readInt32()
			if err != nil {
				return AffinityTopologyVersion{}, nil, err
			}
			parts := make([]int32, partCount)
			for p := int32(0); p < partCount; p++ {
				parts[p], err = r.readInt32()
				if err != nil {
					return AffinityTopologyVersion{}, nil, err
				}
			}
			partitionMap[nodeID] = parts
		}

		groups = append(groups, partitionAwarenessCacheGroup{
			applicable:   applicable,
			caches:       caches,
			partitionMap: partitionMap,
		})
	}

	return version, groups, nil
}

// buildCachePartitionsRequest encodes the (empty) CACHE_PARTITIONS request
// body; the cache set requested is "all of them", matching a refresh fired
// for an unknown cacheId.
func buildCachePartitionsRequest() []byte {
	return nil
}

var errFrameTooLarge = fmt.Errorf("thinclient: frame exceeds maximum size")
