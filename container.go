package splatlod

import (
	"context"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"math"
)

// ChunkSource is the thin boundary the container parser consumes to fetch
// byte ranges of a streamable splat container. Concrete implementations
// (HTTP Range requests, local file, in-memory buffer) live outside this
// package; the spec treats file-format decoders as external collaborators
// and only the streaming-decode contract is in scope here.
type ChunkSource interface {
	ReadRange(ctx context.Context, offset, length int64) ([]byte, error)
}

// headerProbeSizes are the escalating range sizes used to locate a
// container's self-describing header without knowing its byte size in
// advance.
var headerProbeSizes = []int64{64 * 1024, 256 * 1024, 1024 * 1024}

const (
	containerMagic      = 0x53504c44 // "SPLD"
	chunkTableEntrySize = 16         // offset(8) + length(4) + chunkID(4)
)

// ChunkTableEntry describes where one chunk lives within the container and
// its identity. Chunk 0 is always the root chunk (the LoD skeleton).
type ChunkTableEntry struct {
	ChunkID int32
	Offset  int64
	Length  int32
}

// ContainerHeader is the parsed, self-describing header of a streamable
// splat container: a byte offset/length per chunk, little-endian encoded.
type ContainerHeader struct {
	NumSplats  int32
	MaxSH      int32
	HeaderSize int64
	Chunks     []ChunkTableEntry
}

// ReadHeader probes src with escalating range sizes until a complete
// header is obtained, parses it, and returns it. The header format is:
//
//	u32 magic
//	u32 numSplats
//	u32 maxSH
//	u32 chunkCount
//	chunkCount * { u64 offset, u32 length, u32 chunkID }
func ReadHeader(ctx context.Context, src ChunkSource) (ContainerHeader, error) {
	var last []byte
	for _, probe := range headerProbeSizes {
		buf, err := src.ReadRange(ctx, 0, probe)
		if err != nil {
			return ContainerHeader{}, fmt.Errorf("splatlod: read header probe %d bytes: %w", probe, err)
		}
		last = buf
		if hdr, ok, err := tryParseHeader(buf); err != nil {
			return ContainerHeader{}, err
		} else if ok {
			return hdr, nil
		}
	}
	return ContainerHeader{}, fmt.Errorf("%w: header exceeds largest probe size (%d bytes read)", ErrInvalidArgument, len(last))
}

// tryParseHeader attempts to parse buf as a complete header. ok is false
// (with a nil error) when buf is too short to contain the full chunk
// table, signaling the caller should retry with a larger probe.
func tryParseHeader(buf []byte) (ContainerHeader, bool, error) {
	const fixedSize = 16
	if len(buf) < fixedSize {
		return ContainerHeader{}, false, nil
	}
	magic := binary.LittleEndian.Uint32(buf[0:4])
	if magic != containerMagic {
		return ContainerHeader{}, false, fmt.Errorf("%w: bad container magic %08x", ErrInvalidArgument, magic)
	}
	numSplats := int32(binary.LittleEndian.Uint32(buf[4:8]))
	maxSH := int32(binary.LittleEndian.Uint32(buf[8:12]))
	chunkCount := int(binary.LittleEndian.Uint32(buf[12:16]))

	needed := fixedSize + chunkCount*chunkTableEntrySize
	if len(buf) < needed {
		return ContainerHeader{}, false, nil
	}

	hdr := ContainerHeader{
		NumSplats:  numSplats,
		MaxSH:      maxSH,
		HeaderSize: int64(needed),
		Chunks:     make([]ChunkTableEntry, chunkCount),
	}
	off := fixedSize
	for i := 0; i < chunkCount; i++ {
		entry := ChunkTableEntry{
			Offset:  int64(binary.LittleEndian.Uint64(buf[off : off+8])),
			Length:  int32(binary.LittleEndian.Uint32(buf[off+8 : off+12])),
			ChunkID: int32(binary.LittleEndian.Uint32(buf[off+12 : off+16])),
		}
		hdr.Chunks[i] = entry
		off += chunkTableEntrySize
	}
	return hdr, true, nil
}

// FetchedChunk is a decoded chunk ready for the Cache to promote into a
// page: its identity, the sub-tree nodes it carries, and the splats backing
// those nodes.
type FetchedChunk struct {
	TreeID  int32
	ChunkID int32
	Nodes   []lodNode
	Splats  []Splat
}

// packedNodeSize is the wire size of one node. The bytes addressed by a
// chunk's table entry are laid out as:
//
//	u32 crc32 (of everything that follows)
//	u32 nodeCount
//	nodeCount * packedNode (30 bytes: see encodeNode/decodeNode)
//	u32 splatCount
//	u32 splatEncoding (0 = compact, 1 = extended)
//	splatCount * (16 or 32 bytes)
const packedNodeSize = 30

// FetchChunk reads and decodes one chunk by table entry, verifying its
// integrity checksum. Returns ErrChunkDecodeFailed (wrapped with detail) on
// any corruption or truncation — per the spec, the caller logs and drops
// the chunk rather than treating this as fatal.
func FetchChunk(ctx context.Context, src ChunkSource, treeID int32, entry ChunkTableEntry) (FetchedChunk, error) {
	buf, err := src.ReadRange(ctx, entry.Offset, int64(entry.Length))
	if err != nil {
		return FetchedChunk{}, fmt.Errorf("%w: chunk %d: %v", ErrChunkDecodeFailed, entry.ChunkID, err)
	}
	if len(buf) < 8 {
		return FetchedChunk{}, fmt.Errorf("%w: chunk %d: truncated", ErrChunkDecodeFailed, entry.ChunkID)
	}
	wantCRC := binary.LittleEndian.Uint32(buf[0:4])
	body := buf[4:]
	if crc32.ChecksumIEEE(body) != wantCRC {
		return FetchedChunk{}, fmt.Errorf("%w: chunk %d: checksum mismatch", ErrChunkDecodeFailed, entry.ChunkID)
	}

	if len(body) < 4 {
		return FetchedChunk{}, fmt.Errorf("%w: chunk %d: truncated node count", ErrChunkDecodeFailed, entry.ChunkID)
	}
	nodeCount := int(binary.LittleEndian.Uint32(body[0:4]))
	off := 4
	needed := off + nodeCount*packedNodeSize
	if len(body) < needed {
		return FetchedChunk{}, fmt.Errorf("%w: chunk %d: truncated node table", ErrChunkDecodeFailed, entry.ChunkID)
	}
	nodes := make([]lodNode, nodeCount)
	for i := 0; i < nodeCount; i++ {
		nodes[i] = decodeNode(body[off : off+packedNodeSize])
		off += packedNodeSize
	}

	if len(body) < off+8 {
		return FetchedChunk{}, fmt.Errorf("%w: chunk %d: truncated splat header", ErrChunkDecodeFailed, entry.ChunkID)
	}
	splatCount := int(binary.LittleEndian.Uint32(body[off : off+4]))
	encoding := binary.LittleEndian.Uint32(body[off+4 : off+8])
	off += 8

	splatSize := CompactSplatSize
	if encoding == 1 {
		splatSize = ExtendedSplatSize
	}
	if len(body) < off+splatCount*splatSize {
		return FetchedChunk{}, fmt.Errorf("%w: chunk %d: truncated splat data", ErrChunkDecodeFailed, entry.ChunkID)
	}
	splats := make([]Splat, splatCount)
	for i := 0; i < splatCount; i++ {
		start := off + i*splatSize
		var (
			s   Splat
			err error
		)
		if encoding == 1 {
			s, err = DecodeExtended(body[start : start+splatSize])
		} else {
			s, err = DecodeCompact(body[start : start+splatSize])
		}
		if err != nil {
			return FetchedChunk{}, fmt.Errorf("%w: chunk %d splat %d: %v", ErrChunkDecodeFailed, entry.ChunkID, i, err)
		}
		splats[i] = s
	}

	return FetchedChunk{TreeID: treeID, ChunkID: entry.ChunkID, Nodes: nodes, Splats: splats}, nil
}

// encodeNode writes one lodNode's 30-byte wire representation.
func encodeNode(n lodNode, dst []byte) {
	f32 := func(v float64) uint32 { return math.Float32bits(float32(v)) }
	binary.LittleEndian.PutUint32(dst[0:4], f32(n.Center.X))
	binary.LittleEndian.PutUint32(dst[4:8], f32(n.Center.Y))
	binary.LittleEndian.PutUint32(dst[8:12], f32(n.Center.Z))
	binary.LittleEndian.PutUint32(dst[12:16], f32(n.Radius))
	binary.LittleEndian.PutUint32(dst[16:20], uint32(n.Parent))
	binary.LittleEndian.PutUint32(dst[20:24], uint32(n.FirstChild))
	binary.LittleEndian.PutUint16(dst[24:26], uint16(n.ChildCount))
	binary.LittleEndian.PutUint16(dst[26:28], uint16(n.ChunkID))
	binary.LittleEndian.PutUint16(dst[28:30], uint16(n.Level))
}

func decodeNode(src []byte) lodNode {
	f32 := func(u uint32) float64 { return float64(math.Float32frombits(u)) }
	return lodNode{
		Center: Vec3{
			X: f32(binary.LittleEndian.Uint32(src[0:4])),
			Y: f32(binary.LittleEndian.Uint32(src[4:8])),
			Z: f32(binary.LittleEndian.Uint32(src[8:12])),
		},
		Radius:     f32(binary.LittleEndian.Uint32(src[12:16])),
		Parent:     int32(binary.LittleEndian.Uint32(src[16:20])),
		FirstChild: int32(binary.LittleEndian.Uint32(src[20:24])),
		ChildCount: int32(binary.LittleEndian.Uint16(src[24:26])),
		ChunkID:    int32(binary.LittleEndian.Uint16(src[26:28])),
		Level:      int32(binary.LittleEndian.Uint16(src[28:30])),
	}
}
