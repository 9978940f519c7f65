package splatlod

import (
	"context"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"testing"
)

type memSource struct {
	buf []byte
}

func (m *memSource) ReadRange(ctx context.Context, offset, length int64) ([]byte, error) {
	if offset >= int64(len(m.buf)) {
		return nil, nil
	}
	end := offset + length
	if end > int64(len(m.buf)) {
		end = int64(len(m.buf))
	}
	return m.buf[offset:end], nil
}

func buildHeader(chunks []ChunkTableEntry, numSplats, maxSH int32) []byte {
	buf := make([]byte, 16+len(chunks)*chunkTableEntrySize)
	binary.LittleEndian.PutUint32(buf[0:4], containerMagic)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(numSplats))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(maxSH))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(len(chunks)))
	off := 16
	for _, c := range chunks {
		binary.LittleEndian.PutUint64(buf[off:off+8], uint64(c.Offset))
		binary.LittleEndian.PutUint32(buf[off+8:off+12], uint32(c.Length))
		binary.LittleEndian.PutUint32(buf[off+12:off+16], uint32(c.ChunkID))
		off += 16
	}
	return buf
}

func TestReadHeaderParsesWithinFirstProbe(t *testing.T) {
	hdr := buildHeader([]ChunkTableEntry{{ChunkID: 0, Offset: 100, Length: 50}}, 1000, 2)
	src := &memSource{buf: hdr}
	got, err := ReadHeader(context.Background(), src)
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
	if got.NumSplats != 1000 || got.MaxSH != 2 || len(got.Chunks) != 1 {
		t.Errorf("ReadHeader() = %+v, want NumSplats=1000 MaxSH=2 1 chunk", got)
	}
	if got.Chunks[0].Offset != 100 || got.Chunks[0].Length != 50 {
		t.Errorf("Chunks[0] = %+v, want Offset=100 Length=50", got.Chunks[0])
	}
}

func TestReadHeaderRejectsBadMagic(t *testing.T) {
	buf := make([]byte, 64)
	binary.LittleEndian.PutUint32(buf[0:4], 0xdeadbeef)
	src := &memSource{buf: buf}
	_, err := ReadHeader(context.Background(), src)
	if !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("ReadHeader(bad magic) error = %v, want ErrInvalidArgument", err)
	}
}

func TestReadHeaderFailsWhenExceedsLargestProbe(t *testing.T) {
	buf := make([]byte, 32)
	binary.LittleEndian.PutUint32(buf[0:4], containerMagic)
	binary.LittleEndian.PutUint32(buf[12:16], 1<<20)
	src := &memSource{buf: buf}
	_, err := ReadHeader(context.Background(), src)
	if err == nil {
		t.Fatal("ReadHeader with huge declared chunk count should fail, got nil error")
	}
}

func buildChunkBody(nodes []lodNode, splats []Splat, encoding uint32) []byte {
	nodeBuf := make([]byte, len(nodes)*packedNodeSize)
	for i, n := range nodes {
		encodeNode(n, nodeBuf[i*packedNodeSize:(i+1)*packedNodeSize])
	}
	splatSize := CompactSplatSize
	if encoding == 1 {
		splatSize = ExtendedSplatSize
	}
	splatBuf := make([]byte, len(splats)*splatSize)
	for i, s := range splats {
		dst := splatBuf[i*splatSize : (i+1)*splatSize]
		if encoding == 1 {
			_ = EncodeExtended(s, dst)
		} else {
			_ = EncodeCompact(s, dst)
		}
	}
	body := make([]byte, 0, 4+len(nodeBuf)+8+len(splatBuf))
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], uint32(len(nodes)))
	body = append(body, tmp[:]...)
	body = append(body, nodeBuf...)
	binary.LittleEndian.PutUint32(tmp[:], uint32(len(splats)))
	body = append(body, tmp[:]...)
	binary.LittleEndian.PutUint32(tmp[:], encoding)
	body = append(body, tmp[:]...)
	body = append(body, splatBuf...)
	return body
}

func wrapChunk(body []byte) []byte {
	checksum := crc32.ChecksumIEEE(body)
	out := make([]byte, 4+len(body))
	binary.LittleEndian.PutUint32(out[0:4], checksum)
	copy(out[4:], body)
	return out
}

func TestFetchChunkRoundTrip(t *testing.T) {
	nodes := []lodNode{{Parent: -1, FirstChild: -1, ChunkID: 1, Level: 0}}
	splats := []Splat{sampleSplat()}
	body := buildChunkBody(nodes, splats, 0)
	framed := wrapChunk(body)
	src := &memSource{buf: framed}
	chunk, err := FetchChunk(context.Background(), src, 7, ChunkTableEntry{ChunkID: 1, Offset: 0, Length: int32(len(framed))})
	if err != nil {
		t.Fatalf("FetchChunk: %v", err)
	}
	if chunk.TreeID != 7 || chunk.ChunkID != 1 {
		t.Errorf("FetchChunk identity = %+v, want TreeID=7 ChunkID=1", chunk)
	}
	if len(chunk.Nodes) != 1 || len(chunk.Splats) != 1 {
		t.Fatalf("FetchChunk decoded %d nodes, %d splats, want 1 and 1", len(chunk.Nodes), len(chunk.Splats))
	}
	if chunk.Nodes[0].ChunkID != 1 {
		t.Errorf("decoded node ChunkID = %d, want 1", chunk.Nodes[0].ChunkID)
	}
}

func TestFetchChunkDetectsCorruption(t *testing.T) {
	body := buildChunkBody(nil, nil, 0)
	framed := wrapChunk(body)
	framed[len(framed)-1] ^= 0xff
	src := &memSource{buf: framed}
	_, err := FetchChunk(context.Background(), src, 1, ChunkTableEntry{ChunkID: 0, Offset: 0, Length: int32(len(framed))})
	if !errors.Is(err, ErrChunkDecodeFailed) {
		t.Fatalf("FetchChunk(corrupted) error = %v, want ErrChunkDecodeFailed", err)
	}
}

func TestFetchChunkDetectsTruncation(t *testing.T) {
	body := buildChunkBody([]lodNode{{}}, nil, 0)
	framed := wrapChunk(body)
	truncated := framed[:len(framed)-2]
	checksum := crc32.ChecksumIEEE(truncated[4:])
	binary.LittleEndian.PutUint32(truncated[0:4], checksum)
	src := &memSource{buf: truncated}
	_, err := FetchChunk(context.Background(), src, 1, ChunkTableEntry{ChunkID: 0, Offset: 0, Length: int32(len(truncated))})
	if err == nil {
		t.Fatal("FetchChunk(truncated) should error")
	}
}

func TestEncodeDecodeNodeRoundTrip(t *testing.T) {
	n := lodNode{Center: Vec3{X: 1, Y: 2, Z: 3}, Radius: 4.5, Parent: 2, FirstChild: 5, ChildCount: 3, ChunkID: 9, Level: 7}
	buf := make([]byte, packedNodeSize)
	encodeNode(n, buf)
	got := decodeNode(buf)
	if got.Parent != n.Parent || got.FirstChild != n.FirstChild || got.ChildCount != n.ChildCount || got.ChunkID != n.ChunkID || got.Level != n.Level {
		t.Errorf("decodeNode(encodeNode(n)) = %+v, want topology from %+v", got, n)
	}
	if !approxEqual(got.Radius, n.Radius, 1e-4) {
		t.Errorf("Radius round-trip = %v, want ~%v", got.Radius, n.Radius)
	}
}
