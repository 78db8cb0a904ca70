// Package frame implements the on-disk format of a compressed record log.
//
// # File Structure
//
// A file is a fixed-size [Header] followed by a sequence of frames:
//
//	file   := header frame*
//	frame  := frameHeader compressed[compLen]
//
// Each frame holds one record. The frame header has the raw payload length,
// crc32c of the raw payload and crc32c of the frame header itself, so a reader
// can tell a complete frame from a partially written one.
//
// # Compression
//
// With [CodecFlate] frames of one writer session share a deflate context:
// small records compress well because they can refer to earlier ones. After
// every frame the compressor does a sync flush, so the stream up to the end of
// any frame can be decompressed without the bytes that follow. The first
// frame of a session has the reset flag and starts a new context. This is what
// lets a writer re-open a file and append without re-compressing it.
//
// Other codecs ([CodecZstd], [CodecSnappy], [CodecBrotli], [CodecNone])
// compress every frame on its own and every frame has the reset flag.
//
// # Validity
//
// Reading stops at the first frame that is incomplete, has a bad checksum or
// doesn't decompress. That is not an error: [Reader.ValidEnd] reports the
// offset just past the last good frame, which is how recovery finds where
// the committed data ends.
package frame
