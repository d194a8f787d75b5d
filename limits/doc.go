// Package limits provides centralized size constants and validation functions
// for transfer endpoints. Every component that sizes a buffer or accepts a
// size from configuration checks it here so the transport, the encode buffer
// and the negotiated chunk sizes stay consistent.
//
// # Size Hierarchy
//
//   - MaxPacketSize (2048 bytes): the largest datagram a transport reads in one
//     call. Encoded chunks must fit inside it together with the packet header.
//
//   - DefaultEncodeBufferSize: the scratch space a transfer thread encodes
//     outbound chunks into. It is bounded by MaxPacketSize.
//
//   - MinChunkSize / DefaultMaxChunkSize: bounds for the payload carried by a
//     single data chunk after the encoding overhead has been reserved.
//
// # Validation Functions
//
//	if err := limits.ValidateEncodeBufferSize(size, chunk.MaxOverhead); err != nil {
//	    // ErrSizeTooSmall or ErrSizeTooLarge, wrapped with the offending value
//	}
package limits
