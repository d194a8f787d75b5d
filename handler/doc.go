// Package handler provides ready-made transfer.Handler implementations for
// serving resources from a transfer service.
//
// ReadHandler and WriteHandler adapt a plain io.Reader or io.Writer to a
// single transfer direction. MemoryHandler keeps a resource in memory and
// supports both directions. FileHandler serves a file from disk: reads open
// the file, writes go to a temporary file that replaces the target only when
// the transfer succeeds. Both MemoryHandler and FileHandler keep a BLAKE2b
// digest of the last resource they moved.
//
// Example:
//
//	fh, err := handler.NewFileHandler(3, "firmware.bin")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := svc.RegisterHandler(fh); err != nil {
//	    log.Fatal(err)
//	}
//
// Handler methods are called from the transfer thread; accessors such as
// MemoryHandler.Data and FileHandler.Digest may be called from any
// goroutine.
package handler
