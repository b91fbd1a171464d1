// Package appsec verifies, and optionally decrypts, hub images as they
// stream in.
//
// A State walks an image through its phases: the fixed header, the
// encryption header when the image is encrypted, the body, and the chain of
// signature records when the image is signed. Input may arrive in chunks
// of any size. Verified headers and plaintext are handed to an io.Writer as
// soon as they are available, so the caller stages output and commits it
// only when the load ends in NoError.
//
// # Cooperative yield
//
// Checking an RSA-2048 signature is split into single modular
// multiplications. When a signature record completes, Receive returns
// NeedMoreTime together with the number of bytes it did not consume; the
// caller then calls ContinueProcessing, one step per time slice, until it
// returns something other than NeedMoreTime, and resubmits the rest:
//
//	st, left := s.Receive(chunk)
//	for st == appsec.NeedMoreTime {
//	    st = s.ContinueProcessing()
//	}
//	chunk = chunk[len(chunk)-left:]
//
// ReceiveAll runs that loop for callers that do not need to yield.
//
// # Signature chain
//
// The first signature record signs the SHA-256 of everything before it;
// each following record signs the SHA-256 of the previous record's
// modulus. The chain ends at the first key whose modulus hash the
// RootFinder accepts. Bytes after that are TooMuchData; a stream that ends
// on a record boundary before a root is found is SigRootUnknown.
//
// # Encryption
//
// Encrypted bodies are AES-256-CBC over the plaintext, its SHA-256, and
// zero padding to the block size. The key is fetched by id through
// KeyLookup. A digest mismatch is VerifyFailed; non-zero padding is
// InvalidData. The header written out for an encrypted image has the
// encrypted flag cleared and the plaintext length as its data length.
package appsec
