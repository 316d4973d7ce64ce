// Package lzstring decodes the LZ-string compressed text that controllers
// return for pattern sources.
//
// Only the decode direction is implemented; controllers never need text
// compressed on their behalf. The decoder mirrors the reference JavaScript
// implementation bit for bit, including its handling of the code width, which
// starts at three bits and grows by one each time the dictionary reaches the
// next power of two.
//
// Corrupt or truncated input produces an empty string. Callers that fetch
// partially received streams rely on this and treat "" as "no source".
package lzstring
