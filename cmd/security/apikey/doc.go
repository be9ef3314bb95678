// Package apikey verifies the shared API keys presented in the X-API-Key header.
//
// Keys are held only as SHA-256 digests and compared in constant time against
// every configured digest, so neither the key material nor the index of the
// matching key leaks through timing.
//
// An empty key set rejects every request.
package apikey
