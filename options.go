package oxidb

import "github.com/rs/zerolog"

// Options configures an engine instance.
type Options struct {
	// EncryptionKeyPath points at a 32-byte AES-256 key file. When set, data
	// files, WAL payloads and blob objects are sealed at rest.
	EncryptionKeyPath string

	// EncryptionKey supplies raw key material directly and takes precedence
	// over EncryptionKeyPath.
	EncryptionKey []byte

	// DisableIndexCaches skips writing .fidx/.cidx/.vidx files on close and
	// skips loading them on open. Index state is then rebuilt from the
	// document cache every start.
	DisableIndexCaches bool

	// LogLevel overrides the engine's log level (default warn).
	LogLevel *zerolog.Level
}
