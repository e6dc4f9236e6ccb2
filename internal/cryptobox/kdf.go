package cryptobox

import (
	"context"
	"fmt"

	"golang.org/x/crypto/argon2"
)

// Algorithm names a supported key derivation function.
type Algorithm string

const AlgorithmArgon2id Algorithm = "argon2id"

// Params is the tagged KDF configuration persisted alongside the salt.
// Every supported algorithm enumerates its numeric cost parameters here;
// there is no untyped parameter bag.
type Params struct {
	Algorithm Algorithm `toml:"algorithm"`
	Time      uint32    `toml:"time"`
	MemoryKiB uint32    `toml:"memory_kib"`
	Threads   uint8     `toml:"threads"`
	KeyLen    uint32    `toml:"key_len"`
}

// DefaultParams returns the argon2id parameters used for new accounts.
func DefaultParams() Params {
	return Params{
		Algorithm: AlgorithmArgon2id,
		Time:      1,
		MemoryKiB: 64 * 1024,
		Threads:   4,
		KeyLen:    32,
	}
}

// KDF derives a key from a password and salt. Implementations are slow by
// design (seconds-scale), so callers treat Derive like blocking I/O and
// must not hold other work on it.
type KDF interface {
	Derive(ctx context.Context, password, salt []byte, p Params) ([]byte, error)
}

// Argon2 implements KDF with argon2id.
type Argon2 struct{}

func (Argon2) Derive(ctx context.Context, password, salt []byte, p Params) ([]byte, error) {
	if p.Algorithm != AlgorithmArgon2id {
		return nil, fmt.Errorf("unsupported kdf algorithm %q", p.Algorithm)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return argon2.IDKey(password, salt, p.Time, p.MemoryKiB, p.Threads, p.KeyLen), nil
}
