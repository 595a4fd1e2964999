package release

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"

	"github.com/zeebo/blake3"
)

// Digest is an algorithm-qualified content hash, written "sha256:<hex>" or
// "blake3:<hex>" in release manifests.
type Digest struct {
	Algorithm string
	Sum       []byte
}

// ParseDigest parses the "<algorithm>:<hex>" form.
func ParseDigest(s string) (Digest, error) {
	alg, hexSum, ok := strings.Cut(s, ":")
	if !ok {
		return Digest{}, fmt.Errorf("digest %q has no algorithm prefix", s)
	}
	h, err := newHasher(alg)
	if err != nil {
		return Digest{}, err
	}
	sum, err := hex.DecodeString(hexSum)
	if err != nil {
		return Digest{}, fmt.Errorf("parsing %s digest: %w", alg, err)
	}
	if len(sum) != h.Size() {
		return Digest{}, fmt.Errorf("%s digest is %d bytes, want %d", alg, len(sum), h.Size())
	}
	return Digest{Algorithm: alg, Sum: sum}, nil
}

// String returns the "<algorithm>:<hex>" form.
func (d Digest) String() string {
	return d.Algorithm + ":" + hex.EncodeToString(d.Sum)
}

// Hasher returns a fresh hash for the digest's algorithm.
func (d Digest) Hasher() hash.Hash {
	h, _ := newHasher(d.Algorithm)
	return h
}

// Matches reports whether sum equals the expected digest.
func (d Digest) Matches(sum []byte) bool {
	return bytes.Equal(sum, d.Sum)
}

func newHasher(alg string) (hash.Hash, error) {
	switch alg {
	case "sha256":
		return sha256.New(), nil
	case "blake3":
		return blake3.New(), nil
	default:
		return nil, fmt.Errorf("unsupported digest algorithm %q", alg)
	}
}

// HashFile computes the SHA256 digest of the file at path and returns it in
// "sha256:<hex>" form.
func HashFile(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening %s for hashing: %w", path, err)
	}
	defer file.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}
	return Digest{Algorithm: "sha256", Sum: hasher.Sum(nil)}.String(), nil
}
