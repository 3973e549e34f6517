package value

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content hashing. The version suffix leaves room to
// migrate the algorithm without colliding with old digests.
const (
	DomainState    = "driftsync/state/v1"
	DomainArtifact = "driftsync/artifact/v1"
)

// hashWithDomain computes SHA256(domain || 0x00 || data).
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// Digest hashes the canonical encoding of v under the given domain.
func Digest(domain string, v Value) (string, error) {
	b, err := Canonical(v)
	if err != nil {
		return "", fmt.Errorf("digest: %w", err)
	}
	return hashWithDomain(domain, b), nil
}

// ArtifactRef builds the reference carried in payloads for binary content.
// Blob bytes never travel through the engine; only {hash, size} does.
func ArtifactRef(content []byte) Object {
	return Object{
		"hash": String(hashWithDomain(DomainArtifact, content)),
		"size": Int(len(content)),
	}
}

// IsArtifactRef reports whether v has the shape produced by ArtifactRef.
func IsArtifactRef(v Value) bool {
	obj, ok := v.(Object)
	if !ok || len(obj) != 2 {
		return false
	}
	h, okHash := obj["hash"].(String)
	s, okSize := obj["size"].(Int)
	return okHash && okSize && len(h) == sha256.Size*2 && s >= 0
}
