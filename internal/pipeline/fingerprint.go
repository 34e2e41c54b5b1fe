package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/goccy/go-json"
)

// Fingerprint hashes a stage's identity, its parameters and the content of
// the table it is about to consume. A checkpoint is fresh only while its
// recorded fingerprint matches this value, so a parameter change or any
// upstream data change invalidates the stage without touching unrelated
// upstream work.
func Fingerprint(stageName string, params any, tableHash string) (string, error) {
	encoded, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("encode params for %s: %w", stageName, err)
	}

	h := sha256.New()
	h.Write([]byte(stageName))
	h.Write([]byte{0x1f})
	h.Write(encoded)
	h.Write([]byte{0x1f})
	h.Write([]byte(tableHash))
	return hex.EncodeToString(h.Sum(nil)), nil
}
