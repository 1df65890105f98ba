package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// Checksum returns the SHA256 of the JSON encoding of data.
// Struct fields encode in declaration order, so equal values give equal checksums.
func Checksum(data interface{}) string {
	jsonData, _ := json.Marshal(data)
	hash := sha256.Sum256(jsonData)
	return hex.EncodeToString(hash[:])
}
