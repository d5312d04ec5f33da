package buildsys

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"os"
	"sort"

	"github.com/rotisserie/eris"
)

// Fingerprint hashes the content of the build specification files. Any
// change to any of them yields a different fingerprint. The order of files
// doesn't matter.
func Fingerprint(files ...string) (string, error) {
	sorted := append([]string(nil), files...)
	sort.Strings(sorted)

	hash := sha256.New()
	var length [8]byte
	for _, file := range sorted {
		content, err := os.ReadFile(file)
		if err != nil {
			return "", eris.Wrapf(err, "failed to read build specification %s", file)
		}

		// Length framing keeps ("ab", "c") and ("a", "bc") apart.
		binary.BigEndian.PutUint64(length[:], uint64(len(content)))
		hash.Write(length[:])
		hash.Write(content)
	}

	return hex.EncodeToString(hash.Sum(nil)), nil
}
