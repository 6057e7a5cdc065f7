package rpl

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
)

// SeedEnvVar overrides the derived bootstrap seed for every run of the
// process. An explicit request seed still wins over the environment.
const SeedEnvVar = "HERETIX_RPL_SEED"

// SeedFromEnv reads the environment seed override. Unset or unparseable
// values are ignored.
func SeedFromEnv() (uint64, bool) {
	v := os.Getenv(SeedEnvVar)
	if v == "" {
		return 0, false
	}
	seed, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return seed, true
}

// BootstrapSeed derives the 64-bit bootstrap seed from everything that
// shapes the aggregation: run identity, sampling shape, the accepted
// template set, and the center policy. Template hashes are sorted and
// deduplicated first so the seed is invariant under input ordering, and the
// seed changes whenever any input changes.
func BootstrapSeed(claim, model, promptVersion string, k, r int, templateHashes []string, center Center, trim float64, b int) uint64 {
	uniq := make(map[string]struct{}, len(templateHashes))
	for _, h := range templateHashes {
		uniq[h] = struct{}{}
	}
	sorted := make([]string, 0, len(uniq))
	for h := range uniq {
		sorted = append(sorted, h)
	}
	sort.Strings(sorted)

	canonical := fmt.Sprintf("%s|%s|%s|K=%d|R=%d|center=%s|trim=%g|B=%d|%s",
		claim, model, promptVersion, k, r, center, trim, b,
		strings.Join(sorted, ","))
	sum := sha256.Sum256([]byte(canonical))
	return binary.BigEndian.Uint64(sum[:8])
}
