package rpl

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
)

// Plan is the deterministic sampling schedule for one run: which templates
// are active and the balanced slot sequence over them.
type Plan struct {
	Offset          int
	ActiveTemplates []int // indices into the paraphrase bank, rotated
	Sequence        []int // length K, each an index into the bank
	ImbalanceRatio  float64
}

// RotationOffset derives the template rotation for a (claim, model, prompt
// version) triple: the first 8 hex chars of the SHA-256 digest interpreted
// as an integer, mod the bank size. Pure function of its inputs, in
// [0, tBank).
func RotationOffset(claim, model, promptVersion string, tBank int) int {
	if tBank <= 0 {
		return 0
	}
	sum := sha256.Sum256([]byte(claim + "|" + model + "|" + promptVersion))
	hexDigest := hex.EncodeToString(sum[:])
	v, _ := strconv.ParseUint(hexDigest[:8], 16, 64)
	return int(v % uint64(tBank))
}

// BuildPlan rotates the bank, takes the first tStage templates as active,
// and lays out K slots as evenly as possible over them: each active
// template gets floor(K/tStage) slots plus one extra for the first
// K mod tStage templates. Counts across active templates never differ by
// more than one.
func BuildPlan(claim, model, promptVersion string, tBank, tStage, k int) Plan {
	if tStage < 1 {
		tStage = 1
	}
	if tStage > tBank {
		tStage = tBank
	}
	if k < 1 {
		k = 1
	}

	off := RotationOffset(claim, model, promptVersion, tBank)
	rotated := make([]int, tBank)
	for i := range rotated {
		rotated[i] = (i + off) % tBank
	}
	active := rotated[:tStage]

	base := k / tStage
	extra := k % tStage
	seq := make([]int, 0, k)
	for i, tpl := range active {
		n := base
		if i < extra {
			n++
		}
		for j := 0; j < n; j++ {
			seq = append(seq, tpl)
		}
	}

	imbalance := 1.0
	if extra != 0 && base > 0 {
		imbalance = float64(base+1) / float64(base)
	}

	return Plan{
		Offset:          off,
		ActiveTemplates: active,
		Sequence:        seq,
		ImbalanceRatio:  imbalance,
	}
}
