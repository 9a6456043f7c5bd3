package issuance

import (
	"github.com/Masterminds/semver/v3"

	"github.com/samternent/concord/pkg/codes"
)

// AlgoVersion is the generator version stamped on new packs.
const AlgoVersion = "1.0.0"

// supportedAlgo lists generator versions this build reproduces exactly.
// Any change to the order of generator draws is a major bump.
var supportedAlgo = mustConstraint("^1.0.0")

func mustConstraint(c string) *semver.Constraints {
	out, err := semver.NewConstraint(c)
	if err != nil {
		panic(err)
	}
	return out
}

// CheckAlgoVersion returns ALGO_VERSION_UNSUPPORTED unless v is a semantic
// version this generator can reproduce.
func CheckAlgoVersion(v string) error {
	parsed, err := semver.StrictNewVersion(v)
	if err != nil {
		return codes.Wrap(codes.CodeAlgoUnsupported, "algoVersion is not a semantic version", err).With("algoVersion", v)
	}
	if !supportedAlgo.Check(parsed) {
		return codes.Newf(codes.CodeAlgoUnsupported, "algoVersion %s is not supported", v).With("algoVersion", v)
	}
	return nil
}
