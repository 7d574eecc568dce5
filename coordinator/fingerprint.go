package coordinator

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// Fingerprint identifies the problem p describes: the model, the product
// and the finite difference step. The seed is left out so a resumed run on
// fresh streams keeps the fingerprint of the run it continues.
func Fingerprint(p Params) string {
	p.Seed = 0
	return fmt.Sprintf("%016x", xxhash.Sum64(EncodeParams(p)))
}
