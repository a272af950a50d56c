package market

import (
	"strings"

	"github.com/oklog/ulid/v2"
)

// ID prefixes used for generated identifiers.
const (
	PrefixMessage     = "msg_"
	PrefixAgreement   = "agr_"
	PrefixTransaction = "txn_"
)

// NewID returns prefix followed by a lowercase ULID. ULIDs sort by creation
// time, which keeps message logs and stored records ordered.
func NewID(prefix string) string {
	return prefix + strings.ToLower(ulid.Make().String())
}
