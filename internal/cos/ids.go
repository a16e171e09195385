package cos

import (
	"sync"

	"github.com/OneOfOne/xxhash"
	"github.com/teris-io/shortid"
)

// handleABC mirrors the teacher's approach of pinning a fixed alphabet and
// seed (cmn/cos/uuid.go's uuidABC) rather than taking the library default,
// so that handle IDs are reproducible across a single process lifetime.
const handleABC = "-5nZJDft6LuzsjGNpPwY7rQa39vehq4i1cV2FROo8yHSlC0BUEdWbIxMmTgKXAk_"

var (
	sidOnce sync.Once
	sid     *shortid.Shortid
)

func initShortID() {
	sid = shortid.MustNew(1 /*worker*/, handleABC, 0xC0FFEE)
}

// GenHandleID returns a short, URL-safe identifier for a roster handle,
// a subscription watch, or a client/object path suffix.
func GenHandleID() string {
	sidOnce.Do(initShortID)
	return sid.MustGenerate()
}

// HashKey returns a fast, non-cryptographic hash of a property key or
// object path; model.New uses it to seed a Buffer's debug tag.
func HashKey(s string) uint64 {
	return xxhash.Checksum64([]byte(s))
}
