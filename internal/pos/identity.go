package pos

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
)

// ComputeSyncID derives the content identity of a sale from its immutable
// business fields: business timestamp, recording actor, total amount and the
// ordered product/quantity pairs. Sales with identical business fields always
// produce the same identity, which is the key under which the sale is written
// to the authoritative store.
func ComputeSyncID(s *Sale) string {
	var b strings.Builder
	b.WriteString(strconv.FormatInt(s.SoldAt.UnixMilli(), 10))
	b.WriteByte('|')
	b.WriteString(strconv.FormatInt(s.ActorID, 10))
	b.WriteByte('|')
	b.WriteString(strconv.FormatFloat(s.TotalAmount, 'f', 2, 64))
	for _, line := range s.Lines {
		b.WriteByte('|')
		b.WriteString(strconv.FormatInt(line.ProductID, 10))
		b.WriteByte(':')
		b.WriteString(strconv.FormatInt(line.Quantity, 10))
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
