package tickets

import (
	"encoding/binary"
	"encoding/hex"

	"ticket-ledger/internal/models"

	"golang.org/x/crypto/sha3"
)

// ReceiptHash derives the proof of purchase for a ticket:
// keccak256(ticketId ‖ buyer ‖ eventId ‖ purchaseTimestamp), with the integer
// fields left-padded to 32 bytes big-endian and the timestamp in Unix seconds.
func ReceiptHash(ticketID models.TicketID, buyer models.Identity, eventID models.EventID, purchasedAt int64) string {
	hash := sha3.NewLegacyKeccak256()
	hash.Write(word(uint64(ticketID)))
	hash.Write([]byte(buyer))
	hash.Write(word(uint64(eventID)))
	hash.Write(word(uint64(purchasedAt)))
	return "0x" + hex.EncodeToString(hash.Sum(nil))
}

// VerifyReceipt reports whether ticket's receipt was issued to buyer. Owners
// change on transfer, so the original buyer has to be supplied.
func VerifyReceipt(ticket models.Ticket, buyer models.Identity) bool {
	return ticket.ReceiptHash == ReceiptHash(ticket.ID, buyer, ticket.EventID, ticket.PurchasedAt.Unix())
}

func word(v uint64) []byte {
	var buf [32]byte
	binary.BigEndian.PutUint64(buf[24:], v)
	return buf[:]
}
