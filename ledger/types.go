package ledger

import (
	"strings"
	"time"
)

// Role is the single role bound to a registered address.
type Role int

const (
	RoleUnassigned Role = iota
	RoleSeller
	RoleBuyer
	RoleAdmin
)

func (r Role) String() string {
	switch r {
	case RoleSeller:
		return "seller"
	case RoleBuyer:
		return "buyer"
	case RoleAdmin:
		return "admin"
	default:
		return "unassigned"
	}
}

// ParseRole maps a request string to a Role. Only seller and buyer are
// self-assignable; admin is fixed at genesis.
func ParseRole(s string) (Role, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "seller":
		return RoleSeller, true
	case "buyer":
		return RoleBuyer, true
	default:
		return RoleUnassigned, false
	}
}

// User is a registered wallet address with its profile.
type User struct {
	Address      string    `json:"address"`
	Name         string    `json:"name"`
	Company      string    `json:"company"`
	Role         Role      `json:"role"`
	Balance      uint64    `json:"balance"` // settlement credits received as a seller
	RegisteredAt time.Time `json:"registered_at"`
}

// Submission is a seller's carbon claim. Amounts are integer tons, prices
// are integer smallest-currency-units per ton.
type Submission struct {
	Seller              string    `json:"seller"`
	ID                  uint64    `json:"id"`
	Amount              uint64    `json:"amount"`
	PricePerTon         uint64    `json:"price_per_ton"`
	Verified            bool      `json:"verified"`
	VerifiedAmount      uint64    `json:"verified_amount"`
	VerifiedPricePerTon uint64    `json:"verified_price_per_ton"`
	Remaining           uint64    `json:"remaining"` // verified amount not yet purchased
	Verifier            string    `json:"verifier"`
	CreatedAt           time.Time `json:"created_at"`
	VerifiedAt          time.Time `json:"verified_at"`
}

// PurchaseCertificate records one successful purchase against a submission.
type PurchaseCertificate struct {
	ID                  string    `json:"id"`
	Buyer               string    `json:"buyer"`
	Seller              string    `json:"seller"`
	SubmissionID        uint64    `json:"submission_id"`
	Amount              uint64    `json:"amount"`
	TotalPrice          uint64    `json:"total_price"`
	RegistrationNumbers []string  `json:"registration_numbers"`
	Timestamp           time.Time `json:"timestamp"`
}

// TokenCertificate is one minted registration number: one token, one
// verified ton.
type TokenCertificate struct {
	RegistrationNumber string    `json:"registration_number"`
	Owner              string    `json:"owner"`
	Seller             string    `json:"seller"`
	SubmissionID       uint64    `json:"submission_id"`
	PricePaid          uint64    `json:"price_paid"`
	Timestamp          time.Time `json:"timestamp"`
}

// NormalizeAddress canonicalizes a wallet address for use as a state key.
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}
