package ledger

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// MaxSubmissionAmount caps a single claim. One token certificate is minted
// per purchased ton, so the bound also caps the allocation any one purchase
// can trigger.
const MaxSubmissionAmount uint64 = 1_000_000

// State is the authoritative ledger: users, submissions, certificates and
// the deterministic counters behind minted registration numbers. All
// methods follow validate-then-mutate, so a returned *Error guarantees the
// state is untouched. State itself is not goroutine-safe; the ABCI
// application serializes access under its block lock, which is what makes
// the purchase check-then-decrement atomic.
type State struct {
	Admin           string                            `json:"admin"`
	Users           map[string]*User                  `json:"users"`
	Submissions     map[string][]*Submission          `json:"submissions"` // keyed by seller, ordered by id
	Purchases       map[string][]*PurchaseCertificate `json:"purchases"`   // keyed by buyer
	Tokens          map[string]*TokenCertificate      `json:"tokens"`      // keyed by registration number
	Sellers         []string                          `json:"sellers"`     // registration order
	TokenCounter    uint64                            `json:"token_counter"`
	PurchaseCounter uint64                            `json:"purchase_counter"`
}

// ApplyResult describes the effect of a committed transaction. It is
// returned in the transaction result and drives the read-model projection.
type ApplyResult struct {
	Type        TxType               `json:"type"`
	User        *User                `json:"user,omitempty"`
	Submission  *Submission          `json:"submission,omitempty"`
	Certificate *PurchaseCertificate `json:"certificate,omitempty"`
	Tokens      []*TokenCertificate  `json:"tokens,omitempty"`
}

// NewState creates an empty ledger with the fixed admin address.
func NewState(admin string) *State {
	return &State{
		Admin:       NormalizeAddress(admin),
		Users:       make(map[string]*User),
		Submissions: make(map[string][]*Submission),
		Purchases:   make(map[string][]*PurchaseCertificate),
		Tokens:      make(map[string]*TokenCertificate),
	}
}

// LoadState restores a ledger from its snapshot bytes.
func LoadState(snapshot []byte) (*State, error) {
	var s State
	if err := json.Unmarshal(snapshot, &s); err != nil {
		return nil, fmt.Errorf("decoding ledger snapshot: %w", err)
	}
	if s.Users == nil {
		s.Users = make(map[string]*User)
	}
	if s.Submissions == nil {
		s.Submissions = make(map[string][]*Submission)
	}
	if s.Purchases == nil {
		s.Purchases = make(map[string][]*PurchaseCertificate)
	}
	if s.Tokens == nil {
		s.Tokens = make(map[string]*TokenCertificate)
	}
	return &s, nil
}

// Snapshot serializes the ledger deterministically. encoding/json emits map
// keys in sorted order, so identical states produce identical bytes on
// every replica.
func (s *State) Snapshot() ([]byte, error) {
	return json.Marshal(s)
}

// Apply executes one transaction at the given block time.
func (s *State) Apply(tx *Tx, now time.Time) (*ApplyResult, *Error) {
	switch tx.Type {
	case TxRegister:
		return s.Register(tx.Caller, tx.Reg.Role, tx.Reg.Name, tx.Reg.Company, now)
	case TxSubmitCarbon:
		return s.SubmitCarbon(tx.Caller, tx.Sub.Amount, tx.Sub.PricePerTon, now)
	case TxVerifySubmission:
		return s.VerifySubmission(tx.Caller, tx.Ver.Seller, tx.Ver.SubmissionID, tx.Ver.VerifiedAmount, tx.Ver.VerifiedPricePerTon, now)
	case TxBuyTokens:
		return s.BuyTokens(tx.Caller, tx.Buy.Seller, tx.Buy.SubmissionID, tx.Buy.Amount, tx.Buy.Payment, now)
	default:
		return nil, errInvalidInput(fmt.Sprintf("unknown transaction type %q", tx.Type))
	}
}

// RoleOf returns the role bound to an address. Unknown addresses are
// Unassigned; the admin address is Admin without registration.
func (s *State) RoleOf(addr string) Role {
	addr = NormalizeAddress(addr)
	if addr == s.Admin {
		return RoleAdmin
	}
	if u, ok := s.Users[addr]; ok {
		return u.Role
	}
	return RoleUnassigned
}

// Register binds a wallet to a role and profile. One-way: an address can
// never be re-registered.
func (s *State) Register(caller, roleStr, name, company string, now time.Time) (*ApplyResult, *Error) {
	caller = NormalizeAddress(caller)
	if caller == s.Admin {
		return nil, errStateConflict("admin address cannot register a role")
	}
	if _, exists := s.Users[caller]; exists {
		return nil, errStateConflict(fmt.Sprintf("address %s is already registered", caller))
	}
	role, ok := ParseRole(roleStr)
	if !ok {
		return nil, errInvalidInput(fmt.Sprintf("role %q is not assignable; must be seller or buyer", roleStr))
	}

	user := &User{
		Address:      caller,
		Name:         name,
		Company:      company,
		Role:         role,
		RegisteredAt: now,
	}
	s.Users[caller] = user
	if role == RoleSeller {
		s.Sellers = append(s.Sellers, caller)
	}

	return &ApplyResult{Type: TxRegister, User: user}, nil
}

// SubmitCarbon records a seller's claim. At most one unverified submission
// may be outstanding per seller; "most recent" is the highest id.
func (s *State) SubmitCarbon(caller string, amount, pricePerTon uint64, now time.Time) (*ApplyResult, *Error) {
	caller = NormalizeAddress(caller)
	if s.RoleOf(caller) != RoleSeller {
		return nil, errUnauthorized(fmt.Sprintf("address %s is not a registered seller", caller))
	}
	if amount == 0 {
		return nil, errInvalidInput("amount must be a positive number of tons")
	}
	if pricePerTon == 0 {
		return nil, errInvalidInput("price per ton must be positive")
	}
	if amount > MaxSubmissionAmount {
		return nil, errInvalidInput(fmt.Sprintf("amount exceeds the per-submission limit of %d tons", MaxSubmissionAmount))
	}
	if pricePerTon > math.MaxUint64/amount {
		return nil, errInvalidInput("claimed total price is not representable")
	}
	subs := s.Submissions[caller]
	if n := len(subs); n > 0 && !subs[n-1].Verified {
		return nil, errStateConflict(fmt.Sprintf("submission %d is still awaiting verification", subs[n-1].ID))
	}

	sub := &Submission{
		Seller:      caller,
		ID:          uint64(len(subs)) + 1,
		Amount:      amount,
		PricePerTon: pricePerTon,
		CreatedAt:   now,
	}
	s.Submissions[caller] = append(subs, sub)

	return &ApplyResult{Type: TxSubmitCarbon, Submission: sub}, nil
}

// VerifySubmission is the admin's one-shot, irreversible audit of a claim.
// The verified amount may be marked down and the price set independently.
func (s *State) VerifySubmission(caller, seller string, id, verifiedAmount, verifiedPricePerTon uint64, now time.Time) (*ApplyResult, *Error) {
	caller = NormalizeAddress(caller)
	if caller != s.Admin {
		return nil, errUnauthorized(fmt.Sprintf("address %s is not the admin", caller))
	}
	sub := s.findSubmission(seller, id)
	if sub == nil {
		return nil, errNotFound(fmt.Sprintf("submission %d for seller %s does not exist", id, NormalizeAddress(seller)))
	}
	if sub.Verified {
		return nil, errStateConflict(fmt.Sprintf("submission %d is already verified", id))
	}
	if verifiedAmount > sub.Amount {
		return nil, errStateConflict(fmt.Sprintf("verified amount %d exceeds claimed amount %d", verifiedAmount, sub.Amount))
	}
	if verifiedPricePerTon == 0 {
		return nil, errInvalidInput("verified price per ton must be positive")
	}
	if verifiedAmount > 0 && verifiedPricePerTon > math.MaxUint64/verifiedAmount {
		return nil, errInvalidInput("verified total price is not representable")
	}

	sub.Verified = true
	sub.VerifiedAmount = verifiedAmount
	sub.VerifiedPricePerTon = verifiedPricePerTon
	sub.Remaining = verifiedAmount
	sub.Verifier = caller
	sub.VerifiedAt = now

	return &ApplyResult{Type: TxVerifySubmission, Submission: sub}, nil
}

// BuyTokens settles a purchase against a verified submission: exact-match
// payment, supply decrement, one registration number minted per ton, and
// the payment credited to the seller.
func (s *State) BuyTokens(caller, seller string, id, amount, payment uint64, now time.Time) (*ApplyResult, *Error) {
	caller = NormalizeAddress(caller)
	if s.RoleOf(caller) != RoleBuyer {
		return nil, errUnauthorized(fmt.Sprintf("address %s is not a registered buyer", caller))
	}
	sub := s.findSubmission(seller, id)
	if sub == nil {
		return nil, errNotFound(fmt.Sprintf("submission %d for seller %s does not exist", id, NormalizeAddress(seller)))
	}
	if !sub.Verified {
		return nil, errStateConflict(fmt.Sprintf("submission %d is not verified", id))
	}
	if amount == 0 {
		return nil, errInvalidInput("amount must be a positive number of tons")
	}
	if amount > sub.Remaining {
		return nil, errStateConflict(fmt.Sprintf("requested %d tons but only %d remain", amount, sub.Remaining))
	}
	// Snapshots written before the claim bounds existed can carry supplies
	// whose total would wrap; a wrapped product must never satisfy the
	// exact-match payment check.
	if sub.VerifiedPricePerTon != 0 && amount > math.MaxUint64/sub.VerifiedPricePerTon {
		return nil, errInvalidInput("purchase total is not representable")
	}
	total := amount * sub.VerifiedPricePerTon
	if payment != total {
		return nil, errPaymentMismatch(fmt.Sprintf("attached value %d, required %d", payment, total))
	}
	if sellerUser, ok := s.Users[sub.Seller]; ok && sellerUser.Balance > math.MaxUint64-total {
		return nil, errStateConflict("seller settlement balance cannot hold the payment")
	}

	sub.Remaining -= amount

	tokens := make([]*TokenCertificate, 0, amount)
	regNos := make([]string, 0, amount)
	for i := uint64(0); i < amount; i++ {
		s.TokenCounter++
		regNo := fmt.Sprintf("CCT-%08d", s.TokenCounter)
		token := &TokenCertificate{
			RegistrationNumber: regNo,
			Owner:              caller,
			Seller:             sub.Seller,
			SubmissionID:       sub.ID,
			PricePaid:          sub.VerifiedPricePerTon,
			Timestamp:          now,
		}
		s.Tokens[regNo] = token
		tokens = append(tokens, token)
		regNos = append(regNos, regNo)
	}

	s.PurchaseCounter++
	cert := &PurchaseCertificate{
		ID:                  fmt.Sprintf("PUR-%08d", s.PurchaseCounter),
		Buyer:               caller,
		Seller:              sub.Seller,
		SubmissionID:        sub.ID,
		Amount:              amount,
		TotalPrice:          total,
		RegistrationNumbers: regNos,
		Timestamp:           now,
	}
	s.Purchases[caller] = append(s.Purchases[caller], cert)

	// Forward the payment to the seller's settlement balance.
	if sellerUser, ok := s.Users[sub.Seller]; ok {
		sellerUser.Balance += total
	}

	return &ApplyResult{Type: TxBuyTokens, Submission: sub, Certificate: cert, Tokens: tokens}, nil
}

func (s *State) findSubmission(seller string, id uint64) *Submission {
	subs := s.Submissions[NormalizeAddress(seller)]
	if id == 0 || id > uint64(len(subs)) {
		return nil
	}
	return subs[id-1]
}
