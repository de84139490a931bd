package ledger

import (
	"encoding/json"
	"fmt"
)

// TxType identifies a ledger mutation.
type TxType string

const (
	TxRegister         TxType = "register"
	TxSubmitCarbon     TxType = "submit_carbon"
	TxVerifySubmission TxType = "verify_submission"
	TxBuyTokens        TxType = "buy_tokens"
)

// RegisterPayload binds a wallet to a role and profile.
type RegisterPayload struct {
	Role    string `json:"role"`
	Name    string `json:"name"`
	Company string `json:"company"`
}

// SubmitPayload is a seller's carbon claim.
type SubmitPayload struct {
	Amount      uint64 `json:"amount"`
	PricePerTon uint64 `json:"price_per_ton"`
}

// VerifyPayload is the admin's one-shot verification of a submission.
type VerifyPayload struct {
	Seller              string `json:"seller"`
	SubmissionID        uint64 `json:"submission_id"`
	VerifiedAmount      uint64 `json:"verified_amount"`
	VerifiedPricePerTon uint64 `json:"verified_price_per_ton"`
}

// BuyPayload is a buyer's purchase with its attached payment value.
type BuyPayload struct {
	Seller       string `json:"seller"`
	SubmissionID uint64 `json:"submission_id"`
	Amount       uint64 `json:"amount"`
	Payment      uint64 `json:"payment"`
}

// Tx is the consensus transaction envelope. Exactly one payload matching
// Type must be set.
type Tx struct {
	Type   TxType           `json:"type"`
	Caller string           `json:"caller"`
	Reg    *RegisterPayload `json:"register,omitempty"`
	Sub    *SubmitPayload   `json:"submit,omitempty"`
	Ver    *VerifyPayload   `json:"verify,omitempty"`
	Buy    *BuyPayload      `json:"buy,omitempty"`
}

// DecodeTx parses and structurally validates a raw consensus transaction.
func DecodeTx(raw []byte) (*Tx, error) {
	var tx Tx
	if err := json.Unmarshal(raw, &tx); err != nil {
		return nil, fmt.Errorf("malformed transaction: %w", err)
	}
	if err := tx.ValidateBasic(); err != nil {
		return nil, err
	}
	return &tx, nil
}

// ValidateBasic checks the envelope structure without touching state.
func (tx *Tx) ValidateBasic() error {
	if tx.Caller == "" {
		return fmt.Errorf("missing caller address")
	}
	switch tx.Type {
	case TxRegister:
		if tx.Reg == nil {
			return fmt.Errorf("register transaction missing payload")
		}
	case TxSubmitCarbon:
		if tx.Sub == nil {
			return fmt.Errorf("submit_carbon transaction missing payload")
		}
	case TxVerifySubmission:
		if tx.Ver == nil {
			return fmt.Errorf("verify_submission transaction missing payload")
		}
		if tx.Ver.Seller == "" {
			return fmt.Errorf("verify_submission missing seller address")
		}
	case TxBuyTokens:
		if tx.Buy == nil {
			return fmt.Errorf("buy_tokens transaction missing payload")
		}
		if tx.Buy.Seller == "" {
			return fmt.Errorf("buy_tokens missing seller address")
		}
	default:
		return fmt.Errorf("unknown transaction type %q", tx.Type)
	}
	return nil
}

// Encode serializes the transaction for consensus submission.
func (tx *Tx) Encode() ([]byte, error) {
	return json.Marshal(tx)
}
