package models

import "time"

// User is the projected profile and role of a registered address.
type User struct {
	Address      string    `gorm:"column:address;primaryKey;type:varchar(64)" json:"address"`
	Name         string    `gorm:"column:name;type:varchar(100)" json:"name"`
	Company      string    `gorm:"column:company;type:varchar(100)" json:"company"`
	Role         string    `gorm:"column:role;type:varchar(20);not null" json:"role"`
	Balance      uint64    `gorm:"column:balance;not null;default:0" json:"balance"`
	RegisteredAt time.Time `gorm:"column:registered_at" json:"registered_at"`
	CreatedAt    time.Time `gorm:"column:created_at;autoCreateTime" json:"-"`
	UpdatedAt    time.Time `gorm:"column:updated_at;autoUpdateTime" json:"-"`
}

// Submission is the projected state of one carbon claim. The pair
// (seller, submission_id) identifies it; ids are per-seller monotonic.
type Submission struct {
	Seller              string     `gorm:"column:seller;primaryKey;type:varchar(64)" json:"seller"`
	SubmissionID        uint64     `gorm:"column:submission_id;primaryKey" json:"submission_id"`
	Amount              uint64     `gorm:"column:amount;not null" json:"amount"`
	PricePerTon         uint64     `gorm:"column:price_per_ton;not null" json:"price_per_ton"`
	Verified            bool       `gorm:"column:verified;default:false;index" json:"verified"`
	VerifiedAmount      uint64     `gorm:"column:verified_amount;default:0" json:"verified_amount"`
	VerifiedPricePerTon uint64     `gorm:"column:verified_price_per_ton;default:0" json:"verified_price_per_ton"`
	Remaining           uint64     `gorm:"column:remaining;default:0" json:"remaining"`
	Verifier            string     `gorm:"column:verifier;type:varchar(64)" json:"verifier,omitempty"`
	SubmittedAt         time.Time  `gorm:"column:submitted_at;not null" json:"submitted_at"`
	VerifiedAt          *time.Time `gorm:"column:verified_at" json:"verified_at,omitempty"`
	UpdatedAt           time.Time  `gorm:"column:updated_at;autoUpdateTime" json:"-"`

	SellerUser *User `gorm:"foreignKey:Seller;references:Address" json:"seller_profile,omitempty"`
}

// PurchaseCertificate records one settled purchase against a submission.
type PurchaseCertificate struct {
	ID           string    `gorm:"column:certificate_id;primaryKey;type:varchar(50)" json:"certificate_id"`
	Buyer        string    `gorm:"column:buyer;type:varchar(64);index;not null" json:"buyer"`
	Seller       string    `gorm:"column:seller;type:varchar(64);index;not null" json:"seller"`
	SubmissionID uint64    `gorm:"column:submission_id;not null" json:"submission_id"`
	Amount       uint64    `gorm:"column:amount;not null" json:"amount"`
	TotalPrice   uint64    `gorm:"column:total_price;not null" json:"total_price"`
	TxHash       string    `gorm:"column:tx_hash;type:varchar(66);uniqueIndex;not null" json:"tx_hash"`
	Timestamp    time.Time `gorm:"column:timestamp;not null" json:"timestamp"`

	Tokens []TokenCertificate `gorm:"foreignKey:CertificateID;references:ID" json:"tokens,omitempty"`
}

// TokenCertificate is one minted registration number (one verified ton).
type TokenCertificate struct {
	RegistrationNumber string    `gorm:"column:registration_number;primaryKey;type:varchar(50)" json:"registration_number"`
	CertificateID      string    `gorm:"column:certificate_id;type:varchar(50);index;not null" json:"certificate_id"`
	Owner              string    `gorm:"column:owner;type:varchar(64);index;not null" json:"owner"`
	Seller             string    `gorm:"column:seller;type:varchar(64);not null" json:"seller"`
	SubmissionID       uint64    `gorm:"column:submission_id;not null" json:"submission_id"`
	PricePaid          uint64    `gorm:"column:price_paid;not null" json:"price_paid"`
	Timestamp          time.Time `gorm:"column:timestamp;not null" json:"timestamp"`
}

// Transaction is the audit record of a committed ledger mutation.
type Transaction struct {
	TxHash      string    `gorm:"column:tx_hash;primaryKey;type:varchar(66)" json:"tx_hash"`
	TxType      string    `gorm:"column:tx_type;type:varchar(30);not null" json:"tx_type"`
	Caller      string    `gorm:"column:caller;type:varchar(64);index;not null" json:"caller"`
	BlockHeight int64     `gorm:"column:block_height;not null" json:"block_height"`
	Status      string    `gorm:"column:status;type:varchar(20);default:'confirmed'" json:"status"`
	Timestamp   time.Time `gorm:"column:timestamp;not null" json:"timestamp"`
}
