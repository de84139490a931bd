package repository

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/greenledger/carbon-ledger/ledger"
	"github.com/greenledger/carbon-ledger/repository/models"

	cmtrpc "github.com/cometbft/cometbft/rpc/client/local"
	cmtrpctypes "github.com/cometbft/cometbft/rpc/core/types"
	cmttypes "github.com/cometbft/cometbft/types"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// PostgreSQL error codes
const (
	PgErrForeignKeyViolation = "23503"
	PgErrUniqueViolation     = "23505"
)

// isDuplicateProjection reports whether a projection insert hit the unique
// tx_hash constraint, meaning the transaction's effect is already
// materialized and a replayed delivery must be skipped, not re-applied.
func isDuplicateProjection(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == PgErrUniqueViolation
}

// ConsensusResult contains the result of a committed consensus transaction.
type ConsensusResult struct {
	TxHash      string
	BlockHeight int64
	Code        uint32
}

// RepositoryError represents repository layer errors. Code carries either a
// ledger rejection code or a repository-internal one.
type RepositoryError struct {
	Code    string
	Message string
	Detail  string
}

func (e *RepositoryError) Error() string {
	return fmt.Sprintf("%s: %s - %s", e.Code, e.Message, e.Detail)
}

// Repository maintains the materialized read model and submits mutations to
// BFT consensus. The ledger state machine is the source of truth; the read
// model only mirrors committed effects.
type Repository struct {
	db           *gorm.DB
	rpcClient    *cmtrpc.Local
	adminAddress string
}

// NewRepository creates a new repository instance.
func NewRepository(adminAddress string) *Repository {
	return &Repository{adminAddress: ledger.NormalizeAddress(adminAddress)}
}

// ConnectDB establishes the database connection and performs migrations.
func (r *Repository) ConnectDB(dsn string) error {
	for i := 0; i < 10; i++ {
		log.Printf("Database connection attempt %d...\n", i+1)
		db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
		if err != nil {
			log.Printf("Connection attempt %d failed: %v\n", i+1, err)
			time.Sleep(2 * time.Second)
			continue
		}
		r.db = db
		log.Println("✓ Connected to database")

		if err := r.Migrate(); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
		r.Seed()
		return nil
	}
	return fmt.Errorf("failed to connect to database after 10 attempts")
}

// Migrate performs database schema migrations.
func (r *Repository) Migrate() error {
	log.Println("Running database migrations...")

	migrator := r.db.Migrator()

	// Order matters due to foreign keys
	tables := []interface{}{
		&models.User{},
		&models.Submission{},
		&models.PurchaseCertificate{},
		&models.TokenCertificate{},
		&models.Transaction{},
	}

	for _, table := range tables {
		if !migrator.HasTable(table) {
			if err := migrator.CreateTable(table); err != nil {
				return fmt.Errorf("failed to create table: %w", err)
			}
		}
	}

	log.Println("✓ Database migrations completed")
	return nil
}

// Seed records the fixed admin identity in the read model. The admin is not
// a registered role; the row only makes the address queryable.
func (r *Repository) Seed() {
	var count int64
	r.db.Model(&models.User{}).Where("address = ?", r.adminAddress).Count(&count)
	if count > 0 {
		log.Println("Seed data already exists, skipping...")
		return
	}

	admin := models.User{
		Address:      r.adminAddress,
		Name:         "Ledger Admin",
		Role:         ledger.RoleAdmin.String(),
		RegisteredAt: time.Now(),
	}
	if err := r.db.Create(&admin).Error; err != nil {
		log.Printf("Error seeding admin user: %v", err)
		return
	}
	log.Println("✓ Database seeding completed")
}

// SetupRpcClient configures the RPC client for BFT consensus.
func (r *Repository) SetupRpcClient(rpcClient *cmtrpc.Local) {
	r.rpcClient = rpcClient
}

// AdminAddress returns the fixed admin identity.
func (r *Repository) AdminAddress() string {
	return r.adminAddress
}

// ExecuteTx submits a ledger transaction to consensus and, once committed,
// projects its effect into the read model.
func (r *Repository) ExecuteTx(ctx context.Context, tx *ledger.Tx) (*ledger.ApplyResult, *ConsensusResult, *RepositoryError) {
	result, consensus, repoErr := r.runConsensus(ctx, tx)
	if repoErr != nil {
		return nil, nil, repoErr
	}

	if repoErr := r.project(tx, result, consensus); repoErr != nil {
		return nil, nil, repoErr
	}

	return result, consensus, nil
}

// runConsensus submits the transaction to the BFT network and waits for it
// to be committed in a block.
func (r *Repository) runConsensus(ctx context.Context, tx *ledger.Tx) (*ledger.ApplyResult, *ConsensusResult, *RepositoryError) {
	payloadBytes, err := tx.Encode()
	if err != nil {
		return nil, nil, &RepositoryError{
			Code:    "SERIALIZATION_ERROR",
			Message: "Failed to serialize transaction",
			Detail:  err.Error(),
		}
	}

	consensusTx := cmttypes.Tx(payloadBytes)

	done := make(chan struct {
		result *cmtrpctypes.ResultBroadcastTxCommit
		err    error
	}, 1)

	go func() {
		result, err := r.rpcClient.BroadcastTxCommit(ctx, consensusTx)
		done <- struct {
			result *cmtrpctypes.ResultBroadcastTxCommit
			err    error
		}{result, err}
	}()

	select {
	case <-ctx.Done():
		return nil, nil, &RepositoryError{
			Code:    "CONSENSUS_TIMEOUT",
			Message: "Consensus operation timed out",
			Detail:  ctx.Err().Error(),
		}
	case res := <-done:
		if res.err != nil {
			return nil, nil, &RepositoryError{
				Code:    "CONSENSUS_ERROR",
				Message: "Failed to commit to blockchain",
				Detail:  res.err.Error(),
			}
		}

		if res.result.CheckTx.Code != 0 {
			return nil, nil, &RepositoryError{
				Code:    "INVALID_INPUT",
				Message: "Transaction rejected at admission",
				Detail:  res.result.CheckTx.Log,
			}
		}

		if res.result.TxResult.Code != 0 {
			code := res.result.TxResult.Codespace
			if code == "" {
				code = "CONSENSUS_ERROR"
			}
			return nil, nil, &RepositoryError{
				Code:    code,
				Message: "Ledger rejected transaction",
				Detail:  res.result.TxResult.Log,
			}
		}

		var applied ledger.ApplyResult
		if err := json.Unmarshal(res.result.TxResult.Data, &applied); err != nil {
			return nil, nil, &RepositoryError{
				Code:    "SERIALIZATION_ERROR",
				Message: "Failed to decode transaction result",
				Detail:  err.Error(),
			}
		}

		return &applied, &ConsensusResult{
			TxHash:      hex.EncodeToString(res.result.Hash),
			BlockHeight: res.result.Height,
			Code:        res.result.TxResult.Code,
		}, nil
	}
}

// project materializes a committed transaction's effect. The transaction
// audit row carries a unique tx hash, so a replayed projection is detected
// and skipped rather than applied twice.
func (r *Repository) project(tx *ledger.Tx, result *ledger.ApplyResult, consensus *ConsensusResult) *RepositoryError {
	dbTx := r.db.Begin()
	if dbTx.Error != nil {
		return &RepositoryError{
			Code:    "DATABASE_ERROR",
			Message: "Failed to start transaction",
			Detail:  dbTx.Error.Error(),
		}
	}

	audit := models.Transaction{
		TxHash:      consensus.TxHash,
		TxType:      string(result.Type),
		Caller:      ledger.NormalizeAddress(tx.Caller),
		BlockHeight: consensus.BlockHeight,
		Status:      "confirmed",
		Timestamp:   time.Now(),
	}
	if err := dbTx.Create(&audit).Error; err != nil {
		dbTx.Rollback()
		if isDuplicateProjection(err) {
			// Already projected.
			return nil
		}
		return &RepositoryError{
			Code:    "DATABASE_ERROR",
			Message: "Failed to record transaction",
			Detail:  err.Error(),
		}
	}

	var err error
	switch result.Type {
	case ledger.TxRegister:
		err = r.projectUser(dbTx, result)
	case ledger.TxSubmitCarbon:
		err = r.projectSubmission(dbTx, result)
	case ledger.TxVerifySubmission:
		err = r.projectVerification(dbTx, result)
	case ledger.TxBuyTokens:
		err = r.projectPurchase(dbTx, result, consensus.TxHash)
	default:
		err = fmt.Errorf("unknown result type %q", result.Type)
	}
	if err != nil {
		dbTx.Rollback()
		return &RepositoryError{
			Code:    "DATABASE_ERROR",
			Message: "Failed to project transaction result",
			Detail:  err.Error(),
		}
	}

	if err := dbTx.Commit().Error; err != nil {
		return &RepositoryError{
			Code:    "DATABASE_ERROR",
			Message: "Failed to commit projection",
			Detail:  err.Error(),
		}
	}

	return nil
}

func (r *Repository) projectUser(dbTx *gorm.DB, result *ledger.ApplyResult) error {
	user := models.User{
		Address:      result.User.Address,
		Name:         result.User.Name,
		Company:      result.User.Company,
		Role:         result.User.Role.String(),
		Balance:      result.User.Balance,
		RegisteredAt: result.User.RegisteredAt,
	}
	return dbTx.Create(&user).Error
}

func (r *Repository) projectSubmission(dbTx *gorm.DB, result *ledger.ApplyResult) error {
	sub := models.Submission{
		Seller:       result.Submission.Seller,
		SubmissionID: result.Submission.ID,
		Amount:       result.Submission.Amount,
		PricePerTon:  result.Submission.PricePerTon,
		SubmittedAt:  result.Submission.CreatedAt,
	}
	return dbTx.Create(&sub).Error
}

func (r *Repository) projectVerification(dbTx *gorm.DB, result *ledger.ApplyResult) error {
	sub := result.Submission
	verifiedAt := sub.VerifiedAt
	return dbTx.Model(&models.Submission{}).
		Where("seller = ? AND submission_id = ?", sub.Seller, sub.ID).
		Updates(map[string]interface{}{
			"verified":               true,
			"verified_amount":        sub.VerifiedAmount,
			"verified_price_per_ton": sub.VerifiedPricePerTon,
			"remaining":              sub.Remaining,
			"verifier":               sub.Verifier,
			"verified_at":            verifiedAt,
		}).Error
}

func (r *Repository) projectPurchase(dbTx *gorm.DB, result *ledger.ApplyResult, txHash string) error {
	cert := models.PurchaseCertificate{
		ID:           result.Certificate.ID,
		Buyer:        result.Certificate.Buyer,
		Seller:       result.Certificate.Seller,
		SubmissionID: result.Certificate.SubmissionID,
		Amount:       result.Certificate.Amount,
		TotalPrice:   result.Certificate.TotalPrice,
		TxHash:       txHash,
		Timestamp:    result.Certificate.Timestamp,
	}
	if err := dbTx.Create(&cert).Error; err != nil {
		return err
	}

	for _, token := range result.Tokens {
		row := models.TokenCertificate{
			RegistrationNumber: token.RegistrationNumber,
			CertificateID:      cert.ID,
			Owner:              token.Owner,
			Seller:             token.Seller,
			SubmissionID:       token.SubmissionID,
			PricePaid:          token.PricePaid,
			Timestamp:          token.Timestamp,
		}
		if err := dbTx.Create(&row).Error; err != nil {
			return err
		}
	}

	// Remaining supply comes from the ledger, not local arithmetic.
	if err := dbTx.Model(&models.Submission{}).
		Where("seller = ? AND submission_id = ?", result.Submission.Seller, result.Submission.ID).
		Update("remaining", result.Submission.Remaining).Error; err != nil {
		return err
	}

	// Settlement: forward the payment to the seller.
	return dbTx.Model(&models.User{}).
		Where("address = ?", result.Certificate.Seller).
		Update("balance", gorm.Expr("balance + ?", result.Certificate.TotalPrice)).Error
}

// Read projections

// GetAllSubmissions lists every submission, optionally only unverified ones.
func (r *Repository) GetAllSubmissions(unverifiedOnly bool) ([]models.Submission, *RepositoryError) {
	var submissions []models.Submission
	query := r.db.Preload("SellerUser").Order("seller, submission_id")
	if unverifiedOnly {
		query = query.Where("verified = ?", false)
	}
	if err := query.Find(&submissions).Error; err != nil {
		return nil, &RepositoryError{
			Code:    "DATABASE_ERROR",
			Message: "Failed to query submissions",
			Detail:  err.Error(),
		}
	}
	return submissions, nil
}

// GetSubmissionsBySeller lists a seller's submissions in id order.
func (r *Repository) GetSubmissionsBySeller(seller string) ([]models.Submission, *RepositoryError) {
	var submissions []models.Submission
	err := r.db.Where("seller = ?", ledger.NormalizeAddress(seller)).
		Order("submission_id").Find(&submissions).Error
	if err != nil {
		return nil, &RepositoryError{
			Code:    "DATABASE_ERROR",
			Message: "Failed to query submissions by seller",
			Detail:  err.Error(),
		}
	}
	return submissions, nil
}

// GetSubmission fetches a single submission by seller and id.
func (r *Repository) GetSubmission(seller string, id uint64) (*models.Submission, *RepositoryError) {
	var submission models.Submission
	err := r.db.Preload("SellerUser").
		Where("seller = ? AND submission_id = ?", ledger.NormalizeAddress(seller), id).
		First(&submission).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &RepositoryError{
				Code:    "NOT_FOUND",
				Message: "Submission not found",
				Detail:  fmt.Sprintf("Submission %d for seller %s does not exist", id, seller),
			}
		}
		return nil, &RepositoryError{
			Code:    "DATABASE_ERROR",
			Message: "Database error",
			Detail:  err.Error(),
		}
	}
	return &submission, nil
}

// GetAllSellers lists registered sellers with their profiles.
func (r *Repository) GetAllSellers() ([]models.User, *RepositoryError) {
	var sellers []models.User
	err := r.db.Where("role = ?", ledger.RoleSeller.String()).
		Order("registered_at").Find(&sellers).Error
	if err != nil {
		return nil, &RepositoryError{
			Code:    "DATABASE_ERROR",
			Message: "Failed to query sellers",
			Detail:  err.Error(),
		}
	}
	return sellers, nil
}

// GetUser fetches a profile by address. Unknown addresses report the
// unassigned role rather than an error.
func (r *Repository) GetUser(address string) (*models.User, *RepositoryError) {
	address = ledger.NormalizeAddress(address)
	var user models.User
	err := r.db.Where("address = ?", address).First(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return &models.User{Address: address, Role: ledger.RoleUnassigned.String()}, nil
		}
		return nil, &RepositoryError{
			Code:    "DATABASE_ERROR",
			Message: "Database error",
			Detail:  err.Error(),
		}
	}
	return &user, nil
}

// GetPurchaseCertificates lists a buyer's purchase certificates with their
// minted registration numbers.
func (r *Repository) GetPurchaseCertificates(buyer string) ([]models.PurchaseCertificate, *RepositoryError) {
	var certificates []models.PurchaseCertificate
	err := r.db.Preload("Tokens").
		Where("buyer = ?", ledger.NormalizeAddress(buyer)).
		Order("timestamp").Find(&certificates).Error
	if err != nil {
		return nil, &RepositoryError{
			Code:    "DATABASE_ERROR",
			Message: "Failed to query purchase certificates",
			Detail:  err.Error(),
		}
	}
	return certificates, nil
}

// GetTokenCertificate fetches a single minted token by registration number.
func (r *Repository) GetTokenCertificate(registrationNumber string) (*models.TokenCertificate, *RepositoryError) {
	var token models.TokenCertificate
	err := r.db.Where("registration_number = ?", registrationNumber).First(&token).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &RepositoryError{
				Code:    "NOT_FOUND",
				Message: "Token certificate not found",
				Detail:  fmt.Sprintf("Registration number %s does not exist", registrationNumber),
			}
		}
		return nil, &RepositoryError{
			Code:    "DATABASE_ERROR",
			Message: "Database error",
			Detail:  err.Error(),
		}
	}
	return &token, nil
}

// GetTransactionByHash retrieves the audit record of a committed mutation.
func (r *Repository) GetTransactionByHash(txHash string) (*models.Transaction, *RepositoryError) {
	var transaction models.Transaction
	err := r.db.Where("tx_hash = ?", txHash).First(&transaction).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &RepositoryError{
				Code:    "NOT_FOUND",
				Message: "Transaction not found",
				Detail:  fmt.Sprintf("Transaction with hash %s not found", txHash),
			}
		}
		return nil, &RepositoryError{
			Code:    "DATABASE_ERROR",
			Message: "Failed to query transaction",
			Detail:  err.Error(),
		}
	}
	return &transaction, nil
}
