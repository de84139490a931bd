package app

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"

	"github.com/greenledger/carbon-ledger/ledger"

	abcitypes "github.com/cometbft/cometbft/abci/types"
	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/dgraph-io/badger/v4"
)

// Badger keys for application metadata.
const (
	keyLedgerState = "ledger_state"
	keyLastHeight  = "last_block_height"
	keyLastAppHash = "last_block_app_hash"
)

// Result codes for transaction execution.
const (
	CodeOK uint32 = iota
	CodeMalformed
	CodeUnauthorized
	CodeNotFound
	CodeInvalidInput
	CodeStateConflict
	CodePaymentMismatch
	CodeInternal
)

// Application implements the ABCI interface for the carbon credit ledger.
// FinalizeBlock executes transactions strictly in block order under the
// application lock, so the supply check and decrement of a purchase are a
// single atomic step in the global transaction order.
type Application struct {
	badgerDB     *badger.DB
	onGoingBlock *badger.Txn
	state        *ledger.State
	nodeID       string
	mu           sync.RWMutex
	config       *AppConfig
	logger       cmtlog.Logger
}

// AppConfig contains configuration for the ledger application.
type AppConfig struct {
	NodeID       string
	AdminAddress string
	LogAllTxs    bool
}

// NewApplication creates the ABCI application, restoring ledger state from
// the badger store if a snapshot exists.
func NewApplication(badgerDB *badger.DB, config *AppConfig, logger cmtlog.Logger) (*Application, error) {
	state, err := loadState(badgerDB, config.AdminAddress)
	if err != nil {
		return nil, err
	}
	return &Application{
		badgerDB: badgerDB,
		state:    state,
		config:   config,
		logger:   logger,
	}, nil
}

func loadState(db *badger.DB, admin string) (*ledger.State, error) {
	var snapshot []byte
	err := db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyLedgerState))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		return item.Value(func(val []byte) error {
			snapshot = append([]byte{}, val...)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("reading ledger snapshot: %w", err)
	}
	if snapshot == nil {
		return ledger.NewState(admin), nil
	}
	return ledger.LoadState(snapshot)
}

func (app *Application) SetNodeID(id string) {
	app.nodeID = id
}

// Info implements the ABCI Info method.
func (app *Application) Info(_ context.Context, info *abcitypes.InfoRequest) (*abcitypes.InfoResponse, error) {
	lastBlockHeight := int64(0)
	var lastBlockAppHash []byte

	err := app.badgerDB.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyLastHeight))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}

		err = item.Value(func(val []byte) error {
			lastBlockHeight = bytesToInt64(val)
			return nil
		})
		if err != nil {
			return err
		}

		item, err = txn.Get([]byte(keyLastAppHash))
		if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		if err == nil {
			err = item.Value(func(val []byte) error {
				lastBlockAppHash = append([]byte{}, val...)
				return nil
			})
			if err != nil {
				return err
			}
		}

		return nil
	})

	if err != nil {
		log.Printf("Error getting last block info: %v", err)
	}

	return &abcitypes.InfoResponse{
		LastBlockHeight:  lastBlockHeight,
		LastBlockAppHash: lastBlockAppHash,
	}, nil
}

// Query implements the ABCI Query method. It serves ledger lookups
// directly from the authoritative state and falls back to a raw badger
// key lookup.
func (app *Application) Query(_ context.Context, req *abcitypes.QueryRequest) (*abcitypes.QueryResponse, error) {
	if len(req.Data) == 0 {
		return &abcitypes.QueryResponse{
			Code: CodeMalformed,
			Log:  "Empty query data",
		}, nil
	}

	query := string(req.Data)

	if query == "admin" {
		app.mu.RLock()
		admin := app.state.Admin
		app.mu.RUnlock()
		return &abcitypes.QueryResponse{Key: req.Data, Value: []byte(admin), Log: "exists"}, nil
	}

	if addr, ok := strings.CutPrefix(query, "user:"); ok {
		return app.queryUser(req.Data, addr)
	}

	if rest, ok := strings.CutPrefix(query, "submission:"); ok {
		return app.querySubmission(req.Data, rest)
	}

	// Raw key-value lookup against the block store.
	resp := abcitypes.QueryResponse{Key: req.Data}

	dbErr := app.badgerDB.View(func(txn *badger.Txn) error {
		item, err := txn.Get(req.Data)
		if err != nil {
			if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
			resp.Log = "key doesn't exist"
			return nil
		}

		return item.Value(func(val []byte) error {
			resp.Log = "exists"
			resp.Value = append([]byte{}, val...)
			return nil
		})
	})

	if dbErr != nil {
		log.Printf("Error reading database: %v", dbErr)
		return &abcitypes.QueryResponse{
			Code: CodeInternal,
			Log:  fmt.Sprintf("Database error: %v", dbErr),
		}, nil
	}

	return &resp, nil
}

func (app *Application) queryUser(key []byte, addr string) (*abcitypes.QueryResponse, error) {
	app.mu.RLock()
	defer app.mu.RUnlock()

	addr = ledger.NormalizeAddress(addr)
	user, ok := app.state.Users[addr]
	if !ok {
		// Reads never fail: unknown addresses report the unassigned role.
		user = &ledger.User{Address: addr, Role: ledger.RoleUnassigned}
	}
	value, err := json.Marshal(user)
	if err != nil {
		return &abcitypes.QueryResponse{Code: CodeInternal, Log: err.Error()}, nil
	}
	return &abcitypes.QueryResponse{Key: key, Value: value, Log: "exists"}, nil
}

func (app *Application) querySubmission(key []byte, rest string) (*abcitypes.QueryResponse, error) {
	seller, idStr, ok := strings.Cut(rest, ":")
	if !ok {
		return &abcitypes.QueryResponse{Code: CodeMalformed, Log: "submission query requires seller:id"}, nil
	}
	id, err := strconv.ParseUint(idStr, 10, 64)
	if err != nil {
		return &abcitypes.QueryResponse{Code: CodeMalformed, Log: "invalid submission id"}, nil
	}

	app.mu.RLock()
	defer app.mu.RUnlock()

	subs := app.state.Submissions[ledger.NormalizeAddress(seller)]
	if id == 0 || id > uint64(len(subs)) {
		return &abcitypes.QueryResponse{Code: CodeNotFound, Key: key, Log: "Submission not found"}, nil
	}
	value, err := json.Marshal(subs[id-1])
	if err != nil {
		return &abcitypes.QueryResponse{Code: CodeInternal, Log: err.Error()}, nil
	}
	return &abcitypes.QueryResponse{Key: key, Value: value, Log: "exists"}, nil
}

// CheckTx implements the ABCI CheckTx method. Admission is structural only;
// role and state checks belong to ordered execution.
func (app *Application) CheckTx(_ context.Context, check *abcitypes.CheckTxRequest) (*abcitypes.CheckTxResponse, error) {
	if _, err := ledger.DecodeTx(check.Tx); err != nil {
		return &abcitypes.CheckTxResponse{Code: CodeMalformed},
			fmt.Errorf("rejected transaction: %s", err.Error())
	}
	return &abcitypes.CheckTxResponse{Code: CodeOK}, nil
}

// InitChain implements the ABCI InitChain method.
func (app *Application) InitChain(_ context.Context, chain *abcitypes.InitChainRequest) (*abcitypes.InitChainResponse, error) {
	return &abcitypes.InitChainResponse{}, nil
}

// PrepareProposal implements the ABCI PrepareProposal method.
func (app *Application) PrepareProposal(_ context.Context, proposal *abcitypes.PrepareProposalRequest) (*abcitypes.PrepareProposalResponse, error) {
	return &abcitypes.PrepareProposalResponse{Txs: proposal.Txs}, nil
}

// ProcessProposal implements the ABCI ProcessProposal method.
func (app *Application) ProcessProposal(_ context.Context, proposal *abcitypes.ProcessProposalRequest) (*abcitypes.ProcessProposalResponse, error) {
	for i, txBytes := range proposal.Txs {
		if _, err := ledger.DecodeTx(txBytes); err != nil {
			app.logger.Error("Invalid transaction in proposal", "index", i, "error", err)
			return &abcitypes.ProcessProposalResponse{
				Status: abcitypes.PROCESS_PROPOSAL_STATUS_REJECT,
			}, fmt.Errorf("invalid transaction at index %d: %v", i, err)
		}
	}

	return &abcitypes.ProcessProposalResponse{
		Status: abcitypes.PROCESS_PROPOSAL_STATUS_ACCEPT,
	}, nil
}

// FinalizeBlock implements the ABCI FinalizeBlock method. Transactions are
// applied one at a time against the ledger state; a rejected transaction
// leaves no trace in the state.
func (app *Application) FinalizeBlock(_ context.Context, req *abcitypes.FinalizeBlockRequest) (*abcitypes.FinalizeBlockResponse, error) {
	var txResults = make([]*abcitypes.ExecTxResult, len(req.Txs))

	app.mu.Lock()
	defer app.mu.Unlock()

	app.onGoingBlock = app.badgerDB.NewTransaction(true)

	for i, txBytes := range req.Txs {
		txID := txHash(txBytes)

		tx, err := ledger.DecodeTx(txBytes)
		if err != nil {
			txResults[i] = &abcitypes.ExecTxResult{
				Code: CodeMalformed,
				Log:  err.Error(),
			}
			continue
		}

		result, ledgerErr := app.state.Apply(tx, req.Time)
		if ledgerErr != nil {
			if app.config.LogAllTxs {
				app.logger.Info("Transaction rejected", "tx_id", txID, "type", string(tx.Type), "code", ledgerErr.Code, "detail", ledgerErr.Detail)
			}
			txResults[i] = &abcitypes.ExecTxResult{
				Code:      codeForLedgerError(ledgerErr),
				Codespace: ledgerErr.Code,
				Log:       ledgerErr.Error(),
			}
			continue
		}

		txResults[i] = app.storeTxResult(txID, tx, result, txBytes)
	}

	snapshot, err := app.state.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("snapshotting ledger state: %w", err)
	}
	appHash := sha256.Sum256(snapshot)

	if err := app.onGoingBlock.Set([]byte(keyLedgerState), snapshot); err != nil {
		log.Printf("Error storing ledger snapshot: %v", err)
	}
	if err := app.onGoingBlock.Set([]byte(keyLastHeight), int64ToBytes(req.Height)); err != nil {
		log.Printf("Error storing block height: %v", err)
	}
	if err := app.onGoingBlock.Set([]byte(keyLastAppHash), appHash[:]); err != nil {
		log.Printf("Error storing app hash: %v", err)
	}

	return &abcitypes.FinalizeBlockResponse{
		TxResults: txResults,
		AppHash:   appHash[:],
	}, nil
}

// storeTxResult records the raw transaction and its effect in the block
// store and builds the execution result with its events.
func (app *Application) storeTxResult(txID string, tx *ledger.Tx, result *ledger.ApplyResult, rawTx []byte) *abcitypes.ExecTxResult {
	resultBytes, err := json.Marshal(result)
	if err != nil {
		return &abcitypes.ExecTxResult{
			Code: CodeInternal,
			Log:  fmt.Sprintf("Serialization error: %v", err),
		}
	}

	txKey := append([]byte("tx:"), []byte(txID)...)
	if err := app.onGoingBlock.Set(txKey, rawTx); err != nil {
		log.Printf("Error storing transaction: %v", err)
		return &abcitypes.ExecTxResult{
			Code: CodeInternal,
			Log:  fmt.Sprintf("Database error: %v", err),
		}
	}

	resultKey := append([]byte("result:"), []byte(txID)...)
	if err := app.onGoingBlock.Set(resultKey, resultBytes); err != nil {
		log.Printf("Error storing transaction result: %v", err)
	}

	if app.config.LogAllTxs {
		app.logger.Info("Transaction applied", "tx_id", txID, "type", string(tx.Type), "caller", tx.Caller)
	}

	return &abcitypes.ExecTxResult{
		Code:   CodeOK,
		Data:   resultBytes,
		Log:    "applied",
		Events: eventsFor(tx, result, txID),
	}
}

// eventsFor builds the indexed event facts for a committed transaction.
func eventsFor(tx *ledger.Tx, result *ledger.ApplyResult, txID string) []abcitypes.Event {
	switch result.Type {
	case ledger.TxRegister:
		return []abcitypes.Event{{
			Type: "user_registered",
			Attributes: []abcitypes.EventAttribute{
				{Key: "address", Value: result.User.Address, Index: true},
				{Key: "role", Value: result.User.Role.String(), Index: true},
				{Key: "tx_id", Value: txID, Index: true},
			},
		}}
	case ledger.TxSubmitCarbon:
		sub := result.Submission
		return []abcitypes.Event{{
			Type: "carbon_submitted",
			Attributes: []abcitypes.EventAttribute{
				{Key: "seller", Value: sub.Seller, Index: true},
				{Key: "submission_id", Value: strconv.FormatUint(sub.ID, 10), Index: true},
				{Key: "amount", Value: strconv.FormatUint(sub.Amount, 10), Index: false},
				{Key: "price_per_ton", Value: strconv.FormatUint(sub.PricePerTon, 10), Index: false},
				{Key: "tx_id", Value: txID, Index: true},
			},
		}}
	case ledger.TxVerifySubmission:
		sub := result.Submission
		return []abcitypes.Event{{
			Type: "carbon_verified",
			Attributes: []abcitypes.EventAttribute{
				{Key: "verifier", Value: sub.Verifier, Index: true},
				{Key: "seller", Value: sub.Seller, Index: true},
				{Key: "submission_id", Value: strconv.FormatUint(sub.ID, 10), Index: true},
				{Key: "verified_amount", Value: strconv.FormatUint(sub.VerifiedAmount, 10), Index: false},
				{Key: "verified_price_per_ton", Value: strconv.FormatUint(sub.VerifiedPricePerTon, 10), Index: false},
				{Key: "tx_id", Value: txID, Index: true},
			},
		}}
	case ledger.TxBuyTokens:
		cert := result.Certificate
		events := []abcitypes.Event{{
			Type: "tokens_purchased",
			Attributes: []abcitypes.EventAttribute{
				{Key: "buyer", Value: cert.Buyer, Index: true},
				{Key: "seller", Value: cert.Seller, Index: true},
				{Key: "submission_id", Value: strconv.FormatUint(cert.SubmissionID, 10), Index: true},
				{Key: "amount", Value: strconv.FormatUint(cert.Amount, 10), Index: false},
				{Key: "total_price", Value: strconv.FormatUint(cert.TotalPrice, 10), Index: false},
				{Key: "certificate_id", Value: cert.ID, Index: true},
				{Key: "tx_id", Value: txID, Index: true},
			},
		}}
		for _, token := range result.Tokens {
			events = append(events, abcitypes.Event{
				Type: "token_minted",
				Attributes: []abcitypes.EventAttribute{
					{Key: "registration_number", Value: token.RegistrationNumber, Index: true},
					{Key: "owner", Value: token.Owner, Index: true},
					{Key: "price_paid", Value: strconv.FormatUint(token.PricePaid, 10), Index: false},
				},
			})
		}
		return events
	}
	return nil
}

// Commit implements the ABCI Commit method.
func (app *Application) Commit(_ context.Context, commit *abcitypes.CommitRequest) (*abcitypes.CommitResponse, error) {
	err := app.onGoingBlock.Commit()
	if err != nil {
		log.Printf("Error committing block: %v", err)
	}
	return &abcitypes.CommitResponse{}, nil
}

// Placeholder implementations for other ABCI methods
func (app *Application) ListSnapshots(_ context.Context, snapshots *abcitypes.ListSnapshotsRequest) (*abcitypes.ListSnapshotsResponse, error) {
	return &abcitypes.ListSnapshotsResponse{}, nil
}

func (app *Application) OfferSnapshot(_ context.Context, snapshot *abcitypes.OfferSnapshotRequest) (*abcitypes.OfferSnapshotResponse, error) {
	return &abcitypes.OfferSnapshotResponse{}, nil
}

func (app *Application) LoadSnapshotChunk(_ context.Context, chunk *abcitypes.LoadSnapshotChunkRequest) (*abcitypes.LoadSnapshotChunkResponse, error) {
	return &abcitypes.LoadSnapshotChunkResponse{}, nil
}

func (app *Application) ApplySnapshotChunk(_ context.Context, chunk *abcitypes.ApplySnapshotChunkRequest) (*abcitypes.ApplySnapshotChunkResponse, error) {
	return &abcitypes.ApplySnapshotChunkResponse{
		Result: abcitypes.APPLY_SNAPSHOT_CHUNK_RESULT_ACCEPT,
	}, nil
}

func (app *Application) ExtendVote(_ context.Context, extend *abcitypes.ExtendVoteRequest) (*abcitypes.ExtendVoteResponse, error) {
	return &abcitypes.ExtendVoteResponse{}, nil
}

func (app *Application) VerifyVoteExtension(_ context.Context, verify *abcitypes.VerifyVoteExtensionRequest) (*abcitypes.VerifyVoteExtensionResponse, error) {
	return &abcitypes.VerifyVoteExtensionResponse{}, nil
}

// Helper functions

// codeForLedgerError maps a ledger rejection to an ABCI result code.
func codeForLedgerError(err *ledger.Error) uint32 {
	switch err.Code {
	case ledger.CodeUnauthorized:
		return CodeUnauthorized
	case ledger.CodeNotFound:
		return CodeNotFound
	case ledger.CodeInvalidInput:
		return CodeInvalidInput
	case ledger.CodeStateConflict:
		return CodeStateConflict
	case ledger.CodePaymentMismatch:
		return CodePaymentMismatch
	default:
		return CodeInternal
	}
}

// txHash derives the transaction id from its raw bytes.
func txHash(raw []byte) string {
	hash := sha256.Sum256(raw)
	return hex.EncodeToString(hash[:])
}

// int64ToBytes converts an int64 to bytes
func int64ToBytes(i int64) []byte {
	buf := make([]byte, 8)
	buf[0] = byte(i >> 56)
	buf[1] = byte(i >> 48)
	buf[2] = byte(i >> 40)
	buf[3] = byte(i >> 32)
	buf[4] = byte(i >> 24)
	buf[5] = byte(i >> 16)
	buf[6] = byte(i >> 8)
	buf[7] = byte(i)
	return buf
}

// bytesToInt64 converts bytes to an int64
func bytesToInt64(buf []byte) int64 {
	if len(buf) < 8 {
		return 0
	}
	return int64(buf[0])<<56 |
		int64(buf[1])<<48 |
		int64(buf[2])<<40 |
		int64(buf[3])<<32 |
		int64(buf[4])<<24 |
		int64(buf[5])<<16 |
		int64(buf[6])<<8 |
		int64(buf[7])
}
