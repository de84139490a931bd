package app

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/greenledger/carbon-ledger/ledger"

	abcitypes "github.com/cometbft/cometbft/abci/types"
	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/require"
)

const (
	testAdmin  = "0xad000000000000000000000000000000000000a1"
	testSeller = "0x5e000000000000000000000000000000000000b2"
	testBuyer  = "0xb0000000000000000000000000000000000000c3"
	testBuyer2 = "0xb0000000000000000000000000000000000000c4"
)

func newTestDB(t *testing.T) *badger.DB {
	t.Helper()
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestApp(t *testing.T, db *badger.DB) *Application {
	t.Helper()
	app, err := NewApplication(db, &AppConfig{
		NodeID:       "test-node",
		AdminAddress: testAdmin,
	}, cmtlog.NewNopLogger())
	require.NoError(t, err)
	return app
}

func encodeTx(t *testing.T, tx *ledger.Tx) []byte {
	t.Helper()
	raw, err := tx.Encode()
	require.NoError(t, err)
	return raw
}

func registerTx(t *testing.T, caller, role, name string) []byte {
	return encodeTx(t, &ledger.Tx{
		Type:   ledger.TxRegister,
		Caller: caller,
		Reg:    &ledger.RegisterPayload{Role: role, Name: name},
	})
}

func submitTx(t *testing.T, caller string, amount, price uint64) []byte {
	return encodeTx(t, &ledger.Tx{
		Type:   ledger.TxSubmitCarbon,
		Caller: caller,
		Sub:    &ledger.SubmitPayload{Amount: amount, PricePerTon: price},
	})
}

func verifyTx(t *testing.T, caller, seller string, id, amount, price uint64) []byte {
	return encodeTx(t, &ledger.Tx{
		Type:   ledger.TxVerifySubmission,
		Caller: caller,
		Ver: &ledger.VerifyPayload{
			Seller:              seller,
			SubmissionID:        id,
			VerifiedAmount:      amount,
			VerifiedPricePerTon: price,
		},
	})
}

func buyTx(t *testing.T, caller, seller string, id, amount, payment uint64) []byte {
	return encodeTx(t, &ledger.Tx{
		Type:   ledger.TxBuyTokens,
		Caller: caller,
		Buy: &ledger.BuyPayload{
			Seller:       seller,
			SubmissionID: id,
			Amount:       amount,
			Payment:      payment,
		},
	})
}

// finalizeBlock runs one block through FinalizeBlock and Commit.
func finalizeBlock(t *testing.T, app *Application, height int64, txs ...[]byte) *abcitypes.FinalizeBlockResponse {
	t.Helper()
	ctx := context.Background()
	resp, err := app.FinalizeBlock(ctx, &abcitypes.FinalizeBlockRequest{
		Height: height,
		Time:   time.Unix(1700000000+height, 0).UTC(),
		Txs:    txs,
	})
	require.NoError(t, err)
	_, err = app.Commit(ctx, &abcitypes.CommitRequest{})
	require.NoError(t, err)
	return resp
}

func TestCheckTxAdmitsOnlyWellFormedTxs(t *testing.T) {
	app := newTestApp(t, newTestDB(t))
	ctx := context.Background()

	resp, err := app.CheckTx(ctx, &abcitypes.CheckTxRequest{
		Tx: registerTx(t, testSeller, "seller", "Alice"),
	})
	require.NoError(t, err)
	require.Equal(t, CodeOK, resp.Code)

	// Admission is structural only: an unauthorized-but-well-formed tx passes
	// CheckTx and is rejected during ordered execution.
	resp, err = app.CheckTx(ctx, &abcitypes.CheckTxRequest{
		Tx: submitTx(t, testBuyer, 10, 5),
	})
	require.NoError(t, err)
	require.Equal(t, CodeOK, resp.Code)

	resp, err = app.CheckTx(ctx, &abcitypes.CheckTxRequest{Tx: []byte("not json")})
	require.Error(t, err)
	require.Equal(t, CodeMalformed, resp.Code)
}

func TestProcessProposalRejectsMalformedTxs(t *testing.T) {
	app := newTestApp(t, newTestDB(t))
	ctx := context.Background()

	resp, err := app.ProcessProposal(ctx, &abcitypes.ProcessProposalRequest{
		Txs: [][]byte{registerTx(t, testSeller, "seller", "Alice")},
	})
	require.NoError(t, err)
	require.Equal(t, abcitypes.PROCESS_PROPOSAL_STATUS_ACCEPT, resp.Status)

	resp, err = app.ProcessProposal(ctx, &abcitypes.ProcessProposalRequest{
		Txs: [][]byte{registerTx(t, testSeller, "seller", "Alice"), []byte("garbage")},
	})
	require.Error(t, err)
	require.Equal(t, abcitypes.PROCESS_PROPOSAL_STATUS_REJECT, resp.Status)
}

func TestFinalizeBlockLifecycle(t *testing.T) {
	app := newTestApp(t, newTestDB(t))

	resp := finalizeBlock(t, app, 1,
		registerTx(t, testSeller, "seller", "Alice"),
		registerTx(t, testBuyer, "buyer", "Bob"),
		submitTx(t, testSeller, 10, 5),
	)
	require.Len(t, resp.TxResults, 3)
	for _, res := range resp.TxResults {
		require.Equal(t, CodeOK, res.Code)
	}
	require.Equal(t, "user_registered", resp.TxResults[0].Events[0].Type)
	require.Equal(t, "carbon_submitted", resp.TxResults[2].Events[0].Type)

	resp = finalizeBlock(t, app, 2, verifyTx(t, testAdmin, testSeller, 1, 8, 6))
	require.Equal(t, CodeOK, resp.TxResults[0].Code)
	require.Equal(t, "carbon_verified", resp.TxResults[0].Events[0].Type)

	resp = finalizeBlock(t, app, 3, buyTx(t, testBuyer, testSeller, 1, 3, 18))
	require.Equal(t, CodeOK, resp.TxResults[0].Code)

	var result ledger.ApplyResult
	require.NoError(t, json.Unmarshal(resp.TxResults[0].Data, &result))
	require.Equal(t, ledger.TxBuyTokens, result.Type)
	require.Equal(t, uint64(18), result.Certificate.TotalPrice)
	require.Equal(t, uint64(5), result.Submission.Remaining)

	// One purchase event plus one mint event per ton.
	events := resp.TxResults[0].Events
	require.Equal(t, "tokens_purchased", events[0].Type)
	require.Len(t, events, 4)
	for _, ev := range events[1:] {
		require.Equal(t, "token_minted", ev.Type)
	}
}

func TestFinalizeBlockRejectionsLeaveStateUntouched(t *testing.T) {
	app := newTestApp(t, newTestDB(t))

	finalizeBlock(t, app, 1,
		registerTx(t, testSeller, "seller", "Alice"),
		registerTx(t, testBuyer, "buyer", "Bob"),
		submitTx(t, testSeller, 10, 5),
	)
	finalizeBlock(t, app, 2, verifyTx(t, testAdmin, testSeller, 1, 8, 6))

	resp := finalizeBlock(t, app, 3,
		buyTx(t, testBuyer, testSeller, 1, 3, 17),           // wrong payment
		verifyTx(t, testBuyer, testSeller, 1, 8, 6),         // not the admin
		submitTx(t, testBuyer, 10, 5),                       // not a seller
		buyTx(t, testBuyer, testSeller, 9, 1, 6),            // unknown submission
		registerTx(t, testSeller, "buyer", "Alice"),         // already registered
	)

	wantCodes := []uint32{CodePaymentMismatch, CodeUnauthorized, CodeUnauthorized, CodeNotFound, CodeStateConflict}
	wantSpaces := []string{
		ledger.CodePaymentMismatch,
		ledger.CodeUnauthorized,
		ledger.CodeUnauthorized,
		ledger.CodeNotFound,
		ledger.CodeStateConflict,
	}
	for i, res := range resp.TxResults {
		require.Equal(t, wantCodes[i], res.Code, "tx %d", i)
		require.Equal(t, wantSpaces[i], res.Codespace, "tx %d", i)
	}

	// Nothing sold, nothing re-verified.
	queryResp, err := app.Query(context.Background(), &abcitypes.QueryRequest{
		Data: []byte("submission:" + testSeller + ":1"),
	})
	require.NoError(t, err)
	var sub ledger.Submission
	require.NoError(t, json.Unmarshal(queryResp.Value, &sub))
	require.Equal(t, uint64(8), sub.Remaining)
}

func TestFinalizeBlockSerializesCompetingPurchases(t *testing.T) {
	app := newTestApp(t, newTestDB(t))

	finalizeBlock(t, app, 1,
		registerTx(t, testSeller, "seller", "Alice"),
		registerTx(t, testBuyer, "buyer", "Bob"),
		registerTx(t, testBuyer2, "buyer", "Carol"),
		submitTx(t, testSeller, 10, 5),
	)
	finalizeBlock(t, app, 2, verifyTx(t, testAdmin, testSeller, 1, 5, 6))

	// Both orders individually fit the supply, but together exceed it. Block
	// order decides: the first wins, the second conflicts.
	resp := finalizeBlock(t, app, 3,
		buyTx(t, testBuyer, testSeller, 1, 4, 24),
		buyTx(t, testBuyer2, testSeller, 1, 3, 18),
	)
	require.Equal(t, CodeOK, resp.TxResults[0].Code)
	require.Equal(t, CodeStateConflict, resp.TxResults[1].Code)
	require.Equal(t, ledger.CodeStateConflict, resp.TxResults[1].Codespace)

	queryResp, err := app.Query(context.Background(), &abcitypes.QueryRequest{
		Data: []byte("submission:" + testSeller + ":1"),
	})
	require.NoError(t, err)
	var sub ledger.Submission
	require.NoError(t, json.Unmarshal(queryResp.Value, &sub))
	require.Equal(t, uint64(1), sub.Remaining)
}

func TestAppHashIsDeterministicAcrossReplicas(t *testing.T) {
	appA := newTestApp(t, newTestDB(t))
	appB := newTestApp(t, newTestDB(t))

	blocks := [][][]byte{
		{
			registerTx(t, testSeller, "seller", "Alice"),
			registerTx(t, testBuyer, "buyer", "Bob"),
		},
		{submitTx(t, testSeller, 10, 5)},
		{verifyTx(t, testAdmin, testSeller, 1, 8, 6)},
		{buyTx(t, testBuyer, testSeller, 1, 3, 18)},
	}

	for i, txs := range blocks {
		respA := finalizeBlock(t, appA, int64(i+1), txs...)
		respB := finalizeBlock(t, appB, int64(i+1), txs...)
		require.Equal(t, respA.AppHash, respB.AppHash, "block %d", i+1)
	}
}

func TestStateRestoredFromBlockStore(t *testing.T) {
	db := newTestDB(t)
	app := newTestApp(t, db)

	finalizeBlock(t, app, 1, registerTx(t, testSeller, "seller", "Alice"))
	finalizeBlock(t, app, 2, submitTx(t, testSeller, 10, 5))

	// A fresh application over the same store resumes from the snapshot.
	restarted := newTestApp(t, db)

	info, err := restarted.Info(context.Background(), &abcitypes.InfoRequest{})
	require.NoError(t, err)
	require.Equal(t, int64(2), info.LastBlockHeight)
	require.NotEmpty(t, info.LastBlockAppHash)

	queryResp, err := restarted.Query(context.Background(), &abcitypes.QueryRequest{
		Data: []byte("user:" + testSeller),
	})
	require.NoError(t, err)
	var user ledger.User
	require.NoError(t, json.Unmarshal(queryResp.Value, &user))
	require.Equal(t, ledger.RoleSeller, user.Role)

	// And the pending submission survives the restart.
	resp := finalizeBlock(t, restarted, 3, submitTx(t, testSeller, 20, 7))
	require.Equal(t, CodeStateConflict, resp.TxResults[0].Code)
}

func TestQuerySurface(t *testing.T) {
	app := newTestApp(t, newTestDB(t))
	ctx := context.Background()

	resp, err := app.Query(ctx, &abcitypes.QueryRequest{Data: []byte("admin")})
	require.NoError(t, err)
	require.Equal(t, testAdmin, string(resp.Value))

	// Unknown addresses read as unassigned rather than failing.
	resp, err = app.Query(ctx, &abcitypes.QueryRequest{Data: []byte("user:0xdeadbeef")})
	require.NoError(t, err)
	var user ledger.User
	require.NoError(t, json.Unmarshal(resp.Value, &user))
	require.Equal(t, ledger.RoleUnassigned, user.Role)

	resp, err = app.Query(ctx, &abcitypes.QueryRequest{Data: []byte("submission:" + testSeller + ":1")})
	require.NoError(t, err)
	require.Equal(t, CodeNotFound, resp.Code)

	resp, err = app.Query(ctx, &abcitypes.QueryRequest{Data: []byte{}})
	require.NoError(t, err)
	require.Equal(t, CodeMalformed, resp.Code)
}
