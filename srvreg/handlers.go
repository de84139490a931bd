package srvreg

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/greenledger/carbon-ledger/ledger"
)

const consensusTimeout = 30 * time.Second

// statusForCode maps a repository/ledger error code to an HTTP status.
func statusForCode(code string) int {
	switch code {
	case ledger.CodeUnauthorized:
		return http.StatusForbidden
	case ledger.CodeNotFound:
		return http.StatusNotFound
	case ledger.CodeInvalidInput:
		return http.StatusBadRequest
	case ledger.CodeStateConflict:
		return http.StatusConflict
	case ledger.CodePaymentMismatch:
		return http.StatusPaymentRequired
	case "CONSENSUS_TIMEOUT":
		return http.StatusGatewayTimeout
	case "CONSENSUS_ERROR":
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func errorResponse(code string, message, detail string) *Response {
	body, _ := json.Marshal(map[string]string{
		"error":  message,
		"code":   code,
		"detail": detail,
	})
	return &Response{
		StatusCode: statusForCode(code),
		Headers:    defaultHeaders,
		Body:       string(body),
	}
}

func jsonResponse(statusCode int, payload interface{}) (*Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return &Response{
			StatusCode: http.StatusInternalServerError,
			Headers:    defaultHeaders,
			Body:       `{"error":"Failed to serialize response"}`,
		}, err
	}
	return &Response{
		StatusCode: statusCode,
		Headers:    defaultHeaders,
		Body:       string(body),
	}, nil
}

func badRequest(detail string) *Response {
	body, _ := json.Marshal(map[string]string{"error": detail})
	return &Response{
		StatusCode: http.StatusBadRequest,
		Headers:    defaultHeaders,
		Body:       string(body),
	}
}

// Mutation handlers: each builds a ledger transaction and submits it to
// BFT consensus via the repository.

// RegisterUserHandler binds a wallet address to a role and profile.
func (sr *ServiceRegistry) RegisterUserHandler(req *Request) (*Response, error) {
	var body struct {
		Caller  string `json:"caller"`
		Role    string `json:"role"`
		Name    string `json:"name"`
		Company string `json:"company"`
	}
	if err := json.Unmarshal([]byte(req.Body), &body); err != nil {
		return badRequest(fmt.Sprintf("Invalid request body: %s", err.Error())), nil
	}
	if body.Caller == "" || body.Role == "" {
		return badRequest("caller and role are required"), nil
	}

	tx := &ledger.Tx{
		Type:   ledger.TxRegister,
		Caller: body.Caller,
		Reg: &ledger.RegisterPayload{
			Role:    body.Role,
			Name:    body.Name,
			Company: body.Company,
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), consensusTimeout)
	defer cancel()

	result, consensus, repoErr := sr.repository.ExecuteTx(ctx, tx)
	if repoErr != nil {
		sr.logger.Error("Registration rejected", "caller", body.Caller, "code", repoErr.Code, "detail", repoErr.Detail)
		return errorResponse(repoErr.Code, repoErr.Message, repoErr.Detail), nil
	}

	return jsonResponse(http.StatusCreated, map[string]interface{}{
		"message":      "Registration successful",
		"user":         result.User,
		"tx_hash":      consensus.TxHash,
		"block_height": consensus.BlockHeight,
	})
}

// SubmitCarbonHandler records a seller's carbon claim.
func (sr *ServiceRegistry) SubmitCarbonHandler(req *Request) (*Response, error) {
	var body struct {
		Caller      string `json:"caller"`
		Amount      uint64 `json:"amount"`
		PricePerTon uint64 `json:"price_per_ton"`
	}
	if err := json.Unmarshal([]byte(req.Body), &body); err != nil {
		return badRequest(fmt.Sprintf("Invalid request body: %s", err.Error())), nil
	}
	if body.Caller == "" {
		return badRequest("caller is required"), nil
	}

	tx := &ledger.Tx{
		Type:   ledger.TxSubmitCarbon,
		Caller: body.Caller,
		Sub: &ledger.SubmitPayload{
			Amount:      body.Amount,
			PricePerTon: body.PricePerTon,
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), consensusTimeout)
	defer cancel()

	result, consensus, repoErr := sr.repository.ExecuteTx(ctx, tx)
	if repoErr != nil {
		sr.logger.Error("Submission rejected", "caller", body.Caller, "code", repoErr.Code, "detail", repoErr.Detail)
		return errorResponse(repoErr.Code, repoErr.Message, repoErr.Detail), nil
	}

	return jsonResponse(http.StatusCreated, map[string]interface{}{
		"message":      "Carbon submission recorded",
		"submission":   result.Submission,
		"tx_hash":      consensus.TxHash,
		"block_height": consensus.BlockHeight,
	})
}

// VerifySubmissionHandler applies the admin's one-shot verification.
func (sr *ServiceRegistry) VerifySubmissionHandler(req *Request) (*Response, error) {
	var body struct {
		Caller              string `json:"caller"`
		Seller              string `json:"seller"`
		SubmissionID        uint64 `json:"submission_id"`
		VerifiedAmount      uint64 `json:"verified_amount"`
		VerifiedPricePerTon uint64 `json:"verified_price_per_ton"`
	}
	if err := json.Unmarshal([]byte(req.Body), &body); err != nil {
		return badRequest(fmt.Sprintf("Invalid request body: %s", err.Error())), nil
	}
	if body.Caller == "" || body.Seller == "" || body.SubmissionID == 0 {
		return badRequest("caller, seller and submission_id are required"), nil
	}

	tx := &ledger.Tx{
		Type:   ledger.TxVerifySubmission,
		Caller: body.Caller,
		Ver: &ledger.VerifyPayload{
			Seller:              body.Seller,
			SubmissionID:        body.SubmissionID,
			VerifiedAmount:      body.VerifiedAmount,
			VerifiedPricePerTon: body.VerifiedPricePerTon,
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), consensusTimeout)
	defer cancel()

	result, consensus, repoErr := sr.repository.ExecuteTx(ctx, tx)
	if repoErr != nil {
		sr.logger.Error("Verification rejected", "caller", body.Caller, "code", repoErr.Code, "detail", repoErr.Detail)
		return errorResponse(repoErr.Code, repoErr.Message, repoErr.Detail), nil
	}

	return jsonResponse(http.StatusOK, map[string]interface{}{
		"message":      "Submission verified",
		"submission":   result.Submission,
		"tx_hash":      consensus.TxHash,
		"block_height": consensus.BlockHeight,
	})
}

// BuyTokensHandler settles a purchase against a verified submission.
func (sr *ServiceRegistry) BuyTokensHandler(req *Request) (*Response, error) {
	var body struct {
		Caller       string `json:"caller"`
		Seller       string `json:"seller"`
		SubmissionID uint64 `json:"submission_id"`
		Amount       uint64 `json:"amount"`
		Payment      uint64 `json:"payment"`
	}
	if err := json.Unmarshal([]byte(req.Body), &body); err != nil {
		return badRequest(fmt.Sprintf("Invalid request body: %s", err.Error())), nil
	}
	if body.Caller == "" || body.Seller == "" || body.SubmissionID == 0 {
		return badRequest("caller, seller and submission_id are required"), nil
	}

	tx := &ledger.Tx{
		Type:   ledger.TxBuyTokens,
		Caller: body.Caller,
		Buy: &ledger.BuyPayload{
			Seller:       body.Seller,
			SubmissionID: body.SubmissionID,
			Amount:       body.Amount,
			Payment:      body.Payment,
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), consensusTimeout)
	defer cancel()

	result, consensus, repoErr := sr.repository.ExecuteTx(ctx, tx)
	if repoErr != nil {
		sr.logger.Error("Purchase rejected", "caller", body.Caller, "code", repoErr.Code, "detail", repoErr.Detail)
		return errorResponse(repoErr.Code, repoErr.Message, repoErr.Detail), nil
	}

	return jsonResponse(http.StatusOK, map[string]interface{}{
		"message":      "Purchase settled",
		"certificate":  result.Certificate,
		"remaining":    result.Submission.Remaining,
		"tx_hash":      consensus.TxHash,
		"block_height": consensus.BlockHeight,
	})
}

// Read handlers: served from the materialized read model, never consensus.

// GetAllSubmissionsHandler lists every submission.
func (sr *ServiceRegistry) GetAllSubmissionsHandler(req *Request) (*Response, error) {
	submissions, repoErr := sr.repository.GetAllSubmissions(false)
	if repoErr != nil {
		return errorResponse(repoErr.Code, repoErr.Message, repoErr.Detail), nil
	}
	return jsonResponse(http.StatusOK, map[string]interface{}{
		"submissions": submissions,
		"count":       len(submissions),
	})
}

// GetUnverifiedSubmissionsHandler lists submissions awaiting verification.
func (sr *ServiceRegistry) GetUnverifiedSubmissionsHandler(req *Request) (*Response, error) {
	submissions, repoErr := sr.repository.GetAllSubmissions(true)
	if repoErr != nil {
		return errorResponse(repoErr.Code, repoErr.Message, repoErr.Detail), nil
	}
	return jsonResponse(http.StatusOK, map[string]interface{}{
		"submissions": submissions,
		"count":       len(submissions),
	})
}

// GetSellersHandler lists registered sellers.
func (sr *ServiceRegistry) GetSellersHandler(req *Request) (*Response, error) {
	sellers, repoErr := sr.repository.GetAllSellers()
	if repoErr != nil {
		return errorResponse(repoErr.Code, repoErr.Message, repoErr.Detail), nil
	}
	return jsonResponse(http.StatusOK, map[string]interface{}{
		"sellers": sellers,
		"count":   len(sellers),
	})
}

// GetSellerSubmissionsHandler lists one seller's submissions.
func (sr *ServiceRegistry) GetSellerSubmissionsHandler(req *Request) (*Response, error) {
	pathParts := strings.Split(req.Path, "/")
	if len(pathParts) != 5 {
		return badRequest("Invalid path format"), nil
	}
	seller := pathParts[3]

	submissions, repoErr := sr.repository.GetSubmissionsBySeller(seller)
	if repoErr != nil {
		return errorResponse(repoErr.Code, repoErr.Message, repoErr.Detail), nil
	}
	return jsonResponse(http.StatusOK, map[string]interface{}{
		"seller":      ledger.NormalizeAddress(seller),
		"submissions": submissions,
		"count":       len(submissions),
	})
}

// GetSubmissionDetailHandler fetches one submission by seller and id.
func (sr *ServiceRegistry) GetSubmissionDetailHandler(req *Request) (*Response, error) {
	pathParts := strings.Split(req.Path, "/")
	if len(pathParts) != 6 {
		return badRequest("Invalid path format"), nil
	}
	seller := pathParts[3]
	id, err := strconv.ParseUint(pathParts[5], 10, 64)
	if err != nil {
		return badRequest("Invalid submission id"), nil
	}

	submission, repoErr := sr.repository.GetSubmission(seller, id)
	if repoErr != nil {
		return errorResponse(repoErr.Code, repoErr.Message, repoErr.Detail), nil
	}
	return jsonResponse(http.StatusOK, submission)
}

// GetPurchaseCertificatesHandler lists a buyer's purchase certificates.
func (sr *ServiceRegistry) GetPurchaseCertificatesHandler(req *Request) (*Response, error) {
	pathParts := strings.Split(req.Path, "/")
	if len(pathParts) != 5 {
		return badRequest("Invalid path format"), nil
	}
	buyer := pathParts[3]

	certificates, repoErr := sr.repository.GetPurchaseCertificates(buyer)
	if repoErr != nil {
		return errorResponse(repoErr.Code, repoErr.Message, repoErr.Detail), nil
	}
	return jsonResponse(http.StatusOK, map[string]interface{}{
		"buyer":        ledger.NormalizeAddress(buyer),
		"certificates": certificates,
		"count":        len(certificates),
	})
}

// GetTokenCertificateHandler fetches a minted token by registration number.
func (sr *ServiceRegistry) GetTokenCertificateHandler(req *Request) (*Response, error) {
	pathParts := strings.Split(req.Path, "/")
	if len(pathParts) != 4 {
		return badRequest("Invalid path format"), nil
	}
	regNo := pathParts[3]

	token, repoErr := sr.repository.GetTokenCertificate(regNo)
	if repoErr != nil {
		return errorResponse(repoErr.Code, repoErr.Message, repoErr.Detail), nil
	}
	return jsonResponse(http.StatusOK, token)
}

// GetUserHandler fetches a profile and role by address.
func (sr *ServiceRegistry) GetUserHandler(req *Request) (*Response, error) {
	pathParts := strings.Split(req.Path, "/")
	if len(pathParts) != 4 {
		return badRequest("Invalid path format"), nil
	}

	user, repoErr := sr.repository.GetUser(pathParts[3])
	if repoErr != nil {
		return errorResponse(repoErr.Code, repoErr.Message, repoErr.Detail), nil
	}
	return jsonResponse(http.StatusOK, user)
}

// GetAdminHandler returns the fixed admin address.
func (sr *ServiceRegistry) GetAdminHandler(req *Request) (*Response, error) {
	return jsonResponse(http.StatusOK, map[string]string{
		"admin": sr.repository.AdminAddress(),
	})
}

// GetTransactionHandler retrieves the audit record of a mutation by hash.
func (sr *ServiceRegistry) GetTransactionHandler(req *Request) (*Response, error) {
	pathParts := strings.Split(req.Path, "/")
	if len(pathParts) != 4 {
		return badRequest("Invalid path format"), nil
	}

	transaction, repoErr := sr.repository.GetTransactionByHash(pathParts[3])
	if repoErr != nil {
		return errorResponse(repoErr.Code, repoErr.Message, repoErr.Detail), nil
	}
	return jsonResponse(http.StatusOK, transaction)
}

// StatusHandler provides ledger system status.
func (sr *ServiceRegistry) StatusHandler(req *Request) (*Response, error) {
	return jsonResponse(http.StatusOK, map[string]interface{}{
		"status":  "active",
		"service": "carbon-credit-ledger",
		"type":    "Byzantine Fault Tolerant",
		"time":    time.Now(),
	})
}
