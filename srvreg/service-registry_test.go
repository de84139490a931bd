package srvreg

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/greenledger/carbon-ledger/ledger"

	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchPath(t *testing.T) {
	cases := []struct {
		pattern string
		path    string
		want    bool
	}{
		{"/carbon/users/:address", "/carbon/users/0xabc", true},
		{"/carbon/users/:address", "/carbon/users", false},
		{"/carbon/users/:address", "/carbon/tokens/0xabc", false},
		{"/carbon/sellers/:address/submissions", "/carbon/sellers/0xabc/submissions", true},
		{"/carbon/sellers/:address/submissions", "/carbon/sellers/0xabc/certificates", false},
		{"/carbon/sellers/:address/submissions/:id", "/carbon/sellers/0xabc/submissions/1", true},
		{"/carbon/sellers/:address/submissions/:id", "/carbon/sellers/0xabc/submissions", false},
		{"/carbon/status", "/carbon/status", true},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.want, matchPath(tc.pattern, tc.path), "pattern %s path %s", tc.pattern, tc.path)
	}
}

func TestGetHandlerForPath(t *testing.T) {
	sr := NewServiceRegistry(nil, cmtlog.NewNopLogger())

	exact := func(*Request) (*Response, error) {
		return &Response{StatusCode: http.StatusOK, Body: "exact"}, nil
	}
	pattern := func(*Request) (*Response, error) {
		return &Response{StatusCode: http.StatusOK, Body: "pattern"}, nil
	}

	sr.RegisterHandler("GET", "/carbon/submissions", true, exact)
	sr.RegisterHandler("GET", "/carbon/users/:address", false, pattern)

	handler, found := sr.GetHandlerForPath("GET", "/carbon/submissions")
	require.True(t, found)
	resp, err := handler(nil)
	require.NoError(t, err)
	assert.Equal(t, "exact", resp.Body)

	handler, found = sr.GetHandlerForPath("get", "/carbon/users/0xabc")
	require.True(t, found)
	resp, err = handler(nil)
	require.NoError(t, err)
	assert.Equal(t, "pattern", resp.Body)

	_, found = sr.GetHandlerForPath("POST", "/carbon/submissions")
	assert.False(t, found)

	_, found = sr.GetHandlerForPath("GET", "/carbon/unknown")
	assert.False(t, found)
}

func TestRegisterDefaultServicesRoutes(t *testing.T) {
	sr := NewServiceRegistry(nil, cmtlog.NewNopLogger())
	sr.RegisterDefaultServices()

	routes := []struct {
		method string
		path   string
	}{
		{"POST", "/carbon/register"},
		{"POST", "/carbon/submissions"},
		{"POST", "/carbon/verify"},
		{"POST", "/carbon/buy"},
		{"GET", "/carbon/submissions"},
		{"GET", "/carbon/submissions/unverified"},
		{"GET", "/carbon/sellers"},
		{"GET", "/carbon/sellers/0xabc/submissions"},
		{"GET", "/carbon/sellers/0xabc/submissions/2"},
		{"GET", "/carbon/buyers/0xdef/certificates"},
		{"GET", "/carbon/tokens/CCT-00000001"},
		{"GET", "/carbon/users/0xabc"},
		{"GET", "/carbon/admin"},
		{"GET", "/carbon/transaction/deadbeef"},
		{"GET", "/carbon/status"},
	}

	for _, route := range routes {
		_, found := sr.GetHandlerForPath(route.method, route.path)
		assert.True(t, found, "%s %s must be routed", route.method, route.path)
	}
}

func TestGenerateResponseUnknownRoute(t *testing.T) {
	sr := NewServiceRegistry(nil, cmtlog.NewNopLogger())
	sr.RegisterDefaultServices()

	req := &Request{Method: "GET", Path: "/carbon/nope"}
	resp, err := req.GenerateResponse(sr)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, resp.Body, "Service not found")
}

func TestConvertHttpRequestCompactsBody(t *testing.T) {
	body := `{
		"caller": "0xabc",
		"role":   "seller"
	}`
	httpReq := httptest.NewRequest("POST", "/carbon/register", strings.NewReader(body))
	httpReq.Header.Set("Content-Type", "application/json")

	req, err := ConvertHttpRequestToConsensusRequest(httpReq, "req-1")
	require.NoError(t, err)
	assert.Equal(t, "POST", req.Method)
	assert.Equal(t, "/carbon/register", req.Path)
	assert.Equal(t, `{"caller":"0xabc","role":"seller"}`, req.Body)
	assert.Equal(t, "application/json", req.Headers["Content-Type"])
	assert.Equal(t, "req-1", req.RequestID)
}

func TestConvertHttpRequestKeepsNonJSONBody(t *testing.T) {
	httpReq := httptest.NewRequest("POST", "/carbon/register", strings.NewReader("  plain text  "))

	req, err := ConvertHttpRequestToConsensusRequest(httpReq, "req-2")
	require.NoError(t, err)
	assert.Equal(t, "plain text", req.Body)
}

func TestStatusForCode(t *testing.T) {
	cases := map[string]int{
		ledger.CodeUnauthorized:    http.StatusForbidden,
		ledger.CodeNotFound:        http.StatusNotFound,
		ledger.CodeInvalidInput:    http.StatusBadRequest,
		ledger.CodeStateConflict:   http.StatusConflict,
		ledger.CodePaymentMismatch: http.StatusPaymentRequired,
		"CONSENSUS_TIMEOUT":        http.StatusGatewayTimeout,
		"CONSENSUS_ERROR":          http.StatusBadGateway,
		"DATABASE_ERROR":           http.StatusInternalServerError,
	}

	for code, want := range cases {
		assert.Equal(t, want, statusForCode(code), "code %s", code)
	}
}

func TestMutationHandlersRejectBadBodies(t *testing.T) {
	sr := NewServiceRegistry(nil, cmtlog.NewNopLogger())

	handlers := map[string]ServiceHandler{
		"register": sr.RegisterUserHandler,
		"submit":   sr.SubmitCarbonHandler,
		"verify":   sr.VerifySubmissionHandler,
		"buy":      sr.BuyTokensHandler,
	}

	for name, handler := range handlers {
		t.Run(name+" malformed json", func(t *testing.T) {
			resp, err := handler(&Request{Body: "{{{"})
			require.NoError(t, err)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
		t.Run(name+" missing caller", func(t *testing.T) {
			resp, err := handler(&Request{Body: `{"role":"seller","seller":"0xabc","submission_id":1}`})
			require.NoError(t, err)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
}

func TestGenerateRequestIDIsDeterministic(t *testing.T) {
	a := &Request{Method: "POST", Path: "/carbon/buy", Body: `{"amount":1}`}
	b := &Request{Method: "POST", Path: "/carbon/buy", Body: `{"amount":1}`}
	a.GenerateRequestID()
	b.GenerateRequestID()
	require.NotEmpty(t, a.RequestID)
	assert.Equal(t, a.RequestID, b.RequestID)

	c := &Request{Method: "POST", Path: "/carbon/buy", Body: `{"amount":2}`}
	c.GenerateRequestID()
	assert.NotEqual(t, a.RequestID, c.RequestID)
}
