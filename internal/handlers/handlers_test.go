package handlers

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	api "github.com/coff33ninja/LANRage-sub004/pkg/api/harbormaster"
	"github.com/coff33ninja/LANRage-sub004/pkg/logging"
	"github.com/coff33ninja/LANRage-sub004/pkg/models"
)

func setupMock(t *testing.T) sqlmock.Sqlmock {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })

	Init(mockDB, logging.NewLoggerWithService("harbormaster-test"), DefaultHandlerConfig())
	SetNotifier(nil)
	return mock
}

func perform(t *testing.T, method, path, body, token string) *httptest.ResponseRecorder {
	t.Helper()

	router := gin.New()
	RegisterRoutes(router)

	var reader *strings.Reader
	if body != "" {
		reader = strings.NewReader(body)
	} else {
		reader = strings.NewReader("")
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func expectAuth(mock sqlmock.Sqlmock, peerID string) {
	mock.ExpectQuery(regexp.QuoteMeta("SELECT peer_id FROM auth_tokens")).
		WillReturnRows(sqlmock.NewRows([]string{"peer_id"}).AddRow(peerID))
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var envelope models.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	return envelope.Error.Code
}

func TestRegisterTokenIssuesPrefixedToken(t *testing.T) {
	mock := setupMock(t)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO auth_tokens")).
		WillReturnResult(sqlmock.NewResult(1, 1))

	rec := perform(t, http.MethodPost, "/auth/register", `{"peer_id":"peer-j"}`, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp api.RegisterTokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, strings.HasPrefix(resp.Token, "lrt_"))
	assert.Len(t, resp.Token, len("lrt_")+32)
	assert.True(t, resp.ExpiresAt.After(time.Now()))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRegisterTokenRequiresPeerID(t *testing.T) {
	setupMock(t)

	rec := perform(t, http.MethodPost, "/auth/register", `{}`, "")
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, models.CodeInvalid, errorCode(t, rec))
}

func TestMissingBearerRejected(t *testing.T) {
	setupMock(t)

	rec := perform(t, http.MethodGet, "/parties/a1b2c3d4e5f6", "", "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, models.CodeAuth, errorCode(t, rec))
}

func TestExpiredTokenRejected(t *testing.T) {
	mock := setupMock(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT peer_id FROM auth_tokens")).
		WillReturnError(sql.ErrNoRows)

	rec := perform(t, http.MethodGet, "/parties/a1b2c3d4e5f6", "", "lrt_stale")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, models.CodeAuth, errorCode(t, rec))
}

func TestTokenBindingPreventsCrossPeerMutation(t *testing.T) {
	// Token bound to peer-j attacking peer-h's membership.
	mock := setupMock(t)
	expectAuth(mock, "peer-j")

	rec := perform(t, http.MethodDelete, "/parties/a1b2c3d4e5f6/peers/peer-h", "", "lrt_j")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, models.CodeAuth, errorCode(t, rec))

	require.NoError(t, mock.ExpectationsWereMet(), "no mutation queries may run")
}

func TestCreatePartyHappyPath(t *testing.T) {
	mock := setupMock(t)
	expectAuth(mock, "peer-h")
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(1) FROM parties")).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO parties")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT OR REPLACE INTO peers")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	body := `{"party_id":"a1b2c3d4e5f6","name":"Friday","host":{"peer_id":"peer-h","nat_type":"full_cone"}}`
	rec := perform(t, http.MethodPost, "/parties", body, "lrt_h")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var party models.PartyInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &party))
	assert.Equal(t, "peer-h", party.HostID)
	assert.Contains(t, party.Peers, "peer-h")

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreatePartyConflict(t *testing.T) {
	mock := setupMock(t)
	expectAuth(mock, "peer-h")
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(1) FROM parties")).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectRollback()

	body := `{"party_id":"a1b2c3d4e5f6","name":"Friday","host":{"peer_id":"peer-h"}}`
	rec := perform(t, http.MethodPost, "/parties", body, "lrt_h")
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, models.CodeConflict, errorCode(t, rec))
}

func TestCreatePartyRejectsForeignHost(t *testing.T) {
	mock := setupMock(t)
	expectAuth(mock, "peer-j")

	body := `{"party_id":"a1b2c3d4e5f6","name":"Friday","host":{"peer_id":"peer-h"}}`
	rec := perform(t, http.MethodPost, "/parties", body, "lrt_j")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, models.CodeAuth, errorCode(t, rec))
}

func TestCreatePartyRejectsBadPartyID(t *testing.T) {
	mock := setupMock(t)
	expectAuth(mock, "peer-h")

	body := `{"party_id":"NOPE","host":{"peer_id":"peer-h"}}`
	rec := perform(t, http.MethodPost, "/parties", body, "lrt_h")
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, models.CodeInvalid, errorCode(t, rec))
}

func TestGetPartyNotFound(t *testing.T) {
	mock := setupMock(t)
	expectAuth(mock, "peer-h")
	mock.ExpectQuery(regexp.QuoteMeta("SELECT party_id, name, host_id, created_at")).
		WillReturnError(sql.ErrNoRows)

	rec := perform(t, http.MethodGet, "/parties/a1b2c3d4e5f6", "", "lrt_h")
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, models.CodeNotFound, errorCode(t, rec))
}

func TestJoinPartyRejectsUnknownNAT(t *testing.T) {
	mock := setupMock(t)
	expectAuth(mock, "peer-j")

	body := `{"peer":{"peer_id":"peer-j","nat_type":"quantum"}}`
	rec := perform(t, http.MethodPost, "/parties/a1b2c3d4e5f6/join", body, "lrt_j")
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, models.CodeInvalid, errorCode(t, rec))
}

func TestJoinPartyNotFound(t *testing.T) {
	mock := setupMock(t)
	expectAuth(mock, "peer-j")
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(1) FROM parties")).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

	body := `{"peer":{"peer_id":"peer-j","nat_type":"open"}}`
	rec := perform(t, http.MethodPost, "/parties/a1b2c3d4e5f6/join", body, "lrt_j")
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, models.CodeNotFound, errorCode(t, rec))
}

func TestLeavePartyCollapsesEmptyParty(t *testing.T) {
	mock := setupMock(t)
	expectAuth(mock, "peer-h")
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM peers WHERE party_id = ? AND peer_id = ?")).
		WithArgs("a1b2c3d4e5f6", "peer-h").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM parties")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	rec := perform(t, http.MethodDelete, "/parties/a1b2c3d4e5f6/peers/peer-h", "", "lrt_h")
	require.Equal(t, http.StatusNoContent, rec.Code)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLeavePartyUnknownPeer(t *testing.T) {
	mock := setupMock(t)
	expectAuth(mock, "peer-h")
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM peers WHERE party_id = ? AND peer_id = ?")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	rec := perform(t, http.MethodDelete, "/parties/a1b2c3d4e5f6/peers/peer-h", "", "lrt_h")
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, models.CodeNotFound, errorCode(t, rec))
}

func TestHeartbeatRefreshesLastSeen(t *testing.T) {
	mock := setupMock(t)
	expectAuth(mock, "peer-j")
	mock.ExpectExec(regexp.QuoteMeta("UPDATE peers SET last_seen = ?")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	rec := perform(t, http.MethodPost, "/parties/a1b2c3d4e5f6/peers/peer-j/heartbeat", "", "lrt_j")
	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestHeartbeatForReapedPeerReturns404(t *testing.T) {
	mock := setupMock(t)
	expectAuth(mock, "peer-j")
	mock.ExpectExec(regexp.QuoteMeta("UPDATE peers SET last_seen = ?")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	rec := perform(t, http.MethodPost, "/parties/a1b2c3d4e5f6/peers/peer-j/heartbeat", "", "lrt_j")
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, models.CodeNotFound, errorCode(t, rec))
}

func TestRegisterRelayUpserts(t *testing.T) {
	mock := setupMock(t)
	expectAuth(mock, "relay-operator")
	mock.ExpectExec(regexp.QuoteMeta("INSERT OR REPLACE INTO relays")).
		WillReturnResult(sqlmock.NewResult(1, 1))

	body := `{"relay":{"relay_id":"relay-1","region":"eu-west","endpoint_ip":"203.0.113.7","endpoint_port":3478,"capacity":100}}`
	rec := perform(t, http.MethodPost, "/relays", body, "lrt_r")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var relay models.RelayInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &relay))
	assert.False(t, relay.LastSeen.IsZero())
}

func TestGetRelaysByRegionFiltersLive(t *testing.T) {
	mock := setupMock(t)
	expectAuth(mock, "peer-j")
	mock.ExpectQuery(regexp.QuoteMeta("WHERE region = ? AND last_seen > ?")).
		WithArgs("eu-west", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{
			"relay_id", "region", "endpoint_ip", "endpoint_port", "capacity", "current_load", "last_seen",
		}).AddRow("relay-1", "eu-west", "203.0.113.7", 3478, 100, 3, time.Now().UTC()))

	rec := perform(t, http.MethodGet, "/relays/eu-west", "", "lrt_j")
	require.Equal(t, http.StatusOK, rec.Code)

	var relays []models.RelayInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &relays))
	require.Len(t, relays, 1)
	assert.Equal(t, "relay-1", relays[0].RelayID)
}

func TestReaperRunsEachStepInItsOwnTransaction(t *testing.T) {
	mock := setupMock(t)

	steps := []string{
		"DELETE FROM peers WHERE last_seen < ?",
		"DELETE FROM parties",
		"DELETE FROM auth_tokens WHERE expires_at < ?",
		"DELETE FROM relays WHERE last_seen < ?",
	}
	for _, step := range steps {
		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta(step)).
			WillReturnResult(sqlmock.NewResult(0, 2))
		mock.ExpectCommit()
	}

	ReapOnce(time.Now().UTC())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHealthEndpointIsPublic(t *testing.T) {
	setupMock(t)

	rec := perform(t, http.MethodGet, "/", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var health api.HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "harbormaster", health.Service)
}
