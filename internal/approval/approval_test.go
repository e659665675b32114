package approval

import (
	"context"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/acteon-io/gateway/internal/contracts"
	"github.com/acteon-io/gateway/internal/statestore"
)

func testAction() contracts.Action {
	return contracts.Action{
		ID: "act1", Namespace: "prod", Tenant: "acme", ActionType: "delete_user",
		Metadata: contracts.Metadata{Labels: map[string]string{}},
	}
}

func tokenFromURL(t *testing.T, rawURL string) string {
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	return u.Query().Get("token")
}

func TestIssueAndApprove(t *testing.T) {
	store := statestore.NewMemoryStore()
	svc := NewService(store, "http://gw", "k1", map[string]string{"k1": "supersecret1"})

	outcome, err := svc.Issue(context.Background(), testAction(), "delete this user?", time.Hour, nil)
	require.NoError(t, err)
	require.Equal(t, contracts.OutcomePendingApproval, outcome.Kind)
	require.True(t, strings.Contains(outcome.ApproveURL, "/approvals/"))

	resp, action, err := svc.VerifyAndDecide(context.Background(), tokenFromURL(t, outcome.ApproveURL), "alice")
	require.NoError(t, err)
	require.Equal(t, contracts.ApprovalApproved, resp.Status)
	require.Equal(t, "alice", action.Metadata.Labels["_approved_by"])
}

func TestRejectThenSecondDecisionFails(t *testing.T) {
	store := statestore.NewMemoryStore()
	svc := NewService(store, "http://gw", "k1", map[string]string{"k1": "supersecret1"})

	outcome, err := svc.Issue(context.Background(), testAction(), "", time.Hour, nil)
	require.NoError(t, err)

	_, _, err = svc.VerifyAndDecide(context.Background(), tokenFromURL(t, outcome.RejectURL), "bob")
	require.NoError(t, err)

	_, _, err = svc.VerifyAndDecide(context.Background(), tokenFromURL(t, outcome.ApproveURL), "bob")
	require.ErrorIs(t, err, ErrNotPending)
}

func TestKeyRotationStillVerifiesOldToken(t *testing.T) {
	store := statestore.NewMemoryStore()
	svc := NewService(store, "http://gw", "k1", map[string]string{"k1": "supersecret1"})

	outcome, err := svc.Issue(context.Background(), testAction(), "", time.Hour, nil)
	require.NoError(t, err)
	token := tokenFromURL(t, outcome.ApproveURL)

	rotated := NewService(store, "http://gw", "k2", map[string]string{"k1": "supersecret1", "k2": "supersecret2"})
	_, _, err = rotated.VerifyAndDecide(context.Background(), token, "carol")
	require.NoError(t, err)
}

func TestTamperedTokenRejected(t *testing.T) {
	store := statestore.NewMemoryStore()
	svc := NewService(store, "http://gw", "k1", map[string]string{"k1": "supersecret1"})

	outcome, err := svc.Issue(context.Background(), testAction(), "", time.Hour, nil)
	require.NoError(t, err)
	token := tokenFromURL(t, outcome.ApproveURL) + "tamper"

	_, _, err = svc.VerifyAndDecide(context.Background(), token, "mallory")
	require.ErrorIs(t, err, ErrBadToken)
}

func TestExpiredTokenRejected(t *testing.T) {
	store := statestore.NewMemoryStore()
	svc := NewService(store, "http://gw", "k1", map[string]string{"k1": "supersecret1"})

	outcome, err := svc.Issue(context.Background(), testAction(), "", -time.Second, nil)
	require.NoError(t, err)
	token := tokenFromURL(t, outcome.ApproveURL)

	_, _, err = svc.VerifyAndDecide(context.Background(), token, "dave")
	require.ErrorIs(t, err, ErrBadToken)
}

func TestExpireDueMarksExpired(t *testing.T) {
	store := statestore.NewMemoryStore()
	svc := NewService(store, "http://gw", "k1", map[string]string{"k1": "supersecret1"})

	_, err := svc.Issue(context.Background(), testAction(), "", -time.Second, nil)
	require.NoError(t, err)

	n, err := svc.ExpireDue(context.Background(), "prod", "acme")
	require.NoError(t, err)
	require.Equal(t, 1, n)
}
