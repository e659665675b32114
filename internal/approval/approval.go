// Package approval implements spec §4.7: signed approve/reject URLs
// gating re-entry of a held action into dispatch.
package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/acteon-io/gateway/internal/contracts"
	"github.com/acteon-io/gateway/internal/statestore"
)

func newID() string { return uuid.NewString() }

var (
	// ErrNotPending is returned when a decide call targets an approval
	// that has already been decided or has expired (spec: "idempotent
	// error" on an already-completed approval).
	ErrNotPending = errors.New("approval: not pending")
	// ErrBadToken covers a malformed token, a signature that fails
	// verification, or an expired claim — deliberately not distinguished
	// so a forged URL can't be narrowed down by its failure mode.
	ErrBadToken = errors.New("approval: invalid or expired token")
)

// approvalClaims is the HS256 JWT payload signed into each approve/
// reject URL: a content-addressed token rather than a bare HMAC digest,
// so rotation, expiry, and decoding all reuse jwt/v5's machinery instead
// of hand-rolled query-string signing.
type approvalClaims struct {
	jwt.RegisteredClaims
	Namespace string                 `json:"ns"`
	Tenant    string                 `json:"tenant"`
	ID        string                 `json:"aid"`
	Action    contracts.ApprovalAction `json:"act"`
}

// Service issues and verifies signed approval URLs and persists
// ApprovalRecord state in the shared StateStore (key
// apr:{ns}:{tenant}:{id}).
type Service struct {
	store      statestore.Store
	baseURL    string
	currentKid string
	keys       map[string][]byte
}

func NewService(store statestore.Store, baseURL, currentKid string, signingKeys map[string]string) *Service {
	keys := make(map[string][]byte, len(signingKeys))
	for kid, secret := range signingKeys {
		keys[kid] = []byte(secret)
	}
	return &Service{store: store, baseURL: baseURL, currentKid: currentKid, keys: keys}
}

func approvalKey(ns contracts.Namespace, tenant contracts.TenantId, id string) string {
	return fmt.Sprintf("apr:%s:%s:%s", ns, tenant, id)
}

// Issue persists a new Pending ApprovalRecord for action and returns the
// outcome carrying its signed approve/reject URLs.
func (s *Service) Issue(ctx context.Context, action contracts.Action, message string, ttl time.Duration, notify []string) (contracts.ActionOutcome, error) {
	id := newID()
	expiresAt := time.Now().Add(ttl)

	record := contracts.ApprovalRecord{
		ID:        id,
		Namespace: action.Namespace,
		Tenant:    action.Tenant,
		Action:    action,
		Status:    contracts.ApprovalPending,
		ExpiresAt: expiresAt,
		Message:   message,
		Notify:    notify,
	}
	value, err := json.Marshal(record)
	if err != nil {
		return contracts.ActionOutcome{}, fmt.Errorf("approval: encode record: %w", err)
	}
	if err := s.store.Set(ctx, approvalKey(action.Namespace, action.Tenant, id), value, 0); err != nil {
		return contracts.ActionOutcome{}, fmt.Errorf("approval: persist record: %w", err)
	}

	approveToken, err := s.sign(action.Namespace, action.Tenant, id, contracts.ApprovalActionApprove, expiresAt)
	if err != nil {
		return contracts.ActionOutcome{}, err
	}
	rejectToken, err := s.sign(action.Namespace, action.Tenant, id, contracts.ApprovalActionReject, expiresAt)
	if err != nil {
		return contracts.ActionOutcome{}, err
	}

	approveURL := fmt.Sprintf("%s/approvals/%s?token=%s", s.baseURL, id, approveToken)
	rejectURL := fmt.Sprintf("%s/approvals/%s?token=%s", s.baseURL, id, rejectToken)

	return contracts.PendingApproval(id, expiresAt, approveURL, rejectURL), nil
}

// sign issues an HS256 JWT over (namespace, tenant, id, action, expires_at),
// with the signing kid carried in the token header so Verify can select
// the right key without guessing.
func (s *Service) sign(ns contracts.Namespace, tenant contracts.TenantId, id string, action contracts.ApprovalAction, expiresAt time.Time) (string, error) {
	claims := approvalClaims{
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(expiresAt)},
		Namespace:        string(ns),
		Tenant:           string(tenant),
		ID:               id,
		Action:           action,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	token.Header["kid"] = s.currentKid

	key, ok := s.keys[s.currentKid]
	if !ok {
		return "", fmt.Errorf("approval: current kid %q has no configured signing key", s.currentKid)
	}
	return token.SignedString(key)
}

// VerifyAndDecide parses and verifies a signed approval token, then
// applies the approve/reject decision to the underlying ApprovalRecord.
// decidedBy identifies the caller for the audit trail.
func (s *Service) VerifyAndDecide(ctx context.Context, tokenString, decidedBy string) (contracts.ApprovalActionResponse, contracts.Action, error) {
	claims, err := s.verify(tokenString)
	if err != nil {
		return contracts.ApprovalActionResponse{}, contracts.Action{}, err
	}

	ns := contracts.Namespace(claims.Namespace)
	tenant := contracts.TenantId(claims.Tenant)
	return s.decide(ctx, ns, tenant, claims.ID, claims.Action, decidedBy)
}

// verify parses tokenString, selecting the signing key by the token's
// kid header when present; when absent (legacy tokens from before kid
// rotation began) it tries every configured key in turn, matching spec
// §4.7 "or try all configured keys if omitted".
func (s *Service) verify(tokenString string) (*approvalClaims, error) {
	if kid, ok := peekKid(tokenString); ok {
		if key, found := s.keys[kid]; found {
			if claims, err := parseWithKey(tokenString, key); err == nil {
				return claims, nil
			}
		}
		return nil, ErrBadToken
	}
	for _, key := range s.keys {
		if claims, err := parseWithKey(tokenString, key); err == nil {
			return claims, nil
		}
	}
	return nil, ErrBadToken
}

func peekKid(tokenString string) (string, bool) {
	parser := jwt.NewParser()
	token, _, err := parser.ParseUnverified(tokenString, &approvalClaims{})
	if err != nil {
		return "", false
	}
	kid, ok := token.Header["kid"].(string)
	return kid, ok && kid != ""
}

func parseWithKey(tokenString string, key []byte) (*approvalClaims, error) {
	claims := &approvalClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		return key, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !token.Valid {
		return nil, ErrBadToken
	}
	return claims, nil
}

func (s *Service) decide(ctx context.Context, ns contracts.Namespace, tenant contracts.TenantId, id string, action contracts.ApprovalAction, decidedBy string) (contracts.ApprovalActionResponse, contracts.Action, error) {
	key := approvalKey(ns, tenant, id)
	for attempt := 0; attempt < 8; attempt++ {
		raw, err := s.store.Get(ctx, key)
		if err == statestore.ErrNotFound {
			return contracts.ApprovalActionResponse{}, contracts.Action{}, ErrNotPending
		}
		if err != nil {
			return contracts.ApprovalActionResponse{}, contracts.Action{}, err
		}
		var record contracts.ApprovalRecord
		if err := json.Unmarshal(raw, &record); err != nil {
			return contracts.ApprovalActionResponse{}, contracts.Action{}, fmt.Errorf("approval: decode record: %w", err)
		}
		if record.Status != contracts.ApprovalPending {
			return contracts.ApprovalActionResponse{}, contracts.Action{}, ErrNotPending
		}

		now := time.Now()
		next := record
		if action == contracts.ApprovalActionApprove {
			next.Status = contracts.ApprovalApproved
		} else {
			next.Status = contracts.ApprovalRejected
		}
		next.DecidedAt = &now
		next.DecidedBy = decidedBy

		newValue, err := json.Marshal(next)
		if err != nil {
			return contracts.ApprovalActionResponse{}, contracts.Action{}, fmt.Errorf("approval: encode record: %w", err)
		}
		ok, err := s.store.CompareAndSwap(ctx, key, raw, newValue, 0)
		if err != nil {
			return contracts.ApprovalActionResponse{}, contracts.Action{}, err
		}
		if ok {
			resp := contracts.ApprovalActionResponse{ID: id, Status: next.Status, Action: action}
			approvedAction := record.Action
			if approvedAction.Metadata.Labels == nil {
				approvedAction.Metadata.Labels = map[string]string{}
			}
			approvedAction.Metadata.Labels["_approved_by"] = decidedBy
			return resp, approvedAction, nil
		}
	}
	return contracts.ApprovalActionResponse{}, contracts.Action{}, fmt.Errorf("approval: too much contention deciding %s", id)
}

// ExpireDue scans pending approvals under (ns, tenant) and marks any
// whose expires_at has elapsed as Expired. Requires a ScanByPrefix-
// capable store; called by the background approval reaper.
func (s *Service) ExpireDue(ctx context.Context, ns contracts.Namespace, tenant contracts.TenantId) (int, error) {
	prefix := fmt.Sprintf("apr:%s:%s:", ns, tenant)
	keys, err := s.store.ScanByPrefix(ctx, prefix)
	if err != nil {
		return 0, err
	}

	now := time.Now()
	expired := 0
	for _, k := range keys {
		raw, err := s.store.Get(ctx, k)
		if err == statestore.ErrNotFound {
			continue
		}
		if err != nil {
			return expired, err
		}
		var record contracts.ApprovalRecord
		if err := json.Unmarshal(raw, &record); err != nil {
			return expired, fmt.Errorf("approval: decode record at %s: %w", k, err)
		}
		if record.Status != contracts.ApprovalPending || !record.ExpiresAt.Before(now) {
			continue
		}
		record.Status = contracts.ApprovalExpired
		newValue, err := json.Marshal(record)
		if err != nil {
			return expired, fmt.Errorf("approval: encode record: %w", err)
		}
		ok, err := s.store.CompareAndSwap(ctx, k, raw, newValue, 0)
		if err != nil {
			return expired, err
		}
		if ok {
			expired++
		}
	}
	return expired, nil
}
