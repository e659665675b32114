// Package contracts defines the wire-level data model shared by every
// dispatch-pipeline component: actions, verdicts, outcomes, rules, and
// audit records.
package contracts

import "fmt"

// Namespace identifies a logical tenant grouping boundary above Tenant.
type Namespace string

// TenantId identifies the caller-scoped tenant within a Namespace.
type TenantId string

// ProviderId identifies a registered provider plugin.
type ProviderId string

// ActionId is the UUID-v4 identity of a single Action.
type ActionId string

// ActionKey is the canonical string form used for state-store and lock
// keys: "namespace:tenant:action_id[:discriminator]".
type ActionKey string

// NewActionKey builds the canonical key. discriminator may be empty.
func NewActionKey(ns Namespace, tenant TenantId, id ActionId, discriminator string) ActionKey {
	if discriminator == "" {
		return ActionKey(fmt.Sprintf("%s:%s:%s", ns, tenant, id))
	}
	return ActionKey(fmt.Sprintf("%s:%s:%s:%s", ns, tenant, id, discriminator))
}

func (k ActionKey) String() string { return string(k) }
