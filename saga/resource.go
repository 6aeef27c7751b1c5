package saga

import "fmt"

// ResourceIdentifier names a logical resource a saga touches. The Lock
// Manager serializes sagas whose resource sets intersect; sagas with
// disjoint resource sets run in parallel (I2).
type ResourceIdentifier struct {
	Type   string `json:"type"`
	ID     string `json:"id"`
	Action string `json:"action,omitempty"`
}

// Key builds the conventional lock key for this resource (§4.2):
// tx_lock:<type>_<id>, or tx_lock:<type>_<id>_<action> when Action is set.
func (r ResourceIdentifier) Key() string {
	if r.Action != "" {
		return fmt.Sprintf("tx_lock:%s_%s_%s", r.Type, r.ID, r.Action)
	}
	return fmt.Sprintf("tx_lock:%s_%s", r.Type, r.ID)
}

// Keys builds the lock keys for a full resource set, preserving order
// (acquisition order matters for the rollback-on-partial-conflict rule).
func Keys(resources []ResourceIdentifier) []string {
	keys := make([]string, len(resources))
	for i, r := range resources {
		keys[i] = r.Key()
	}
	return keys
}

// DefaultResources is the fallback resource set (§4.6 step 1) when a saga
// declares none explicitly: the saga is serialized against others
// belonging to the same user.
func DefaultResources(userID any) []ResourceIdentifier {
	return []ResourceIdentifier{{Type: "user", ID: fmt.Sprint(userID)}}
}
