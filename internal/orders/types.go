// Package orders is the cross-character order board.
//
// An order asks for a quantity of an item from a specific source (a
// gather node, a monster, or a craft recipe). Characters claim orders
// under a time-bounded lease, work them, and fulfill them by depositing
// the items into the bank. The board lives in memory and is flushed to
// its store after every mutation; the store is the source of truth
// across restarts.
package orders

import (
	"time"
)

// Status of an order.
type Status string

const (
	StatusOpen      Status = "open"
	StatusClaimed   Status = "claimed"
	StatusFulfilled Status = "fulfilled"
)

// Source types an order can draw from.
const (
	SourceGather  = "gather"
	SourceMonster = "monster"
	SourceCraft   = "craft"
)

// Block reasons. Reasons without a deadline last for the rest of the run.
const (
	ReasonInsufficientSkill   = "insufficient_skill"
	ReasonNoMapLocation       = "no_map_location"
	ReasonEventOnlyNotActive  = "event_only_not_active"
	ReasonMissingGatherSource = "missing_gather_source"
)

// DefaultGatherBlock is how long a missing-gather-source block lasts.
const DefaultGatherBlock = 10 * time.Minute

// Claim is a lease held by one character on an order.
type Claim struct {
	CharName       string    `json:"charName"`
	LeaseExpiresAt time.Time `json:"leaseExpiresAt"`
}

// Order is one request on the board.
type Order struct {
	ID            string `json:"id"`
	RequesterName string `json:"requesterName"`
	RecipeCode    string `json:"recipeCode,omitempty"`
	ItemCode      string `json:"itemCode"`
	SourceType    string `json:"sourceType"`
	SourceCode    string `json:"sourceCode"`
	GatherSkill   string `json:"gatherSkill,omitempty"`
	SourceLevel   int    `json:"sourceLevel"`

	RequestedQty int    `json:"requestedQty"`
	RemainingQty int    `json:"remainingQty"`
	Status       Status `json:"status"`
	Claim        *Claim `json:"claim,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// clone returns a deep copy safe to hand outside the board's lock.
func (o *Order) clone() Order {
	out := *o
	if o.Claim != nil {
		claim := *o.Claim
		out.Claim = &claim
	}
	return out
}

// CreateOrder is the request shape for CreateOrMergeOrder.
type CreateOrder struct {
	RequesterName string
	RecipeCode    string
	ItemCode      string
	SourceType    string
	SourceCode    string
	GatherSkill   string
	SourceLevel   int
	Quantity      int
}

// Contribution records one deposited line landing on one order.
type Contribution struct {
	OrderID       string `json:"orderId"`
	ItemCode      string `json:"itemCode"`
	Quantity      int    `json:"quantity"`
	Status        Status `json:"status"`
	Opportunistic bool   `json:"opportunistic"`
}

// Block is a per-character (or global) decision to skip an order.
type Block struct {
	CharName string     `json:"charName"` // "*" blocks the order for everyone
	OrderID  string     `json:"orderId"`
	Reason   string     `json:"reason"`
	Until    *time.Time `json:"until,omitempty"` // nil means for the rest of the run
}

// GlobalChar is the block registry's wildcard character.
const GlobalChar = "*"
