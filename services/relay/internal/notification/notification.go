// Package notification extracts the fields the relay needs from Hotmart
// webhook payloads, whose shape differs between webhook versions.
package notification

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"github.com/tidwall/gjson"
)

var (
	ErrInvalidJSON   = errors.New("notification: body is not a JSON object")
	ErrMissingFields = errors.New("notification: purchase id and buyer email are required")
)

// Probe orders: first non-empty value wins.
var (
	purchaseIDPaths = []string{"purchase.id", "data.purchase.id", "transaction_id", "purchase_id", "data.purchase.transaction"}
	emailPaths      = []string{"buyer.email", "data.buyer.email", "email"}
	statusPaths     = []string{"status", "purchase.status", "data.purchase.status"}
	eventIDPaths    = []string{"event.id"}
)

// In v2 payloads "event" is the event name and the delivery id is top-level.
const (
	v2EventNamePath = "event"
	v2EventIDPath   = "id"
)

// StatusUnknown is used when the payload carries no status at all.
const StatusUnknown = "UNKNOWN"

const payloadDigestLen = 32

// Notification is the subset of a purchase webhook the relay acts on.
type Notification struct {
	EventID    string
	PurchaseID string
	Email      string
	Status     string
	// Raw is the body as received.
	Raw []byte
}

// Parse probes body for the relay's fields. When purchase id or email is
// absent it returns the partially filled Notification with ErrMissingFields
// so callers can log what was found.
func Parse(body []byte) (Notification, error) {
	if len(body) == 0 {
		body = []byte("{}")
	}
	if !gjson.ValidBytes(body) {
		return Notification{}, ErrInvalidJSON
	}
	doc := gjson.ParseBytes(body)
	if !doc.IsObject() {
		return Notification{}, ErrInvalidJSON
	}

	n := Notification{
		EventID:    eventID(doc),
		PurchaseID: first(doc, purchaseIDPaths),
		Email:      first(doc, emailPaths),
		Status:     first(doc, statusPaths),
		Raw:        body,
	}
	if n.Status == "" {
		n.Status = StatusUnknown
	}
	if n.PurchaseID == "" || n.Email == "" {
		return n, ErrMissingFields
	}
	return n, nil
}

// Identity is the deduplication key: event id, else purchase id, else a
// digest of the raw payload.
func (n Notification) Identity() string {
	if n.EventID != "" {
		return n.EventID
	}
	if n.PurchaseID != "" {
		return n.PurchaseID
	}
	sum := sha256.Sum256(n.Raw)
	return "payload:" + hex.EncodeToString(sum[:])[:payloadDigestLen]
}

func eventID(doc gjson.Result) string {
	if id := first(doc, eventIDPaths); id != "" {
		return id
	}
	if doc.Get(v2EventNamePath).Type == gjson.String {
		return scalar(doc.Get(v2EventIDPath))
	}
	return ""
}

func first(doc gjson.Result, paths []string) string {
	for _, p := range paths {
		if v := scalar(doc.Get(p)); v != "" {
			return v
		}
	}
	return ""
}

// scalar renders strings and non-zero numbers; other JSON types count as
// absent.
func scalar(r gjson.Result) string {
	switch r.Type {
	case gjson.String:
		return r.Str
	case gjson.Number:
		if r.Num == 0 {
			return ""
		}
		return r.Raw
	default:
		return ""
	}
}
