package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Role is the declared type of a websocket connection.
type Role string

const (
	RoleTablet  Role = "tablet"
	RoleCashier Role = "cashier"
)

// ParseRole accepts the two roles plus "electron", the name the cashier
// desktop app connects under.
func ParseRole(s string) (Role, error) {
	switch s {
	case "tablet":
		return RoleTablet, nil
	case "cashier", "electron":
		return RoleCashier, nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// Action names the envelope variant in both directions.
type Action string

// Inbound actions.
const (
	ActionHeartbeat          Action = "heartbeat"
	ActionGetState           Action = "get_state"
	ActionSubmitCustomerForm Action = "submit_customer_form"
	ActionResetToIdle        Action = "reset_to_idle"
	ActionCancel             Action = "cancel"
	ActionCustomerScanned    Action = "customer_scanned"
	ActionStartRegistration  Action = "start_registration"
	ActionResetTablet        Action = "reset_tablet"
	ActionReceiptProcessed   Action = "receipt_processed"
	ActionRetryPurchases     Action = "retry_purchases"
)

// Outbound actions.
const (
	ActionHeartbeatAck         Action = "heartbeat_ack"
	ActionError                Action = "error"
	ActionSetState             Action = "set_state"
	ActionShowRegistrationForm Action = "show_registration_form"
	ActionShowConfirmation     Action = "show_confirmation"
	ActionShowCustomerInfo     Action = "show_customer_info"
	ActionShowPurchaseComplete Action = "show_purchase_complete"
	ActionShowError            Action = "show_error"

	ActionSessionStatus               Action = "session_status"
	ActionRegistrationStarted         Action = "registration_started"
	ActionProcessCustomerRegistration Action = "process_customer_registration"
	ActionProcessPurchase             Action = "process_purchase"
	ActionPurchaseFailed              Action = "purchase_failed"
	ActionDuplicateReceipt            Action = "duplicate_receipt"
	ActionUnmatchedEvent              Action = "unmatched_event"
	ActionReceiptRejected             Action = "receipt_rejected"
	ActionTabletReset                 Action = "tablet_reset"

	// Sent to either role by an operator.
	ActionSystemMessage Action = "system_message"
)

var ErrMissingAction = errors.New("envelope has no action")

// Envelope is an inbound frame: a required action plus the raw object it came
// in, so handlers can decode their own payload shape.
type Envelope struct {
	Action Action
	Raw    json.RawMessage
}

func DecodeEnvelope(b []byte) (Envelope, error) {
	var head struct {
		Action Action `json:"action"`
	}
	if err := json.Unmarshal(b, &head); err != nil {
		return Envelope{}, fmt.Errorf("malformed envelope: %w", err)
	}
	if head.Action == "" {
		return Envelope{}, ErrMissingAction
	}
	return Envelope{Action: head.Action, Raw: json.RawMessage(b)}, nil
}

// Decode unmarshals the full envelope object into v.
func (e Envelope) Decode(v any) error {
	if len(e.Raw) == 0 {
		return nil
	}
	return json.Unmarshal(e.Raw, v)
}

// Message is an outbound frame. It marshals flat: {"action": ..., <payload>}.
type Message struct {
	Action  Action
	Payload map[string]any
}

func NewMessage(action Action, payload map[string]any) Message {
	return Message{Action: action, Payload: payload}
}

func (m Message) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(m.Payload)+1)
	for k, v := range m.Payload {
		out[k] = v
	}
	out["action"] = m.Action
	return json.Marshal(out)
}

// Get returns a payload field, for tests and logging.
func (m Message) Get(key string) any {
	if m.Payload == nil {
		return nil
	}
	return m.Payload[key]
}

// ScanPayload is the body of customer_scanned.
type ScanPayload struct {
	Barcode   string `json:"barcode"`
	ScannedAt string `json:"scanned_at,omitempty"`
}

// CustomerFormPayload is the body of submit_customer_form.
type CustomerFormPayload struct {
	Data struct {
		Name  string `json:"name"`
		Email string `json:"email"`
		Phone string `json:"phone"`
	} `json:"data"`
}

// ReceiptPayload is the body of receipt_processed. Either RawText or Amount
// must be present.
type ReceiptPayload struct {
	ReceiptData ReceiptData `json:"receipt_data"`
}

// ReceiptData is a receipt as submitted by a client: raw text to parse, or an
// amount in dollars already read off the till.
type ReceiptData struct {
	RawText   string   `json:"raw_text"`
	Amount    *float64 `json:"amount"`
	ReceiptID string   `json:"receipt_id"`
}

// StartRegistrationPayload optionally overrides the form timeout (seconds).
type StartRegistrationPayload struct {
	Timeout int `json:"timeout"`
}
