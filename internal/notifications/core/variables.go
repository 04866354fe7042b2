package core

import (
	"strings"

	"notifyhub/internal/notifications/render"
	"notifyhub/internal/types"
)

// Variables builds the template variable bag for event. Root fields come
// first, then well-known fields extracted for the event's domain, then every
// key of event.Data. A data key therefore wins over a root field or an
// extracted alias of the same name.
func Variables(event types.Event) map[string]any {
	vars := map[string]any{
		"userId":    event.UserID,
		"userEmail": event.UserEmail,
		"userPhone": event.UserPhone,
		"eventType": string(event.EventType),
		"timestamp": event.Timestamp,
	}
	for k, v := range extract(event) {
		vars[k] = v
	}
	for k, v := range event.Data {
		vars[k] = v
	}
	return vars
}

// extract maps producer-specific spellings onto the names templates use.
func extract(event types.Event) map[string]any {
	data := event.Data
	out := map[string]any{}
	set := func(name string, keys ...string) {
		if v, ok := first(data, keys...); ok {
			out[name] = v
		}
	}

	switch event.EventType.Domain() {
	case "order":
		set("orderId", "orderId", "order_id", "order.id")
		set("orderNumber", "orderNumber", "order_number", "order.number")
		set("amount", "amount", "total", "totalAmount", "total_amount", "order.total")
		set("currency", "currency", "order.currency")
		set("items", "items", "order.items")
		if items, ok := out["items"].([]any); ok {
			out["itemCount"] = len(items)
		} else {
			set("itemCount", "itemCount", "item_count")
		}
	case "payment":
		set("paymentId", "paymentId", "payment_id", "transactionId", "transaction_id")
		set("amount", "amount", "total")
		set("currency", "currency")
		set("reason", "reason", "failureReason", "failure_reason", "refundReason")
	case "profile":
		set("changedFields", "changedFields", "changed_fields", "fields")
		if fields, ok := out["changedFields"].([]any); ok {
			names := make([]string, 0, len(fields))
			for _, f := range fields {
				names = append(names, render.Stringify(f))
			}
			out["changedFields"] = strings.Join(names, ", ")
		}
		set("newEmail", "newEmail", "new_email")
	case "auth":
		set("ipAddress", "ipAddress", "ip_address", "ip")
		set("device", "device", "userAgent", "user_agent")
		set("resetLink", "resetLink", "reset_link", "resetUrl", "reset_url")
	}
	return out
}

// first returns the first non-nil value among keys. A dotted key walks
// nested objects.
func first(data map[string]any, keys ...string) (any, bool) {
	for _, key := range keys {
		cur := any(data)
		for _, part := range strings.Split(key, ".") {
			m, ok := cur.(map[string]any)
			if !ok {
				cur = nil
				break
			}
			cur = m[part]
		}
		if cur != nil {
			return cur, true
		}
	}
	return nil, false
}
