package repository

import (
	"encoding/json"
	"strings"
	"testing"
	"unicode/utf8"
)

func FuzzNormalizeNotifyChannel(f *testing.F) {
	f.Add("")
	f.Add("rule_events")
	f.Add("  custom_events  ")

	f.Fuzz(func(t *testing.T, channel string) {
		got := normalizeNotifyChannel(channel)
		trimmed := strings.TrimSpace(channel)
		if trimmed == "" {
			if got != defaultNotifyChannel {
				t.Fatalf("normalizeNotifyChannel(%q) = %q, want %q", channel, got, defaultNotifyChannel)
			}
			return
		}

		if got != trimmed {
			t.Fatalf("normalizeNotifyChannel(%q) = %q, want %q", channel, got, trimmed)
		}
	})
}

func FuzzListenStatement(f *testing.F) {
	f.Add("rule_events")
	f.Add("custom-events")
	f.Add(`";DROP TABLE rules;--`)

	f.Fuzz(func(t *testing.T, channel string) {
		statement := listenStatement(channel)
		if !strings.HasPrefix(statement, "LISTEN ") {
			t.Fatalf("listenStatement(%q) = %q, want LISTEN prefix", channel, statement)
		}
	})
}

func FuzzMarshalNotifyPayload(f *testing.F) {
	f.Add("8e7d8a30-7e47-41da-9d3f-9f0a5f9d6a21", "updated")
	f.Add("d6ef0c2f-4d3c-4f9b-8f55-2b8a2b2f7e90", "deleted")
	f.Add("", "")

	f.Fuzz(func(t *testing.T, ruleID, eventType string) {
		payload, err := marshalNotifyPayload(RuleEvent{
			RuleID:    ruleID,
			EventType: eventType,
		})
		if err != nil {
			t.Fatalf("marshalNotifyPayload() error = %v", err)
		}

		var decoded struct {
			RuleID    string `json:"rule_id"`
			EventType string `json:"event_type"`
		}
		if err := json.Unmarshal([]byte(payload), &decoded); err != nil {
			t.Fatalf("notify payload should be valid JSON: %v", err)
		}
		if utf8.ValidString(ruleID) && decoded.RuleID != ruleID {
			t.Fatalf("decoded payload rule id mismatch: got %q, want %q", decoded.RuleID, ruleID)
		}
		if utf8.ValidString(eventType) && decoded.EventType != eventType {
			t.Fatalf("decoded payload event type mismatch: got %q, want %q", decoded.EventType, eventType)
		}
	})
}
