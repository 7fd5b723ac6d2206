package publish

import "testing"

func TestRoutingKey(t *testing.T) {
	tests := map[string]string{
		"PushEvent":        "evt.PushEvent",
		"CreateEvent":      "evt.CreateEvent",
		"PullRequestEvent": "evt.PullRequestEvent",
		"a.b":              "evt.a.b",
	}
	for typ, want := range tests {
		if got := RoutingKey(typ); got != want {
			t.Errorf("RoutingKey(%q) = %q, want %q", typ, got, want)
		}
	}
}
