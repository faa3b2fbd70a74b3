package broker

import (
	"testing"

	"addrbroker/internal/address"
)

func TestWildcardMatch(t *testing.T) {
	tests := []struct {
		pattern string
		name    string
		want    bool
	}{
		{"orders", "orders", true},
		{"orders", "orders.eu", false},
		{"orders.*", "orders.eu", true},
		{"orders.*", "orders", false},
		{"orders.*", "orders.eu.paris", false},
		{"orders.#", "orders", true},
		{"orders.#", "orders.eu", true},
		{"orders.#", "orders.eu.paris", true},
		{"orders.#", "audit.orders", false},
		{"#", "anything.at.all", true},
		{"#.dlq", "orders.dlq", true},
		{"#.dlq", "dlq", true},
		{"#.dlq", "orders.eu", false},
		{"orders.*.paris", "orders.eu.paris", true},
		{"orders.*.paris", "orders.eu.lyon", false},
	}
	for _, tt := range tests {
		if got := wildcardMatch(tt.pattern, tt.name); got != tt.want {
			t.Errorf("wildcardMatch(%q, %q) = %v, want %v", tt.pattern, tt.name, got, tt.want)
		}
	}
}

func TestSettingsRepository_MostSpecificWins(t *testing.T) {
	defaults := address.DefaultSettings()
	repo := NewSettingsRepository(defaults)

	withMax := func(n int64) address.Settings {
		s := defaults
		s.MaxSizeBytes = n
		s.LowWatermark = n / 2
		return s
	}
	repo.Set("#", withMax(1000))
	repo.Set("orders.#", withMax(2000))
	repo.Set("orders.*", withMax(3000))
	repo.Set("orders.eu", withMax(4000))

	tests := []struct {
		name string
		want int64
	}{
		{"orders.eu", 4000},
		{"orders.us", 3000},
		{"orders", 2000},
		{"orders.us.east", 2000},
		{"audit", 1000},
	}
	for _, tt := range tests {
		if got := repo.Match(tt.name).MaxSizeBytes; got != tt.want {
			t.Errorf("Match(%q).MaxSizeBytes = %d, want %d", tt.name, got, tt.want)
		}
	}

	repo.Remove("#")
	if got := repo.Match("audit").MaxSizeBytes; got != defaults.MaxSizeBytes {
		t.Errorf("Match(audit) after remove = %d, want default %d", got, defaults.MaxSizeBytes)
	}
	want := []string{"orders.#", "orders.*", "orders.eu"}
	got := repo.Matches()
	if len(got) != len(want) {
		t.Fatalf("Matches = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Matches[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestSettingsRepository_Replace(t *testing.T) {
	repo := NewSettingsRepository(address.DefaultSettings())
	repo.Set("orders", address.DefaultSettings())

	defaults := address.DefaultSettings()
	defaults.FullPolicy = address.PolicyDrop
	repo.Replace(defaults, nil)

	if got := repo.Matches(); len(got) != 0 {
		t.Errorf("Matches after Replace = %v, want none", got)
	}
	if got := repo.Match("orders").FullPolicy; got != address.PolicyDrop {
		t.Errorf("FullPolicy = %s, want %s", got, address.PolicyDrop)
	}
}
