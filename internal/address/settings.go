package address

import (
	"fmt"
	"strings"

	"addrbroker/internal/storage"
)

// FullPolicy decides what happens to a publish once an address is full.
type FullPolicy string

const (
	// PolicyPage overflows to page files; producers are never refused.
	PolicyPage FullPolicy = "PAGE"

	// PolicyBlock parks producers until the address drains.
	PolicyBlock FullPolicy = "BLOCK"

	// PolicyFail refuses the publish with a Blocked error.
	PolicyFail FullPolicy = "FAIL"

	// PolicyDrop acknowledges and discards the message.
	PolicyDrop FullPolicy = "DROP"
)

// ParseFullPolicy is case-insensitive.
func ParseFullPolicy(s string) (FullPolicy, error) {
	switch p := FullPolicy(strings.ToUpper(strings.TrimSpace(s))); p {
	case PolicyPage, PolicyBlock, PolicyFail, PolicyDrop:
		return p, nil
	case "":
		return PolicyPage, nil
	default:
		return "", fmt.Errorf("unknown full policy %q (want PAGE, BLOCK, FAIL or DROP)", s)
	}
}

// Settings are the tunables of one address. They can be replaced at
// runtime with ApplySettings; PageSizeBytes and MaxDiskBytes only take
// effect when the address is next opened.
type Settings struct {
	// MaxSizeBytes is the local memory limit and the high watermark.
	// Zero or negative means unlimited.
	MaxSizeBytes int64 `json:"max_size_bytes" yaml:"max-size-bytes"`

	// LowWatermark is where a blocked address unblocks again.
	LowWatermark int64 `json:"low_watermark" yaml:"low-watermark"`

	// PagingThreshold is the in-memory size at which PAGE starts paging.
	// Zero means MaxSizeBytes.
	PagingThreshold int64 `json:"paging_threshold" yaml:"paging-threshold"`

	PageSizeBytes int64 `json:"page_size_bytes" yaml:"page-size-bytes"`

	// MaxDiskBytes caps the page files of this address (0 = unlimited).
	MaxDiskBytes int64 `json:"max_disk_bytes" yaml:"max-disk-bytes"`

	FullPolicy FullPolicy `json:"full_policy" yaml:"full-policy"`

	ReadBudget storage.ReadBudget `json:"read_budget" yaml:"-"`

	DuplicateCacheSize int `json:"duplicate_cache_size" yaml:"duplicate-cache-size"`
}

// DefaultSettings returns the stock address settings.
func DefaultSettings() Settings {
	return Settings{
		MaxSizeBytes:       10 * 1024 * 1024,
		LowWatermark:       5 * 1024 * 1024,
		PageSizeBytes:      storage.DefaultPageSize,
		FullPolicy:         PolicyPage,
		ReadBudget:         storage.DefaultReadBudget(),
		DuplicateCacheSize: DefaultDuplicateCacheSize,
	}
}

// pagingThreshold returns the effective paging threshold, or 0 when paging
// is never triggered by size.
func (s Settings) pagingThreshold() int64 {
	if s.PagingThreshold > 0 {
		return s.PagingThreshold
	}
	if s.MaxSizeBytes > 0 {
		return s.MaxSizeBytes
	}
	return 0
}

// Validate reports the first inconsistent setting.
func (s Settings) Validate() error {
	if _, err := ParseFullPolicy(string(s.FullPolicy)); err != nil {
		return err
	}
	if s.MaxSizeBytes > 0 && s.LowWatermark > s.MaxSizeBytes {
		return fmt.Errorf("low watermark %d exceeds max size %d", s.LowWatermark, s.MaxSizeBytes)
	}
	if s.PageSizeBytes < 0 {
		return fmt.Errorf("page size must not be negative, got %d", s.PageSizeBytes)
	}
	return nil
}
