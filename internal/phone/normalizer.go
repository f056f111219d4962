package phone

import (
	"strings"
	"sync"
)

// Normalizer maps raw phone numbers to canonical routing addresses. The
// transformation is deterministic and side-effect free; a bounded FIFO memo
// cache fronts it so concurrent send paths share results.
type Normalizer struct {
	defaultCountryCode string
	addressSuffix      string
	capacity           int

	mu    sync.Mutex
	cache map[string]string
	order []string
}

func NewNormalizer(defaultCountryCode string, addressSuffix string, capacity int) *Normalizer {
	if capacity <= 0 {
		capacity = 1000
	}
	return &Normalizer{
		defaultCountryCode: defaultCountryCode,
		addressSuffix:      addressSuffix,
		capacity:           capacity,
		cache:              make(map[string]string, capacity),
	}
}

// Normalize resolves raw into a canonical routing address: non-digits are
// stripped, the default country code is prefixed when the number is not
// already internationally qualified, leading zeros are dropped after
// prefixing and the routing suffix is appended. Idempotent.
func (n *Normalizer) Normalize(raw string) string {
	n.mu.Lock()
	if cached, ok := n.cache[raw]; ok {
		n.mu.Unlock()
		return cached
	}
	n.mu.Unlock()

	normalized := n.canonical(raw)

	n.mu.Lock()
	if _, ok := n.cache[raw]; !ok {
		if len(n.order) >= n.capacity {
			delete(n.cache, n.order[0])
			n.order = n.order[1:]
		}
		n.cache[raw] = normalized
		n.order = append(n.order, raw)
	}
	n.mu.Unlock()

	return normalized
}

func (n *Normalizer) canonical(raw string) string {
	var digits strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}

	number := digits.String()
	if n.defaultCountryCode != "" && !strings.HasPrefix(number, n.defaultCountryCode) {
		number = n.defaultCountryCode + strings.TrimLeft(number, "0")
	}

	return number + n.addressSuffix
}

// Len reports the current cache population.
func (n *Normalizer) Len() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.cache)
}
