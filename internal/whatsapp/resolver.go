package whatsapp

import (
	"context"
	"strings"

	"github.com/imoveisdaher/crm-gateway/internal/observability/metrics"
	"github.com/imoveisdaher/crm-gateway/internal/phone"
	"github.com/imoveisdaher/crm-gateway/pkg/logging"
)

// Provider identifier suffixes.
const (
	// GroupSuffix marks a broadcast/group thread id. Groups are always valid
	// send targets and are never probed.
	GroupSuffix = "@g.us"
	// AnonymousSuffix marks an anonymized group participant. These cannot
	// originate a direct message.
	AnonymousSuffix = "@lid"
	// UserSuffix marks a direct subscriber id.
	UserSuffix = "@c.us"
)

// NumberProber is the provider existence-check endpoint.
type NumberProber interface {
	CheckNumber(ctx context.Context, phone string) (NumberStatus, error)
}

// Target is a usable send destination.
type Target struct {
	// Phone holds the confirmed digits (with country code) for direct
	// targets, or the verbatim thread id for groups.
	Phone   string
	JID     string
	IsGroup bool
}

// Resolver turns raw contact identifiers into confirmed send targets, probing
// the provider when the number is ambiguous.
type Resolver struct {
	prober      NumberProber
	countryCode string
	areaCodes   []string
	metrics     *metrics.GatewayMetrics
	logger      *logging.Logger
}

// NewResolver builds a resolver. areaCodes is the priority-ordered candidate
// list used when a number arrives without its area code.
func NewResolver(prober NumberProber, countryCode string, areaCodes []string, m *metrics.GatewayMetrics, logger *logging.Logger) *Resolver {
	if prober == nil {
		panic("whatsapp: number prober required")
	}
	if countryCode == "" {
		countryCode = phone.DefaultCountryCode
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Resolver{
		prober:      prober,
		countryCode: countryCode,
		areaCodes:   areaCodes,
		metrics:     m,
		logger:      logger,
	}
}

// Resolve implements the probe ladder: group ids pass through, anonymized ids
// fail immediately, and bare numbers are probed as-is, with the country code
// re-applied, and finally with each candidate area code until the provider
// confirms one. The first confirmed candidate wins.
func (r *Resolver) Resolve(ctx context.Context, raw string) (Target, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Target{}, ErrAddresseeUnresolved
	}
	if strings.HasSuffix(raw, GroupSuffix) {
		return Target{Phone: raw, JID: raw, IsGroup: true}, nil
	}
	if strings.HasSuffix(raw, AnonymousSuffix) {
		return Target{}, ErrAddresseeUnresolved
	}

	digits := phone.Digits(raw)
	if digits == "" {
		return Target{}, ErrAddresseeUnresolved
	}

	cc := r.countryCode
	fullLen := len(cc) + 10 // landline with area code; mobiles add one digit
	var candidates []string
	// Already in international form with full mobile length.
	if strings.HasPrefix(digits, cc) && len(digits) >= fullLen && len(digits) <= fullLen+1 {
		candidates = append(candidates, digits)
	}
	local := phone.StripCountryCode(digits, cc)
	switch n := len(local); {
	case n == 10 || n == 11:
		candidates = append(candidates, cc+local)
	case n == 8 || n == 9:
		// Missing area code: try each candidate area code in priority
		// order, sequentially, stopping at the first confirmed number.
		for _, area := range r.areaCodes {
			candidates = append(candidates, cc+area+local)
		}
	}

	tried := make(map[string]bool, len(candidates))
	for _, candidate := range candidates {
		if tried[candidate] {
			continue
		}
		tried[candidate] = true
		if target, ok := r.probe(ctx, candidate); ok {
			return target, nil
		}
	}

	return Target{}, ErrAddresseeUnresolved
}

// probe asks the provider about one candidate. A failed call counts as
// non-existence for that candidate only; the transport error is logged so
// outages remain distinguishable from genuinely absent numbers.
func (r *Resolver) probe(ctx context.Context, candidate string) (Target, bool) {
	status, err := r.prober.CheckNumber(ctx, candidate)
	if err != nil {
		r.metrics.ObserveProbe("error")
		r.logger.Warn("number probe failed, treating candidate as non-existent", "candidate", candidate, "error", err)
		return Target{}, false
	}
	if !status.Exists {
		r.metrics.ObserveProbe("miss")
		return Target{}, false
	}
	r.metrics.ObserveProbe("exists")
	jid := status.JID
	if jid == "" {
		jid = candidate + UserSuffix
	}
	return Target{Phone: candidate, JID: jid}, true
}
