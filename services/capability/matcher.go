// Package capability filters provider adapters by tier order and declared
// capabilities.
package capability

import (
	"fmt"

	"github.com/upb/provider-router/services"
	"github.com/upb/provider-router/services/providers"
)

// Match returns the adapters of the given tiers, in tier order and then
// registration order, that declare every required capability. It never
// touches the network.
func Match(order []providers.Tier, required providers.CapabilitySet, adapters []providers.Adapter) ([]providers.Adapter, error) {
	var admitted int
	var matched []providers.Adapter
	// union of capabilities still missing per admitted adapter
	missingUnion := providers.NewCapabilitySet()

	for _, tier := range order {
		for _, a := range adapters {
			id := a.Identity()
			if id.Tier != tier {
				continue
			}
			admitted++

			missing := id.Capabilities.Missing(required)
			if len(missing) == 0 {
				matched = append(matched, a)
				continue
			}
			for _, c := range missing {
				missingUnion.Add(c)
			}
		}
	}

	if admitted == 0 {
		return nil, services.NewDomainError(services.ErrorTypeConfiguration,
			fmt.Sprintf("no provider registered for tiers %v", order), nil).
			WithDetail("tiers", order)
	}

	if len(matched) == 0 {
		missing := missingUnion.List()
		return nil, services.NewDomainError(services.ErrorTypeCapabilityUnsupported,
			fmt.Sprintf("no provider supports %v", missing), nil).
			WithDetail("missing", missing).
			WithDetail("required", required.List())
	}

	return matched, nil
}
