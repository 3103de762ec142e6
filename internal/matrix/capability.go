package matrix

import (
	"context"
	"time"

	"maunium.net/go/mautrix"

	"github.com/arko-chat/arko-backup/internal/cache"
)

const capabilityTTL = 10 * time.Minute

// featureCrossSigning is stable from v1.1; older servers may advertise it
// as an unstable feature.
var featureCrossSigning = mautrix.UnstableFeature{
	UnstableFlag: "org.matrix.e2e_cross_signing",
	SpecVersion:  mautrix.SpecV11,
}

// ServerCapability is what the homeserver advertises on /versions that
// matters for key backup setup.
type ServerCapability struct {
	Versions      []string `json:"versions"`
	CrossSigning  bool     `json:"cross_signing"`
	Authoritative bool     `json:"authoritative"`
}

// CapabilityCache answers capability questions per homeserver, caching
// answers for capabilityTTL.
type CapabilityCache struct {
	cache *cache.TTL[ServerCapability]
}

func NewCapabilityCache() *CapabilityCache {
	return &CapabilityCache{cache: cache.NewTTL[ServerCapability](capabilityTTL)}
}

func (p *CapabilityCache) Lookup(ctx context.Context, c *Client) (ServerCapability, error) {
	return p.cache.Get(c.Homeserver(), func() (ServerCapability, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		versions, err := c.Versions(ctx)
		if err != nil {
			return ServerCapability{}, err
		}
		return parseCapability(versions), nil
	})
}

func parseCapability(versions *mautrix.RespVersions) ServerCapability {
	capability := ServerCapability{
		Authoritative: true,
		CrossSigning:  versions.Supports(featureCrossSigning),
	}
	if versions != nil {
		for _, v := range versions.Versions {
			capability.Versions = append(capability.Versions, v.String())
		}
	}
	return capability
}
