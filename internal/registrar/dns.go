package registrar

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/hostkit/provisiond/internal/domain"
)

// SetupProjectDNS creates the record pair a project needs: an A record
// pointing at the server and a www CNAME alias. For a subdomain of the shared
// base domain the records are created against the base zone with the
// subdomain as the record name; standalone domains get records at their root.
//
// Records already present in existing are not recreated, which makes the call
// safe to re-enter after a partial failure.
func (c *Client) SetupProjectDNS(ctx context.Context, domainName, serverIP string, isSubdomain bool, baseDomain string, existing domain.RecordIDs) (domain.RecordIDs, error) {
	ids := existing

	zone := domainName
	aName := ""
	wwwName := "www"
	if isSubdomain {
		if baseDomain == "" {
			return ids, errors.New("base domain required for subdomain DNS setup")
		}
		sub := strings.TrimSuffix(domainName, "."+baseDomain)
		if sub == domainName {
			return ids, fmt.Errorf("%s is not a subdomain of %s", domainName, baseDomain)
		}
		zone = baseDomain
		aName = sub
		wwwName = "www." + sub
	}

	if ids.A == "" {
		aID, err := c.CreateRecord(ctx, zone, "A", aName, serverIP, c.recordTTL)
		if err != nil {
			return ids, fmt.Errorf("create A record for %s: %w", domainName, err)
		}
		ids.A = aID
	}

	if ids.WWW == "" {
		wwwID, err := c.CreateRecord(ctx, zone, "CNAME", wwwName, domainName, c.recordTTL)
		if err != nil {
			// The A record id is already filled in; the caller persists
			// the partial set so a re-run only creates what is missing.
			return ids, fmt.Errorf("create www CNAME for %s: %w", domainName, err)
		}
		ids.WWW = wwwID
	}

	c.logger.Info("project dns configured", "domain", domainName, "zone", zone,
		"a_record", ids.A, "www_record", ids.WWW)
	return ids, nil
}

// CleanupProjectDNS deletes a deprovisioned project's records best-effort.
// Already-deleted records are not an error here; other failures are logged
// and swallowed so cleanup never blocks deprovisioning.
func (c *Client) CleanupProjectDNS(ctx context.Context, recordIDs []string) {
	for _, id := range recordIDs {
		if id == "" {
			continue
		}
		err := c.DeleteRecord(ctx, id)
		if err == nil {
			continue
		}
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.NotFound() {
			continue
		}
		c.logger.Warn("dns record cleanup failed", "record_id", id, "error", err)
	}
}
