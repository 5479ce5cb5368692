package recordstore

import (
	"context"
	"fmt"

	"github.com/go-resty/resty/v2"
)

// CustodianConfig holds the credentials the original system declared
// (CUSTODIAN_USER, CUSTODIAN_PRIVATE_KEY, CUSTODIAN_VALID_HOSTS) but never
// wired to any operation (SPEC_FULL.md §4, item 4). Here they back a small
// maintenance client used to annotate scans on the custodian's behalf,
// scoped to a fixed allow-list of hosts.
type CustodianConfig struct {
	BaseURL    string
	APIKeyName string
	APIKey     string
	User       string
	PrivateKey string
	ValidHosts []string
}

// CustodianClient lets the configured custodian user attach free-text
// notes to a scan, restricted to scans whose locations are all on an
// allow-listed host.
type CustodianClient struct {
	rc         *resty.Client
	user       string
	validHosts map[string]bool
}

// NewCustodianClient builds a CustodianClient against cfg.
func NewCustodianClient(cfg CustodianConfig) (*CustodianClient, error) {
	if cfg.User == "" {
		return nil, fmt.Errorf("recordstore: custodian user is required")
	}

	valid := make(map[string]bool, len(cfg.ValidHosts))
	for _, h := range cfg.ValidHosts {
		valid[h] = true
	}

	rc := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetHeader(cfg.APIKeyName, cfg.APIKey).
		SetHeader("X-Custodian-User", cfg.User)

	return &CustodianClient{rc: rc, user: cfg.User, validHosts: valid}, nil
}

// ErrHostNotAllowed is returned when SetNotes is called for a scan with a
// location on a host outside CUSTODIAN_VALID_HOSTS.
var ErrHostNotAllowed = fmt.Errorf("recordstore: host not in custodian allow-list")

// SetNotes PATCHes a scan's notes field on behalf of the custodian user,
// after confirming every one of the scan's known locations is on an
// allow-listed host.
func (c *CustodianClient) SetNotes(ctx context.Context, scanID int, locationHosts []string, notes string) error {
	for _, host := range locationHosts {
		if !c.validHosts[host] {
			return fmt.Errorf("%w: %s", ErrHostNotAllowed, host)
		}
	}

	resp, err := c.rc.R().
		SetContext(ctx).
		SetBody(map[string]string{"notes": notes}).
		Patch(fmt.Sprintf("/scans/%d", scanID))
	if err != nil {
		return fmt.Errorf("recordstore: custodian set notes for scan %d: %w", scanID, err)
	}
	if resp.IsError() {
		return fmt.Errorf("recordstore: custodian set notes for scan %d: status %d", scanID, resp.StatusCode())
	}
	return nil
}
