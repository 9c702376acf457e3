package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	serrors "github.com/p-blackswan/domainsync/internal/errors"
	"github.com/p-blackswan/domainsync/internal/models"
)

// ActionKind names a queued mutation. The set is closed; every kind maps to
// exactly one Executor method.
type ActionKind string

const (
	ActionCheckStatus  ActionKind = "certificate.check_status"
	ActionRenew        ActionKind = "certificate.renew"
	ActionRemove       ActionKind = "certificate.remove"
	ActionAddDNSRecord ActionKind = "dns.add_record"
	ActionSettings     ActionKind = "settings.update"
)

// Kinds lists every supported action kind.
var Kinds = []ActionKind{ActionCheckStatus, ActionRenew, ActionRemove, ActionAddDNSRecord, ActionSettings}

// Valid reports whether k is a known kind.
func (k ActionKind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// Origin records who asked for an action. Only user actions surface a
// notification when they are finally dropped.
type Origin string

const (
	OriginUser   Origin = "user"
	OriginSystem Origin = "system"
)

// DomainPayload is the payload of the certificate actions.
type DomainPayload struct {
	Domain string `json:"domain"`
}

// DNSRecordPayload is the payload of dns.add_record.
type DNSRecordPayload struct {
	Record models.DNSRecord `json:"record"`
}

// SettingsPayload is the payload of settings.update. An empty Key sends
// Value as the whole settings object.
type SettingsPayload struct {
	Key   string          `json:"key,omitempty"`
	Value json.RawMessage `json:"value"`
}

// Executor performs queued actions against the server.
type Executor interface {
	CheckCertificate(ctx context.Context, domain string) error
	RenewCertificate(ctx context.Context, domain string) error
	RemoveCertificate(ctx context.Context, domain string) error
	AddDNSRecord(ctx context.Context, record models.DNSRecord) error
	UpdateSettings(ctx context.Context, key string, value json.RawMessage) error
}

// ValidatePayload checks that data decodes for kind. Errors wrap
// ErrUnknownAction or ErrMalformed.
func ValidatePayload(kind ActionKind, data json.RawMessage) error {
	_, err := decode(kind, data)
	return err
}

func decode(kind ActionKind, data json.RawMessage) (any, error) {
	switch kind {
	case ActionCheckStatus, ActionRenew, ActionRemove:
		var p DomainPayload
		if err := strictUnmarshal(data, &p); err != nil {
			return nil, err
		}
		p.Domain = strings.TrimSpace(p.Domain)
		// check and renew without a domain address the default certificate.
		if p.Domain == "" && kind == ActionRemove {
			return nil, fmt.Errorf("%w: %s requires a domain", serrors.ErrMalformed, kind)
		}
		return p, nil
	case ActionAddDNSRecord:
		var p DNSRecordPayload
		if err := strictUnmarshal(data, &p); err != nil {
			return nil, err
		}
		if p.Record.Type == "" || p.Record.Name == "" {
			return nil, fmt.Errorf("%w: dns record requires type and name", serrors.ErrMalformed)
		}
		return p, nil
	case ActionSettings:
		var p SettingsPayload
		if err := strictUnmarshal(data, &p); err != nil {
			return nil, err
		}
		if len(p.Value) == 0 {
			return nil, fmt.Errorf("%w: settings.update requires a value", serrors.ErrMalformed)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("%w: %s", serrors.ErrUnknownAction, kind)
	}
}

func strictUnmarshal(data json.RawMessage, dst any) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: empty payload", serrors.ErrMalformed)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("%w: %v", serrors.ErrMalformed, err)
	}
	return nil
}

// dispatch maps an item to its Executor call. Unknown kinds and malformed
// payloads come back as permanent errors.
func dispatch(ctx context.Context, exec Executor, item Item) error {
	p, err := decode(item.Action, item.Data)
	if err != nil {
		return serrors.Permanent(err)
	}
	switch item.Action {
	case ActionCheckStatus:
		return exec.CheckCertificate(ctx, p.(DomainPayload).Domain)
	case ActionRenew:
		return exec.RenewCertificate(ctx, p.(DomainPayload).Domain)
	case ActionRemove:
		return exec.RemoveCertificate(ctx, p.(DomainPayload).Domain)
	case ActionAddDNSRecord:
		return exec.AddDNSRecord(ctx, p.(DNSRecordPayload).Record)
	case ActionSettings:
		sp := p.(SettingsPayload)
		return exec.UpdateSettings(ctx, sp.Key, sp.Value)
	}
	return serrors.Permanent(fmt.Errorf("%w: %s", serrors.ErrUnknownAction, item.Action))
}
