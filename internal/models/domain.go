// Package models holds the records exchanged with the router's admin API.
package models

import (
	"encoding/json"
	"time"
)

// CertificateStatus as reported by the server.
type CertificateStatus string

const (
	CertStatusNone    CertificateStatus = "none"
	CertStatusValid   CertificateStatus = "valid"
	CertStatusExpired CertificateStatus = "expired"
	CertStatusInvalid CertificateStatus = "invalid"
)

// CertificateRecord describes one certificate.
type CertificateRecord struct {
	Domain   string            `json:"domain"`
	Status   CertificateStatus `json:"status"`
	Expiry   *time.Time        `json:"expiry,omitempty"`
	Issuer   string            `json:"issuer,omitempty"`
	Wildcard bool              `json:"wildcard,omitempty"`
	Staging  bool              `json:"staging,omitempty"`
	Details  json.RawMessage   `json:"details,omitempty"`
}

// CertificateList is the data of the cert/list endpoint.
type CertificateList struct {
	Certificates []CertificateRecord `json:"certificates"`
}

// DNSRecord is a single DNS entry.
type DNSRecord struct {
	ID     string `json:"id,omitempty"`
	Domain string `json:"domain"`
	Type   string `json:"type" validate:"required,oneof=A AAAA CNAME TXT MX NS CAA SRV"`
	Name   string `json:"name" validate:"required"`
	Value  string `json:"value" validate:"required"`
	TTL    int    `json:"ttl,omitempty" validate:"omitempty,min=60,max=86400"`
}

// ProxyStatus is the data of the proxy/status endpoint.
type ProxyStatus struct {
	Running bool            `json:"running"`
	Details json.RawMessage `json:"details,omitempty"`
}

// CertificateEvent is the payload of an update on the certificate channel.
type CertificateEvent struct {
	Event   string     `json:"event"`
	Domain  string     `json:"domain"`
	Success *bool      `json:"success,omitempty"`
	Status  string     `json:"status,omitempty"`
	Expiry  *time.Time `json:"expiry,omitempty"`
}

// Record returns the certificate record carried by the event, if any.
func (e CertificateEvent) Record() CertificateRecord {
	return CertificateRecord{
		Domain: e.Domain,
		Status: CertificateStatus(e.Status),
		Expiry: e.Expiry,
	}
}

// DomainEvent is the minimal payload of dns and proxy updates.
type DomainEvent struct {
	Event  string `json:"event"`
	Domain string `json:"domain,omitempty"`
}
