package agent

import (
	"context"
	"encoding/json"

	"github.com/p-blackswan/domainsync/internal/channel"
	"github.com/p-blackswan/domainsync/internal/models"
	"github.com/p-blackswan/domainsync/internal/notify"
	"github.com/p-blackswan/domainsync/internal/remote"
)

// subscribe registers the cache invalidation and connectivity listeners.
func (a *Agent) subscribe() {
	subs := []*channel.Subscription{
		a.channel.AddListener(channel.ChannelCertificate, a.onCertificate),
		a.channel.AddListener(channel.ChannelProxy, a.onProxy),
		a.channel.AddListener(channel.ChannelDNS, a.onDNS),
		a.channel.AddListener(channel.ChannelSystem, a.onSystem),
		a.channel.AddListener(channel.EventConnected, func(json.RawMessage) { a.queue.SetOnline(true) }),
		a.channel.AddListener(channel.EventDisconnected, func(json.RawMessage) { a.queue.SetOnline(false) }),
		a.channel.AddListener(channel.EventReconnectFailed, a.onReconnectFailed),
	}

	a.mu.Lock()
	a.subs = append(a.subs, subs...)
	a.mu.Unlock()
}

func (a *Agent) onCertificate(payload json.RawMessage) {
	ctx := context.Background()

	var ev models.CertificateEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		a.logger.Warn().Err(err).Msg("Ignoring malformed certificate update")
		return
	}
	a.cache.Remove(ctx, remote.CertStatusKey(ev.Domain))

	if err := a.sched.HandleUpdate(ctx, payload); err != nil {
		a.logger.Warn().Err(err).Str("domain", ev.Domain).Msg("Certificate update not applied")
	}
}

func (a *Agent) onProxy(json.RawMessage) {
	a.cache.Remove(context.Background(), remote.ProxyStatusKey)
}

func (a *Agent) onDNS(payload json.RawMessage) {
	ctx := context.Background()

	var ev models.DomainEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		a.logger.Warn().Err(err).Msg("Ignoring malformed dns update")
		return
	}
	if ev.Domain != "" {
		a.cache.Remove(ctx, remote.DNSRecordsKey(ev.Domain))
	}
	a.cache.Remove(ctx, remote.DNSRecordsKey(""))
}

func (a *Agent) onSystem(payload json.RawMessage) {
	a.logger.Debug().RawJSON("payload", payload).Msg("System update")
}

func (a *Agent) onReconnectFailed(json.RawMessage) {
	a.queue.SetOnline(false)
	a.sink.Notify("Real-time connection lost - retry from the settings page", notify.Warning)
}
