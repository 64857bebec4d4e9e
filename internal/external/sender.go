package external

import (
	"fmt"
	"net/mail"
	"regexp"
	"strings"

	"courier/internal/types"
)

// senderAddress picks the From address: the message's own, then the
// integration's configured address, then noreply@ on the domain matching
// the email type.
func senderAddress(cfg *types.IntegrationConfig, msg *types.OutboundMessage) string {
	if msg.From != "" {
		return msg.From
	}
	if cfg.FromEmail != "" {
		return cfg.FromEmail
	}
	domain := cfg.TransactionalDomain
	if msg.Type == types.EmailTypeMarketing && cfg.MarketingDomain != "" {
		domain = cfg.MarketingDomain
	}
	if domain == "" {
		return ""
	}
	return "noreply@" + domain
}

func senderName(cfg *types.IntegrationConfig, msg *types.OutboundMessage) string {
	if msg.FromName != "" {
		return msg.FromName
	}
	return cfg.FromName
}

// formatAddress renders `Name <addr>`, or addr alone when name is empty.
func formatAddress(name, addr string) string {
	if name == "" {
		return addr
	}
	return (&mail.Address{Name: name, Address: addr}).String()
}

var tagUnsafe = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// sanitizeTag keeps only characters accepted in provider tag values.
func sanitizeTag(v string) string {
	return tagUnsafe.ReplaceAllString(v, "_")
}

func errMissingSender(kind types.ProviderKind) error {
	return types.NewAppError(types.ErrCodeInternalConfiguration,
		fmt.Sprintf("%s integration has no sender address", strings.ToLower(string(kind))), nil)
}
