// Package identity resolves raw per-channel tokens into canonical identities.
//
// A token is either phone-shaped (WhatsApp/SMS numbers) or an opaque session
// token carrying a channel prefix. Phone-shaped tokens resolve immediately;
// session tokens resolve through the cached token-to-phone mapping, falling
// back to fields inside the session blob. Resolution never fails hard: an
// unresolvable identity simply carries an empty phone number.
package identity

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/CanopyChat/FlowRelay/internal/cache"
	"github.com/CanopyChat/FlowRelay/internal/models"
)

// DefaultCountryCode is prepended to bare domestic phone numbers.
const DefaultCountryCode = "+91"

// phonePattern matches a bare or +-prefixed 10-15 digit phone number.
var phonePattern = regexp.MustCompile(`^\+?\d{10,15}$`)

// digitsPattern matches a string of digits only.
var digitsPattern = regexp.MustCompile(`^\d+$`)

// channelPrefixes maps session-token prefixes to their channels.
// DetectChannel checks these before falling back to phone-shape matching.
var channelPrefixes = []struct {
	prefix  string
	channel models.Channel
}{
	{"web-", models.ChannelWeb},
	{"tg-", models.ChannelTelegram},
	{"voice-", models.ChannelVoice},
	{"sms-", models.ChannelSMS},
}

// DetectChannel determines the channel from the shape of a raw token.
// It is a pure function: prefixed tokens map directly to their channel,
// phone-shaped tokens default to WhatsApp, anything else is unknown.
func DetectChannel(token string) models.Channel {
	for _, p := range channelPrefixes {
		if strings.HasPrefix(token, p.prefix) {
			return p.channel
		}
	}
	stripped := strings.TrimPrefix(token, "whatsapp:")
	if phonePattern.MatchString(stripped) {
		return models.ChannelWhatsApp
	}
	return models.ChannelUnknown
}

// NormalizePhone canonicalizes a raw phone number into +<country><number>
// form. It is deterministic and side-effect-free. An unparseable input
// returns the empty string.
func NormalizePhone(raw string) string {
	phone := strings.TrimPrefix(raw, "whatsapp:")
	phone = strings.ReplaceAll(phone, " ", "")
	phone = strings.ReplaceAll(phone, "-", "")
	if phone == "" {
		return ""
	}

	if strings.HasPrefix(phone, "+") {
		if digitsPattern.MatchString(phone[1:]) && len(phone) >= 11 && len(phone) <= 16 {
			return phone
		}
		return ""
	}

	if !digitsPattern.MatchString(phone) {
		return ""
	}
	switch {
	case len(phone) == 10 && phone[0] >= '6' && phone[0] <= '9':
		// Bare 10-digit numbers starting 6-9 are assumed domestic.
		return DefaultCountryCode + phone
	case len(phone) >= 11 && len(phone) <= 15:
		return "+" + phone
	default:
		return ""
	}
}

// profileFieldPriority is the fixed scan order for phone numbers stored in
// session blob profile fields, most recently verified field first.
var profileFieldPriority = []string{"verified_phone", "phone_number", "contact_phone"}

// Resolver turns raw channel tokens into canonical identity resolutions.
type Resolver struct {
	cache cache.SessionCache
}

// NewResolver creates a Resolver backed by the given session cache.
func NewResolver(sessionCache cache.SessionCache) *Resolver {
	return &Resolver{cache: sessionCache}
}

// Resolve produces an identity resolution for a raw channel token.
// It never returns an error for an unresolvable identity; the result simply
// carries an empty phone number. Cache failures degrade to shape-only
// resolution.
func (r *Resolver) Resolve(ctx context.Context, token string) models.IdentityResolution {
	channel := DetectChannel(token)
	result := models.IdentityResolution{
		SessionID: token,
		Channel:   channel,
	}

	if channel == models.ChannelWhatsApp {
		// Phone-shaped tokens carry their own identity.
		result.PhoneNumber = NormalizePhone(token)
		result.IsPhoneVerified = result.PhoneNumber != ""
		r.enrichFromSession(ctx, &result)
		return result
	}

	// Session-token channels: direct mapping first. The mapping is written
	// only after verification, so a hit implies a verified phone.
	phone, err := r.cache.GetPhoneMapping(ctx, token)
	if err != nil {
		slog.Warn("Resolver phone mapping lookup failed", "error", err, "sessionID", token)
	}
	if phone != "" {
		result.PhoneNumber = phone
		result.IsPhoneVerified = true
		r.enrichFromSession(ctx, &result)
		return result
	}

	// Fall back to scanning session blob fields in fixed priority order.
	session, err := r.cache.GetSession(ctx, token)
	if err != nil {
		slog.Warn("Resolver session lookup failed", "error", err, "sessionID", token)
		return result
	}
	if session == nil {
		return result
	}
	result.UserID = session.UserID
	result.AuthToken = session.AuthToken
	for _, field := range profileFieldPriority {
		if normalized := NormalizePhone(session.Profile[field]); normalized != "" {
			result.PhoneNumber = normalized
			result.IsPhoneVerified = session.Authenticated
			break
		}
	}
	return result
}

// enrichFromSession copies userID and auth token from the session blob if
// one exists. Best effort: failures leave the resolution as-is.
func (r *Resolver) enrichFromSession(ctx context.Context, result *models.IdentityResolution) {
	session, err := r.cache.GetSession(ctx, result.SessionID)
	if err != nil || session == nil {
		return
	}
	result.UserID = session.UserID
	result.AuthToken = session.AuthToken
}

// LinkPhoneToSession writes a verified phone into the session blob and the
// token-to-phone mapping. Called once verification (e.g. an OTP check)
// succeeds. Idempotent: re-linking the same phone only refreshes TTLs.
func (r *Resolver) LinkPhoneToSession(ctx context.Context, sessionID, rawPhone string) error {
	phone := NormalizePhone(rawPhone)
	if phone == "" {
		return fmt.Errorf("%w: %q", models.ErrInvalidPhoneNumber, rawPhone)
	}

	session, err := r.cache.GetSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}
	if session == nil {
		session = models.NewSession(sessionID)
	}
	if session.Profile == nil {
		session.Profile = make(map[string]string)
	}
	session.Profile["verified_phone"] = phone
	session.Authenticated = true
	if err := r.cache.SaveSession(ctx, session); err != nil {
		return fmt.Errorf("failed to save session %s: %w", sessionID, err)
	}

	if err := r.cache.SetPhoneMapping(ctx, sessionID, phone); err != nil {
		return fmt.Errorf("failed to record phone mapping for %s: %w", sessionID, err)
	}
	slog.Info("Resolver linked phone to session", "sessionID", sessionID)
	return nil
}
