package proxmox

import (
	"net/http"
	"time"

	"golang.org/x/oauth2"
)

const (
	// Proxmox tickets are valid for two hours; renew ahead of that.
	ticketLifetime = 2 * time.Hour
	renewMargin    = 5 * time.Minute

	csrfExtraKey     = "CSRFPreventionToken"
	ticketCookieName = "PVEAuthCookie"
	tokenTypeTicket  = "PVEAuthCookie"
	tokenTypeAPI     = "PVEAPIToken"
)

// Session carries the credentials attached to every API request. It is owned
// by the Client and replaced, never mutated, on re-authentication.
type Session struct {
	token *oauth2.Token
	user  string
}

func newTicketSession(user, ticket, csrf string, issuedAt time.Time) *Session {
	tok := &oauth2.Token{
		AccessToken: ticket,
		TokenType:   tokenTypeTicket,
		Expiry:      issuedAt.Add(ticketLifetime - renewMargin),
	}
	return &Session{
		token: tok.WithExtra(map[string]any{csrfExtraKey: csrf}),
		user:  user,
	}
}

// newTokenSession builds a session from an API token. Tokens do not expire on
// the client side and do not need a CSRF header.
func newTokenSession(user, tokenID, secret string) *Session {
	return &Session{
		token: &oauth2.Token{
			AccessToken: user + "!" + tokenID + "=" + secret,
			TokenType:   tokenTypeAPI,
		},
		user: user,
	}
}

func (s *Session) Valid() bool {
	return s != nil && s.token.Valid()
}

func (s *Session) User() string {
	if s == nil {
		return ""
	}
	return s.user
}

func (s *Session) Ticket() string {
	if s == nil || s.token.TokenType != tokenTypeTicket {
		return ""
	}
	return s.token.AccessToken
}

func (s *Session) CSRFToken() string {
	if s == nil {
		return ""
	}
	v, _ := s.token.Extra(csrfExtraKey).(string)
	return v
}

// ExpiresAt is the zero time for API token sessions.
func (s *Session) ExpiresAt() time.Time {
	if s == nil {
		return time.Time{}
	}
	return s.token.Expiry
}

func (s *Session) apply(req *http.Request) {
	if s == nil {
		return
	}
	switch s.token.TokenType {
	case tokenTypeAPI:
		req.Header.Set("Authorization", tokenTypeAPI+"="+s.token.AccessToken)
	default:
		req.AddCookie(&http.Cookie{Name: ticketCookieName, Value: s.Ticket()})
		if req.Method != http.MethodGet {
			if csrf := s.CSRFToken(); csrf != "" {
				req.Header.Set(csrfExtraKey, csrf)
			}
		}
	}
}
