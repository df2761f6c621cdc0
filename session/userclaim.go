package session

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ClaimType names which field of an authenticated principal a UserIdClaim
// was derived from.
type ClaimType string

const (
	ClaimNameIdentifier ClaimType = "NameIdentifier"
	ClaimSub            ClaimType = "sub"
	ClaimUPN            ClaimType = "UPN"
)

// claimPrecedence is the order in which claim types are checked when
// deriving a UserIdClaim from a principal: the first one present wins.
var claimPrecedence = []ClaimType{ClaimNameIdentifier, ClaimSub, ClaimUPN}

// UserIdClaim is the optional (type, value, issuer) triple identifying the
// authenticated user of a session, per the data model. The zero value
// represents "unauthenticated" and compares equal only to itself.
type UserIdClaim struct {
	Type   ClaimType
	Value  string
	Issuer string
	set    bool
}

// IsZero reports whether c represents an unauthenticated request.
func (c UserIdClaim) IsZero() bool { return !c.set }

// Equal compares two claims by tuple equality, as required for session
// user-binding checks (§4.B, §7).
func (c UserIdClaim) Equal(other UserIdClaim) bool {
	if c.set != other.set {
		return false
	}
	if !c.set {
		return true
	}
	return c.Type == other.Type && c.Value == other.Value && c.Issuer == other.Issuer
}

func (c UserIdClaim) String() string {
	if !c.set {
		return "<anonymous>"
	}
	return fmt.Sprintf("%s=%s@%s", c.Type, c.Value, c.Issuer)
}

// Principal is a minimal representation of an authenticated caller: the
// claims from a verified bearer JWT, plus the issuer that verified it. A
// nil *Principal represents an unauthenticated request.
type Principal struct {
	Claims jwt.MapClaims
	Issuer string
}

// ClaimFromPrincipal derives a UserIdClaim from p, implementing the "first
// of NameIdentifier, sub, UPN" rule from the data model. It returns the
// zero UserIdClaim if p is nil or none of the three claim types are
// present as non-empty strings.
func ClaimFromPrincipal(p *Principal) UserIdClaim {
	if p == nil {
		return UserIdClaim{}
	}
	for _, typ := range claimPrecedence {
		v, ok := p.Claims[string(typ)]
		if !ok {
			continue
		}
		s, ok := v.(string)
		if !ok || s == "" {
			continue
		}
		return UserIdClaim{Type: typ, Value: s, Issuer: p.Issuer, set: true}
	}
	return UserIdClaim{}
}

// PrincipalFromRequest extracts and verifies a bearer JWT from req's
// Authorization header using keyFunc (see jwt.Parser.Parse), returning the
// resulting Principal. It returns (nil, nil) — not an error — when the
// request carries no Authorization header at all, since an unauthenticated
// request is a normal, expected case for this transport's boundary
// contract; a present-but-invalid token is reported as an error.
//
// This is provided as a convenience default for callers whose auth
// middleware is JWT-based; callers using a different scheme can construct
// a *Principal directly.
func PrincipalFromRequest(req *http.Request, keyFunc jwt.Keyfunc) (*Principal, error) {
	authz := req.Header.Get("Authorization")
	if authz == "" {
		return nil, nil
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return nil, fmt.Errorf("session: unsupported Authorization scheme")
	}
	raw := strings.TrimPrefix(authz, prefix)

	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, keyFunc)
	if err != nil {
		return nil, fmt.Errorf("session: invalid bearer token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("session: bearer token failed validation")
	}
	issuer, _ := claims.GetIssuer()
	return &Principal{Claims: claims, Issuer: issuer}, nil
}
