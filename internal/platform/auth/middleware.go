package auth

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

// Claims carried by bearer tokens issued by the wallet-signature login.
type Claims struct {
	jwt.RegisteredClaims
	WalletAddress string `json:"wallet_address"`
	Role          string `json:"role"`
	HospitalID    string `json:"hospital_id,omitempty"`
}

type JWTConfig struct {
	Issuer   string
	Audience string
	JWKSURL  string
	// SigningKey selects HS256 validation instead of JWKS.
	SigningKey []byte
}

func JWTMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	var keyFunc jwt.Keyfunc
	if len(cfg.SigningKey) > 0 {
		keyFunc = func(*jwt.Token) (interface{}, error) { return cfg.SigningKey, nil }
	} else {
		keyFunc = jwksKeyFunc(cfg.JWKSURL)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"RS256", "HS256"}),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
			}

			claims := &Claims{}
			token, err := jwt.ParseWithClaims(parts[1], claims, keyFunc, opts...)
			if err != nil || !token.Valid {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}

			id, err := claims.Identity()
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
			}

			c.SetRequest(c.Request().WithContext(WithIdentity(c.Request().Context(), id)))
			return next(c)
		}
	}
}

// Identity validates the role and wallet claims.
func (cl *Claims) Identity() (Identity, error) {
	role, err := ParseRole(cl.Role)
	if err != nil {
		return Identity{}, err
	}
	addr, err := NormalizeAddress(cl.WalletAddress)
	if err != nil {
		return Identity{}, err
	}
	return Identity{
		UserID:        cl.Subject,
		WalletAddress: addr,
		Role:          role,
		HospitalID:    cl.HospitalID,
	}, nil
}

const (
	DevUserHeader     = "X-Dev-User"
	DevWalletHeader   = "X-Dev-Wallet"
	DevRoleHeader     = "X-Dev-Role"
	DevHospitalHeader = "X-Dev-Hospital"

	devWallet = "0x000000000000000000000000000000000000d001"
)

// DevAuthMiddleware builds the identity from X-Dev-* headers. Missing headers
// default to a patient with a fixed development wallet.
func DevAuthMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Request().Header

			role := RolePatient
			if raw := h.Get(DevRoleHeader); raw != "" {
				r, err := ParseRole(raw)
				if err != nil {
					return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
				}
				role = r
			}

			wallet := devWallet
			if raw := h.Get(DevWalletHeader); raw != "" {
				wallet = raw
			}
			addr, err := NormalizeAddress(wallet)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
			}

			user := h.Get(DevUserHeader)
			if user == "" {
				user = addr
			}

			id := Identity{UserID: user, WalletAddress: addr, Role: role, HospitalID: h.Get(DevHospitalHeader)}
			c.SetRequest(c.Request().WithContext(WithIdentity(c.Request().Context(), id)))
			return next(c)
		}
	}
}
