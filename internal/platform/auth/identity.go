package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Role is the closed set of actors the platform recognises.
type Role string

const (
	RolePatient  Role = "patient"
	RoleDoctor   Role = "doctor"
	RoleHospital Role = "hospital"
	RoleInsurer  Role = "insurer"
)

var ErrInvalidAddress = errors.New("invalid wallet address")

// ParseRole accepts a role name case-insensitively.
func ParseRole(s string) (Role, error) {
	switch r := Role(strings.ToLower(strings.TrimSpace(s))); r {
	case RolePatient, RoleDoctor, RoleHospital, RoleInsurer:
		return r, nil
	default:
		return "", fmt.Errorf("unknown role %q", s)
	}
}

// NormalizeAddress validates a 20-byte hex address and returns its canonical
// lowercase 0x form.
func NormalizeAddress(s string) (string, error) {
	s = strings.TrimSpace(s)
	if !common.IsHexAddress(s) {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	return strings.ToLower(common.HexToAddress(s).Hex()), nil
}

// Identity is the authenticated caller as seen by the services.
type Identity struct {
	UserID        string `json:"user_id"`
	WalletAddress string `json:"wallet_address"`
	Role          Role   `json:"role"`
	HospitalID    string `json:"hospital_id,omitempty"`
}

// Subject is the id records are encrypted under for this identity.
func (i Identity) Subject() string {
	if i.UserID != "" {
		return i.UserID
	}
	return i.WalletAddress
}

func (i Identity) Is(roles ...Role) bool {
	for _, r := range roles {
		if i.Role == r {
			return true
		}
	}
	return false
}

type contextKey string

const IdentityKey contextKey = "identity"

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, IdentityKey, id)
}

func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(IdentityKey).(Identity)
	return id, ok
}

// UserIDFromContext returns the authenticated user id or "".
func UserIDFromContext(ctx context.Context) string {
	id, _ := IdentityFromContext(ctx)
	return id.UserID
}
