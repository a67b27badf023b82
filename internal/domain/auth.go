package domain

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Role — фиксированный упорядоченный набор ролей RBAC.
// ADMIN > OPERATOR > ANALYST > SERVICE > GUEST.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleOperator Role = "operator"
	RoleAnalyst  Role = "analyst"
	RoleService  Role = "service"
	RoleGuest    Role = "guest"
)

// Permission — атомарное право внутри роли.
type Permission string

const (
	PermRead    Permission = "read"
	PermWrite   Permission = "write"
	PermExecute Permission = "execute"
	PermAdmin   Permission = "admin"
	PermDelete  Permission = "delete"
)

// RolePermissions — статичная матрица прав. Права выводятся только из роли,
// per-user грантов нет (Zero Trust, дефолт — пусто).
var RolePermissions = map[Role]map[Permission]struct{}{
	RoleAdmin: {
		PermRead: {}, PermWrite: {}, PermExecute: {}, PermAdmin: {}, PermDelete: {},
	},
	RoleOperator: {
		PermRead: {}, PermWrite: {}, PermExecute: {},
	},
	RoleAnalyst: {
		PermRead: {},
	},
	RoleService: {
		PermRead: {}, PermExecute: {},
	},
	RoleGuest: {
		PermRead: {},
	},
}

// HasPermission проверяет право роли. Неизвестная роль — запрет.
func (r Role) HasPermission(p Permission) bool {
	perms, ok := RolePermissions[r]
	if !ok {
		return false
	}
	_, ok = perms[p]
	return ok
}

// ValidRole — guard для API консоли.
func ValidRole(r Role) bool {
	_, ok := RolePermissions[r]
	return ok
}

// Credential — выданный ключ в формате "keyID.secret".
// Secret показывается ровно один раз, в хранилище живет только SHA-256.
type Credential struct {
	KeyID     string    `json:"key_id"`
	Token     string    `json:"token"` // Полный ключ, отдается только при выдаче/ротации
	Agent     string    `json:"agent"` // Binding: для какого агента выдан
	Role      Role      `json:"role"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at,omitzero"`
}

// CustomClaims — полезная нагрузка операторского JWT (Console API, RS256).
type CustomClaims struct {
	UserID string `json:"user_id"`
	Role   Role   `json:"role"`
	jwt.RegisteredClaims
}

// LoginRequest / TokenResponse — контракт /auth/token консоли.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"` // Всегда "Bearer"
	ExpiresIn   int64  `json:"expires_in"`
}

// User — оператор консоли. PasswordHash никогда не сериализуется наружу.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Role         Role      `json:"role"`
	CreatedAt    time.Time `json:"created_at"`
}
