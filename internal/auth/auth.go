package auth

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/iurnickita/orderledger/internal/auth/config"
	"github.com/iurnickita/orderledger/internal/token"
)

type Role string

const (
	RoleAdmin  Role = "admin"
	RoleIngest Role = "ingest"
	RoleReader Role = "reader"
)

func (r Role) Valid() bool {
	return r == RoleAdmin || r == RoleIngest || r == RoleReader
}

type Action string

const (
	ActionIngest    Action = "ingest"
	ActionRead      Action = "read"
	ActionReconcile Action = "reconcile"
	ActionConfigure Action = "configure"
)

// Права ролей
var permissions = map[Role][]Action{
	RoleAdmin:  {ActionIngest, ActionRead, ActionReconcile, ActionConfigure},
	RoleIngest: {ActionIngest, ActionRead},
	RoleReader: {ActionRead},
}

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
)

// Caller - аутентифицированный клиент API
type Caller struct {
	Subject string
	Role    Role
	Tenants []string
}

// Authorize проверяет право caller выполнить action над данными tenant
func (c Caller) Authorize(tenant string, action Action) error {
	if !slices.Contains(permissions[c.Role], action) {
		return ErrForbidden
	}
	if !slices.Contains(c.Tenants, tenant) {
		return ErrForbidden
	}
	return nil
}

type Auth interface {
	Issue(subject string, role Role, tenants []string) (string, error)
	Authenticate(r *http.Request) (Caller, error)
	Middleware(action Action, h http.HandlerFunc) http.HandlerFunc
}

type callerKey struct{}

type auth struct {
	cfg config.Config
	now func() time.Time
}

func NewAuth(cfg config.Config) Auth {
	return &auth{cfg: cfg, now: time.Now}
}

func (a *auth) Issue(subject string, role Role, tenants []string) (string, error) {
	if subject == "" || !role.Valid() {
		return "", ErrForbidden
	}
	return token.Issue(a.cfg.TokenSecret, subject, string(role), tenants, a.cfg.TokenTTL, a.now())
}

func (a *auth) Authenticate(r *http.Request) (Caller, error) {
	header := r.Header.Get("Authorization")
	tokenString, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || tokenString == "" {
		return Caller{}, ErrUnauthorized
	}
	claims, err := token.Parse(a.cfg.TokenSecret, tokenString)
	if err != nil {
		return Caller{}, ErrUnauthorized
	}
	caller := Caller{
		Subject: claims.Subject,
		Role:    Role(claims.Role),
		Tenants: claims.Tenants,
	}
	if !caller.Role.Valid() {
		return Caller{}, ErrUnauthorized
	}
	return caller, nil
}

// Middleware пропускает запрос к h, если клиенту разрешено action над
// арендатором из пути запроса
func (a *auth) Middleware(action Action, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, err := a.Authenticate(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		if err = caller.Authorize(r.PathValue("tenant"), action); err != nil {
			http.Error(w, err.Error(), http.StatusForbidden)
			return
		}

		// передаём управление хендлеру
		h.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), callerKey{}, caller)))
	}
}

func CallerFromContext(ctx context.Context) (Caller, bool) {
	caller, ok := ctx.Value(callerKey{}).(Caller)
	return caller, ok
}
