// auth.go — JWT middleware аутентификации вызывающей стороны.
// Токены RS256 проверяются по ключам JWKS (Keycloak или другой IdP).
// Claims: sub, realm_access.roles, roles. Роль администратора задаётся AS_ADMIN_ROLE.
// Ссылки скачивания, health и metrics обслуживаются без JWT.
package middleware

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/MicahParks/jwkset"
	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	apierrors "github.com/bigkaa/goartstore/attachment-store/internal/api/errors"
	"github.com/bigkaa/goartstore/attachment-store/internal/domain/model"
)

// contextKey — тип для ключей контекста (избегаем коллизий).
type contextKey string

// ContextKeyCaller — ключ для model.Caller в контексте запроса.
const ContextKeyCaller contextKey = "caller"

// Значения по умолчанию для JWTAuthConfig.
const (
	defaultJWKSClientTimeout   = 10 * time.Second
	defaultJWKSRefreshInterval = 15 * time.Minute
	defaultJWTLeeway           = 5 * time.Second
)

// Claims — JWT claims вызывающей стороны.
// Роли берутся из двух форматов:
//   - Keycloak: realm_access.roles
//   - плоский: roles (массив строк)
type Claims struct {
	jwt.RegisteredClaims
	PreferredUsername string       `json:"preferred_username,omitempty"`
	RealmAccess       *realmAccess `json:"realm_access,omitempty"`
	RoleArray         []string     `json:"roles,omitempty"`
}

// realmAccess — вложенная структура realm_access в Keycloak JWT.
type realmAccess struct {
	Roles []string `json:"roles"`
}

// Roles возвращает объединённый список ролей без повторов.
func (c *Claims) Roles() []string {
	var result []string
	if c.RealmAccess != nil {
		result = append(result, c.RealmAccess.Roles...)
	}
	for _, r := range c.RoleArray {
		if !slices.Contains(result, r) {
			result = append(result, r)
		}
	}
	return result
}

// JWTAuthConfig — параметры JWT middleware.
type JWTAuthConfig struct {
	// URL JWKS endpoint
	JWKSURL string
	// Путь к CA-сертификату (опционально)
	CACertPath string
	// Роль администратора
	AdminRole string
	// Таймаут HTTP-клиента JWKS
	ClientTimeout time.Duration
	// Интервал обновления JWKS-ключей
	RefreshInterval time.Duration
	// Допустимое отклонение времени при проверке JWT
	JWTLeeway time.Duration
}

func (c *JWTAuthConfig) applyDefaults() {
	if c.ClientTimeout <= 0 {
		c.ClientTimeout = defaultJWKSClientTimeout
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = defaultJWKSRefreshInterval
	}
	if c.JWTLeeway <= 0 {
		c.JWTLeeway = defaultJWTLeeway
	}
}

// JWTAuth — middleware для JWT-аутентификации через JWKS.
type JWTAuth struct {
	jwks      keyfunc.Keyfunc
	adminRole string
	jwtLeeway time.Duration
	logger    *slog.Logger
}

// NewJWTAuth создаёт JWT middleware с JWKS из указанного URL.
func NewJWTAuth(authCfg JWTAuthConfig, logger *slog.Logger) (*JWTAuth, error) {
	authCfg.applyDefaults()

	httpClient, err := buildHTTPClient(authCfg)
	if err != nil {
		return nil, err
	}
	if authCfg.CACertPath != "" {
		logger.Info("CA-сертификат добавлен в пул доверия",
			slog.String("ca_cert", authCfg.CACertPath),
		)
	}

	// NoErrorReturnFirstHTTPReq позволяет стартовать, даже если IdP
	// ещё недоступен (одновременный запуск pod-ов).
	storage, err := jwkset.NewStorageFromHTTP(authCfg.JWKSURL, jwkset.HTTPClientStorageOptions{
		Client:                    httpClient,
		NoErrorReturnFirstHTTPReq: true,
		RefreshInterval:           authCfg.RefreshInterval,
		RefreshErrorHandler: func(_ context.Context, err error) {
			logger.Error("Ошибка обновления JWKS",
				slog.String("error", err.Error()),
				slog.String("url", authCfg.JWKSURL),
			)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("создание JWKS storage: %w", err)
	}

	k, err := keyfunc.New(keyfunc.Options{Storage: storage})
	if err != nil {
		return nil, fmt.Errorf("создание keyfunc: %w", err)
	}

	return NewJWTAuthWithKeyfunc(k, authCfg.AdminRole, authCfg.JWTLeeway, logger), nil
}

// buildHTTPClient создаёт HTTP-клиент JWKS с таймаутом и опциональным CA.
func buildHTTPClient(authCfg JWTAuthConfig) (*http.Client, error) {
	client := &http.Client{Timeout: authCfg.ClientTimeout}
	if authCfg.CACertPath == "" {
		return client, nil
	}

	caCert, err := os.ReadFile(authCfg.CACertPath)
	if err != nil {
		return nil, fmt.Errorf("загрузка CA-сертификата %s: %w", authCfg.CACertPath, err)
	}
	caCertPool, err := x509.SystemCertPool()
	if err != nil {
		caCertPool = x509.NewCertPool()
	}
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("CA-сертификат %s не содержит PEM-блоков", authCfg.CACertPath)
	}

	client.Transport = &http.Transport{
		TLSClientConfig: &tls.Config{
			RootCAs:    caCertPool,
			MinVersion: tls.VersionTLS12,
		},
	}
	return client, nil
}

// NewJWTAuthWithKeyfunc создаёт JWT middleware с предоставленной keyfunc.
// Используется в тестах для подстановки JWKS.
func NewJWTAuthWithKeyfunc(kf keyfunc.Keyfunc, adminRole string, jwtLeeway time.Duration, logger *slog.Logger) *JWTAuth {
	return &JWTAuth{
		jwks:      kf,
		adminRole: adminRole,
		jwtLeeway: jwtLeeway,
		logger:    logger.With(slog.String("component", "jwt_auth")),
	}
}

// Middleware возвращает HTTP middleware для JWT-аутентификации.
// Извлекает Bearer token, проверяет подпись (RS256) и exp/nbf,
// помещает model.Caller в контекст запроса.
func (j *JWTAuth) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				apierrors.Unauthorized(w, "Отсутствует заголовок Authorization")
				return
			}

			scheme, tokenString, ok := strings.Cut(authHeader, " ")
			if !ok || !strings.EqualFold(scheme, "Bearer") {
				apierrors.Unauthorized(w, "Неверный формат Authorization: ожидается Bearer <token>")
				return
			}
			tokenString = strings.TrimSpace(tokenString)
			if tokenString == "" {
				apierrors.Unauthorized(w, "Пустой Bearer token")
				return
			}

			claims := &Claims{}
			token, err := jwt.ParseWithClaims(tokenString, claims, j.jwks.KeyfuncCtx(r.Context()),
				jwt.WithValidMethods([]string{"RS256"}),
				jwt.WithExpirationRequired(),
				jwt.WithLeeway(j.jwtLeeway),
			)
			if err != nil || !token.Valid {
				j.logger.Debug("JWT валидация не пройдена",
					slog.Any("error", err),
					slog.String("remote_addr", r.RemoteAddr),
				)
				apierrors.Unauthorized(w, "Невалидный или просроченный токен")
				return
			}

			subject, err := claims.GetSubject()
			if err != nil || subject == "" {
				apierrors.Unauthorized(w, "Отсутствует sub в токене")
				return
			}

			roles := claims.Roles()
			caller := model.Caller{
				Subject: subject,
				Roles:   roles,
				Admin:   j.adminRole != "" && slices.Contains(roles, j.adminRole),
			}
			next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
		})
	}
}

// WithCaller помещает вызывающего в контекст.
func WithCaller(ctx context.Context, caller model.Caller) context.Context {
	return context.WithValue(ctx, ContextKeyCaller, caller)
}

// CallerFromContext извлекает вызывающего из контекста запроса.
func CallerFromContext(ctx context.Context) (model.Caller, bool) {
	caller, ok := ctx.Value(ContextKeyCaller).(model.Caller)
	return caller, ok && caller.Subject != ""
}
