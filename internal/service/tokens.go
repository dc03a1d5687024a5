// tokens.go — выдача и проверка ссылок скачивания.
//
// Ссылка несёт подписанный HS256 JWT со сроком действия 15 минут.
// Токен — stateless bearer credential: отзыв не поддерживается,
// любой обладатель ссылки может скачать файл до истечения срока.
package service

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DownloadTokenTTL — срок действия ссылки скачивания.
const DownloadTokenTTL = 15 * time.Minute

// downloadAudience — аудитория токенов скачивания.
const downloadAudience = "attachment-download"

// DownloadLink — выданная ссылка скачивания.
type DownloadLink struct {
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}

// downloadClaims — claims токена скачивания.
type downloadClaims struct {
	AttachmentID string `json:"aid"`
	Filename     string `json:"fn,omitempty"`
	jwt.RegisteredClaims
}

// TokenService — выдача и проверка токенов скачивания.
type TokenService struct {
	secret   []byte
	basePath string
	now      func() time.Time
}

// NewTokenService создаёт сервис токенов. basePath — префикс URL,
// к которому добавляется /{id}/stream?token=...
func NewTokenService(secret, basePath string) *TokenService {
	return &TokenService{
		secret:   []byte(secret),
		basePath: strings.TrimRight(basePath, "/"),
		now:      time.Now,
	}
}

// Issue выдаёт ссылку скачивания вложения.
func (s *TokenService) Issue(attachmentID, filename string) (*DownloadLink, error) {
	// Секундная точность: exp в JWT хранится в секундах
	now := s.now().UTC().Truncate(time.Second)
	expiresAt := now.Add(DownloadTokenTTL)

	claims := downloadClaims{
		AttachmentID: attachmentID,
		Filename:     filename,
		RegisteredClaims: jwt.RegisteredClaims{
			Audience:  jwt.ClaimStrings{downloadAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return nil, newError(KindStorage, err, "не удалось подписать ссылку скачивания")
	}

	return &DownloadLink{
		URL:       fmt.Sprintf("%s/%s/stream?token=%s", s.basePath, url.PathEscape(attachmentID), url.QueryEscape(signed)),
		ExpiresAt: expiresAt,
	}, nil
}

// Verify проверяет токен для вложения attachmentID. Отсутствующий токен,
// неверная подпись, истёкший срок (now >= exp), чужая аудитория или
// другой идентификатор вложения — AUTH_FAILURE.
func (s *TokenService) Verify(token, attachmentID string) error {
	if token == "" {
		return newError(KindAuth, nil, "токен скачивания не передан")
	}

	claims := &downloadClaims{}
	_, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (any, error) { return s.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(downloadAudience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return newError(KindAuth, err, "срок действия ссылки истёк")
		}
		return newError(KindAuth, err, "недействительный токен скачивания")
	}

	if claims.AttachmentID != attachmentID {
		return newError(KindAuth, nil, "токен выдан для другого вложения")
	}
	return nil
}
