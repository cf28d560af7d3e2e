package services

import (
	"context"
	"crypto/subtle"
	"errors"
	"time"

	"camrelay/internal/core/domain"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken  = errors.New("invalid token")
	ErrExpiredToken  = errors.New("token expired")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrWrongPairCode = errors.New("wrong pairing secret")
)

type PairingAuthService interface {
	Authorize(secret string) error
	GenerateToken(deviceID domain.DeviceID, deviceName string) (string, error)
	GenerateRefreshToken(deviceID domain.DeviceID) (string, error)
	ValidateToken(tokenString string) (*PairingClaims, error)
	ValidateRefreshToken(tokenString string) (*PairingClaims, error)
	DeviceFromContext(ctx context.Context) (domain.DeviceID, error)
}

type PairingClaims struct {
	DeviceID   domain.DeviceID `json:"device_id"`
	DeviceName string          `json:"device_name"`
	jwt.RegisteredClaims
}

type pairingAuthService struct {
	pairingSecret   []byte
	jwtSecret       []byte
	accessTokenTTL  time.Duration
	refreshTokenTTL time.Duration
}

func NewPairingAuthService(
	pairingSecret string,
	jwtSecret string,
	accessTokenTTL time.Duration,
	refreshTokenTTL time.Duration,
) PairingAuthService {
	return &pairingAuthService{
		pairingSecret:   []byte(pairingSecret),
		jwtSecret:       []byte(jwtSecret),
		accessTokenTTL:  accessTokenTTL,
		refreshTokenTTL: refreshTokenTTL,
	}
}

// Authorize checks the shared pairing secret a companion presents before it
// gets a session token. An empty configured secret means open pairing.
func (s *pairingAuthService) Authorize(secret string) error {
	if len(s.pairingSecret) == 0 {
		return nil
	}
	if subtle.ConstantTimeCompare(s.pairingSecret, []byte(secret)) != 1 {
		return ErrWrongPairCode
	}
	return nil
}

func (s *pairingAuthService) GenerateToken(deviceID domain.DeviceID, deviceName string) (string, error) {
	claims := &PairingClaims{
		DeviceID:   deviceID,
		DeviceName: deviceName,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(s.accessTokenTTL)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

func (s *pairingAuthService) GenerateRefreshToken(deviceID domain.DeviceID) (string, error) {
	claims := &PairingClaims{
		DeviceID: deviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(s.refreshTokenTTL)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

func (s *pairingAuthService) ValidateToken(tokenString string) (*PairingClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &PairingClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.jwtSecret, nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	if claims, ok := token.Claims.(*PairingClaims); ok && token.Valid {
		return claims, nil
	}

	return nil, ErrInvalidToken
}

func (s *pairingAuthService) ValidateRefreshToken(tokenString string) (*PairingClaims, error) {
	return s.ValidateToken(tokenString)
}

func (s *pairingAuthService) DeviceFromContext(ctx context.Context) (domain.DeviceID, error) {
	deviceID, ok := ctx.Value("device_id").(domain.DeviceID)
	if !ok {
		return "", ErrUnauthorized
	}
	return deviceID, nil
}
