package who

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"sync"
	"time"

	"taskgate/server/tg_log"
	"taskgate/server/who/api"

	"github.com/golang-jwt/jwt"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const jwtExpiresAfter = time.Hour

var (
	ErrEmailTaken         = errors.New("email already exists")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUserNotFound       = errors.New("user not found")
)

// ValidationError is returned for malformed register or login input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%q %s", e.Field, e.Reason)
}

type Who struct {
	mu        sync.RWMutex
	users     []User
	l         *tg_log.Logger
	key       *rsa.PrivateKey
	publicPem []byte
	ttl       time.Duration
	bcost     int
	now       func() time.Time
}

type User struct {
	ID        string
	Name      string
	Email     string
	Teams     []string
	CreatedAt time.Time

	// private
	passwordHash []byte
}

type Conf struct {
	// PrivateKeyPEM is an RSA private key (PKCS#1 or PKCS#8). A fresh
	// 2048-bit key is generated when empty.
	PrivateKeyPEM []byte
	TokenTTL      time.Duration
	BcryptCost    int
	Now           func() time.Time
	Logger        *tg_log.Logger
}

func New(c *Conf) (*Who, error) {
	if c.Logger == nil {
		return nil, fmt.Errorf("logger is nil")
	}

	key, err := loadOrGenerateKey(c.PrivateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("signing key: %w", err)
	}
	pubDer, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}

	who := &Who{
		users:     []User{},
		l:         c.Logger,
		key:       key,
		publicPem: pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDer}),
		ttl:       c.TokenTTL,
		bcost:     c.BcryptCost,
		now:       c.Now,
	}
	if who.ttl == 0 {
		who.ttl = jwtExpiresAfter
	}
	if who.bcost == 0 {
		who.bcost = bcrypt.DefaultCost
	}
	if who.now == nil {
		who.now = time.Now
	}
	return who, nil
}

func loadOrGenerateKey(pemBytes []byte) (*rsa.PrivateKey, error) {
	if len(pemBytes) == 0 {
		return rsa.GenerateKey(rand.Reader, 2048)
	}
	// keys passed through env files often carry literal \n
	pemBytes = []byte(strings.ReplaceAll(string(pemBytes), `\n`, "\n"))
	return jwt.ParseRSAPrivateKeyFromPEM(pemBytes)
}

// PublicKeyPEM is the verification key document served to the gateway.
func (w *Who) PublicKeyPEM() []byte {
	return w.publicPem
}

// ----------- Users -----------

func (w *Who) Register(name, email, password string) (*User, error) {
	if err := validateRegister(name, email, password); err != nil {
		return nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), w.bcost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	for _, u := range w.users {
		if strings.EqualFold(u.Email, email) {
			return nil, ErrEmailTaken
		}
	}
	u := User{
		ID:           uuid.New().String(),
		Name:         name,
		Email:        email,
		Teams:        []string{},
		CreatedAt:    w.now(),
		passwordHash: hash,
	}
	w.users = append(w.users, u)
	w.l.Info("user registered: %s", u.Email)
	return &u, nil
}

// Login checks the credentials and returns a signed token.
func (w *Who) Login(email, password string) (string, error) {
	if err := validateLogin(email, password); err != nil {
		return "", err
	}
	u, ok := w.userByEmail(email)
	if !ok {
		return "", ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(u.passwordHash, []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}
	token, err := w.userJwt(&u)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	w.l.Info("user logged in: %s", u.Email)
	return token, nil
}

func (w *Who) User(id string) (*User, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	for _, u := range w.users {
		if u.ID == id {
			return &u, nil
		}
	}
	return nil, ErrUserNotFound
}

func (w *Who) userByEmail(email string) (User, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	for _, u := range w.users {
		if strings.EqualFold(u.Email, email) {
			return u, true
		}
	}
	return User{}, false
}

func validateRegister(name, email, password string) error {
	if n := len([]rune(strings.TrimSpace(name))); n < 2 || n > 50 {
		return &ValidationError{Field: "name", Reason: "length must be between 2 and 50 characters"}
	}
	if err := validateEmail(email); err != nil {
		return err
	}
	if len(password) < 6 {
		return &ValidationError{Field: "password", Reason: "length must be at least 6 characters long"}
	}
	return nil
}

func validateLogin(email, password string) error {
	if err := validateEmail(email); err != nil {
		return err
	}
	if password == "" {
		return &ValidationError{Field: "password", Reason: "is required"}
	}
	return nil
}

func validateEmail(email string) error {
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email || !strings.Contains(email[strings.LastIndex(email, "@"):], ".") {
		return &ValidationError{Field: "email", Reason: "must be a valid email"}
	}
	return nil
}

// ----------- JWT -----------

func (w *Who) userJwt(u *User) (string, error) {
	now := w.now()
	claims := api.JwtClaims{
		Name:  u.Name,
		Email: u.Email,
		StandardClaims: jwt.StandardClaims{
			Subject:   u.ID,
			IssuedAt:  now.Unix(),
			ExpiresAt: now.Add(w.ttl).Unix(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	return token.SignedString(w.key)
}
