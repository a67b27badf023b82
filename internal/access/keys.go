package access

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/spaceai-orchestrator/internal/domain"
	"go.uber.org/zap"
)

// keyRecord — внутреннее представление ключа. Секрет не хранится:
// только SHA-256 его значения.
type keyRecord struct {
	id        string
	hash      string // hex(sha256(secret))
	agent     string // Binding: пустая строка — ключ без привязки к агенту
	role      domain.Role
	active    bool
	issuedAt  time.Time
	expiresAt time.Time // Нулевое время — бессрочный
	lastUsed  time.Time
	usage     int64
}

// KeyStore — хранилище API-ключей. Формат токена: "keyID.secret".
// In-memory карта — горячий путь валидации; Postgres и Redis-сигналы
// подключаются опционально через AttachPersistence.
type KeyStore struct {
	mu         sync.RWMutex
	keys       map[string]*keyRecord
	defaultTTL time.Duration // 0 — бессрочные ключи

	repo   KeyRepository // nil — только память
	rdb    *redis.Client // nil — без трансляции изменений
	logger *zap.Logger
}

func NewKeyStore(defaultTTL time.Duration) *KeyStore {
	return &KeyStore{
		keys:       make(map[string]*keyRecord),
		defaultTTL: defaultTTL,
	}
}

// Issue выдает новый ключ. Секрет возвращается ровно один раз.
func (s *KeyStore) Issue(ctx context.Context, agent string, role domain.Role) (domain.Credential, error) {
	if !domain.ValidRole(role) {
		return domain.Credential{}, domain.ErrPermissionDenied
	}

	keyID := uuid.New().String()[:8]
	secret, err := randomSecret()
	if err != nil {
		return domain.Credential{}, err
	}

	now := time.Now()
	rec := &keyRecord{
		id:       keyID,
		hash:     hashSecret(secret),
		agent:    agent,
		role:     role,
		active:   true,
		issuedAt: now,
	}
	if s.defaultTTL > 0 {
		rec.expiresAt = now.Add(s.defaultTTL)
	}

	s.mu.Lock()
	s.keys[keyID] = rec
	s.mu.Unlock()

	if err := s.persist(ctx, rowFromRecord(rec)); err != nil {
		// Откат: ключ, который не удалось сохранить, не должен работать
		s.mu.Lock()
		delete(s.keys, keyID)
		s.mu.Unlock()
		return domain.Credential{}, err
	}

	return domain.Credential{
		KeyID:     keyID,
		Token:     keyID + "." + secret,
		Agent:     agent,
		Role:      role,
		IssuedAt:  now,
		ExpiresAt: rec.expiresAt,
	}, nil
}

// Identity — результат успешной валидации токена.
type Identity struct {
	KeyID string
	Agent string
	Role  domain.Role
}

// Validate проверяет токен. Сравнение хэшей — timing-safe (hmac.Equal).
// Отозванный или истекший ключ эквивалентен неизвестному.
func (s *KeyStore) Validate(token string) (Identity, error) {
	keyID, secret, ok := strings.Cut(strings.TrimSpace(token), ".")
	if !ok || keyID == "" || secret == "" {
		return Identity{}, domain.ErrInvalidKey
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, found := s.keys[keyID]
	if !found || !rec.active {
		return Identity{}, domain.ErrInvalidKey
	}
	if !rec.expiresAt.IsZero() && time.Now().After(rec.expiresAt) {
		return Identity{}, domain.ErrInvalidKey
	}
	if !hmac.Equal([]byte(rec.hash), []byte(hashSecret(secret))) {
		return Identity{}, domain.ErrInvalidKey
	}

	rec.usage++
	rec.lastUsed = time.Now()

	return Identity{KeyID: rec.id, Agent: rec.agent, Role: rec.role}, nil
}

// Revoke инвалидирует ключ немедленно и навсегда.
// Запись сохраняется, чтобы аудит мог резолвить актора исторически.
func (s *KeyStore) Revoke(ctx context.Context, keyID string) error {
	s.mu.Lock()
	rec, ok := s.keys[keyID]
	if !ok || !rec.active {
		s.mu.Unlock()
		return domain.ErrNotFound
	}
	rec.active = false
	s.mu.Unlock()

	return s.persistDeactivate(ctx, keyID)
}

// Rotate атомарно меняет ключ: старый гаснет в тот же момент, когда новый
// становится активным — окна, где валидны оба или ни одного, нет.
func (s *KeyStore) Rotate(ctx context.Context, keyID string) (domain.Credential, error) {
	secret, err := randomSecret()
	if err != nil {
		return domain.Credential{}, err
	}
	newID := uuid.New().String()[:8]

	s.mu.Lock()
	old, ok := s.keys[keyID]
	if !ok || !old.active {
		s.mu.Unlock()
		return domain.Credential{}, domain.ErrNotFound
	}

	now := time.Now()
	rec := &keyRecord{
		id:       newID,
		hash:     hashSecret(secret),
		agent:    old.agent,
		role:     old.role,
		active:   true,
		issuedAt: now,
	}
	if s.defaultTTL > 0 {
		rec.expiresAt = now.Add(s.defaultTTL)
	}

	// Обе мутации в одной критической секции: окна, где валидны
	// оба ключа или ни одного, не существует
	old.active = false
	s.keys[newID] = rec
	s.mu.Unlock()

	if err := s.persistDeactivate(ctx, keyID); err != nil {
		s.rollbackRotate(keyID, newID)
		return domain.Credential{}, err
	}
	if err := s.persist(ctx, rowFromRecord(rec)); err != nil {
		s.rollbackRotate(keyID, newID)
		return domain.Credential{}, err
	}

	return domain.Credential{
		KeyID:     newID,
		Token:     newID + "." + secret,
		Agent:     rec.agent,
		Role:      rec.role,
		IssuedAt:  now,
		ExpiresAt: rec.expiresAt,
	}, nil
}

// rollbackRotate возвращает старый ключ в строй, если персистентная
// фаза ротации сорвалась.
func (s *KeyStore) rollbackRotate(oldID, newID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.keys[oldID]; ok {
		old.active = true
	}
	delete(s.keys, newID)
}

func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

func randomSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
