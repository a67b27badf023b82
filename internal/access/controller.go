package access

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/xela07ax/spaceai-orchestrator/internal/audit"
	"github.com/xela07ax/spaceai-orchestrator/internal/domain"
	"github.com/xela07ax/spaceai-orchestrator/internal/infra"
	"go.uber.org/zap"
)

// bucket — фиксированное окно для пары (actor, agent).
// Счетчик сбрасывается на границе окна; превышения копятся в violations
// и эскалируют во временную блокировку пары.
type bucket struct {
	windowStart  time.Time
	count        int
	violations   int
	blockedUntil time.Time
}

// denialWindow — подсчет отказов актора для threat response.
type denialWindow struct {
	windowStart time.Time
	count       int
}

// Controller — контроллер доступа: перехватывает каждую попытку вызова,
// валидирует ключ, проверяет роль, применяет rate limit и пишет
// запись аудита независимо от исхода. Ни от кого не зависит;
// оркестратор зависит от него.
type Controller struct {
	keys      *KeyStore
	blocklist *Blocklist
	trail     audit.Auditor
	cfg       infra.AccessConfig
	logger    *zap.Logger

	mu      sync.Mutex
	buckets map[string]*bucket       // ключ: actor + "|" + agent
	denials map[string]*denialWindow // ключ: actor
	now     func() time.Time         // Подменяется в тестах
}

func NewController(keys *KeyStore, bl *Blocklist, trail audit.Auditor, cfg infra.AccessConfig, logger *zap.Logger) *Controller {
	return &Controller{
		keys:      keys,
		blocklist: bl,
		trail:     trail,
		cfg:       cfg,
		logger:    logger.Named("access"),
		buckets:   make(map[string]*bucket),
		denials:   make(map[string]*denialWindow),
		now:       time.Now,
	}
}

// Authorize — главный контракт слоя доступа. Возвращает ID актора (key id)
// при успехе; любая ветка, включая успех, оставляет ровно одну запись аудита.
func (c *Controller) Authorize(ctx context.Context, token, agentName string, perm domain.Permission) (string, error) {
	ident, err := c.keys.Validate(token)
	if err != nil {
		c.log("unknown", agentName, audit.OutcomeDenied, map[string]interface{}{
			"reason":     "invalid_credential",
			"permission": string(perm),
		})
		return "", domain.ErrInvalidKey
	}
	actor := ident.KeyID

	// 1. Явный блок актора (threat response) — проверяется до всего остального
	if c.blocklist.IsBlocked(actor) {
		c.log(actor, agentName, audit.OutcomeDenied, map[string]interface{}{
			"reason":     "actor_blocked",
			"permission": string(perm),
		})
		return actor, domain.ErrActorBlocked
	}

	// 2. Binding: ключ, выданный под конкретного агента, не работает для других
	if ident.Agent != "" && ident.Agent != agentName {
		c.deny(ctx, actor, agentName, perm, "agent_binding_mismatch")
		return actor, domain.ErrPermissionDenied
	}

	// 3. RBAC: права выводятся строго из роли
	if !ident.Role.HasPermission(perm) {
		c.deny(ctx, actor, agentName, perm, "role_lacks_permission")
		return actor, domain.ErrPermissionDenied
	}

	// 4. Rate limit: фиксированное окно на пару (actor, agent)
	if err := c.checkRate(actor, agentName); err != nil {
		c.deny(ctx, actor, agentName, perm, "rate_limited")
		return actor, err
	}

	c.log(actor, agentName, audit.OutcomeAllowed, map[string]interface{}{
		"permission": string(perm),
	})
	return actor, nil
}

// checkRate реализует fixed window counter. Повторные нарушения сверх
// порога эскалируют во временный блок пары до конца BlockWindow.
func (c *Controller) checkRate(actor, agent string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	key := actor + "|" + agent
	b, ok := c.buckets[key]
	if !ok {
		b = &bucket{windowStart: now}
		c.buckets[key] = b
	}

	if now.Before(b.blockedUntil) {
		return domain.ErrRateLimited
	}

	// Граница окна: счетчик обнуляется
	if now.Sub(b.windowStart) >= c.cfg.RateWindow {
		b.windowStart = now
		b.count = 0
	}

	b.count++
	if b.count > c.cfg.RateLimit {
		b.violations++
		if b.violations > c.cfg.BlockThreshold {
			b.blockedUntil = now.Add(c.cfg.BlockWindow)
			c.logger.Warn("rate violations escalated to temporary pair block",
				zap.String("actor", actor), zap.String("agent", agent),
				zap.Time("until", b.blockedUntil))
		}
		return domain.ErrRateLimited
	}
	return nil
}

// deny фиксирует отказ и ведет счетчик отказов актора: выход за порог
// внутри окна — автономная блокировка до ручного снятия ADMIN-ом.
func (c *Controller) deny(ctx context.Context, actor, agent string, perm domain.Permission, reason string) {
	c.log(actor, agent, audit.OutcomeDenied, map[string]interface{}{
		"reason":     reason,
		"permission": string(perm),
	})

	c.mu.Lock()
	now := c.now()
	d, ok := c.denials[actor]
	if !ok || now.Sub(d.windowStart) >= c.cfg.BlockWindow {
		d = &denialWindow{windowStart: now}
		c.denials[actor] = d
	}
	d.count++
	escalate := d.count > c.cfg.BlockThreshold
	if escalate {
		d.count = 0
	}
	c.mu.Unlock()

	if escalate {
		c.blocklist.Block(ctx, actor)
		// Отдельный тип события: блок независим от сброса rate-окна
		// и снимается только ADMIN-действием
		c.trail.Log(audit.Record{
			Actor:   actor,
			Agent:   agent,
			Action:  audit.ActionActorBlocked,
			Outcome: audit.OutcomeDenied,
			Context: map[string]interface{}{"reason": "denial_threshold_exceeded"},
		})
		c.logger.Warn("actor auto-blocked after repeated denials", zap.String("actor", actor))
	}
}

// IssueKey / RevokeKey / RotateKey — жизненный цикл ключей, всё под аудитом.

func (c *Controller) IssueKey(ctx context.Context, agent string, role domain.Role) (domain.Credential, error) {
	cred, err := c.keys.Issue(ctx, agent, role)
	if err != nil {
		return domain.Credential{}, err
	}
	c.trail.Log(audit.Record{
		Actor:   cred.KeyID,
		Agent:   agent,
		Action:  audit.ActionKeyIssued,
		Outcome: audit.OutcomeAllowed,
		Context: map[string]interface{}{"role": string(role)},
	})
	return cred, nil
}

func (c *Controller) RevokeKey(ctx context.Context, keyID string) error {
	err := c.keys.Revoke(ctx, keyID)
	outcome := audit.OutcomeAllowed
	if err != nil {
		outcome = audit.OutcomeError
	}
	c.trail.Log(audit.Record{
		Actor:   keyID,
		Action:  audit.ActionKeyRevoked,
		Outcome: outcome,
	})
	return err
}

func (c *Controller) RotateKey(ctx context.Context, keyID string) (domain.Credential, error) {
	cred, err := c.keys.Rotate(ctx, keyID)
	if err != nil {
		c.trail.Log(audit.Record{
			Actor:   keyID,
			Action:  audit.ActionKeyRotated,
			Outcome: audit.OutcomeError,
		})
		return domain.Credential{}, err
	}
	c.trail.Log(audit.Record{
		Actor:   keyID,
		Agent:   cred.Agent,
		Action:  audit.ActionKeyRotated,
		Outcome: audit.OutcomeAllowed,
		Context: map[string]interface{}{"new_key_id": cred.KeyID},
	})
	return cred, nil
}

// ClearBlock снимает автоблокировку актора. Проверка ADMIN-роли — на
// вызывающем слое (console middleware); здесь фиксируется подотчетность.
func (c *Controller) ClearBlock(ctx context.Context, actor, clearedBy string) {
	c.blocklist.Unblock(ctx, actor)

	c.mu.Lock()
	delete(c.denials, actor)
	c.mu.Unlock()

	c.trail.Log(audit.Record{
		Actor:   actor,
		Action:  audit.ActionActorUnblocked,
		Outcome: audit.OutcomeAllowed,
		Context: map[string]interface{}{"cleared_by": clearedBy},
	})
}

// BlockedActors — снимок для консоли.
func (c *Controller) BlockedActors() []string {
	return c.blocklist.List()
}

func (c *Controller) log(actor, agent string, outcome audit.Outcome, ctx map[string]interface{}) {
	c.trail.Log(audit.Record{
		Actor:   actor,
		Agent:   agent,
		Action:  audit.ActionAuthorize,
		Outcome: outcome,
		Context: ctx,
	})
}

// IsAccessError — хелпер для HTTP-слоя: ошибки доступа маппятся в 403/429.
func IsAccessError(err error) bool {
	return errors.Is(err, domain.ErrPermissionDenied) ||
		errors.Is(err, domain.ErrRateLimited) ||
		errors.Is(err, domain.ErrActorBlocked) ||
		errors.Is(err, domain.ErrInvalidKey)
}
