package registry

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/xela07ax/spaceai-orchestrator/internal/domain"
	"github.com/xela07ax/spaceai-orchestrator/internal/infra"
	"go.uber.org/zap"
)

// Discovery сканирует каталог JSON-манифестов и держит его под
// наблюдением: изменение файла превращается в Register либо Reload.
type Discovery struct {
	reg    *Registry
	dir    string
	logger *zap.Logger
}

func NewDiscovery(reg *Registry, dir string, logger *zap.Logger) *Discovery {
	return &Discovery{reg: reg, dir: dir, logger: logger.Named("discovery")}
}

// Scan проходит по каталогу один раз. Битый манифест не валит скан:
// файл пропускается с записью в лог, остальные регистрируются.
// Возвращает число успешно примененных манифестов.
func (d *Discovery) Scan() (int, error) {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return 0, err
	}

	applied := 0
	for _, ent := range entries {
		if ent.IsDir() || !strings.HasSuffix(ent.Name(), ".json") {
			continue
		}
		if err := d.applyManifest(filepath.Join(d.dir, ent.Name()), true); err != nil {
			d.logger.Warn("manifest skipped",
				zap.String("file", ent.Name()),
				zap.Error(err))
			continue
		}
		applied++
	}
	d.logger.Info("manifest scan complete", zap.String("dir", d.dir), zap.Int("applied", applied))
	return applied, nil
}

// applyManifest читает и валидирует один манифест. Для уже известного
// имени выполняется hot reload вместо регистрации. broadcast=false —
// применение чужого сигнала: ретрансляция запрещена (эхо-цикл).
func (d *Discovery) applyManifest(path string, broadcast bool) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var m domain.Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return err
	}
	desc, err := m.Descriptor()
	if err != nil {
		return err
	}

	if err := d.reg.Register(desc, nil); err != nil {
		if errors.Is(err, domain.ErrDuplicateName) {
			if broadcast {
				return d.reg.Reload(desc.Name, desc, nil)
			}
			return d.reg.applySignal(desc.Name, desc, nil)
		}
		return err
	}
	return nil
}

// Watch блокируется до отмены контекста, применяя манифесты по событиям
// файловой системы. Удаление файла агента НЕ дерегистрирует: снятие
// агента — явная операция консоли.
func (d *Discovery) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(d.dir); err != nil {
		return err
	}
	d.logger.Info("watching manifest dir", zap.String("dir", d.dir))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Write) {
				continue
			}
			if !strings.HasSuffix(ev.Name, ".json") {
				continue
			}
			if err := d.applyManifest(ev.Name, true); err != nil {
				d.logger.Warn("manifest skipped",
					zap.String("file", filepath.Base(ev.Name)),
					zap.Error(err))
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			d.logger.Error("watcher error", zap.Error(err))
		}
	}
}

// StartReloadListener подписывается на сигналы reload от соседних
// инстансов и перечитывает манифест названного агента с диска.
func (d *Discovery) StartReloadListener(ctx context.Context) {
	if d.reg.rdb == nil {
		return
	}
	go infra.ListenStateResilient(ctx, d.reg.rdb, d.logger, infra.RedisChanRegistryReload,
		func() error {
			// При переподключении полный рескан: пропущенные сигналы не теряются
			_, err := d.Scan()
			return err
		},
		d.handleSignal)
}

// handleSignal применяет один сигнал шины. Применение никогда не публикует:
// иначе единственный сигнал зацикливается между подписанными инстансами
// (включая отправителя), бесконечно сбрасывая предохранитель агента.
func (d *Discovery) handleSignal(name string, active bool) {
	if !active {
		// Консоль сняла агента с другого инстанса
		if err := d.reg.Deregister(name); err != nil && !errors.Is(err, domain.ErrNotFound) {
			d.logger.Warn("deregister signal apply failed", zap.String("agent", name), zap.Error(err))
		}
		return
	}
	path := filepath.Join(d.dir, name+".json")
	if _, err := os.Stat(path); err != nil {
		return // Манифест живет на другом инстансе
	}
	if err := d.applyManifest(path, false); err != nil {
		d.logger.Warn("reload signal apply failed", zap.String("agent", name), zap.Error(err))
	}
}
