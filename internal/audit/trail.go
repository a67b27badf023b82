package audit

/*
Файл trail.go реализует Audit Trail ядра оркестрации.

Две плоскости хранения:
- Кольцевой буфер фиксированной емкости в памяти — диагностическое окно
  (смотрится постранично через observability API). Старые записи
  вытесняются первыми; это не гарантия долговременного хранения.
- Опциональная персистентность: неблокирующий канал + воркер с пакетной
  записью (Bulk Insert) в PostgreSQL по таймеру или при достижении лимита.

Hot Path никогда не ждет БД: запись в буфер — чистая работа с памятью.
Аудит — compliance-поверхность, поэтому потери не замалчиваются: переполнение
канала и неудачный flush уходят в fallback-канал (zap error log).
*/

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// StorageInterface определяет, куда физически сохраняются записи.
type StorageInterface interface {
	// WriteBatch сохраняет пачку записей за один раз
	WriteBatch(ctx context.Context, records []Record) error
}

// Auditor — то, что видят контроллер доступа и оркестратор.
type Auditor interface {
	Log(rec Record)
}

type Trail struct {
	mu       sync.RWMutex
	ring     []Record // Кольцевой буфер
	capacity int
	next     int   // Позиция следующей записи
	total    int64 // Всего записей за время жизни (для пагинации и тестов)

	ch       chan Record      // Буфер для асинхронной персистентности
	storage  StorageInterface // nil — только кольцевой буфер
	logger   *zap.Logger
	wg       sync.WaitGroup
	isClosed int32 // Атомарный флаг (0 - открыт, 1 - закрыт)
}

// NewTrail создает трейл с буфером на capacity записей.
// storage == nil допустим: тогда воркер персистентности не стартует.
func NewTrail(capacity int, storage StorageInterface, logger *zap.Logger) *Trail {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Trail{
		ring:     make([]Record, 0, capacity),
		capacity: capacity,
		ch:       make(chan Record, 10000),
		storage:  storage,
		logger:   logger.With(zap.String("mod", "audit")),
	}
}

// Start запускает воркер пакетной записи (если настроено хранилище).
func (t *Trail) Start() {
	if t.storage == nil {
		return
	}
	t.wg.Add(1)
	go t.worker()
}

// Stop «запирает» вход в канал и ждет, пока воркер всё допишет (Drain Pattern).
func (t *Trail) Stop() {
	if t.storage == nil {
		return
	}
	atomic.StoreInt32(&t.isClosed, 1)

	// Крошечная пауза, чтобы текущие Log успели проскочить
	time.Sleep(10 * time.Millisecond)

	t.logger.Info("stopping audit trail: closing channel and flushing buffer...")
	close(t.ch)
	t.wg.Wait()
	t.logger.Info("audit trail stopped gracefully")
}

// Log добавляет запись. Не блокируется ни при каких обстоятельствах.
func (t *Trail) Log(rec Record) {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	// 1. Кольцевой буфер — всегда
	t.mu.Lock()
	if len(t.ring) < t.capacity {
		t.ring = append(t.ring, rec)
	} else {
		// Вытесняем самую старую запись
		t.ring[t.next] = rec
	}
	t.next = (t.next + 1) % t.capacity
	t.total++
	t.mu.Unlock()

	// 2. Персистентность — best effort, но никогда молча
	if t.storage == nil {
		return
	}
	if atomic.LoadInt32(&t.isClosed) == 1 {
		t.logger.Warn("audit record not persisted: trail is stopping", zap.String("id", rec.ID))
		return
	}
	select {
	case t.ch <- rec:
	default:
		// Backpressure: канал переполнен — фиксируем в fallback-канале,
		// чтобы след не потерялся бесследно
		t.logger.Error("audit_buffer_overflow",
			zap.String("actor", rec.Actor),
			zap.String("agent", rec.Agent),
			zap.String("action", string(rec.Action)),
		)
	}
}

// Read возвращает страницу записей, новые — первыми.
// page нумеруется с 1; perPage ограничивается емкостью буфера.
func (t *Trail) Read(page, perPage int) ([]Record, int64) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 || perPage > t.capacity {
		perPage = 50
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	n := len(t.ring)
	if n == 0 {
		return []Record{}, t.total
	}
	ordered := make([]Record, 0, n)
	// next указывает на самую старую запись при заполненном буфере
	for i := 1; i <= n; i++ {
		idx := (t.next - i + n) % n
		if n < t.capacity {
			// Буфер еще не заполнен: записи лежат в ring[0:n] по порядку
			idx = n - i
		}
		ordered = append(ordered, t.ring[idx])
	}

	start := (page - 1) * perPage
	if start >= len(ordered) {
		return []Record{}, t.total
	}
	end := start + perPage
	if end > len(ordered) {
		end = len(ordered)
	}
	return ordered[start:end], t.total
}

// Len — текущее наполнение окна (для метрик и тестов).
func (t *Trail) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.ring)
}

func (t *Trail) worker() {
	defer t.wg.Done()

	batch := make([]Record, 0, 100)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		// Кратковременный сбой БД не должен ронять compliance-след:
		// пара повторов с бэкоффом, затем fallback-канал.
		r := retry.New(
			retry.Attempts(3),
			retry.DelayType(retry.BackOffDelay),
		)
		err := r.Do(func() error {
			// Background: основной контекст может быть уже закрыт на shutdown
			return t.storage.WriteBatch(context.Background(), batch)
		})
		if err != nil {
			t.logger.Error("audit flush failed, records kept only in ring buffer",
				zap.Int("count", len(batch)), zap.Error(err))
		}
		batch = batch[:0]
	}

	for {
		select {
		case rec, ok := <-t.ch:
			if !ok {
				// Канал закрыт в Stop() — вычитали остатки, финальный сброс
				flush()
				t.logger.Info("audit worker finished")
				return
			}
			batch = append(batch, rec)
			if len(batch) >= 100 {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
