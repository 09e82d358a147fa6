package eventbus

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Типы событий, которые публикует ядро
const (
	TypeDecision      = "policy.decision"
	TypeGraphEffect   = "graph.effect"
	TypeGraphEdge     = "graph.edge"
	TypeLifecycle     = "graph.lifecycle"
	TypeRulesReloaded = "policy.reloaded"
	TypeAudit         = "audit.event"
)

// Event: единица фан-аута: решение, эффект графа, событие аудита.
type Event struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data,omitempty"`
}

// Subscription: подписка с собственным буферизованным каналом.
// Живет ровно столько, сколько живет соединение/запрос подписчика.
type Subscription struct {
	id    uint64
	ch    chan Event
	types map[string]struct{}
	bus   *Bus
	once  sync.Once
}

// C: канал событий подписки. Закрывается при Unsubscribe.
func (s *Subscription) C() <-chan Event { return s.ch }

// Close отписывает подписчика (идемпотентно).
func (s *Subscription) Close() { s.bus.Unsubscribe(s) }

func (s *Subscription) wants(t string) bool {
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[t]
	return ok
}

// Bus: явная шина событий. Передается коллабораторам по ссылке, глобального состояния нет.
// Publish никогда не блокируется: медленный подписчик теряет события, а не тормозит решение.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	buffer int
	logger *zap.Logger
}

func New(buffer int, logger *zap.Logger) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{
		subs:   make(map[uint64]*Subscription),
		buffer: buffer,
		logger: logger.Named("eventbus"),
	}
}

// Subscribe регистрирует подписчика. Пустой список типов: все события.
func (b *Bus) Subscribe(types ...string) *Subscription {
	s := &Subscription{
		ch:  make(chan Event, b.buffer),
		bus: b,
	}
	if len(types) > 0 {
		s.types = make(map[string]struct{}, len(types))
		for _, t := range types {
			s.types[t] = struct{}{}
		}
	}

	b.mu.Lock()
	b.nextID++
	s.id = b.nextID
	b.subs[s.id] = s
	b.mu.Unlock()
	return s
}

// Unsubscribe удаляет подписку и закрывает ее канал.
func (b *Bus) Unsubscribe(s *Subscription) {
	if s == nil {
		return
	}
	s.once.Do(func() {
		b.mu.Lock()
		delete(b.subs, s.id)
		close(s.ch)
		b.mu.Unlock()
	})
}

// Publish рассылает событие и возвращает число подписчиков, которым оно доставлено.
func (b *Bus) Publish(ev Event) int {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	delivered := 0
	for _, s := range b.subs {
		if !s.wants(ev.Type) {
			continue
		}
		select {
		case s.ch <- ev:
			delivered++
		default:
			b.logger.Debug("subscriber is slow, event dropped",
				zap.Uint64("sub", s.id),
				zap.String("type", ev.Type),
			)
		}
	}
	return delivered
}

// Len: число активных подписчиков.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
